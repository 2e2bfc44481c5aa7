package realtime

import (
	"errors"
	"fmt"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

// Error kinds of connection-scoped tasks.
var (
	ErrValidation       = errors.New("validation")
	ErrPersistence      = errors.New("persistence")
	ErrNotFound         = errors.New("not_found")
	ErrBroadcastPartial = errors.New("broadcast_partial")
)

// Wire codes carried by error and submission_error events.
const (
	CodeValidation  = "validation"
	CodePersistence = "persistence"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeBadJSON     = "bad_json"
	CodeBadEnvelope = "bad_envelope"
	CodeUnsupported = "unsupported"
)

// TaskError is the error of one connection-scoped task.
type TaskError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *TaskError) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *TaskError) Is(target error) bool { return target == e.Kind }

func (e *TaskError) Unwrap() error { return e.Err }

func validationErr(op, msg string) error {
	return &TaskError{Op: op, Kind: ErrValidation, Msg: msg}
}

// storeErr classifies a gateway failure.
func storeErr(op string, err error) error {
	switch {
	case store.IsNotFound(err):
		return &TaskError{Op: op, Kind: ErrNotFound, Msg: "not found", Err: err}
	case store.IsInvalidInput(err):
		return &TaskError{Op: op, Kind: ErrValidation, Msg: "invalid input", Err: err}
	default:
		return &TaskError{Op: op, Kind: ErrPersistence, Msg: "store unavailable", Err: err}
	}
}

// ErrorCode maps err to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodePersistence
	}
}

// publicMessage is the text shown to the client. Store internals are not leaked.
func publicMessage(err error) string {
	var te *TaskError
	if errors.As(err, &te) && te.Msg != "" {
		return te.Msg
	}
	return "internal error"
}
