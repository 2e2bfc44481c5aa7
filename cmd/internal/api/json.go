package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Wire error body: {"error": {"code": "...", "message": "..."}}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

var (
	errEmptyBody   = errors.New("empty body")
	errTrailingDoc = errors.New("extra data after JSON object")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// bindJSON decodes the request body into dst, answering the request itself when the
// body is unusable: 413 body_too_large past MaxBodyBytes, 400 invalid_json otherwise.
func (h *Handler) bindJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return false
	}
	h.log.Debug("api.decode.fail", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
	return false
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errTrailingDoc
	}
	return nil
}
