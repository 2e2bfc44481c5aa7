// Package v1 defines the SDH-Chat Realtime Protocol v1 contract.
//
// It depends on the standard library only.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoin binds a connection to a user identifier (client -> server) and is echoed back.
	TypeJoin = "join"

	// TypeSubmitMessage submits a new message into a conversation (client -> server).
	TypeSubmitMessage = "submit_message"
	// TypeMessageReceived delivers a persisted message (server -> every participant room).
	TypeMessageReceived = "message_received"
	// TypeSubmissionError reports a failed submission (server -> originating connection only).
	TypeSubmissionError = "submission_error"

	// TypePresenceChanged announces a user going online/offline (server -> co-participants).
	TypePresenceChanged = "presence_changed"

	// TypeTypingState is an advisory typing signal (client -> server -> conversation room).
	TypeTypingState = "typing_state"

	// TypeGroupChanged notifies group members that group metadata changed (both directions).
	TypeGroupChanged = "group_changed"

	// TypeConversationJoin subscribes to a conversation room (client -> server) and is echoed back.
	TypeConversationJoin = "conversation_join"
	// TypeConversationLeave unsubscribes from a conversation room (client -> server).
	TypeConversationLeave = "conversation_leave"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Presence states.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeSubmitMessage,
		TypeMessageReceived,
		TypeSubmissionError,
		TypePresenceChanged,
		TypeTypingState,
		TypeGroupChanged,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinPayload announces the user identifier of the connection.
// The server echo additionally carries the assigned SessionID.
type JoinPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// SubmitMessagePayload submits a message. Type defaults to "text".
// CorrelationID is the sender-chosen optimistic id, echoed on delivery.
type SubmitMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// MessagePayload is the persisted message representation on the wire.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	From           string    `json:"from"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	Seen           bool      `json:"seen"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

// MessageReceivedPayload is delivered to each participant room.
type MessageReceivedPayload struct {
	ConversationID string         `json:"conversation_id"`
	Message        MessagePayload `json:"message"`
}

// PresenceChangedPayload announces a presence transition.
type PresenceChangedPayload struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

// TypingStatePayload is forwarded verbatim to the conversation room.
type TypingStatePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// GroupChangedPayload is sent by a client after editing a group and fanned out by the server.
type GroupChangedPayload struct {
	GroupID   string    `json:"group_id"`
	UpdatedBy string    `json:"updated_by"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ConversationJoinPayload subscribes to a conversation room.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
}

// ConversationHistoryFetchPayload requests a history window for a conversation.
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	AfterSeq       *int64 `json:"after_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages for a history fetch request.
type ConversationHistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	HasMore        bool             `json:"has_more"`
}

// ErrorPayload is the error response payload.
// CorrelationID is set for submission errors so the client can flag its optimistic message.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
