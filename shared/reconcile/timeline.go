// Package reconcile implements the client side of message delivery: optimistic
// entries are rendered immediately and later replaced by server-confirmed messages.
//
// It is transport-agnostic and safe for concurrent use.
package reconcile

import (
	"strings"
	"sync"

	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

// Status of a timeline entry.
type Status uint8

const (
	// StatusPending: rendered locally, not yet confirmed.
	StatusPending Status = iota
	// StatusConfirmed: server-confirmed message.
	StatusConfirmed
	// StatusFailed: the server rejected the submission. Kept visible so the user can retry.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome of merging a confirmed message.
type Outcome uint8

const (
	// Replaced: an optimistic entry with the same correlation id was replaced in place.
	Replaced Outcome = iota + 1
	// Appended: no local entry matched; the message was appended.
	Appended
	// Duplicate: the message was already confirmed; nothing changed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Entry is one rendered message.
type Entry struct {
	Message v1.MessagePayload
	Status  Status
}

// Timeline is the local message list of one conversation.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry
	byCorr  map[string]int // sender|correlation id -> index of a pending/failed entry
	byID    map[string]int // server id -> index of a confirmed entry
}

// NewTimeline returns an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byCorr: make(map[string]int),
		byID:   make(map[string]int),
	}
}

// corrKey scopes a correlation id to its sender, as the server does when it dedupes.
func corrKey(from, correlationID string) (string, bool) {
	from = strings.TrimSpace(from)
	corr := strings.TrimSpace(correlationID)
	if from == "" || corr == "" {
		return "", false
	}
	return from + "|" + corr, true
}

// AddOptimistic renders msg as pending. msg.From and msg.CorrelationID are required;
// a second optimistic entry with the same sender and correlation id is ignored.
func (t *Timeline) AddOptimistic(msg v1.MessagePayload) bool {
	key, ok := corrKey(msg.From, msg.CorrelationID)
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.byCorr[key]; dup {
		return false
	}
	msg.From = strings.TrimSpace(msg.From)
	msg.CorrelationID = strings.TrimSpace(msg.CorrelationID)
	t.entries = append(t.entries, Entry{Message: msg, Status: StatusPending})
	t.byCorr[key] = len(t.entries) - 1
	return true
}

// Confirm merges a server-confirmed message.
//
// Matching order: the server id (duplicate delivery), then the pending entry with the
// same sender and correlation id (replaced in place, keeping its position), else append.
// A correlation id from another sender never matches a local entry.
func (t *Timeline) Confirm(msg v1.MessagePayload) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[msg.ID]; ok && msg.ID != "" {
		return Duplicate
	}

	if key, ok := corrKey(msg.From, msg.CorrelationID); ok {
		if i, ok := t.byCorr[key]; ok {
			t.entries[i] = Entry{Message: msg, Status: StatusConfirmed}
			delete(t.byCorr, key)
			if msg.ID != "" {
				t.byID[msg.ID] = i
			}
			return Replaced
		}
	}

	t.entries = append(t.entries, Entry{Message: msg, Status: StatusConfirmed})
	if msg.ID != "" {
		t.byID[msg.ID] = len(t.entries) - 1
	}
	return Appended
}

// Fail marks the pending entry of from with correlationID as failed. It is never removed.
func (t *Timeline) Fail(from, correlationID string) bool {
	key, ok := corrKey(from, correlationID)
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byCorr[key]
	if !ok {
		return false
	}
	t.entries[i].Status = StatusFailed
	return true
}

// Retry moves a failed entry back to pending and returns it for resubmission.
func (t *Timeline) Retry(from, correlationID string) (v1.MessagePayload, bool) {
	key, ok := corrKey(from, correlationID)
	if !ok {
		return v1.MessagePayload{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byCorr[key]
	if !ok || t.entries[i].Status != StatusFailed {
		return v1.MessagePayload{}, false
	}
	t.entries[i].Status = StatusPending
	return t.entries[i].Message, true
}

// Entries returns a snapshot in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Pending returns entries not yet confirmed (pending or failed).
func (t *Timeline) Pending() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.byCorr))
	for _, e := range t.entries {
		if e.Status != StatusConfirmed {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of visible entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
