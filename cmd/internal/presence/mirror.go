package presence

import (
	"context"
	"time"
)

// Mirror publishes presence transitions outside the process (write-behind).
//
// The Registry stays authoritative; mirror failures are logged by callers and never
// block a transition.
type Mirror interface {
	// Online marks userID online at the given time.
	Online(ctx context.Context, userID string, at time.Time) error
	// Offline marks userID offline and records last-seen.
	Offline(ctx context.Context, userID string, at time.Time) error
	// Clear drops every online marker (used at boot).
	Clear(ctx context.Context) error
	// OnlineUsers returns the mirrored online set, sorted.
	OnlineUsers(ctx context.Context) ([]string, error)
	Close() error
}

// NopMirror is used when no mirror backend is configured.
type NopMirror struct{}

func (NopMirror) Online(context.Context, string, time.Time) error  { return nil }
func (NopMirror) Offline(context.Context, string, time.Time) error { return nil }
func (NopMirror) Clear(context.Context) error                      { return nil }
func (NopMirror) OnlineUsers(context.Context) ([]string, error)    { return nil, nil }
func (NopMirror) Close() error                                     { return nil }

var _ Mirror = NopMirror{}
