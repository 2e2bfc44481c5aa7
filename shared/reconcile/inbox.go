package reconcile

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

// Summary is the list row of a conversation.
type Summary struct {
	ConversationID string
	LastMessage    string
	LastMessageAt  time.Time
}

// Inbox holds every timeline of a client plus the conversation list order
// (most recent message first).
type Inbox struct {
	mu        sync.Mutex
	timelines map[string]*Timeline
	summaries map[string]Summary
}

// NewInbox returns an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{
		timelines: make(map[string]*Timeline),
		summaries: make(map[string]Summary),
	}
}

// Timeline returns the timeline of conversationID, creating it on first use.
func (b *Inbox) Timeline(conversationID string) *Timeline {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.timelines[conversationID]
	if !ok {
		t = NewTimeline()
		b.timelines[conversationID] = t
	}
	return t
}

// Seed sets the list row of a conversation loaded from the HTTP surface.
func (b *Inbox) Seed(s Summary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bumpLocked(s)
}

// Submit renders an optimistic message and moves its conversation to the top.
func (b *Inbox) Submit(msg v1.MessagePayload) bool {
	if !b.Timeline(msg.ConversationID).AddOptimistic(msg) {
		return false
	}
	b.mu.Lock()
	b.bumpLocked(Summary{ConversationID: msg.ConversationID, LastMessage: msg.Content, LastMessageAt: msg.SentAt})
	b.mu.Unlock()
	return true
}

// Receive merges a message_received payload.
func (b *Inbox) Receive(p v1.MessageReceivedPayload) Outcome {
	convID := p.ConversationID
	if convID == "" {
		convID = p.Message.ConversationID
	}
	out := b.Timeline(convID).Confirm(p.Message)
	if out != Duplicate {
		b.mu.Lock()
		b.bumpLocked(Summary{ConversationID: convID, LastMessage: p.Message.Content, LastMessageAt: p.Message.SentAt})
		b.mu.Unlock()
	}
	return out
}

// Reject marks the optimistic message of a submission_error as failed.
// from is the local user: submission errors only ever reach the submitter.
func (b *Inbox) Reject(conversationID, from string, e v1.ErrorPayload) bool {
	return b.Timeline(conversationID).Fail(from, e.CorrelationID)
}

// Order returns the conversation list, most recent first; ties by id.
func (b *Inbox) Order() []Summary {
	b.mu.Lock()
	out := make([]Summary, 0, len(b.summaries))
	for _, s := range b.summaries {
		out = append(out, s)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// bumpLocked never moves a row back in time (late duplicates or stale seeds).
func (b *Inbox) bumpLocked(s Summary) {
	if cur, ok := b.summaries[s.ConversationID]; ok && cur.LastMessageAt.After(s.LastMessageAt) {
		return
	}
	b.summaries[s.ConversationID] = s
}
