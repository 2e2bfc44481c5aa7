package realtime

import (
	"log/slog"
	"sync"

	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

// Conversation is the ephemeral subscriber set of one conversation room.
// It carries typing signals only; message delivery goes through per-user rooms.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Conversation struct {
	log  *slog.Logger
	ID   string
	Kind string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewConversation constructs a conversation room.
func NewConversation(log *slog.Logger, id, kind string) *Conversation {
	return &Conversation{
		log:     log,
		ID:      id,
		Kind:    kind,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the room.
func (c *Conversation) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.SessionID] = client
	c.mu.Unlock()

	c.log.Debug("conversation.member.join", "conversation_id", c.ID, "session_id", client.SessionID)
}

// Leave removes a session from the room. It reports how many members remain.
func (c *Conversation) Leave(sessionID string) int {
	if c == nil || sessionID == "" {
		return 0
	}

	c.mu.Lock()
	delete(c.members, sessionID)
	n := len(c.members)
	c.mu.Unlock()

	c.log.Debug("conversation.member.leave", "conversation_id", c.ID, "session_id", sessionID)
	return n
}

// Len returns the number of subscribed sessions.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// BroadcastExcept fans env out to every member except exceptSession.
// Non-blocking: full or closing members are skipped and counted as dropped.
func (c *Conversation) BroadcastExcept(env v1.Envelope, exceptSession string) (delivered, dropped int) {
	if c == nil {
		return 0, 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for sid, m := range c.members {
		if m == nil || sid == exceptSession {
			continue
		}
		if m.offer(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
