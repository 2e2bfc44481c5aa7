package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory conversation rooms used for typing fan-out.
// Rooms are created on first subscribe and released when empty.
type Hub struct {
	log *slog.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:           log,
		conversations: make(map[string]*Conversation),
	}
}

// Subscribe adds client to the room of conversationID, creating it if needed.
func (h *Hub) Subscribe(conversationID, kind string, client *Client) *Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conversations[conversationID]
	if !ok {
		c = NewConversation(h.log, conversationID, kind)
		h.conversations[conversationID] = c
	}
	c.Join(client)
	return c
}

// Unsubscribe removes sessionID from the room and drops the room when it is empty.
// Holding h.mu keeps a concurrent Subscribe from joining a room that is being dropped.
func (h *Hub) Unsubscribe(conversationID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conversations[conversationID]
	if !ok {
		return
	}
	if c.Leave(sessionID) == 0 {
		delete(h.conversations, conversationID)
	}
}

// Lookup returns the room of conversationID when it has subscribers.
func (h *Hub) Lookup(conversationID string) (*Conversation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conversations[conversationID]
	return c, ok
}

// Len returns the number of live rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conversations)
}
