package realtime

import (
	"sync"

	v1 "github.com/WhiteRabbitCoder/SDH-Chat/shared/contracts/realtime/v1"
)

// ConnState is the lifecycle state of one connection.
type ConnState uint8

const (
	// StateConnected: handshake done, no user bound.
	StateConnected ConnState = iota
	// StateIdentified: bound to a user via join.
	StateIdentified
	// StateClosed is terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client represents one connected websocket session.
//
// Design notes:
// - Send is never closed by the server; broadcasters may still hold it.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	state  ConnState
	userID string
	topics map[string]struct{}
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		topics:    make(map[string]struct{}),
	}
}

// UserID returns the bound user, or "" before join.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// identify binds the client to userID. Closed clients stay closed.
func (c *Client) identify(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.userID = userID
	c.state = StateIdentified
	return true
}

// forget drops the user binding (re-join as another user).
func (c *Client) forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdentified {
		c.userID = ""
		c.state = StateConnected
	}
}

// markClosed moves to StateClosed and returns the user that was bound plus the
// subscribed topics, so the caller can tear them down exactly once.
func (c *Client) markClosed() (userID string, topics []string, wasOpen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return "", nil, false
	}
	userID = c.userID
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.topics = map[string]struct{}{}
	c.state = StateClosed
	return userID, topics, true
}

// subscribe records topic. It reports false when the client is already closed,
// in which case the caller must undo its hub subscription.
func (c *Client) subscribe(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.topics[topic] = struct{}{}
	return true
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// Subscribed reports whether the client joined the conversation room topic.
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the queue is full
// or the client is shutting down.
func (c *Client) offer(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
