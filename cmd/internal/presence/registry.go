// Package presence tracks which users currently hold live connections.
//
// The Registry is process-local and starts empty; it is the source of truth for
// "who is online". A Mirror can optionally publish that state for other readers.
package presence

import (
	"sort"
	"strings"
	"sync"
)

// Registry maps user ids to their set of live connection handles.
//
// A user is present iff it has at least one registered handle. All methods are safe for
// concurrent use.
type Registry[H comparable] struct {
	mu     sync.RWMutex
	byUser map[string]map[H]struct{}
	byConn map[H]string
}

// NewRegistry constructs an empty Registry.
func NewRegistry[H comparable]() *Registry[H] {
	return &Registry[H]{
		byUser: make(map[string]map[H]struct{}),
		byConn: make(map[H]string),
	}
}

// Register binds h to userID. It reports whether this is the user's first live handle.
//
// Registering the same handle twice for the same user is a no-op (first=false).
// A handle already bound to another user is moved.
func (r *Registry[H]) Register(userID string, h H) (first bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[h]; ok {
		if prev == userID {
			return false
		}
		r.removeLocked(prev, h)
	}

	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[H]struct{}, 1)
		r.byUser[userID] = set
	}
	set[h] = struct{}{}
	r.byConn[h] = userID
	return len(set) == 1
}

// Unregister removes h. It returns the user h was bound to and whether that was the
// user's last live handle. Unknown handles return ("", false).
func (r *Registry[H]) Unregister(h H) (userID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[h]
	if !ok {
		return "", false
	}
	return userID, r.removeLocked(userID, h)
}

func (r *Registry[H]) removeLocked(userID string, h H) (last bool) {
	delete(r.byConn, h)
	set := r.byUser[userID]
	delete(set, h)
	if len(set) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// IsPresent reports whether userID holds at least one live handle.
func (r *Registry[H]) IsPresent(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// RoomOf returns a snapshot of userID's live handles.
func (r *Registry[H]) RoomOf(userID string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]H, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// UserOf returns the user bound to h.
func (r *Registry[H]) UserOf(h H) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[h]
	return u, ok
}

// PresentUsers returns every present user id, sorted.
func (r *Registry[H]) PresentUsers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Filter returns the subset of userIDs that are present, preserving input order
// and dropping duplicates.
func (r *Registry[H]) Filter(userIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if len(r.byUser[u]) > 0 {
			out = append(out, u)
		}
	}
	return out
}

// Len returns the number of live handles.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
