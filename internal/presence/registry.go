// Package presence tracks which user identities currently own a live
// connection. A user maps to at most one connection at a time; the last
// announce wins.
package presence

import (
	"sort"
	"sync"
)

// Handle is a live transport session that events can be written to.
type Handle interface {
	ConnID() string
	WriteMessage(data []byte) error
}

// Registry maps user identities to their current connection. It is safe for
// concurrent use. Each server owns one Registry; nothing is global.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Handle // user id -> handle
	byConn map[string]string // conn id -> user id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Handle),
		byConn: make(map[string]string),
	}
}

// Announce binds userID to h, overwriting any previous binding for that
// user. It returns the handle that was displaced, or nil. A connection that
// re-announces as a different user releases its old identity.
func (r *Registry) Announce(h Handle, userID string) Handle {
	connID := h.ConnID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		if cur, ok := r.byUser[prevUser]; ok && cur.ConnID() == connID {
			delete(r.byUser, prevUser)
		}
	}

	var displaced Handle
	if prev, ok := r.byUser[userID]; ok && prev.ConnID() != connID {
		delete(r.byConn, prev.ConnID())
		displaced = prev
	}

	r.byUser[userID] = h
	r.byConn[connID] = userID
	return displaced
}

// Lookup returns the connection currently bound to userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.byUser[userID]
	r.mu.RUnlock()
	return h, ok
}

// Remove unbinds whichever identity maps to exactly this connection. If a
// newer connection has since taken over the identity, nothing changes.
// Returns the unbound user id and whether a binding was removed.
func (r *Registry) Remove(h Handle) (string, bool) {
	connID := h.ConnID()

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	cur, ok := r.byUser[userID]
	if !ok || cur.ConnID() != connID {
		return "", false
	}
	delete(r.byUser, userID)
	return userID, true
}

// UserOf returns the identity the connection announced, if it is still
// bound.
func (r *Registry) UserOf(h Handle) (string, bool) {
	r.mu.RLock()
	userID, ok := r.byConn[h.ConnID()]
	r.mu.RUnlock()
	return userID, ok
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// Online returns the sorted identities of all online users.
func (r *Registry) Online() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Clear drops every binding. Called on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.byUser = make(map[string]Handle)
	r.byConn = make(map[string]string)
	r.mu.Unlock()
}
