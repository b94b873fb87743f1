package realtime

import (
	"sort"
	"sync"
)

// Registry tracks live connections per user. It knows nothing about rooms
// or message content.
//
// A single lock covers both the forward (user -> connections) and reverse
// (connection -> user) maps so that a removal never observes one without
// the other.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // userID -> set of connID
	byConn map[string]string              // connID -> userID
}

// RemoveResult describes the outcome of removeConnection. The zero value
// means the connection was unknown.
type RemoveResult struct {
	UserID        string
	BecameOffline bool
	Known         bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// addConnection inserts connID into the user's connection set and reports
// whether it is the user's first connection. Adding the same pair twice is
// a no-op. A connection that already belongs to another user keeps its
// owner and the call returns false.
func (r *Registry) addConnection(userID, connID string) bool {
	_, first := r.add(userID, connID)
	return first
}

// add reports whether connID was inserted and whether it is the first
// connection of userID.
func (r *Registry) add(userID, connID string) (added, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection's owner is set once.
	if _, ok := r.byConn[connID]; ok {
		return false, false
	}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID

	return true, len(conns) == 1
}

// removeConnection removes connID from its owner's set and drops the set
// when it becomes empty. Unknown connections yield the zero RemoveResult;
// duplicate disconnects are expected and are not errors.
func (r *Registry) removeConnection(connID string) RemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return RemoveResult{}
	}
	delete(r.byConn, connID)

	res := RemoveResult{UserID: userID, Known: true}
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
			res.BecameOffline = true
		}
	}
	return res
}

// ListConnections returns a sorted snapshot of the user's connections.
func (r *Registry) ListConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byUser[userID])
}

// ListOnlineUserIDs returns a sorted snapshot of every user with at least
// one connection.
func (r *Registry) ListOnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

// ListAllConnections returns every registered connection id.
func (r *Registry) ListAllConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byConn))
	for connID := range r.byConn {
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}

// UserOf returns the owner of a registered connection.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// HasConnections reports whether the user has at least one connection.
func (r *Registry) HasConnections(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// UserCount returns the number of users with at least one connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
