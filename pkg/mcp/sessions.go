package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps operator IDs to MCP session IDs.
// Populated when an operator calls any tool with operator_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // operatorID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an operator with a session, replacing any older one.
func (r *SessionRegistry) Register(operatorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[operatorID] = sessionID
}

// SessionFor returns the session ID for the given operator, if connected.
func (r *SessionRegistry) SessionFor(operatorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[operatorID]
	return sid, ok
}

// Operators returns the connected operator IDs in sorted order.
func (r *SessionRegistry) Operators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove deletes all operator mappings for the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for oid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, oid)
		}
	}
}
