package mcp

import "sync"

// SessionRegistry maps instance IDs to MCP session IDs. Populated when a
// session starts an instance, so status notifications can be pushed back to
// the client that owns it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // instanceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an instance ID with a session ID. A repeated register
// overwrites the previous session (reconnect).
func (r *SessionRegistry) Register(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[instanceID] = sessionID
}

// SessionFor returns the session ID owning the given instance, if any.
func (r *SessionRegistry) SessionFor(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[instanceID]
	return sid, ok
}

// Remove deletes all instance mappings for the given session ID. Called
// when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, iid)
		}
	}
}
