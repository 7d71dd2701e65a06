// Package relay tracks which users currently hold a live connection via the
// Presence table.
package relay

import "sync"

// Presence maps each online user to their active connection identifier.
// The model is single-session: a reconnect overwrites the previous entry,
// and unregistration only succeeds for the connection that owns the entry,
// so a stale disconnect cannot evict a newer session.
type Presence struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewPresence creates an empty presence table.
func NewPresence() *Presence {
	return &Presence{sessions: make(map[string]string)}
}

// Register records connID as the active connection for userID, replacing
// any previous entry. Last write wins.
func (p *Presence) Register(userID, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[userID] = connID
}

// Unregister removes the entry for userID only if it is still owned by
// connID. It reports whether an entry was removed.
func (p *Presence) Unregister(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.sessions[userID]
	if !ok || current != connID {
		return false
	}
	delete(p.sessions, userID)
	return true
}

// Snapshot returns the ids of all currently online users. The snapshot is
// not transactionally consistent with concurrent registrations; it is used
// once per new connection to seed the client's presence view.
func (p *Presence) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	userIDs := make([]string, 0, len(p.sessions))
	for userID := range p.sessions {
		userIDs = append(userIDs, userID)
	}
	return userIDs
}
