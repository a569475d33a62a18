package core

import "sync"

// ConnectionRegistry maps a user identity to its open connections.
// A user may be connected from several devices at once.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	byUser map[string]map[*Conn]struct{}
	byConn map[*Conn]string
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byUser: make(map[string]map[*Conn]struct{}),
		byConn: make(map[*Conn]string),
	}
}

// Register adds the connection under userID. Registering the same pair again is a no-op;
// registering under another identity moves the connection.
func (r *ConnectionRegistry) Register(c *Conn, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byConn[c]; ok {
		if current == userID {
			return
		}
		r.removeLocked(c, current)
	}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[*Conn]struct{})
		r.byUser[userID] = conns
	}
	conns[c] = struct{}{}
	r.byConn[c] = userID
}

// Unregister removes the connection from whatever identity it was registered under.
// Unknown connections are ignored.
func (r *ConnectionRegistry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if userID, ok := r.byConn[c]; ok {
		r.removeLocked(c, userID)
	}
}

func (r *ConnectionRegistry) removeLocked(c *Conn, userID string) {
	delete(r.byConn, c)
	conns := r.byUser[userID]
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
}

// ConnectionsOf returns a snapshot of the user's connections.
func (r *ConnectionRegistry) ConnectionsOf(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]*Conn, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// BroadcastToUser delivers the event to every open connection of the user and
// returns how many accepted it. An offline user is not an error.
func (r *ConnectionRegistry) BroadcastToUser(userID string, ev *Event) int {
	delivered := 0
	for _, c := range r.ConnectionsOf(userID) {
		if c.Deliver(ev) {
			delivered++
		}
	}
	return delivered
}

// Len returns the number of registered connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
