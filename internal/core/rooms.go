package core

import "sync"

// RoomRegistry maps a conversation id to the connections currently joined to it.
// A connection is in at most one room; rooms are created on first join and
// pruned when their last member leaves.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Conn]struct{}
	byConn map[*Conn]string
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]map[*Conn]struct{}),
		byConn: make(map[*Conn]string),
	}
}

// Join adds the connection to the room, leaving its previous room first.
// It returns the room that was left, or "" if none.
func (r *RoomRegistry) Join(conversationID string, c *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.byConn[c]
	if ok {
		if previous == conversationID {
			return ""
		}
		r.removeLocked(c, previous)
	}

	members, exists := r.rooms[conversationID]
	if !exists {
		members = make(map[*Conn]struct{})
		r.rooms[conversationID] = members
		wsRooms.Inc()
	}
	members[c] = struct{}{}
	r.byConn[c] = conversationID

	return previous
}

// Leave removes the connection from its room and returns the room id, or "" if
// the connection was not in any room.
func (r *RoomRegistry) Leave(c *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byConn[c]
	if !ok {
		return ""
	}
	r.removeLocked(c, current)
	return current
}

func (r *RoomRegistry) removeLocked(c *Conn, conversationID string) {
	delete(r.byConn, c)
	members := r.rooms[conversationID]
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, conversationID)
		wsRooms.Dec()
	}
}

// MembersOf returns a snapshot of the room's members; empty for unknown rooms.
func (r *RoomRegistry) MembersOf(conversationID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[conversationID]
	out := make([]*Conn, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// RoomOf returns the room the connection is in, or "".
func (r *RoomRegistry) RoomOf(c *Conn) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[c]
}

// Len returns the number of non-empty rooms.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
