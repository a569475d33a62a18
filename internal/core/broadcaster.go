package core

import "github.com/rs/zerolog"

// Broadcaster fans events out to the members of a conversation room.
// Delivery is best-effort: closed or saturated connections are skipped and never retried.
type Broadcaster struct {
	rooms *RoomRegistry
	log   *zerolog.Logger
}

// NewBroadcaster creates a broadcaster over the given room registry.
func NewBroadcaster(rooms *RoomRegistry, logger *zerolog.Logger) *Broadcaster {
	return &Broadcaster{rooms: rooms, log: logger}
}

// Broadcast sends a new_message event for msg to every member of the room
// except exclude (which may be nil). It returns the number of connections reached.
func (b *Broadcaster) Broadcast(conversationID string, msg Message, exclude *Conn) int {
	return b.BroadcastEvent(conversationID, &Event{
		Kind:           EventNewMessage,
		ConversationID: conversationID,
		UserID:         msg.SenderID,
		Message:        &msg,
	}, exclude)
}

// BroadcastEvent sends ev to every member of the room except exclude.
func (b *Broadcaster) BroadcastEvent(conversationID string, ev *Event, exclude *Conn) int {
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID
	}
	return b.broadcastExcept(conversationID, ev, excludeID)
}

func (b *Broadcaster) broadcastExcept(conversationID string, ev *Event, excludeID string) int {
	delivered := 0
	members := b.rooms.MembersOf(conversationID)
	for _, c := range members {
		if excludeID != "" && c.ID == excludeID {
			continue
		}
		if c.Deliver(ev) {
			delivered++
		}
	}

	b.log.Debug().
		Str("conversation_id", conversationID).
		Str("event", ev.Kind.String()).
		Int("members", len(members)).
		Int("delivered", delivered).
		Msg("room broadcast")
	return delivered
}
