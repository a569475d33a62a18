package client

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/spotter-app/spotter-server/internal/proto"
)

// Message is a confirmed, server-persisted chat message.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	Text            string
	SentAt          time.Time
	ClientMessageID string
}

func messageFromPayload(p proto.MessagePayload) Message {
	return Message{
		ID:              p.ID,
		ConversationID:  p.ConversationID,
		SenderID:        p.SenderID,
		Text:            p.Text,
		SentAt:          p.SentAt,
		ClientMessageID: p.ClientMessageID,
	}
}

// PendingStatus is the state of an optimistic send.
type PendingStatus int

const (
	PendingSending PendingStatus = iota
	PendingFailed
)

func (s PendingStatus) String() string {
	if s == PendingFailed {
		return "failed"
	}
	return "sending"
}

// Pending is a locally composed message the server has not confirmed yet.
type Pending struct {
	ClientMessageID string
	ConversationID  string
	Text            string
	Status          PendingStatus
	CreatedAt       time.Time
}

// Timeline is the message list of one conversation: confirmed messages
// deduplicated by server id, plus optimistic sends keyed by client id.
// A confirmed message carrying a client id replaces the matching pending entry.
//
// The synced watermark is the newest message up to which the timeline is known
// to hold everything the server stored. Only history pages and live room
// traffic move it; a REST send result does not, because messages from others
// may sit before it unseen.
type Timeline struct {
	mu        sync.Mutex
	confirmed map[string]Message
	pending   map[string]*Pending

	syncedID string
	live     bool
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		confirmed: make(map[string]Message),
		pending:   make(map[string]*Pending),
	}
}

// Merge adds confirmed messages without moving the synced watermark.
// It returns how many were new.
func (t *Timeline) Merge(msgs ...Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeLocked(msgs)
}

// MergeSynced adds a history page, oldest first, and moves the watermark to its last message.
func (t *Timeline) MergeSynced(msgs ...Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(msgs) > 0 {
		t.syncedID = msgs[len(msgs)-1].ID
	}
	return t.mergeLocked(msgs)
}

// MergeLive adds a message received from the room. Room traffic arrives in
// store order, so while the timeline is live the message becomes the watermark.
func (t *Timeline) MergeLive(msg Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live {
		t.syncedID = msg.ID
	}
	return t.mergeLocked([]Message{msg})
}

// SetLive marks whether room traffic is flowing without gaps.
func (t *Timeline) SetLive(live bool) {
	t.mu.Lock()
	t.live = live
	t.mu.Unlock()
}

// SyncedThrough returns the id of the watermark message, or "".
func (t *Timeline) SyncedThrough() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncedID
}

func (t *Timeline) mergeLocked(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if m.ClientMessageID != "" {
			delete(t.pending, m.ClientMessageID)
		}
		if _, ok := t.confirmed[m.ID]; ok {
			continue
		}
		t.confirmed[m.ID] = m
		added++
	}
	return added
}

// AddPending records an optimistic send.
func (t *Timeline) AddPending(p Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := p
	t.pending[p.ClientMessageID] = &cp
}

// SetPendingStatus updates a pending entry. It reports false when the entry is
// gone, typically because the server already confirmed it.
func (t *Timeline) SetPendingStatus(clientMessageID string, status PendingStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[clientMessageID]
	if !ok {
		return false
	}
	p.Status = status
	return true
}

// FailSending marks every in-flight entry failed and returns how many changed.
func (t *Timeline) FailSending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pending {
		if p.Status == PendingSending {
			p.Status = PendingFailed
			n++
		}
	}
	return n
}

// PendingEntry returns a copy of the pending entry.
func (t *Timeline) PendingEntry(clientMessageID string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[clientMessageID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Messages returns confirmed messages ordered by server timestamp, then id.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	out := make([]Message, 0, len(t.confirmed))
	for _, m := range t.confirmed {
		out = append(out, m)
	}
	t.mu.Unlock()

	slices.SortFunc(out, compareMessages)
	return out
}

// Pending returns unconfirmed entries in creation order.
func (t *Timeline) Pending() []Pending {
	t.mu.Lock()
	out := make([]Pending, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b Pending) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientMessageID, b.ClientMessageID)
	})
	return out
}

func compareMessages(a, b Message) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
