package client

import (
	"slices"
	"sync"
	"time"
)

// TypingTracker holds the users currently typing in the open conversation.
// An indicator expires on its own after the lifetime even if no stop arrives.
type TypingTracker struct {
	mu       sync.Mutex
	lifetime time.Duration
	now      func() time.Time
	expires  map[string]time.Time
	timers   map[string]*time.Timer
	onChange func()
}

// NewTypingTracker creates a tracker. onChange, if set, runs when an indicator expires.
func NewTypingTracker(lifetime time.Duration, onChange func()) *TypingTracker {
	return &TypingTracker{
		lifetime: lifetime,
		now:      time.Now,
		expires:  make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// Start marks userID as typing, extending an existing indicator.
func (t *TypingTracker) Start(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expires[userID] = t.now().Add(t.lifetime)
	if timer, ok := t.timers[userID]; ok {
		timer.Reset(t.lifetime)
		return
	}
	t.timers[userID] = time.AfterFunc(t.lifetime, func() { t.expire(userID) })
}

// Stop clears userID's indicator.
func (t *TypingTracker) Stop(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(userID)
}

// Reset clears every indicator.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID := range t.expires {
		t.removeLocked(userID)
	}
}

// Active returns the users still typing, sorted.
func (t *TypingTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]string, 0, len(t.expires))
	for userID, at := range t.expires {
		if !now.Before(at) {
			t.removeLocked(userID)
			continue
		}
		out = append(out, userID)
	}
	slices.Sort(out)
	return out
}

func (t *TypingTracker) expire(userID string) {
	t.mu.Lock()
	at, ok := t.expires[userID]
	if !ok || t.now().Before(at) {
		t.mu.Unlock()
		return
	}
	t.removeLocked(userID)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange()
	}
}

func (t *TypingTracker) removeLocked(userID string) {
	delete(t.expires, userID)
	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
	}
}
