// Package unread tracks which conversations of the active sector are unread.
package unread

import (
	"fmt"
	"maps"
	"sync"
	"time"
)

// Convention says how to read the values of a server unread_status map.
type Convention string

const (
	// Viewed maps carry true for conversations the agent has seen.
	Viewed Convention = "viewed"
	// Unread maps carry true for conversations with unseen messages.
	Unread Convention = "unread"
)

// ParseConvention validates a configured convention; "" means Viewed.
func ParseConvention(s string) (Convention, error) {
	switch Convention(s) {
	case "", Viewed:
		return Viewed, nil
	case Unread:
		return Unread, nil
	default:
		return "", fmt.Errorf("unknown unread convention %q (want viewed or unread)", s)
	}
}

// DefaultStaleWindow is how far before receipt a delta without its own
// timestamp is assumed to have been observed by the server.
const DefaultStaleWindow = 3 * time.Second

// Tracker holds conversationID -> unread. A local read wins over any server
// delta observed at or before it.
type Tracker struct {
	convention  Convention
	staleWindow time.Duration
	onChange    func(map[int64]bool)

	mu     sync.Mutex
	state  map[int64]bool
	readAt map[int64]time.Time
	open   int64
}

func New(convention Convention, staleWindow time.Duration, onChange func(map[int64]bool)) *Tracker {
	if convention == "" {
		convention = Viewed
	}
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &Tracker{
		convention:  convention,
		staleWindow: staleWindow,
		onChange:    onChange,
		state:       make(map[int64]bool),
		readAt:      make(map[int64]time.Time),
	}
}

// ObservedAt is the time a delta describes: its own timestamp when present,
// otherwise receipt time minus the stale window.
func (t *Tracker) ObservedAt(at, receivedAt time.Time) time.Time {
	if !at.IsZero() {
		return at
	}
	return receivedAt.Add(-t.staleWindow)
}

// ApplyServerDelta merges a raw server map observed at observedAt and returns
// the conversations whose state changed.
func (t *Tracker) ApplyServerDelta(raw map[int64]bool, observedAt time.Time) []int64 {
	t.mu.Lock()
	var changed []int64
	for id, v := range raw {
		unread := v
		if t.convention == Viewed {
			unread = !v
		}
		if unread && t.suppressedLocked(id, observedAt) {
			continue
		}
		if t.setLocked(id, unread) {
			changed = append(changed, id)
		}
	}
	t.mu.Unlock()
	if len(changed) > 0 {
		t.notify()
	}
	return changed
}

// suppressedLocked reports whether an unread claim about id must be ignored:
// the conversation is open, or was read locally at or after observedAt.
func (t *Tracker) suppressedLocked(id int64, observedAt time.Time) bool {
	if id == t.open {
		return true
	}
	readAt, ok := t.readAt[id]
	return ok && !readAt.Before(observedAt)
}

// MarkRead records a local read at now.
func (t *Tracker) MarkRead(id int64, now time.Time) {
	t.mu.Lock()
	t.readAt[id] = now
	changed := t.setLocked(id, false)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// RecordInbound notes a new inbound message for id and marks it unread. The
// open conversation is on screen, so it is recorded as read at now instead.
// It reports whether the unread flag changed.
func (t *Tracker) RecordInbound(id int64, now time.Time) bool {
	t.mu.Lock()
	if id == t.open {
		t.readAt[id] = now
		t.mu.Unlock()
		return false
	}
	changed := t.setLocked(id, true)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
	return changed
}

// ReplaceAll installs the unread flags of an authoritative contact list.
// Earlier local reads do not guard against it.
func (t *Tracker) ReplaceAll(state map[int64]bool) {
	t.mu.Lock()
	t.state = maps.Clone(state)
	if t.state == nil {
		t.state = make(map[int64]bool)
	}
	if t.open != 0 {
		t.state[t.open] = false
	}
	t.mu.Unlock()
	t.notify()
}

// SetOpen marks id as the conversation being viewed (0 for none).
func (t *Tracker) SetOpen(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = id
}

// Reset forgets all state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = make(map[int64]bool)
	t.readAt = make(map[int64]time.Time)
	t.open = 0
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) IsUnread(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state[id]
}

// Snapshot returns a copy of the unread map, including conversations known read.
func (t *Tracker) Snapshot() map[int64]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.state)
}

// Count returns the number of unread conversations.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, u := range t.state {
		if u {
			n++
		}
	}
	return n
}

func (t *Tracker) setLocked(id int64, unread bool) bool {
	prev, ok := t.state[id]
	t.state[id] = unread
	return !ok || prev != unread
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange(t.Snapshot())
	}
}
