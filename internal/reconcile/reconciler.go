// Package reconcile keeps the message list of the open conversation consistent
// while optimistic sends, real-time echoes and history pages interleave.
package reconcile

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

// DefaultWindow bounds how far apart a pending message and its echo may be
// timestamped and still be matched by content.
const DefaultWindow = 15 * time.Second

// Outcome says what Confirm did with a message.
type Outcome int

const (
	Ignored   Outcome = iota // other conversation
	Duplicate                // server id already present
	Replaced                 // took the place of a pending entry
	Appended
	Inserted // older than the tail, placed at its sorted position
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	case Inserted:
		return "inserted"
	default:
		return "ignored"
	}
}

// Reconciler owns the ordered message list of one conversation at a time.
type Reconciler struct {
	mu             sync.Mutex
	conversationID int64
	messages       []model.Message
	window         time.Duration
	newID          func() string
}

func New(window time.Duration) *Reconciler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reconciler{window: window, newID: uuid.NewString}
}

// Reset empties the list and scopes it to conversationID (0 for none).
func (r *Reconciler) Reset(conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversationID = conversationID
	r.messages = nil
}

func (r *Reconciler) ConversationID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// AddPending appends an outbound message in status sending with a fresh temporary id.
func (r *Reconciler) AddPending(body string, now time.Time) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conversationID == 0 {
		return model.Message{}, syncerr.ErrNoConversation
	}
	m := model.Message{
		TempID:         r.newID(),
		ConversationID: r.conversationID,
		Body:           body,
		Outbound:       true,
		Read:           true,
		CreatedAt:      now,
		Status:         model.StatusSending,
	}
	r.messages = append(r.messages, m)
	return m, nil
}

// Restore puts back a pending or failed message loaded from the outbox.
// It is ignored when its conversation is not open or its temp id is already listed.
func (r *Reconciler) Restore(m model.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ConversationID != r.conversationID || m.TempID == "" || r.indexOfTempLocked(m.TempID) >= 0 {
		return false
	}
	m.ID = 0
	r.insertLocked(m)
	return true
}

// Confirm merges a server-confirmed message. Matching order: exact server id,
// echoed client correlation id, then content within the window.
func (r *Reconciler) Confirm(msg model.Message) Outcome {
	o, _ := r.ConfirmMatch(msg)
	return o
}

// ConfirmMatch is Confirm that also returns the temp id of the pending entry
// the message replaced, or "" when it replaced none.
func (r *Reconciler) ConfirmMatch(msg model.Message) (Outcome, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ConversationID != r.conversationID {
		return Ignored, ""
	}
	if msg.ID != 0 && r.indexOfIDLocked(msg.ID) >= 0 {
		return Duplicate, ""
	}
	msg.Status = model.StatusConfirmed

	if msg.TempID != "" {
		if i := r.indexOfTempLocked(msg.TempID); i >= 0 && r.messages[i].Pending() {
			r.messages[i] = msg
			return Replaced, msg.TempID
		}
	}
	if i := r.matchPendingLocked(msg); i >= 0 {
		msg.TempID = r.messages[i].TempID
		r.messages[i] = msg
		return Replaced, msg.TempID
	}
	return r.insertLocked(msg), ""
}

// matchPendingLocked finds the oldest pending entry that msg echoes.
func (r *Reconciler) matchPendingLocked(msg model.Message) int {
	return slices.IndexFunc(r.messages, func(p model.Message) bool {
		return r.echoes(msg, p)
	})
}

// echoes reports whether confirmed message msg is the server copy of pending
// entry p by content: outbound, equal body, timestamps inside the window.
// Entries in status error never match.
func (r *Reconciler) echoes(msg, p model.Message) bool {
	if !msg.Outbound || !p.Pending() || !p.Outbound || p.Status == model.StatusError || p.Body != msg.Body {
		return false
	}
	d := msg.CreatedAt.Sub(p.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < r.window
}

func (r *Reconciler) insertLocked(msg model.Message) Outcome {
	n := len(r.messages)
	if n == 0 || !msg.CreatedAt.Before(r.messages[n-1].CreatedAt) {
		r.messages = append(r.messages, msg)
		return Appended
	}
	i, _ := slices.BinarySearchFunc(r.messages, msg.CreatedAt, func(m model.Message, t time.Time) int {
		if m.CreatedAt.After(t) {
			return 1
		}
		return -1
	})
	r.messages = slices.Insert(r.messages, i, msg)
	return Inserted
}

// MarkSent records that the send API accepted a pending message.
func (r *Reconciler) MarkSent(tempID string) bool {
	return r.setStatus(tempID, model.StatusSent, model.StatusSending)
}

// MarkFailed moves a pending message to error. It stays in the list,
// excluded from matching, until retried.
func (r *Reconciler) MarkFailed(tempID string) bool {
	return r.setStatus(tempID, model.StatusError, model.StatusSending, model.StatusSent)
}

func (r *Reconciler) setStatus(tempID string, to model.Status, from ...model.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOfTempLocked(tempID)
	if i < 0 || !r.messages[i].Pending() || !slices.Contains(from, r.messages[i].Status) {
		return false
	}
	r.messages[i].Status = to
	return true
}

// Retry moves a failed message back to sending, restamped at now and moved
// to the tail so its echo falls inside the window again.
func (r *Reconciler) Retry(tempID string, now time.Time) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOfTempLocked(tempID)
	if i < 0 || !r.messages[i].Pending() {
		return model.Message{}, fmt.Errorf("retry %s: no pending message", tempID)
	}
	m := r.messages[i]
	if m.Status != model.StatusError {
		return model.Message{}, fmt.Errorf("retry %s: status is %s", tempID, m.Status)
	}
	r.messages = slices.Delete(r.messages, i, i+1)
	m.Status = model.StatusSending
	m.CreatedAt = now
	r.insertLocked(m)
	return m, nil
}

// ReplaceWith installs an initial history page. Live entries that the page
// does not contain are kept: real-time arrivals, and pending sends whose
// echo is not in the page.
func (r *Reconciler) ReplaceWith(page []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inPage := make(map[int64]bool, len(page))
	merged := make([]model.Message, 0, len(page)+len(r.messages))
	for _, m := range page {
		if m.ConversationID != r.conversationID || inPage[m.ID] {
			continue
		}
		inPage[m.ID] = true
		merged = append(merged, m)
	}
	pageLen := len(merged)
	for _, m := range r.messages {
		if !m.Pending() {
			if !inPage[m.ID] {
				merged = append(merged, m)
			}
			continue
		}
		echoed := slices.ContainsFunc(merged[:pageLen], func(pm model.Message) bool {
			return (pm.TempID != "" && pm.TempID == m.TempID) || r.echoes(pm, m)
		})
		if !echoed {
			merged = append(merged, m)
		}
	}
	sortByTime(merged)
	r.messages = merged
}

// MergeOlder adds an older history page, skipping messages already listed.
// It returns how many were added.
func (r *Reconciler) MergeOlder(page []model.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	merged := make([]model.Message, 0, len(page)+len(r.messages))
	seen := make(map[int64]bool, len(page))
	for _, m := range page {
		if m.ConversationID != r.conversationID || seen[m.ID] || r.indexOfIDLocked(m.ID) >= 0 {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
		added++
	}
	if added == 0 {
		return 0
	}
	merged = append(merged, r.messages...)
	sortByTime(merged)
	r.messages = merged
	return added
}

// Snapshot returns a copy of the list, oldest first.
func (r *Reconciler) Snapshot() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

// Has reports whether a message with the given server id is listed.
func (r *Reconciler) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexOfIDLocked(id) >= 0
}

// Pending returns the pending entry with tempID.
func (r *Reconciler) Pending(tempID string) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOfTempLocked(tempID)
	if i < 0 || !r.messages[i].Pending() {
		return model.Message{}, false
	}
	return r.messages[i], true
}

func (r *Reconciler) indexOfIDLocked(id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(r.messages, func(m model.Message) bool { return m.ID == id })
}

func (r *Reconciler) indexOfTempLocked(tempID string) int {
	if tempID == "" {
		return -1
	}
	return slices.IndexFunc(r.messages, func(m model.Message) bool { return m.TempID == tempID })
}

func sortByTime(ms []model.Message) {
	slices.SortStableFunc(ms, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
