// Package contacts keeps the ordered contact list of the active sector,
// coalescing bursts of per-contact updates.
package contacts

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/wire"
)

const DefaultDebounce = 1500 * time.Millisecond

// Timer is the part of *time.Timer the buffer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type pendingPatch struct {
	patch wire.ContactPatch
	timer Timer
	seq   uint64
}

// Buffer debounces contact patches per contact id and applies them to the list.
type Buffer struct {
	debounce  time.Duration
	afterFunc AfterFunc
	onChange  func([]model.Contact)
	log       *zap.Logger

	list atomic.Pointer[[]model.Contact]

	mu      sync.Mutex
	pending map[int64]*pendingPatch
	epoch   uint64
	seq     uint64
	closed  bool
}

// New creates a buffer. onChange, when set, receives the new list after every
// flush, full replacement and reset. It is called without locks held.
func New(debounce time.Duration, log *zap.Logger, onChange func([]model.Contact)) *Buffer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Buffer{
		debounce:  debounce,
		afterFunc: realAfterFunc,
		onChange:  onChange,
		log:       log,
		pending:   make(map[int64]*pendingPatch),
	}
	b.list.Store(&[]model.Contact{})
	return b
}

// Submit buffers patch for contact id. A newer patch for the same id is layered
// over the buffered one, latest value per field, and restarts its timer, so each
// quiet window flushes once with every field's most recent value.
func (b *Buffer) Submit(id int64, patch wire.ContactPatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	p, ok := b.pending[id]
	if ok {
		p.timer.Stop()
	} else {
		p = &pendingPatch{}
		b.pending[id] = p
	}
	b.seq++
	seq, epoch := b.seq, b.epoch
	merged := maps.Clone(p.patch)
	if merged == nil {
		merged = make(wire.ContactPatch, len(patch))
	}
	maps.Copy(merged, patch)
	p.patch = merged
	p.seq = seq
	p.timer = b.afterFunc(b.debounce, func() { b.flush(id, seq, epoch) })
}

// PendingCount returns how many contacts have a buffered patch.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) flush(id int64, seq, epoch uint64) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if epoch != b.epoch || !ok || p.seq != seq {
		b.mu.Unlock()
		return
	}
	delete(b.pending, id)

	current := *b.list.Load()
	next := slices.Clone(current)
	i := slices.IndexFunc(next, func(c model.Contact) bool { return c.ID == id })
	var merged model.Contact
	if i >= 0 {
		merged = next[i]
		// The decoder writes through non-nil pointers; detach from the published list.
		if merged.Order != nil {
			o := *merged.Order
			merged.Order = &o
		}
	}
	if err := wire.DecodeRecord(p.patch, &merged); err != nil {
		b.mu.Unlock()
		b.log.Warn("dropping contact patch", zap.Int64("contact", id), zap.Error(err))
		return
	}
	merged.ID = id
	if i >= 0 {
		next[i] = merged
	} else {
		next = append(next, merged)
	}
	sortContacts(next)
	b.list.Store(&next)
	b.mu.Unlock()

	b.notify(next)
}

// SubmitFullList replaces the whole list immediately. Buffered patches stay
// buffered and apply on top when they flush.
func (b *Buffer) SubmitFullList(contacts []model.Contact) {
	next := slices.Clone(contacts)
	sortContacts(next)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.list.Store(&next)
	b.mu.Unlock()
	b.notify(next)
}

// Reset cancels every buffered patch and empties the list. Timers that
// already fired are discarded when they try to flush.
func (b *Buffer) Reset() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.cancelAllLocked()
	empty := []model.Contact{}
	b.list.Store(&empty)
	b.mu.Unlock()
	b.notify(empty)
}

// Close cancels every buffered patch and rejects further submissions.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelAllLocked()
	b.closed = true
}

func (b *Buffer) cancelAllLocked() {
	b.epoch++
	for _, p := range b.pending {
		p.timer.Stop()
	}
	clear(b.pending)
}

// Snapshot returns the current ordered list.
func (b *Buffer) Snapshot() []model.Contact {
	return slices.Clone(*b.list.Load())
}

// Get returns one contact of the current list.
func (b *Buffer) Get(id int64) (model.Contact, bool) {
	list := *b.list.Load()
	i := slices.IndexFunc(list, func(c model.Contact) bool { return c.ID == id })
	if i < 0 {
		return model.Contact{}, false
	}
	return list[i], true
}

func (b *Buffer) notify(list []model.Contact) {
	if b.onChange != nil {
		b.onChange(slices.Clone(list))
	}
}

// sortContacts orders contacts with an explicit order first (ascending), then
// by most recent activity, then by id descending.
func sortContacts(list []model.Contact) {
	slices.SortStableFunc(list, func(a, b model.Contact) int {
		switch {
		case a.Order != nil && b.Order != nil:
			if c := cmp.Compare(*a.Order, *b.Order); c != 0 {
				return c
			}
		case a.Order != nil:
			return -1
		case b.Order != nil:
			return 1
		}
		if c := b.LastMessageTime.Compare(a.LastMessageTime); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
