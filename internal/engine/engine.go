// Package engine routes real-time envelopes into the sync components and
// exposes the entry points UI surfaces call.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sectorsync/internal/auth"
	"github.com/matheus3301/sectorsync/internal/bus"
	"github.com/matheus3301/sectorsync/internal/contacts"
	"github.com/matheus3301/sectorsync/internal/history"
	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/outbox"
	"github.com/matheus3301/sectorsync/internal/reconcile"
	"github.com/matheus3301/sectorsync/internal/status"
	"github.com/matheus3301/sectorsync/internal/store"
	"github.com/matheus3301/sectorsync/internal/syncerr"
	"github.com/matheus3301/sectorsync/internal/transport"
	"github.com/matheus3301/sectorsync/internal/unread"
	"github.com/matheus3301/sectorsync/internal/wire"
)

const backgroundTimeout = 30 * time.Second

// Transport is the part of transport.Manager the engine drives.
type Transport interface {
	Connect(ctx context.Context, credential, contextID string, observer transport.Observer) (transport.ObserverID, error)
	Disconnect()
	State() status.State
	Context() string
}

// CRM is the request/response side of the server.
type CRM interface {
	history.API
	outbox.API
	FetchContacts(ctx context.Context) ([]model.Contact, error)
	MarkViewed(ctx context.Context, conversationID int64) error
}

// Credentials supplies the token and active sector.
type Credentials interface {
	Current() (auth.Credentials, error)
	SetSector(sector string)
	Sector() string
}

// Options tunes the components the engine builds.
type Options struct {
	Debounce         time.Duration
	PageSize         int
	ReconcileWindow  time.Duration
	SendTimeout      time.Duration
	Convention       unread.Convention
	StaleDeltaWindow time.Duration
}

// Status summarizes the engine for status displays.
type Status struct {
	State           status.State `json:"state"`
	Sector          string       `json:"sector"`
	Conversation    int64        `json:"conversation"`
	HasMore         bool         `json:"hasMore"`
	Contacts        int          `json:"contacts"`
	PendingContacts int          `json:"pendingContacts"`
	Unread          int          `json:"unread"`
}

// Engine wires transport, reconciler, paginator, contact buffer, unread
// tracker and outbox for one sector at a time.
type Engine struct {
	transport Transport
	crm       CRM
	creds     Credentials
	db        *store.DB
	bus       *bus.Bus
	log       *zap.Logger
	now       func() time.Time

	rec      *reconcile.Reconciler
	pager    *history.Paginator
	contacts *contacts.Buffer
	unread   *unread.Tracker
	sender   *outbox.Sender

	// connMu serializes Connect, SwitchSector and Disconnect so the observer is
	// registered at most once per connection context.
	connMu sync.Mutex

	mu         sync.Mutex
	sector     string
	epoch      uint64
	observerID transport.ObserverID

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine and its components. db may be nil.
func New(opts Options, t Transport, crm CRM, creds Credentials, db *store.DB, b *bus.Bus, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.Background())
	e := &Engine{
		transport: t,
		crm:       crm,
		creds:     creds,
		db:        db,
		bus:       b,
		log:       log,
		now:       time.Now,
		bg:        bg,
		cancel:    cancel,
	}
	e.rec = reconcile.New(opts.ReconcileWindow)
	e.pager = history.New(crm, e.rec, opts.PageSize, log.Named("history"))
	e.contacts = contacts.New(opts.Debounce, log.Named("contacts"), func(list []model.Contact) {
		b.Emit(bus.ContactsChanged, list)
	})
	e.unread = unread.New(opts.Convention, opts.StaleDeltaWindow, func(state map[int64]bool) {
		b.Emit(bus.UnreadChanged, state)
	})
	e.sender = outbox.NewSender(db, e.rec, crm, b, log.Named("outbox"), opts.SendTimeout)
	return e
}

// Start fails sends interrupted by a previous run. Call once before serving.
func (e *Engine) Start() error {
	_, err := e.sender.Recover()
	return err
}

// Connect opens the real-time connection for the active sector. The sector
// comes from the credentials, falling back to the last sector used.
func (e *Engine) Connect(ctx context.Context) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.connect(ctx)
}

func (e *Engine) connect(ctx context.Context) error {
	if e.creds.Sector() == "" {
		if last := e.lastSector(); last != "" {
			e.creds.SetSector(last)
		}
	}
	creds, err := e.creds.Current()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sector != "" && e.sector != creds.Sector {
		e.resetLocked()
	}
	fresh := e.sector == ""
	e.sector = creds.Sector
	e.mu.Unlock()

	if fresh {
		e.loadCachedContacts(creds.Sector)
	}
	// The transport keeps observers across a drop of the same sector; only
	// register when none is registered for this sector yet.
	e.mu.Lock()
	register := e.observerID == 0 || e.transport.Context() != creds.Sector
	e.mu.Unlock()
	var observer transport.Observer
	if register {
		observer = e.observe
	}
	id, err := e.transport.Connect(ctx, creds.Token, creds.Sector, observer)
	if err != nil {
		return err
	}
	if register {
		e.mu.Lock()
		e.observerID = id
		e.mu.Unlock()
	}

	e.saveLastSector(creds.Sector)
	e.log.Info("connecting", zap.String("sector", creds.Sector))
	e.background(func(ctx context.Context) {
		if err := e.RefreshContacts(ctx); err != nil {
			e.log.Warn("initial contact refresh failed", zap.Error(err))
		}
	})
	return nil
}

// SwitchSector drops all state of the current sector and connects to sector.
func (e *Engine) SwitchSector(ctx context.Context, sector string) error {
	if sector == "" {
		return auth.ErrNoSector
	}
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.mu.Lock()
	same := e.sector == sector
	e.mu.Unlock()
	if !same {
		e.transport.Disconnect()
		e.mu.Lock()
		e.resetLocked()
		e.mu.Unlock()
		e.creds.SetSector(sector)
	}
	return e.connect(ctx)
}

// Disconnect closes the connection. Derived state stays readable.
func (e *Engine) Disconnect() {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.transport.Disconnect()
	e.mu.Lock()
	e.observerID = 0
	e.mu.Unlock()
}

// resetLocked clears every per-sector component and cancels their timers.
func (e *Engine) resetLocked() {
	if e.sector != "" {
		e.saveContacts(e.sector, e.contacts.Snapshot())
	}
	e.epoch++
	e.sector = ""
	e.observerID = 0
	e.contacts.Reset()
	e.unread.Reset()
	e.pager.Switch(0)
}

// OpenConversation makes id the open conversation and loads its newest page.
// Switching conversations leaves the transport untouched.
func (e *Engine) OpenConversation(ctx context.Context, id int64) (history.Result, error) {
	sector := e.Sector()
	if sector == "" {
		return history.Result{}, syncerr.ErrNotConnected
	}
	e.pager.Switch(id)
	e.unread.SetOpen(id)
	if id == 0 {
		e.bus.Emit(bus.MessagesChanged, bus.MessagesChange{Reason: "closed"})
		return history.Result{}, nil
	}
	e.unread.MarkRead(id, e.now())
	e.markViewed(id)

	if _, err := e.sender.Restore(sector, id); err != nil {
		e.log.Warn("failed to restore outbox", zap.Int64("conversation", id), zap.Error(err))
	}
	e.bus.Emit(bus.MessagesChanged, bus.MessagesChange{ConversationID: id, Reason: "opened"})

	res, err := e.pager.LoadInitial(ctx)
	if err != nil {
		return res, err
	}
	if !res.Stale && !res.Skipped {
		if _, err := e.sender.Settle(sector, id); err != nil {
			e.log.Warn("failed to settle outbox", zap.Int64("conversation", id), zap.Error(err))
		}
		e.bus.Emit(bus.HistoryLoaded, bus.MessagesChange{ConversationID: id, Reason: res.String()})
	}
	return res, nil
}

// LoadOlderMessages loads the next older page of the open conversation.
func (e *Engine) LoadOlderMessages(ctx context.Context) (history.Result, error) {
	res, err := e.pager.LoadOlder(ctx)
	if err != nil {
		return res, err
	}
	if res.Added > 0 {
		e.bus.Emit(bus.HistoryLoaded, bus.MessagesChange{ConversationID: e.pager.Conversation(), Reason: res.String()})
	}
	return res, nil
}

// SendMessage lists body as pending in the open conversation and sends it.
func (e *Engine) SendMessage(_ context.Context, body string) (model.Message, error) {
	sector := e.Sector()
	if sector == "" {
		return model.Message{}, syncerr.ErrNotConnected
	}
	return e.sender.Send(sector, body)
}

// RetryMessage resends a message in status error.
func (e *Engine) RetryMessage(_ context.Context, tempID string) (model.Message, error) {
	return e.sender.Retry(tempID)
}

// MarkRead marks a conversation read locally and tells the server.
func (e *Engine) MarkRead(id int64) {
	e.unread.MarkRead(id, e.now())
	e.markViewed(id)
}

// RefreshContacts replaces the contact list with the server's snapshot.
func (e *Engine) RefreshContacts(ctx context.Context) error {
	e.mu.Lock()
	sector, epoch := e.sector, e.epoch
	e.mu.Unlock()
	if sector == "" {
		return syncerr.ErrNotConnected
	}
	list, err := e.crm.FetchContacts(ctx)
	if err != nil {
		return &syncerr.FetchFailure{What: "contacts", Err: err}
	}
	if !e.applyContactList(epoch, list) {
		e.log.Debug("dropping contact snapshot of previous sector", zap.String("sector", sector))
	}
	return nil
}

func (e *Engine) Contacts() []model.Contact { return e.contacts.Snapshot() }

func (e *Engine) Messages() []model.Message { return e.rec.Snapshot() }

func (e *Engine) Unread() map[int64]bool { return e.unread.Snapshot() }

func (e *Engine) Sector() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sector
}

func (e *Engine) Status() Status {
	sector := e.Sector()
	return Status{
		State:           e.transport.State(),
		Sector:          sector,
		Conversation:    e.pager.Conversation(),
		HasMore:         e.pager.HasMore(),
		Contacts:        len(e.contacts.Snapshot()),
		PendingContacts: e.contacts.PendingCount(),
		Unread:          e.unread.Count(),
	}
}

// Close disconnects, stops timers and in-flight sends, and caches the
// contact list.
func (e *Engine) Close() error {
	e.transport.Disconnect()
	e.cancel()
	e.wg.Wait()
	e.sender.Stop()
	e.contacts.Close()
	if sector := e.Sector(); sector != "" {
		e.saveContacts(sector, e.contacts.Snapshot())
	}
	return nil
}

// observe is the transport observer: it decodes an envelope and routes it
// by kind. Errors are logged by the transport and never stop dispatch.
func (e *Engine) observe(env wire.Envelope) error {
	switch env.Kind() {
	case wire.KindMessage:
		return e.onMessage(env)
	case wire.KindContact:
		patch, id, err := wire.DecodeContact(env)
		if err != nil {
			return err
		}
		e.contacts.Submit(id, patch)
	case wire.KindContactsList:
		list, err := wire.DecodeContactsList(env)
		if err != nil {
			return err
		}
		e.mu.Lock()
		epoch := e.epoch
		e.mu.Unlock()
		e.applyContactList(epoch, list)
	case wire.KindUnreadStatus:
		delta, err := wire.DecodeUnreadStatus(env)
		if err != nil {
			return err
		}
		e.unread.ApplyServerDelta(delta.Raw, e.unread.ObservedAt(delta.At, env.ReceivedAt))
	default:
		e.log.Debug("ignoring envelope", zap.String("type", env.Type))
	}
	return nil
}

func (e *Engine) onMessage(env wire.Envelope) error {
	p, err := wire.DecodeMessage(env)
	if err != nil {
		return err
	}
	m := p.ToMessage()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = env.ReceivedAt
	}

	outcome, tempID := e.rec.ConfirmMatch(m)
	switch outcome {
	case reconcile.Replaced:
		e.sender.Confirmed(tempID, m.ID)
		e.bus.Emit(bus.MessagesChanged, bus.MessagesChange{ConversationID: m.ConversationID, TempID: tempID, Reason: "confirmed"})
	case reconcile.Appended, reconcile.Inserted:
		e.bus.Emit(bus.MessagesChanged, bus.MessagesChange{ConversationID: m.ConversationID, Reason: "realtime"})
	}

	if !m.Outbound {
		e.unread.RecordInbound(m.ConversationID, env.ReceivedAt)
	}
	if outcome != reconcile.Duplicate {
		e.contacts.Submit(m.ConversationID, wire.ContactPatch{
			"id":              m.ConversationID,
			"lastMessage":     p.Preview(),
			"lastMessageTime": m.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return nil
}

// applyContactList installs an authoritative list unless the sector changed
// since epoch. It reports whether the list was applied.
func (e *Engine) applyContactList(epoch uint64, list []model.Contact) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		return false
	}
	e.contacts.SubmitFullList(list)
	state := make(map[int64]bool, len(list))
	for _, c := range list {
		state[c.ID] = c.Unread
	}
	e.unread.ReplaceAll(state)
	if e.sector != "" {
		e.saveContacts(e.sector, list)
	}
	return true
}

func (e *Engine) markViewed(id int64) {
	e.background(func(ctx context.Context) {
		if err := e.crm.MarkViewed(ctx, id); err != nil {
			e.log.Warn("mark viewed failed", zap.Int64("conversation", id), zap.Error(err))
		}
	})
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.bg, backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background calls started so far have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.sender.Wait()
}

func (e *Engine) loadCachedContacts(sector string) {
	if e.db == nil {
		return
	}
	list, err := e.db.LoadContactSnapshot(sector)
	if err != nil {
		e.log.Warn("failed to load cached contacts", zap.String("sector", sector), zap.Error(err))
		return
	}
	if len(list) > 0 {
		e.contacts.SubmitFullList(list)
	}
}

func (e *Engine) saveContacts(sector string, list []model.Contact) {
	if e.db == nil {
		return
	}
	if err := e.db.SaveContactSnapshot(sector, list); err != nil {
		e.log.Warn("failed to cache contacts", zap.String("sector", sector), zap.Error(err))
	}
}

func (e *Engine) lastSector() string {
	if e.db == nil {
		return ""
	}
	v, ok, err := e.db.GetSyncState(store.StateLastSector)
	if err != nil || !ok {
		return ""
	}
	return v
}

func (e *Engine) saveLastSector(sector string) {
	if e.db == nil {
		return
	}
	if err := e.db.SetSyncState(store.StateLastSector, sector); err != nil {
		e.log.Warn("failed to record sector", zap.Error(err))
	}
}

// IsNotConnected reports whether err means no sector is active.
func IsNotConnected(err error) bool {
	return errors.Is(err, syncerr.ErrNotConnected) || errors.Is(err, auth.ErrNoSector)
}
