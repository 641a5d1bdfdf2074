package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/sectorsync/internal/auth"
	"github.com/matheus3301/sectorsync/internal/bus"
	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/status"
	"github.com/matheus3301/sectorsync/internal/store"
	"github.com/matheus3301/sectorsync/internal/syncerr"
	"github.com/matheus3301/sectorsync/internal/transport"
	"github.com/matheus3301/sectorsync/internal/wire"
)

type fakeTransport struct {
	mu          sync.Mutex
	contextID   string
	state       status.State
	observers   []transport.Observer
	connects    []string
	disconnects int
	delay       time.Duration
}

func (f *fakeTransport) Connect(_ context.Context, _, contextID string, obs transport.Observer) (transport.ObserverID, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if contextID != f.contextID {
		f.observers = nil
	}
	f.contextID = contextID
	f.state = status.Open
	f.connects = append(f.connects, contextID)
	if obs == nil {
		return 0, nil
	}
	f.observers = append(f.observers, obs)
	return transport.ObserverID(len(f.observers)), nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contextID = ""
	f.observers = nil
	f.state = status.Idle
	f.disconnects++
}

func (f *fakeTransport) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Context() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contextID
}

func (f *fakeTransport) observerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// push delivers one envelope line to every observer, as the transport would.
func (f *fakeTransport) push(t *testing.T, line string, receivedAt time.Time) []error {
	t.Helper()
	env, err := wire.Parse([]byte(line), receivedAt)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	observers := append([]transport.Observer(nil), f.observers...)
	f.mu.Unlock()
	var errs []error
	for _, obs := range observers {
		if err := obs(env); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type fakeCRM struct {
	mu       sync.Mutex
	pages    map[int64][]model.Message // newest first
	contacts []model.Contact
	sendID   int64
	sendErr  error
	viewed   []int64
	onFetch  func()
}

func (c *fakeCRM) FetchPage(_ context.Context, id int64, pageSize, offset int) ([]model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := c.pages[id]
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+pageSize, len(all))
	return append([]model.Message(nil), all[offset:end]...), nil
}

func (c *fakeCRM) Send(_ context.Context, id int64, body, _ string) (model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return model.Message{}, c.sendErr
	}
	return model.Message{ID: c.sendID, ConversationID: id, Body: body, Outbound: true, CreatedAt: time.Now()}, nil
}

func (c *fakeCRM) FetchContacts(context.Context) ([]model.Contact, error) {
	c.mu.Lock()
	list := append([]model.Contact(nil), c.contacts...)
	hook := c.onFetch
	c.onFetch = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return list, nil
}

func (c *fakeCRM) MarkViewed(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewed = append(c.viewed, id)
	return nil
}

type fakeCreds struct {
	mu     sync.Mutex
	sector string
}

func (c *fakeCreds) Current() (auth.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sector == "" {
		return auth.Credentials{Token: "tok"}, auth.ErrNoSector
	}
	return auth.Credentials{Token: "tok", Sector: c.sector}, nil
}

func (c *fakeCreds) SetSector(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sector = s
}

func (c *fakeCreds) Sector() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sector
}

type harness struct {
	e     *Engine
	tr    *fakeTransport
	crm   *fakeCRM
	creds *fakeCreds
	db    *store.DB
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T, sector string) *harness {
	t.Helper()
	h := &harness{
		tr:    &fakeTransport{},
		crm:   &fakeCRM{pages: map[int64][]model.Message{}},
		creds: &fakeCreds{sector: sector},
		db:    testDB(t),
	}
	h.e = New(Options{Debounce: 10 * time.Millisecond}, h.tr, h.crm, h.creds, h.db, bus.New(), nil)
	if err := h.e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.e.Close() })
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.e.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.e.Wait()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEchoReplacesOptimisticSend(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)
	h.crm.pages[7] = []model.Message{{ID: 1, ConversationID: 7, Body: "older", CreatedAt: time.Now().Add(-time.Hour)}}
	if _, err := h.e.OpenConversation(context.Background(), 7); err != nil {
		t.Fatal(err)
	}

	p, err := h.e.SendMessage(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	h.e.Wait()
	if msgs := h.e.Messages(); len(msgs) != 2 || msgs[1].Status != model.StatusSent {
		t.Fatalf("before echo = %+v", msgs)
	}

	h.tr.push(t, `{"type":"message","payload":{"id":50,"contactID":7,"content":"hi","isSent":true,"sentAt":"`+time.Now().UTC().Format(time.RFC3339Nano)+`"}}`, time.Now())
	msgs := h.e.Messages()
	if len(msgs) != 2 {
		t.Fatalf("after echo = %+v, want 2 messages", msgs)
	}
	if msgs[1].ID != 50 || msgs[1].TempID != p.TempID || msgs[1].Status != model.StatusConfirmed {
		t.Errorf("confirmed = %+v", msgs[1])
	}
	e, _ := h.db.GetOutbox(p.TempID)
	if e == nil || e.Status != store.OutboxConfirmed || e.ServerMsgID != 50 {
		t.Errorf("outbox = %+v", e)
	}
}

func TestInboundMessageRouting(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)
	if _, err := h.e.OpenConversation(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	h.tr.push(t, `{"type":"message","payload":{"id":60,"contactID":9,"content":"ping","sentAt":"2026-03-01T12:00:00Z"}}`, now)
	h.tr.push(t, `{"type":"message","payload":{"id":61,"contactID":7,"content":"here","sentAt":"2026-03-01T12:00:01Z"}}`, now)

	unread := h.e.Unread()
	if !unread[9] {
		t.Error("inbound message for a closed conversation should mark it unread")
	}
	if unread[7] {
		t.Error("inbound message for the open conversation should not mark it unread")
	}
	if msgs := h.e.Messages(); len(msgs) != 1 || msgs[0].ID != 61 {
		t.Errorf("open conversation = %+v", msgs)
	}

	waitFor(t, "preview flush", func() bool {
		c, ok := h.e.contacts.Get(9)
		return ok && c.LastMessage == "ping"
	})
}

func TestPreviewSurvivesContactPatch(t *testing.T) {
	h := newHarness(t, "12")
	h.crm.contacts = []model.Contact{
		{ID: 42, Name: "Ana", LastMessage: "old", LastMessageTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{ID: 43, Name: "Bo", LastMessageTime: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.connect(t)
	if list := h.e.Contacts(); len(list) != 2 || list[0].ID != 43 {
		t.Fatalf("initial order = %+v", list)
	}

	now := time.Now()
	h.tr.push(t, `{"type":"message","payload":{"id":70,"contactID":42,"content":"hello new","sentAt":"`+now.UTC().Format(time.RFC3339Nano)+`"}}`, now)
	h.tr.push(t, `{"type":"contact","payload":{"id":42,"name":"Ana Maria"}}`, now)

	waitFor(t, "contact flush", func() bool {
		c, ok := h.e.contacts.Get(42)
		return ok && c.Name == "Ana Maria"
	})
	list := h.e.Contacts()
	if list[0].ID != 42 {
		t.Errorf("contact with the new message not first: %+v", list)
	}
	if list[0].LastMessage != "hello new" {
		t.Errorf("lastMessage = %q, want hello new", list[0].LastMessage)
	}
}

func TestUnreadDeltaRespectsLocalRead(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)
	readAt := time.Now()
	h.e.now = func() time.Time { return readAt }
	h.e.MarkRead(9)

	// Viewed convention: false means unread. Observed 2s before the read.
	h.tr.push(t, `{"type":"unread_status","payload":{"unreadStatus":{"9":false}}}`, readAt.Add(time.Second))
	if h.e.Unread()[9] {
		t.Fatal("stale delta overrode a local read")
	}

	h.tr.push(t, `{"type":"unread_status","payload":{"unreadStatus":{"9":false}}}`, readAt.Add(10*time.Second))
	if !h.e.Unread()[9] {
		t.Error("fresh delta should apply")
	}
	h.e.Wait()
	if len(h.crm.viewed) != 1 || h.crm.viewed[0] != 9 {
		t.Errorf("viewed = %v", h.crm.viewed)
	}
}

func TestContactsListAndCache(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)

	errs := h.tr.push(t, `{"type":"contacts_list","payload":{"contacts":[
		{"id":1,"name":"Old","lastMessageTime":"2026-03-01T10:00:00Z"},
		{"id":2,"name":"New","lastMessageTime":"2026-03-01T11:00:00Z","unread":true}
	]}}`, time.Now())
	if len(errs) != 0 {
		t.Fatal(errs)
	}
	list := h.e.Contacts()
	if len(list) != 2 || list[0].ID != 2 {
		t.Errorf("list = %+v", list)
	}
	if !h.e.Unread()[2] {
		t.Error("contact list unread flag not applied")
	}
	cached, err := h.db.LoadContactSnapshot("12")
	if err != nil || len(cached) != 2 {
		t.Errorf("cached = %+v, %v", cached, err)
	}

	h.tr.push(t, `{"type":"contact","payload":{"id":1,"lastMessage":"bump","lastMessageTime":"2026-03-01T12:00:00Z"}}`, time.Now())
	waitFor(t, "contact flush", func() bool {
		list := h.e.Contacts()
		return list[0].ID == 1 && list[0].Name == "Old" && list[0].LastMessage == "bump"
	})
}

func TestCachedContactsServedOnConnect(t *testing.T) {
	h := newHarness(t, "12")
	if err := h.db.SaveContactSnapshot("12", []model.Contact{{ID: 5, Name: "Cached"}}); err != nil {
		t.Fatal(err)
	}
	h.crm.contacts = nil
	if err := h.e.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Before the refresh completes the cached list is visible; after it the
	// server's (empty) snapshot wins.
	h.e.Wait()
	if list := h.e.Contacts(); len(list) != 0 {
		t.Errorf("after refresh = %+v", list)
	}
}

func TestSwitchSectorResetsState(t *testing.T) {
	h := newHarness(t, "12")
	h.crm.contacts = []model.Contact{{ID: 1, Name: "A", Unread: true}}
	h.connect(t)
	if len(h.e.Contacts()) != 1 || h.e.Unread()[1] != true {
		t.Fatalf("initial state: %+v %v", h.e.Contacts(), h.e.Unread())
	}
	if _, err := h.e.OpenConversation(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	h.crm.mu.Lock()
	h.crm.contacts = nil
	h.crm.mu.Unlock()
	if err := h.e.SwitchSector(context.Background(), "13"); err != nil {
		t.Fatal(err)
	}
	h.e.Wait()

	if got := h.e.Contacts(); len(got) != 0 {
		t.Errorf("contacts after switch = %+v", got)
	}
	if got := h.e.Unread(); len(got) != 0 {
		t.Errorf("unread after switch = %v", got)
	}
	st := h.e.Status()
	if st.Sector != "13" || st.Conversation != 0 {
		t.Errorf("status = %+v", st)
	}
	if h.tr.disconnects != 1 || h.tr.connects[len(h.tr.connects)-1] != "13" {
		t.Errorf("transport: connects=%v disconnects=%d", h.tr.connects, h.tr.disconnects)
	}
	if h.tr.observerCount() != 1 {
		t.Errorf("observers = %d, want 1", h.tr.observerCount())
	}
}

func TestReconnectDoesNotDuplicateObserver(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)
	h.connect(t)
	if h.tr.observerCount() != 1 {
		t.Errorf("observers = %d, want 1", h.tr.observerCount())
	}
	h.e.Disconnect()
	h.connect(t)
	if h.tr.observerCount() != 1 {
		t.Errorf("observers after reconnect = %d, want 1", h.tr.observerCount())
	}
}

func TestConcurrentConnectRegistersOneObserver(t *testing.T) {
	h := newHarness(t, "12")
	h.tr.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.e.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	h.e.Wait()
	if h.tr.observerCount() != 1 {
		t.Errorf("observers = %d, want 1", h.tr.observerCount())
	}
}

func TestContactRefreshDroppedAfterSectorSwitch(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)

	h.crm.mu.Lock()
	h.crm.contacts = []model.Contact{{ID: 1, Name: "Old sector", Unread: true}}
	h.crm.onFetch = func() {
		h.crm.mu.Lock()
		h.crm.contacts = []model.Contact{{ID: 2, Name: "New sector"}}
		h.crm.mu.Unlock()
		if err := h.e.SwitchSector(context.Background(), "34"); err != nil {
			t.Error(err)
		}
	}
	h.crm.mu.Unlock()

	if err := h.e.RefreshContacts(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.e.Wait()

	list := h.e.Contacts()
	if len(list) != 1 || list[0].ID != 2 {
		t.Errorf("contacts = %+v, want only the new sector's list", list)
	}
	if h.e.Unread()[1] {
		t.Error("old sector unread flag leaked into the new sector")
	}
	cached, err := h.db.LoadContactSnapshot("34")
	if err != nil || len(cached) != 1 || cached[0].ID != 2 {
		t.Errorf("cached for 34 = %+v, %v", cached, err)
	}
}

func TestConnectFallsBackToLastSector(t *testing.T) {
	h := newHarness(t, "")
	if err := h.e.Connect(context.Background()); !errors.Is(err, auth.ErrNoSector) {
		t.Fatalf("err = %v, want ErrNoSector", err)
	}
	if err := h.db.SetSyncState(store.StateLastSector, "15"); err != nil {
		t.Fatal(err)
	}
	h.connect(t)
	if h.e.Sector() != "15" || h.tr.Context() != "15" {
		t.Errorf("sector = %q, transport = %q", h.e.Sector(), h.tr.Context())
	}
}

func TestEntryPointsRequireConnection(t *testing.T) {
	h := newHarness(t, "12")
	if _, err := h.e.OpenConversation(context.Background(), 7); !errors.Is(err, syncerr.ErrNotConnected) {
		t.Errorf("OpenConversation err = %v", err)
	}
	if _, err := h.e.SendMessage(context.Background(), "x"); !IsNotConnected(err) {
		t.Errorf("SendMessage err = %v", err)
	}
	if err := h.e.RefreshContacts(context.Background()); !errors.Is(err, syncerr.ErrNotConnected) {
		t.Errorf("RefreshContacts err = %v", err)
	}
}

func TestMalformedAndUnknownEnvelopes(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)
	if errs := h.tr.push(t, `{"type":"typing","payload":{"contactID":1}}`, time.Now()); len(errs) != 0 {
		t.Errorf("unknown type errors = %v", errs)
	}
	errs := h.tr.push(t, `{"type":"message","payload":{"id":1}}`, time.Now())
	if len(errs) != 1 || syncerr.CodeOf(errs[0]) != syncerr.CodeEnvelopeInvalid {
		t.Errorf("malformed errors = %v", errs)
	}
}

func TestLoadOlderMessages(t *testing.T) {
	h := newHarness(t, "12")
	h.connect(t)
	base := time.Now().Add(-time.Hour)
	var page []model.Message
	for i := int64(120); i >= 1; i-- {
		page = append(page, model.Message{ID: i, ConversationID: 7, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	h.crm.pages[7] = page

	res, err := h.e.OpenConversation(context.Background(), 7)
	if err != nil || res.Added != 50 || !res.HasMore {
		t.Fatalf("initial = %+v, %v", res, err)
	}
	for range 2 {
		if _, err := h.e.LoadOlderMessages(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	msgs := h.e.Messages()
	if len(msgs) != 120 || msgs[0].ID != 1 || msgs[119].ID != 120 {
		t.Errorf("got %d messages (%d..%d)", len(msgs), msgs[0].ID, msgs[len(msgs)-1].ID)
	}
	if h.e.Status().HasMore {
		t.Error("HasMore should be false after a short page")
	}
}
