package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sectorsync/internal/bus"
	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/reconcile"
	"github.com/matheus3301/sectorsync/internal/store"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

// mockAPI records calls and returns configurable results.
type mockAPI struct {
	mu     sync.Mutex
	calls  []sendCall
	err    error
	nextID int64
	block  chan struct{} // when set, Send waits for it
}

type sendCall struct {
	ConversationID int64
	Body           string
	ClientMsgID    string
}

func (m *mockAPI) Send(ctx context.Context, conversationID int64, body, clientMsgID string) (model.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{conversationID, body, clientMsgID})
	err, block := m.err, m.block
	var id int64
	if m.nextID != 0 {
		id = m.nextID
		m.nextID++
	}
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		}
	}
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{ID: id, ConversationID: conversationID, Body: body, Outbound: true, CreatedAt: time.Now()}, nil
}

func (m *mockAPI) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestSender(t *testing.T, db *store.DB, api API) (*Sender, *reconcile.Reconciler, *bus.Bus) {
	t.Helper()
	rec := reconcile.New(0)
	rec.Reset(7)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, rec, api, b, logger, time.Second)
	t.Cleanup(s.Stop)
	return s, rec, b
}

func TestSendConfirmsFromResponse(t *testing.T) {
	db := testDB(t)
	api := &mockAPI{nextID: 100}
	s, rec, _ := newTestSender(t, db, api)

	m, err := s.Send("12", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.StatusSending || m.TempID == "" {
		t.Errorf("pending = %+v", m)
	}
	s.Wait()

	if len(api.calls) != 1 || api.calls[0].ClientMsgID != m.TempID {
		t.Fatalf("calls = %+v", api.calls)
	}
	msgs := rec.Snapshot()
	if len(msgs) != 1 || msgs[0].ID != 100 || msgs[0].Status != model.StatusConfirmed {
		t.Errorf("list = %+v", msgs)
	}
	e, _ := db.GetOutbox(m.TempID)
	if e == nil || e.Status != store.OutboxConfirmed || e.ServerMsgID != 100 {
		t.Errorf("outbox = %+v", e)
	}
}

func TestEchoBeforeResponse(t *testing.T) {
	db := testDB(t)
	api := &mockAPI{nextID: 100, block: make(chan struct{})}
	s, rec, _ := newTestSender(t, db, api)

	m, _ := s.Send("12", "hello")
	echo := model.Message{ID: 100, TempID: m.TempID, ConversationID: 7, Body: "hello", Outbound: true, CreatedAt: m.CreatedAt.Add(time.Second)}
	if o, tempID := rec.ConfirmMatch(echo); o != reconcile.Replaced || tempID != m.TempID {
		t.Fatalf("echo outcome = %v %q", o, tempID)
	}
	s.Confirmed(m.TempID, 100)
	close(api.block)
	s.Wait()

	if msgs := rec.Snapshot(); len(msgs) != 1 {
		t.Errorf("list = %+v, want exactly one message", msgs)
	}
	e, _ := db.GetOutbox(m.TempID)
	if e.Status != store.OutboxConfirmed {
		t.Errorf("outbox status = %q", e.Status)
	}
}

func TestSendWithoutServerIDStaysSent(t *testing.T) {
	api := &mockAPI{}
	s, rec, _ := newTestSender(t, nil, api)
	m, _ := s.Send("12", "hello")
	s.Wait()
	got, ok := rec.Pending(m.TempID)
	if !ok || got.Status != model.StatusSent {
		t.Errorf("pending = %+v, %v", got, ok)
	}
}

func TestSendFailureKeepsMessage(t *testing.T) {
	db := testDB(t)
	api := &mockAPI{err: errors.New("boom")}
	s, rec, b := newTestSender(t, db, api)
	ch, unsub := b.Subscribe(bus.MessageFailed, 4)
	defer unsub()

	m, _ := s.Send("12", "hello")
	s.Wait()

	got, ok := rec.Pending(m.TempID)
	if !ok || got.Status != model.StatusError {
		t.Fatalf("pending = %+v, %v", got, ok)
	}
	select {
	case evt := <-ch:
		var sf *syncerr.SendFailure
		err, _ := evt.Payload.(error)
		if !errors.As(err, &sf) || sf.TempID != m.TempID {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}
	e, _ := db.GetOutbox(m.TempID)
	if e.Status != store.OutboxFailed || e.ErrorMessage != "boom" {
		t.Errorf("outbox = %+v", e)
	}

	// No automatic resend.
	time.Sleep(50 * time.Millisecond)
	if len(api.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(api.calls))
	}

	api.setErr(nil)
	api.nextID = 300
	if _, err := s.Retry(m.TempID); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	msgs := rec.Snapshot()
	if len(msgs) != 1 || msgs[0].ID != 300 {
		t.Errorf("list after retry = %+v", msgs)
	}
	if len(api.calls) != 2 || api.calls[1].ClientMsgID != m.TempID {
		t.Errorf("calls = %+v", api.calls)
	}
}

func TestRetryRequiresFailedMessage(t *testing.T) {
	api := &mockAPI{block: make(chan struct{})}
	s, _, _ := newTestSender(t, nil, api)
	m, _ := s.Send("12", "hello")
	if _, err := s.Retry(m.TempID); err == nil {
		t.Error("retry of an in-flight message should fail")
	}
	close(api.block)
}

func TestSendWithoutConversation(t *testing.T) {
	s, rec, _ := newTestSender(t, nil, &mockAPI{})
	rec.Reset(0)
	if _, err := s.Send("12", "hello"); !errors.Is(err, syncerr.ErrNoConversation) {
		t.Errorf("err = %v", err)
	}
	if _, err := s.Send("12", ""); err == nil {
		t.Error("empty body should be rejected")
	}
}

func TestRecoverAndRestore(t *testing.T) {
	db := testDB(t)
	created := time.Now().Add(-time.Minute)
	for _, e := range []store.OutboxEntry{
		{ClientMsgID: "a", Sector: "12", ContactID: 7, Body: "first", CreatedAt: created},
		{ClientMsgID: "b", Sector: "12", ContactID: 7, Body: "second", CreatedAt: created.Add(time.Second)},
		{ClientMsgID: "c", Sector: "12", ContactID: 8, Body: "elsewhere", CreatedAt: created},
	} {
		if err := db.QueueOutbox(&e); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkOutboxSent("b", 0); err != nil {
		t.Fatal(err)
	}

	s, rec, _ := newTestSender(t, db, &mockAPI{})
	n, err := s.Recover()
	if err != nil || n != 2 {
		t.Fatalf("Recover = %d, %v; want 2 interrupted", n, err)
	}

	restored, err := s.Restore("12", 7)
	if err != nil || restored != 2 {
		t.Fatalf("Restore = %d, %v", restored, err)
	}
	msgs := rec.Snapshot()
	if len(msgs) != 2 || msgs[0].Status != model.StatusError || msgs[1].Status != model.StatusSent {
		t.Errorf("restored = %+v", msgs)
	}

	// History containing the echo of "b" settles it.
	rec.ReplaceWith([]model.Message{{ID: 9, ConversationID: 7, Body: "second", Outbound: true, CreatedAt: created.Add(2 * time.Second), Status: model.StatusConfirmed}})
	settled, err := s.Settle("12", 7)
	if err != nil || settled != 1 {
		t.Fatalf("Settle = %d, %v", settled, err)
	}
	e, _ := db.GetOutbox("b")
	if e.Status != store.OutboxConfirmed {
		t.Errorf("b = %+v", e)
	}
	e, _ = db.GetOutbox("a")
	if e.Status != store.OutboxFailed {
		t.Errorf("a = %+v", e)
	}
}
