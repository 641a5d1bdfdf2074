// Package outbox runs optimistic sends: a message is listed as pending at
// once, persisted, and resolved by the send response or its real-time echo.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sectorsync/internal/bus"
	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/reconcile"
	"github.com/matheus3301/sectorsync/internal/store"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

const DefaultSendTimeout = 30 * time.Second

// API is the send endpoint. clientMsgID must be carried so the echo can be
// correlated.
type API interface {
	Send(ctx context.Context, conversationID int64, body, clientMsgID string) (model.Message, error)
}

// Sender owns the send path of the open conversation.
type Sender struct {
	db      *store.DB
	rec     *reconcile.Reconciler
	api     API
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a sender. db may be nil, in which case sends are not
// persisted across restarts.
func NewSender(db *store.DB, rec *reconcile.Reconciler, api API, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		db:      db,
		rec:     rec,
		api:     api,
		bus:     b,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Recover marks sends interrupted by a previous run as failed. Call once at
// startup, before any conversation is opened.
func (s *Sender) Recover() (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	n, err := s.db.FailInterruptedSends()
	if err != nil {
		return 0, fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		s.logger.Info("marked interrupted sends as failed", zap.Int64("count", n))
	}
	return n, nil
}

// Send lists body as a pending outbound message of the open conversation and
// starts delivering it. The pending message is returned immediately.
func (s *Sender) Send(sector, body string) (model.Message, error) {
	if body == "" {
		return model.Message{}, errors.New("send: empty body")
	}
	m, err := s.rec.AddPending(body, s.now())
	if err != nil {
		return model.Message{}, err
	}
	if s.db != nil {
		err := s.db.QueueOutbox(&store.OutboxEntry{
			ClientMsgID: m.TempID,
			Sector:      sector,
			ContactID:   m.ConversationID,
			Body:        m.Body,
			CreatedAt:   m.CreatedAt,
		})
		if err != nil {
			s.logger.Error("failed to persist send", zap.Error(err), zap.String("client_msg_id", m.TempID))
		}
	}
	s.changed(m, "pending")
	s.dispatch(m)
	return m, nil
}

// Retry resends a message in status error. Failed messages are only ever
// retried through here.
func (s *Sender) Retry(tempID string) (model.Message, error) {
	m, err := s.rec.Retry(tempID, s.now())
	if err != nil {
		return model.Message{}, err
	}
	if s.db != nil {
		if err := s.db.MarkOutboxSending(tempID, m.CreatedAt); err != nil {
			s.logger.Error("failed to persist retry", zap.Error(err), zap.String("client_msg_id", tempID))
		}
	}
	s.changed(m, "retry")
	s.dispatch(m)
	return m, nil
}

// Confirmed records that the real-time echo replaced the pending entry tempID.
func (s *Sender) Confirmed(tempID string, serverID int64) {
	if s.db == nil || tempID == "" {
		return
	}
	if err := s.db.MarkOutboxConfirmed(tempID, serverID); err != nil {
		s.logger.Error("failed to mark confirmed", zap.Error(err), zap.String("client_msg_id", tempID))
	}
}

// Restore lists the unconfirmed sends of a conversation that was just opened.
// It returns how many were restored.
func (s *Sender) Restore(sector string, conversationID int64) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	entries, err := s.db.UnconfirmedOutbox(sector, conversationID)
	if err != nil {
		return 0, fmt.Errorf("restore outbox: %w", err)
	}
	n := 0
	for _, e := range entries {
		if s.rec.Restore(entryMessage(e)) {
			n++
		}
	}
	return n, nil
}

// Settle marks as confirmed the outbox entries of the open conversation that
// a history page has since replaced. Call it after the initial page loads.
func (s *Sender) Settle(sector string, conversationID int64) (int, error) {
	if s.db == nil || s.rec.ConversationID() != conversationID {
		return 0, nil
	}
	entries, err := s.db.UnconfirmedOutbox(sector, conversationID)
	if err != nil {
		return 0, fmt.Errorf("settle outbox: %w", err)
	}
	n := 0
	for _, e := range entries {
		if _, pending := s.rec.Pending(e.ClientMsgID); pending {
			continue
		}
		if err := s.db.MarkOutboxConfirmed(e.ClientMsgID, e.ServerMsgID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Wait blocks until every delivery started so far has finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Stop cancels in-flight deliveries and waits for them.
func (s *Sender) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sender) dispatch(m model.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(m)
	}()
}

func (s *Sender) deliver(m model.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	resp, err := s.api.Send(ctx, m.ConversationID, m.Body, m.TempID)
	if err != nil {
		s.fail(m, err)
		return
	}
	resp.TempID = m.TempID
	resp.Outbound = true
	if resp.ConversationID == 0 {
		resp.ConversationID = m.ConversationID
	}

	if resp.ID == 0 {
		s.rec.MarkSent(m.TempID)
		s.markSent(m.TempID, 0)
		s.changed(m, "sent")
		return
	}
	switch outcome, _ := s.rec.ConfirmMatch(resp); outcome {
	case reconcile.Replaced, reconcile.Duplicate:
		s.Confirmed(m.TempID, resp.ID)
	default:
		// Conversation closed meanwhile; the entry is restored from the
		// outbox on reopen and confirmed by history or echo.
		s.markSent(m.TempID, resp.ID)
	}
	s.logger.Info("message sent", zap.String("client_msg_id", m.TempID), zap.Int64("server_msg_id", resp.ID))
	s.changed(m, "confirmed")
}

func (s *Sender) fail(m model.Message, err error) {
	failure := &syncerr.SendFailure{TempID: m.TempID, ConversationID: m.ConversationID, Err: err}
	s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", m.TempID))
	s.rec.MarkFailed(m.TempID)
	if s.db != nil {
		if dbErr := s.db.MarkOutboxFailed(m.TempID, err.Error()); dbErr != nil {
			s.logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("client_msg_id", m.TempID))
		}
	}
	s.bus.Emit(bus.MessageFailed, failure)
	s.changed(m, "failed")
}

func (s *Sender) markSent(tempID string, serverID int64) {
	if s.db == nil {
		return
	}
	if err := s.db.MarkOutboxSent(tempID, serverID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", tempID))
	}
}

func (s *Sender) changed(m model.Message, reason string) {
	s.bus.Emit(bus.MessagesChanged, bus.MessagesChange{ConversationID: m.ConversationID, TempID: m.TempID, Reason: reason})
}

func entryMessage(e store.OutboxEntry) model.Message {
	status := model.StatusSending
	switch e.Status {
	case store.OutboxSent:
		status = model.StatusSent
	case store.OutboxFailed:
		status = model.StatusError
	}
	return model.Message{
		TempID:         e.ClientMsgID,
		ConversationID: e.ContactID,
		Body:           e.Body,
		Outbound:       true,
		Read:           true,
		CreatedAt:      e.CreatedAt,
		Status:         status,
	}
}
