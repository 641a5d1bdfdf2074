package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QueueOutbox records a new send in status sending.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	created := e.CreatedAt.UnixMilli()
	if e.CreatedAt.IsZero() {
		created = now
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, sector, contact_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ClientMsgID, e.Sector, e.ContactID, e.Body, OutboxSending, created, now)
	if err != nil {
		return fmt.Errorf("queue outbox %s: %w", e.ClientMsgID, err)
	}
	return nil
}

// MarkOutboxSending moves a failed entry back to sending for a retry.
func (db *DB) MarkOutboxSending(clientMsgID string, at time.Time) error {
	return db.setOutbox(clientMsgID, `status = 'sending', error_message = '', created_at = ?`, `status = 'failed'`, at.UnixMilli())
}

// MarkOutboxSent records that the send API accepted the message. An entry
// already confirmed by its echo is left alone.
func (db *DB) MarkOutboxSent(clientMsgID string, serverMsgID int64) error {
	return db.setOutbox(clientMsgID, `status = 'sent', server_msg_id = ?`, `status = 'sending'`, serverMsgID)
}

// MarkOutboxFailed records a failed send with its error.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	return db.setOutbox(clientMsgID, `status = 'failed', error_message = ?`, `status IN ('sending', 'sent')`, errMsg)
}

// MarkOutboxConfirmed records that the server echoed the message.
func (db *DB) MarkOutboxConfirmed(clientMsgID string, serverMsgID int64) error {
	return db.setOutbox(clientMsgID, `status = 'confirmed', server_msg_id = ?`, `1 = 1`, serverMsgID)
}

// setOutbox applies set to the entry when cond holds for its current row.
func (db *DB) setOutbox(clientMsgID, set, cond string, arg any) error {
	_, err := db.Exec(`UPDATE outbox SET `+set+`, updated_at = ? WHERE client_msg_id = ? AND `+cond,
		arg, time.Now().UnixMilli(), clientMsgID)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", clientMsgID, err)
	}
	return nil
}

// GetOutbox returns one entry, or nil when it does not exist.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, client_msg_id, sector, contact_id, body, status, error_message, server_msg_id, created_at, updated_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// UnconfirmedOutbox returns entries of a conversation the server has not
// echoed yet, oldest first.
func (db *DB) UnconfirmedOutbox(sector string, contactID int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, sector, contact_id, body, status, error_message, server_msg_id, created_at, updated_at
		FROM outbox
		WHERE sector = ? AND contact_id = ? AND status != 'confirmed'
		ORDER BY created_at ASC`, sector, contactID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// FailInterruptedSends marks entries left in sending by a previous run as
// failed; whether they reached the server is unknown.
func (db *DB) FailInterruptedSends() (int64, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = 'interrupted', updated_at = ?
		WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneOutbox deletes confirmed entries last updated before cutoff.
func (db *DB) PruneOutbox(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE status = 'confirmed' AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(s scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var created, updated int64
	if err := s.Scan(&e.ID, &e.ClientMsgID, &e.Sector, &e.ContactID, &e.Body, &e.Status,
		&e.ErrorMessage, &e.ServerMsgID, &created, &updated); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	return &e, nil
}
