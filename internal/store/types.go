package store

import "time"

// Outbox statuses.
const (
	OutboxSending   = "sending"
	OutboxSent      = "sent"
	OutboxFailed    = "failed"
	OutboxConfirmed = "confirmed"
)

// OutboxEntry is one optimistic send, keyed by its client correlation id.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	Sector       string
	ContactID    int64
	Body         string
	Status       string
	ErrorMessage string
	ServerMsgID  int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
