package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the sync core. The prefix before the first dot is the
// namespace UI surfaces subscribe to.
const (
	TransportStateChanged = "transport.state_changed"
	TransportError        = "transport.error"
	ContactsChanged       = "contacts.changed"
	MessagesChanged       = "messages.changed"
	MessageFailed         = "messages.send_failed"
	HistoryLoaded         = "messages.history_loaded"
	UnreadChanged         = "unread.changed"
)

// Event is one derived-state change notification.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// MessagesChange is the payload of messages.* events.
type MessagesChange struct {
	ConversationID int64  `json:"conversationId"`
	TempID         string `json:"tempId,omitempty"`
	Reason         string `json:"reason"`
}
