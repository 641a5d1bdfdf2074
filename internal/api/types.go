package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/sectorsync/internal/model"
)

type Empty struct{}

type StatusResponse struct {
	Profile         string `json:"profile"`
	State           string `json:"state"`
	Sector          string `json:"sector"`
	Conversation    int64  `json:"conversation"`
	HasMore         bool   `json:"hasMore"`
	Contacts        int    `json:"contacts"`
	PendingContacts int    `json:"pendingContacts"`
	Unread          int    `json:"unread"`
	UptimeMs        int64  `json:"uptimeMs"`
	DroppedEvents   uint64 `json:"droppedEvents"`
}

// ConnectRequest connects to Sector, or to the configured sector when empty.
type ConnectRequest struct {
	Sector string `json:"sector,omitempty"`
}

type ContactsResponse struct {
	Contacts []model.Contact `json:"contacts"`
}

type UnreadResponse struct {
	Unread map[int64]bool `json:"unread"`
}

type OpenRequest struct {
	ConversationID int64 `json:"conversationId"`
}

type PageResponse struct {
	Skipped   bool            `json:"skipped,omitempty"`
	Stale     bool            `json:"stale,omitempty"`
	Added     int             `json:"added"`
	PageIndex int             `json:"pageIndex"`
	HasMore   bool            `json:"hasMore"`
	Messages  []model.Message `json:"messages"`
}

type MessagesResponse struct {
	ConversationID int64           `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
}

type SendRequest struct {
	Body string `json:"body"`
}

type RetryRequest struct {
	TempID string `json:"tempId"`
}

type SendResponse struct {
	Message model.Message `json:"message"`
}

type ReadRequest struct {
	ConversationID int64 `json:"conversationId"`
}

// WatchRequest selects event kinds by prefix; empty means all.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

// Event is a bus event as streamed to UI surfaces.
type Event struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
