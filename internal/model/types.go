package model

import (
	"strconv"
	"time"
)

// Status is the lifecycle status of a message in a conversation list.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent" // accepted by the send API, echo not yet seen
	StatusError     Status = "error"
	StatusConfirmed Status = "confirmed"
)

// Message is one chat message, pending (TempID only) or confirmed (server ID set).
type Message struct {
	ID             int64     `json:"id,omitempty"`
	TempID         string    `json:"tempId,omitempty"`
	ConversationID int64     `json:"conversationId"`
	Body           string    `json:"body"`
	MediaType      string    `json:"mediaType,omitempty"`
	MediaURL       string    `json:"mediaUrl,omitempty"`
	FileName       string    `json:"fileName,omitempty"`
	Outbound       bool      `json:"outbound"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         Status    `json:"status"`
}

// Pending reports whether the message has no server identity yet.
func (m *Message) Pending() bool {
	return m.ID == 0
}

// Key identifies the message within a conversation list: the server id once
// confirmed, the temporary id while pending.
func (m *Message) Key() string {
	if m.ID != 0 {
		return "s:" + strconv.FormatInt(m.ID, 10)
	}
	return "t:" + m.TempID
}

// Contact is a conversation peer as held in the ordered contact list.
type Contact struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Number          string    `json:"number"`
	Order           *int      `json:"order,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	Unread          bool      `json:"unread"`
	AssignedTo      int64     `json:"assignedTo"`
	TagID           int64     `json:"tagId"`
	SectorID        int64     `json:"sectorId"`
	AvatarURL       string    `json:"avatarUrl"`
	Priority        string    `json:"priority"`
	ContactStatus   string    `json:"contactStatus"`
}

// DisplayName falls back to the phone number when the contact has no name.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Number != "" {
		return c.Number
	}
	return strconv.FormatInt(c.ID, 10)
}
