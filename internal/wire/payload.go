package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

// MessagePayload is the payload of a "message" envelope.
type MessagePayload struct {
	ID          int64  `json:"id"`
	ContactID   int64  `json:"contactID"`
	Content     string `json:"content"`
	MediaType   string `json:"mediaType"`
	MediaURL    string `json:"mediaUrl"`
	FileName    string `json:"fileName"`
	SentAt      Time   `json:"sentAt"`
	IsSent      bool   `json:"isSent"`
	IsRead      bool   `json:"isRead"`
	SectorID    int64  `json:"sectorId"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// ToMessage converts the payload into a confirmed message.
func (p *MessagePayload) ToMessage() model.Message {
	return model.Message{
		ID:             p.ID,
		TempID:         p.ClientMsgID,
		ConversationID: p.ContactID,
		Body:           p.Content,
		MediaType:      p.MediaType,
		MediaURL:       p.MediaURL,
		FileName:       p.FileName,
		Outbound:       p.IsSent,
		Read:           p.IsRead,
		CreatedAt:      p.SentAt.Time,
		Status:         model.StatusConfirmed,
	}
}

// Preview is the short text shown in the contact list for this message.
func (p *MessagePayload) Preview() string {
	if p.Content != "" {
		return p.Content
	}
	if p.FileName != "" {
		return p.FileName
	}
	return p.MediaType
}

// ContactPatch is a partial-or-full contact record. Only the keys present were sent.
type ContactPatch map[string]any

// ID extracts the contact id, which every patch must carry.
func (p ContactPatch) ID() (int64, bool) {
	switch v := p["id"].(type) {
	case json.Number:
		id, err := v.Int64()
		return id, err == nil && id != 0
	case float64:
		return int64(v), v != 0
	case int64:
		return v, v != 0
	case int:
		return int64(v), v != 0
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil && id != 0
	default:
		return 0, false
	}
}

type contactsListPayload struct {
	Contacts []ContactPatch `json:"contacts"`
}

type unreadStatusPayload struct {
	UnreadStatus map[string]bool `json:"unreadStatus"`
	At           *Time           `json:"at,omitempty"`
}

// UnreadDelta is a decoded "unread_status" payload. Values are raw: their sign
// convention is interpreted by the unread tracker.
type UnreadDelta struct {
	Raw map[int64]bool
	// At is the server's own timestamp for the delta, zero when absent.
	At time.Time
}

// DecodeMessage decodes a "message" envelope payload.
func DecodeMessage(env Envelope) (MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return MessagePayload{}, malformed(env, err)
	}
	if p.ContactID == 0 {
		return MessagePayload{}, malformed(env, errors.New("missing contactID"))
	}
	return p, nil
}

// DecodeContact decodes a "contact" envelope payload. The patch must carry an id.
func DecodeContact(env Envelope) (ContactPatch, int64, error) {
	patch, err := decodePatch(env.Payload)
	if err != nil {
		return nil, 0, malformed(env, err)
	}
	id, ok := patch.ID()
	if !ok {
		return nil, 0, malformed(env, errors.New("missing contact id"))
	}
	return patch, id, nil
}

// DecodeContactsList decodes a "contacts_list" envelope into full contact records.
func DecodeContactsList(env Envelope) ([]model.Contact, error) {
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.UseNumber()
	var p contactsListPayload
	if err := dec.Decode(&p); err != nil {
		return nil, malformed(env, err)
	}
	contacts := make([]model.Contact, 0, len(p.Contacts))
	for i, patch := range p.Contacts {
		if _, ok := patch.ID(); !ok {
			return nil, malformed(env, fmt.Errorf("contact %d: missing id", i))
		}
		var c model.Contact
		if err := DecodeRecord(patch, &c); err != nil {
			return nil, malformed(env, fmt.Errorf("contact %d: %w", i, err))
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// DecodeUnreadStatus decodes an "unread_status" envelope payload.
func DecodeUnreadStatus(env Envelope) (UnreadDelta, error) {
	var p unreadStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return UnreadDelta{}, malformed(env, err)
	}
	delta := UnreadDelta{Raw: make(map[int64]bool, len(p.UnreadStatus))}
	for key, v := range p.UnreadStatus {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return UnreadDelta{}, malformed(env, fmt.Errorf("conversation key %q: %w", key, err))
		}
		delta.Raw[id] = v
	}
	if p.At != nil {
		delta.At = p.At.Time
	}
	return delta, nil
}

func decodePatch(raw json.RawMessage) (ContactPatch, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var patch ContactPatch
	if err := dec.Decode(&patch); err != nil {
		return nil, err
	}
	if patch == nil {
		return nil, errors.New("empty payload")
	}
	return patch, nil
}

func malformed(env Envelope, err error) error {
	return &syncerr.MalformedEnvelope{Kind: env.Type, Raw: env.Payload, Err: err}
}
