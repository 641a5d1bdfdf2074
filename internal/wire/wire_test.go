package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/syncerr"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustParse(t *testing.T, line string) Envelope {
	t.Helper()
	env, err := Parse([]byte(line), now)
	if err != nil {
		t.Fatalf("Parse(%s): %v", line, err)
	}
	return env
}

func TestParseKinds(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{`{"type":"message","payload":{}}`, KindMessage},
		{`{"type":"contact","payload":{}}`, KindContact},
		{`{"type":"contacts_list","payload":{}}`, KindContactsList},
		{`{"type":"unread_status","payload":{}}`, KindUnreadStatus},
		{`{"type":"typing","payload":{}}`, KindUnknown},
	}
	for _, tt := range tests {
		env := mustParse(t, tt.line)
		if env.Kind() != tt.want {
			t.Errorf("Kind(%s) = %v, want %v", env.Type, env.Kind(), tt.want)
		}
		if !env.ReceivedAt.Equal(now) {
			t.Errorf("ReceivedAt = %v, want %v", env.ReceivedAt, now)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	for _, line := range []string{`not json`, `{"payload":{}}`} {
		_, err := Parse([]byte(line), now)
		var me *syncerr.MalformedEnvelope
		if !errors.As(err, &me) {
			t.Errorf("Parse(%s) error = %v, want MalformedEnvelope", line, err)
		}
		if syncerr.CodeOf(err) != syncerr.CodeEnvelopeInvalid {
			t.Errorf("CodeOf = %q", syncerr.CodeOf(err))
		}
	}
}

func TestSplitFrame(t *testing.T) {
	frame := []byte("{\"type\":\"message\"}\n\n  {\"type\":\"contact\"}  \n")
	lines := SplitFrame(frame)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if string(lines[1]) != `{"type":"contact"}` {
		t.Errorf("line[1] = %q", lines[1])
	}
}

func TestDecodeMessage(t *testing.T) {
	env := mustParse(t, `{"type":"message","payload":{"id":99,"contactID":7,"content":"hi","sentAt":"2026-03-01T11:59:58Z","isSent":true,"clientMsgId":"abc"}}`)
	p, err := DecodeMessage(env)
	if err != nil {
		t.Fatal(err)
	}
	m := p.ToMessage()
	if m.ID != 99 || m.ConversationID != 7 || m.Body != "hi" || !m.Outbound {
		t.Errorf("message = %+v", m)
	}
	if m.TempID != "abc" {
		t.Errorf("TempID = %q, want abc", m.TempID)
	}
	if m.Status != model.StatusConfirmed {
		t.Errorf("Status = %q", m.Status)
	}
	if !m.CreatedAt.Equal(now.Add(-2 * time.Second)) {
		t.Errorf("CreatedAt = %v", m.CreatedAt)
	}
}

func TestDecodeMessageMillis(t *testing.T) {
	env := mustParse(t, `{"type":"message","payload":{"id":1,"contactID":7,"sentAt":1772366400000}}`)
	p, err := DecodeMessage(env)
	if err != nil {
		t.Fatal(err)
	}
	if !p.SentAt.Equal(now) {
		t.Errorf("SentAt = %v, want %v", p.SentAt.Time, now)
	}
}

func TestDecodeMessageMissingConversation(t *testing.T) {
	env := mustParse(t, `{"type":"message","payload":{"id":1,"content":"x"}}`)
	if _, err := DecodeMessage(env); syncerr.CodeOf(err) != syncerr.CodeEnvelopeInvalid {
		t.Errorf("error = %v, want malformed", err)
	}
}

func TestDecodeContact(t *testing.T) {
	env := mustParse(t, `{"type":"contact","payload":{"id":42,"name":"Ana"}}`)
	patch, id, err := DecodeContact(env)
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
	if _, ok := patch["number"]; ok {
		t.Error("absent key should not appear in patch")
	}

	env = mustParse(t, `{"type":"contact","payload":{"name":"Ana"}}`)
	if _, _, err := DecodeContact(env); err == nil {
		t.Error("expected error for patch without id")
	}
}

func TestDecodeContactsList(t *testing.T) {
	env := mustParse(t, `{"type":"contacts_list","payload":{"contacts":[
		{"id":1,"name":"A","order":2,"lastMessageTime":"2026-03-01T10:00:00Z","unread":true},
		{"id":2,"number":"+55","lastMessageTime":1772366400000,"unread":0}
	]}}`)
	contacts, err := DecodeContactsList(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Fatalf("got %d contacts", len(contacts))
	}
	if contacts[0].Order == nil || *contacts[0].Order != 2 {
		t.Errorf("order = %v, want 2", contacts[0].Order)
	}
	if !contacts[0].Unread || contacts[1].Unread {
		t.Errorf("unread = %v/%v", contacts[0].Unread, contacts[1].Unread)
	}
	if !contacts[1].LastMessageTime.Equal(now) {
		t.Errorf("lastMessageTime = %v", contacts[1].LastMessageTime)
	}
}

func TestDecodeRecordPreservesAbsentFields(t *testing.T) {
	existing := model.Contact{ID: 42, Name: "Ana", Number: "+55", LastMessage: "old"}
	patch := ContactPatch{"id": 42, "lastMessage": "new", "name": nil}
	merged := existing
	if err := DecodeRecord(patch, &merged); err != nil {
		t.Fatal(err)
	}
	if merged.LastMessage != "new" {
		t.Errorf("LastMessage = %q, want new", merged.LastMessage)
	}
	if merged.Number != "+55" || merged.Name != "Ana" {
		t.Errorf("absent/null fields changed: %+v", merged)
	}
	if existing.LastMessage != "old" {
		t.Error("decoding mutated the original")
	}
}

func TestDecodeUnreadStatus(t *testing.T) {
	env := mustParse(t, `{"type":"unread_status","payload":{"unreadStatus":{"7":false,"9":true}}}`)
	d, err := DecodeUnreadStatus(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Raw) != 2 || d.Raw[7] || !d.Raw[9] {
		t.Errorf("raw = %v", d.Raw)
	}
	if !d.At.IsZero() {
		t.Errorf("At = %v, want zero", d.At)
	}

	env = mustParse(t, `{"type":"unread_status","payload":{"unreadStatus":{"x":true}}}`)
	if _, err := DecodeUnreadStatus(env); err == nil {
		t.Error("expected error for non-numeric key")
	}
}
