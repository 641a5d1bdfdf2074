// Package wire defines the real-time envelope format and its typed payloads.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/sectorsync/internal/syncerr"
)

// Kind is the closed set of envelope types the core understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindContact
	KindContactsList
	KindUnreadStatus
)

var kindNames = map[string]Kind{
	"message":       KindMessage,
	"contact":       KindContact,
	"contacts_list": KindContactsList,
	"unread_status": KindUnreadStatus,
}

// ParseKind maps a wire type string to a Kind. Unrecognized strings map to KindUnknown.
func ParseKind(s string) Kind {
	return kindNames[s]
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Envelope is one received unit of the real-time stream. Immutable once parsed.
type Envelope struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"-"`
}

// Kind returns the envelope's closed type.
func (e Envelope) Kind() Kind {
	return ParseKind(e.Type)
}

// Parse decodes a single envelope line.
func Parse(line []byte, receivedAt time.Time) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, &syncerr.MalformedEnvelope{Raw: line, Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &syncerr.MalformedEnvelope{Raw: line, Err: errors.New("missing type")}
	}
	env.ReceivedAt = receivedAt
	return env, nil
}

// SplitFrame splits a transport frame into its newline-separated envelope lines,
// skipping blank lines.
func SplitFrame(frame []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
