// Package syncerr defines the error taxonomy of the sync core.
//
// Every error carries a stable code of the form {domain}.{error} so UI surfaces
// can branch on it without parsing messages.
package syncerr

import (
	"errors"
	"fmt"
)

// Stable error codes.
const (
	CodeTransportDial   = "transport.dial_failed"
	CodeTransportClosed = "transport.closed"
	CodeTransportAuth   = "transport.auth_invalid"
	CodeSendFailed      = "send.failed"
	CodeFetchFailed     = "fetch.failed"
	CodeEnvelopeInvalid = "envelope.malformed"
)

// ErrNotConnected is returned by operations that need an active sector.
var ErrNotConnected = errors.New("not connected to a sector")

// ErrNoConversation is returned when a conversation-scoped call has no open conversation.
var ErrNoConversation = errors.New("no conversation is open")

// TransportError reports a failed or dropped real-time connection.
// The core never retries on its own; the owning surface decides.
type TransportError struct {
	Code    string
	Context string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (sector %s)", e.Code, e.Context)
	}
	return fmt.Sprintf("%s (sector %s): %v", e.Code, e.Context, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendFailure reports a pending message that could not be confirmed.
type SendFailure struct {
	TempID         string
	ConversationID int64
	Err            error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("%s: message %s in conversation %d: %v", CodeSendFailed, e.TempID, e.ConversationID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// Code returns the stable error code.
func (e *SendFailure) Code() string { return CodeSendFailed }

// FetchFailure reports a failed history page or contact snapshot fetch.
type FetchFailure struct {
	What           string // "history" or "contacts"
	ConversationID int64
	Page           int
	Err            error
}

func (e *FetchFailure) Error() string {
	if e.What == "history" {
		return fmt.Sprintf("%s: history page %d of conversation %d: %v", CodeFetchFailed, e.Page, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", CodeFetchFailed, e.What, e.Err)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// Code returns the stable error code.
func (e *FetchFailure) Code() string { return CodeFetchFailed }

// MalformedEnvelope reports an envelope that could not be decoded.
// It is logged and dropped; it never stops the dispatch loop.
type MalformedEnvelope struct {
	Kind string
	Raw  []byte
	Err  error
}

func (e *MalformedEnvelope) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s: %v", CodeEnvelopeInvalid, e.Err)
	}
	return fmt.Sprintf("%s: %s payload: %v", CodeEnvelopeInvalid, e.Kind, e.Err)
}

func (e *MalformedEnvelope) Unwrap() error { return e.Err }

// Code returns the stable error code.
func (e *MalformedEnvelope) Code() string { return CodeEnvelopeInvalid }

// CodeOf extracts the stable code from err, or "" when err is not part of the taxonomy.
func CodeOf(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
