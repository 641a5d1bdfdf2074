// Package crm is the HTTP client for the CRM's request/response APIs:
// history pages, sends, contact snapshots and viewed marks.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/sectorsync/internal/auth"
	"github.com/matheus3301/sectorsync/internal/model"
	"github.com/matheus3301/sectorsync/internal/wire"
)

const DefaultTimeout = 30 * time.Second

// CredentialSource yields the token and sector for each request.
type CredentialSource interface {
	Current() (auth.Credentials, error)
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api: status %d: %s", e.Status, e.Body)
}

// ErrUnauthorized is wrapped by APIError responses with status 401 or 403.
var ErrUnauthorized = errors.New("unauthorized")

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

type Client struct {
	baseURL    string
	creds      CredentialSource
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on a copy of the HTTP client, so a
// shared client such as http.DefaultClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

func New(baseURL string, creds CredentialSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage returns one page of a conversation's history, newest first.
func (c *Client) FetchPage(ctx context.Context, conversationID int64, pageSize, offset int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("offset", strconv.Itoa(offset))
	var payloads []wire.MessagePayload
	if err := c.do(ctx, http.MethodGet, "/contacts/"+strconv.FormatInt(conversationID, 10)+"/messages", q, nil, &payloads); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(payloads))
	for i := range payloads {
		m := payloads[i].ToMessage()
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

type sendRequest struct {
	ContactID   int64  `json:"contactID"`
	Content     string `json:"content"`
	SectorID    string `json:"sectorId"`
	ClientMsgID string `json:"clientMsgId"`
}

// Send posts a text message. clientMsgID is echoed back by servers that
// support correlation.
func (c *Client) Send(ctx context.Context, conversationID int64, body, clientMsgID string) (model.Message, error) {
	creds, err := c.creds.Current()
	if err != nil {
		return model.Message{}, err
	}
	req := sendRequest{ContactID: conversationID, Content: body, SectorID: creds.Sector, ClientMsgID: clientMsgID}
	var resp wire.MessagePayload
	if err := c.doWith(ctx, creds, http.MethodPost, "/messages", nil, req, &resp); err != nil {
		return model.Message{}, err
	}
	m := resp.ToMessage()
	if m.ConversationID == 0 {
		m.ConversationID = conversationID
	}
	if m.TempID == "" {
		m.TempID = clientMsgID
	}
	m.Outbound = true
	return m, nil
}

// FetchContacts returns the full contact list of the active sector.
func (c *Client) FetchContacts(ctx context.Context) ([]model.Contact, error) {
	creds, err := c.creds.Current()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("sector", creds.Sector)
	var raw json.RawMessage
	if err := c.doWith(ctx, creds, http.MethodGet, "/contacts", q, nil, &raw); err != nil {
		return nil, err
	}
	return wire.DecodeContactsList(wire.Envelope{Type: "contacts_list", Payload: raw})
}

// MarkViewed tells the server the agent has seen a conversation.
func (c *Client) MarkViewed(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodPost, "/contacts/"+strconv.FormatInt(conversationID, 10)+"/viewed", nil, struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	creds, err := c.creds.Current()
	if err != nil {
		return err
	}
	return c.doWith(ctx, creds, method, path, query, body, out)
}

func (c *Client) doWith(ctx context.Context, creds auth.Credentials, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("X-Sector-Id", creds.Sector)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
