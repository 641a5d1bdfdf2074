package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/sectorsync/internal/auth"
)

type staticCreds struct{ auth.Credentials }

func (s staticCreds) Current() (auth.Credentials, error) { return s.Credentials, nil }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/", staticCreds{auth.Credentials{Token: "tok", Sector: "12"}})
}

func TestFetchPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/contacts/7/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "50" || r.URL.Query().Get("offset") != "100" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`[{"id":2,"contactID":7,"content":"b","sentAt":"2026-03-01T12:00:02Z"},{"id":1,"content":"a","sentAt":"2026-03-01T12:00:01Z","isSent":true}]`))
	})

	msgs, err := c.FetchPage(context.Background(), 7, 50, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != 2 || msgs[1].ConversationID != 7 || !msgs[1].Outbound {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestSendCarriesClientMsgID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ClientMsgID != "cid-1" || req.ContactID != 7 || req.SectorID != "12" || req.Content != "hi" {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"id":55,"contactID":7,"content":"hi","sentAt":"2026-03-01T12:00:00Z","isSent":true}`))
	})

	m, err := c.Send(context.Background(), 7, "hi", "cid-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != 55 || m.TempID != "cid-1" || !m.Outbound {
		t.Errorf("message = %+v", m)
	}
}

func TestFetchContacts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sector") != "12" {
			t.Errorf("sector = %q", r.URL.Query().Get("sector"))
		}
		_, _ = w.Write([]byte(`{"contacts":[{"id":1,"name":"Ana","unread":true},{"id":2,"number":"+55"}]}`))
	})
	contacts, err := c.FetchContacts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 || contacts[0].Name != "Ana" || !contacts[0].Unread {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestAPIErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	})
	_, err := c.FetchPage(context.Background(), 7, 10, 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Error("401 should match ErrUnauthorized")
	}
	if err := c.MarkViewed(context.Background(), 7); err == nil {
		t.Error("MarkViewed should surface the error")
	}
}

func TestWithTimeoutLeavesSharedClientAlone(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}
	c := New("http://crm.local", staticCreds{}, WithHTTPClient(shared), WithTimeout(5*time.Second))

	if shared.Timeout != time.Minute {
		t.Errorf("shared client timeout = %v, want unchanged", shared.Timeout)
	}
	if c.httpClient == shared || c.httpClient.Timeout != 5*time.Second {
		t.Errorf("client timeout = %v, want 5s on a copy", c.httpClient.Timeout)
	}
	if http.DefaultClient.Timeout != 0 {
		t.Errorf("default client timeout = %v", http.DefaultClient.Timeout)
	}
}
