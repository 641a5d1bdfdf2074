package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" || r.URL.Query().Get("token") != "good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageBinary, []byte{0x01})
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"contact","payload":{"sector":"`+r.URL.Query().Get("sector")+`"}}`))
		_, _, _ = c.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebsocketDialerReadsTextFrames(t *testing.T) {
	srv := newWSServer(t)
	d := &WebsocketDialer{URL: wsURL(srv)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "good", "sales")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	frame, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(frame), `"sector":"sales"`) {
		t.Errorf("frame = %s", frame)
	}
}

func TestWebsocketDialerUnauthorized(t *testing.T) {
	srv := newWSServer(t)
	d := &WebsocketDialer{URL: wsURL(srv)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Dial(ctx, "bad", "sales")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}
