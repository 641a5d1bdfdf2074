package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

const defaultReadLimit = 4 << 20

// WebsocketDialer dials the CRM real-time endpoint. The credential travels as a
// bearer header and as the token query parameter; the sector as the sector
// query parameter.
type WebsocketDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebsocketDialer) Dial(ctx context.Context, credential, contextID string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", credential)
	q.Set("sector", contextID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	c, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit == 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

// Read skips binary frames; the envelope stream is text only.
func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (w *wsConn) Close() error {
	return w.c.CloseNow()
}
