package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"utalk/internal/models"
)

// DefaultPath is the well-known realtime endpoint.
const DefaultPath = "/realtime/ws"

// GorillaDialer opens gorilla/websocket transports against a fixed
// endpoint. The bearer token travels both as an auth query field and as an
// Authorization header; servers behind proxies that strip one still see the
// other.
type GorillaDialer struct {
	// BaseURL of the server, http(s) or ws(s) scheme.
	BaseURL string
	// Path overrides DefaultPath when set.
	Path string
}

func (d *GorillaDialer) Dial(ctx context.Context, bearer string, timeout time.Duration) (Transport, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	q := u.Query()
	q.Set("token", bearer)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("unauthorized: %w", err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &gorillaTransport{conn: conn}, nil
}

type gorillaTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (t *gorillaTransport) ReadEnvelope() (models.Envelope, error) {
	var env models.Envelope
	err := t.conn.ReadJSON(&env)
	return env, err
}

func (t *gorillaTransport) WriteEnvelope(env models.Envelope) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *gorillaTransport) Close() error {
	// Best effort close frame so the server sees a clean, client-initiated
	// shutdown instead of a transport error.
	t.wmu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	t.wmu.Unlock()
	return t.conn.Close()
}
