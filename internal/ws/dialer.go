package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
)

// Conn is the part of a websocket connection the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens one authenticated connection. It returns an error wrapping
// apperr.ErrUnauthorized when the credential is rejected and
// apperr.ErrTransport for everything else.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials the push endpoint with fasthttp/websocket. The bearer
// token is sent both as an Authorization header and a token query parameter.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func NewWebsocketDialer(rawURL string, handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		URL: rawURL,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %w", apperr.ErrTransport, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", apperr.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", apperr.ErrTransport, err)
	}
	return conn, nil
}
