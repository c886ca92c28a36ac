package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Dialer opens WebSocket connections carrying the session credential. A
// handshake rejected with 401 is retried once after a refresh.
type Dialer struct {
	Coordinator *Coordinator
	// WS performs the handshake. websocket.DefaultDialer when nil.
	WS *websocket.Dialer
}

func (d *Dialer) ws() *websocket.Dialer {
	if d.WS != nil {
		return d.WS
	}
	return websocket.DefaultDialer
}

func (d *Dialer) DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	d.Coordinator.attachHeader(h)

	conn, resp, err := d.ws().DialContext(ctx, urlStr, h)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return conn, resp, err
	}

	creds, err := d.Coordinator.freshCredentials(ctx, bearerToken(h))
	if err != nil {
		return nil, resp, err
	}
	setBearer(h, creds.AccessToken)

	conn, resp, err = d.ws().DialContext(ctx, urlStr, h)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		return nil, resp, fmt.Errorf("websocket handshake rejected after refresh: %w", ErrSessionExpired)
	}
	return conn, resp, err
}
