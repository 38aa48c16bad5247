// Package stream runs the websocket connection state machine and exposes it
// through Manager.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"marketstream/config"
	"marketstream/models"
)

// Conn is the part of *websocket.Conn the connection uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Transport opens connections.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport dials with gorilla/websocket.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
}

func NewWebsocketTransport(cfg config.StreamConfig) *WebsocketTransport {
	return &WebsocketTransport{
		Dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: cfg.EnableCompression,
		},
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := t.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: dial %s: %v", models.ErrRateLimited, url, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrConnection, url, err)
	}
	return conn, nil
}
