package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Socket is one physical duplex connection. *websocket.Conn satisfies it.
type Socket interface {
	MessageReaderWriter
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Socket, error)
}

type DialerFunc func(ctx context.Context, url string, header http.Header) (Socket, error)

func (fn DialerFunc) DialContext(ctx context.Context, url string, header http.Header) (Socket, error) {
	return fn(ctx, url, header)
}

// WebsocketDialer dials with gorilla/websocket and asks for the graphql-ws
// subprotocol.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			Subprotocols:     []string{Subprotocol},
		},
	}
}

func (d *WebsocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer().Dialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing %s: status %d", url, resp.StatusCode)
		}

		return nil, errors.Wrapf(err, "dialing %s", url)
	}

	return conn, nil
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}
