package feed

import (
	"context"
	"net"
	"net/http"
	"time"

	"market_feed/internal/domain"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the controller uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Hint maps hostnames to addresses resolved by a fallback resolver. Hosts not
// in the map are dialed as usual.
type Hint map[string]string

// With returns a copy of h with host pointing at addr.
func (h Hint) With(host, addr string) Hint {
	out := make(Hint, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	out[host] = addr
	return out
}

// DialContext returns a dial func that swaps hinted hosts for their address.
// It serves both the WebSocket dialer and the authorize HTTP transport.
func (h Hint) DialContext(nd *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			if ip, ok := h[host]; ok {
				addr = net.JoinHostPort(ip, port)
			}
		}
		return nd.DialContext(ctx, network, addr)
	}
}

// Target describes one connection attempt.
type Target struct {
	URL    string
	Header http.Header
	Hint   Hint
}

// Dialer opens feed connections.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens the socket. A 401/403 handshake response is an AuthError, any
// other failure a NetworkError.
func (d *WebsocketDialer) Dial(ctx context.Context, t Target) (Conn, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   64 * 1024,
	}
	if len(t.Hint) > 0 {
		wd.NetDialContext = t.Hint.DialContext(&net.Dialer{Timeout: d.HandshakeTimeout})
	}

	conn, resp, err := wd.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.AuthError{Status: resp.StatusCode, Err: err}
		}
		return nil, domain.NewNetworkError("dial", err)
	}
	return conn, nil
}
