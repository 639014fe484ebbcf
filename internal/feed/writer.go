package feed

import (
	"context"
	"sync"
	"time"

	"market_feed/internal/domain"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Writer is the single write path to the live connection. Subscription
// commands and pings from different goroutines are serialized here so frames
// never interleave on the wire.
type Writer struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	conn    Conn
}

// NewWriter returns a Writer with no connection attached.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) attach(conn Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

// detach closes and forgets the current connection.
func (w *Writer) detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *Writer) current() Conn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn
}

// Send writes one binary control payload.
func (w *Writer) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.write(websocket.BinaryMessage, payload)
}

// Ping writes a ping control frame.
func (w *Writer) Ping() error {
	return w.write(websocket.PingMessage, nil)
}

func (w *Writer) write(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn := w.current()
	if conn == nil {
		return domain.ErrNotConnected
	}
	if messageType == websocket.PingMessage {
		return conn.WriteControl(messageType, data, time.Now().Add(writeWait))
	}
	return conn.WriteMessage(messageType, data)
}
