package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport carries frames as binary WebSocket messages, typically as
// the edge controller's cloud uplink. Reads happen on a background loop
// because a deadline expiry is a permanent error on a websocket
// connection; ReceiveBytes drains the loop's channel without blocking.
type WSTransport struct {
	conn *websocket.Conn

	recv    chan []byte
	done    chan struct{}
	pending []byte
	wg      sync.WaitGroup

	writeMu sync.Mutex
	mu      sync.Mutex
	readErr error
	closed  bool
}

// DialWS connects to a WebSocket endpoint.
func DialWS(url string, timeout time.Duration) (*WSTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	return NewWS(conn), nil
}

// NewWS wraps an established websocket connection.
func NewWS(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn: conn,
		recv: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// readLoop exits on a read error or on Close, even while blocked
// handing a message to a consumer that stopped draining.
func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.recv)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.readErr == nil {
				t.readErr = err
			}
			t.mu.Unlock()
			return
		}
		select {
		case t.recv <- data:
		case <-t.done:
			return
		}
	}
}

// SendBytes writes one binary message.
func (t *WSTransport) SendBytes(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// ReceiveBytes returns buffered bytes from the last message before
// draining the next one.
func (t *WSTransport) ReceiveBytes(buf []byte) (int, error) {
	if len(t.pending) > 0 {
		n := copy(buf, t.pending)
		t.pending = t.pending[n:]
		return n, nil
	}

	select {
	case data, ok := <-t.recv:
		if !ok {
			t.mu.Lock()
			err := t.readErr
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return 0, ErrClosed
			}
			return 0, fmt.Errorf("websocket read: %w", err)
		}
		n := copy(buf, data)
		t.pending = data[n:]
		return n, nil
	default:
		return 0, nil
	}
}

// Close shuts the connection down and stops the read loop.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
