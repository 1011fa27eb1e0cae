package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const defaultReadPoll = 10 * time.Millisecond

// TCPTransport carries frames over a byte-stream socket. Polling is
// implemented with short read deadlines so ReceiveBytes never blocks
// longer than the poll window.
type TCPTransport struct {
	conn     net.Conn
	readPoll time.Duration

	mu     sync.Mutex // serializes writes
	closed bool
}

// DialTCP connects to a listening peer.
func DialTCP(addr string, timeout time.Duration) (*TCPTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an established connection, typically from an accept loop.
func NewTCP(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn, readPoll: defaultReadPoll}
}

// SendBytes writes the whole buffer or fails.
func (t *TCPTransport) SendBytes(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for len(data) > 0 {
		n, err := t.conn.Write(data)
		if err != nil {
			return fmt.Errorf("tcp write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// ReceiveBytes polls the socket for up to one poll window.
func (t *TCPTransport) ReceiveBytes(buf []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.readPoll)); err != nil {
		return 0, fmt.Errorf("tcp set deadline: %w", err)
	}
	n, err := t.conn.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil
		}
		return 0, fmt.Errorf("tcp read: %w", err)
	}
	return 0, nil
}

// Close shuts the connection down.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
