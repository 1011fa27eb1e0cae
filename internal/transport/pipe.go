package transport

import "sync"

// Pipe returns two connected in-memory transports. Bytes sent on one side
// become available to ReceiveBytes on the other. Used for loopback wiring
// and tests.
func Pipe() (*PipeTransport, *PipeTransport) {
	a := &pipeBuf{}
	b := &pipeBuf{}
	return &PipeTransport{in: a, out: b}, &PipeTransport{in: b, out: a}
}

// PipeTransport is one end of an in-memory byte pipe.
type PipeTransport struct {
	in  *pipeBuf
	out *pipeBuf
}

type pipeBuf struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// SendBytes appends to the peer's receive buffer.
func (p *PipeTransport) SendBytes(data []byte) error {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	if p.out.closed {
		return ErrClosed
	}
	p.out.data = append(p.out.data, data...)
	return nil
}

// ReceiveBytes drains whatever is buffered, up to len(buf).
func (p *PipeTransport) ReceiveBytes(buf []byte) (int, error) {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	if len(p.in.data) == 0 {
		if p.in.closed {
			return 0, ErrClosed
		}
		return 0, nil
	}
	n := copy(buf, p.in.data)
	p.in.data = p.in.data[n:]
	return n, nil
}

// Close marks both directions closed.
func (p *PipeTransport) Close() error {
	p.in.mu.Lock()
	p.in.closed = true
	p.in.mu.Unlock()
	p.out.mu.Lock()
	p.out.closed = true
	p.out.mu.Unlock()
	return nil
}
