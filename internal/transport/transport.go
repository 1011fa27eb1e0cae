// Package transport provides uniform byte-level send/receive over the links
// an edge controller uses: TCP sockets, WebSocket uplinks, and BLE via a
// bluetooth bridge daemon. All implementations satisfy the same contract so
// upper layers are transport-agnostic.
package transport

import "errors"

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is a raw byte channel. SendBytes either transmits the whole
// buffer or fails; there are no silent partial writes. ReceiveBytes has
// non-blocking poll semantics: it returns (0, nil) when no data is
// currently available, or the number of bytes written into buf.
type Transport interface {
	SendBytes(data []byte) error
	ReceiveBytes(buf []byte) (int, error)
	Close() error
}
