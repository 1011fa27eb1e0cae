package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lumisync/edge-controller/internal/transport"
)

// Frame layout: [u32 big-endian length][u8 codec tag][payload], where the
// length covers tag+payload.
const (
	frameHeaderSize = 5

	// MaxFrameSize bounds the length field. A larger or zero length is
	// treated as garbage and triggers resynchronization.
	MaxFrameSize = 64 * 1024
)

const defaultPollInterval = 10 * time.Millisecond

// FrameError marks a malformed frame that was discarded. The connection
// remains usable; callers typically log and keep receiving.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string { return e.Err.Error() }

func (e *FrameError) Unwrap() error { return e.Err }

// Conn combines a Transport and a Codec into a typed message channel.
// It buffers partial reads across polls and resynchronizes after garbage
// on the wire. Not safe for concurrent use; each connection belongs to
// one communicator.
type Conn struct {
	tr    transport.Transport
	codec Codec

	rx           []byte
	readBuf      []byte
	pollInterval time.Duration
}

// NewConn wraps a transport with the given default codec for sends.
// Received frames are decoded by whatever codec their tag names.
func NewConn(tr transport.Transport, codec Codec) *Conn {
	return &Conn{
		tr:           tr,
		codec:        codec,
		readBuf:      make([]byte, 4096),
		pollInterval: defaultPollInterval,
	}
}

// Codec returns the codec used for outgoing messages.
func (c *Conn) Codec() Codec { return c.codec }

// SendMessage frames and transmits one message.
func (c *Conn) SendMessage(msg *Message) error {
	payload, err := c.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if 1+len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", 1+len(payload))
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = c.codec.Tag()
	copy(frame[frameHeaderSize:], payload)
	return c.tr.SendBytes(frame)
}

// TryReceive polls the transport once. It returns the next complete
// message, (nil, nil) when none is available yet, or an error for a
// transport failure or a malformed frame. A frame error invalidates only
// that frame; the connection stays usable.
func (c *Conn) TryReceive() (*Message, error) {
	if msg, ok, err := c.extractFrame(); ok {
		return msg, err
	}

	n, err := c.tr.ReceiveBytes(c.readBuf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	c.rx = append(c.rx, c.readBuf[:n]...)

	if msg, ok, err := c.extractFrame(); ok {
		return msg, err
	}
	return nil, nil
}

// Receive blocks until a message arrives, a frame or transport error
// occurs, or the context is canceled.
func (c *Conn) Receive(ctx context.Context) (*Message, error) {
	for {
		msg, err := c.TryReceive()
		if msg != nil || err != nil {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// Close closes the underlying transport.
func (c *Conn) Close() error { return c.tr.Close() }

// extractFrame scans the receive buffer for one complete frame. The bool
// reports whether a frame was consumed; errors surface malformed frames
// that were discarded.
func (c *Conn) extractFrame() (*Message, bool, error) {
	for {
		if len(c.rx) < frameHeaderSize {
			return nil, false, nil
		}

		length := binary.BigEndian.Uint32(c.rx[0:4])
		if length == 0 || length > MaxFrameSize {
			// Garbage length: drop one byte and rescan.
			c.rx = c.rx[1:]
			continue
		}

		total := 4 + int(length)
		if len(c.rx) < total {
			return nil, false, nil
		}

		tag := c.rx[4]
		payload := c.rx[frameHeaderSize:total]

		codec, err := CodecForTag(tag)
		if err != nil {
			c.consume(total)
			return nil, true, &FrameError{Err: err}
		}

		msg, err := codec.Unmarshal(payload)
		c.consume(total)
		if err != nil {
			return nil, true, &FrameError{Err: fmt.Errorf("decode frame: %w", err)}
		}
		return msg, true, nil
	}
}

func (c *Conn) consume(n int) {
	c.rx = append(c.rx[:0:0], c.rx[n:]...)
}
