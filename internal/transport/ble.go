package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// BLE links go through a bluetooth bridge daemon that owns the radio and
// exposes a ZeroMQ forwarder: writers publish to the bridge's ingress
// socket and subscribers receive filtered traffic from its egress socket.
// A central's characteristic write and a peripheral's notification are
// both one topic-prefixed message through the bridge.
type BLEConfig struct {
	WriteURL  string // bridge ingress, publishers dial it
	NotifyURL string // bridge egress, subscribers dial it
}

// DefaultBLEConfig returns the bridge daemon's default IPC endpoints.
func DefaultBLEConfig() BLEConfig {
	return BLEConfig{
		WriteURL:  "ipc:///tmp/blebridge_ingress",
		NotifyURL: "ipc:///tmp/blebridge_egress",
	}
}

// BLETransport is one side of a BLE link through the bridge.
type BLETransport struct {
	pub    zmq4.Socket
	sub    zmq4.Socket
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendTopic []byte
	recv      chan []byte
	pending   []byte

	mu     sync.Mutex
	closed bool
}

// DialBLECentral opens the central side of a link to the peripheral
// identified by peerMAC: writes address the peer, notifications from the
// peer are subscribed.
func DialBLECentral(cfg BLEConfig, peerMAC string) (*BLETransport, error) {
	return dialBLE(cfg, "w:"+peerMAC, "n:"+peerMAC)
}

// DialBLEPeripheral opens the peripheral side for the device identified
// by localMAC: writes addressed to it are subscribed, notifications are
// published under its own address.
func DialBLEPeripheral(cfg BLEConfig, localMAC string) (*BLETransport, error) {
	return dialBLE(cfg, "n:"+localMAC, "w:"+localMAC)
}

func dialBLE(cfg BLEConfig, sendTopic, recvTopic string) (*BLETransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pub := zmq4.NewPub(ctx)
	if err := pub.Dial(cfg.WriteURL); err != nil {
		cancel()
		return nil, fmt.Errorf("dial bridge ingress %s: %w", cfg.WriteURL, err)
	}

	sub := zmq4.NewSub(ctx)
	if err := sub.Dial(cfg.NotifyURL); err != nil {
		pub.Close()
		cancel()
		return nil, fmt.Errorf("dial bridge egress %s: %w", cfg.NotifyURL, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, recvTopic); err != nil {
		sub.Close()
		pub.Close()
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", recvTopic, err)
	}

	t := &BLETransport{
		pub:       pub,
		sub:       sub,
		cancel:    cancel,
		sendTopic: []byte(sendTopic),
		recv:      make(chan []byte, 16),
	}
	t.wg.Add(1)
	go t.recvLoop(ctx)
	return t, nil
}

func (t *BLETransport) recvLoop(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.recv)

	for {
		msg, err := t.sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}
		select {
		case t.recv <- msg.Frames[1]:
		case <-ctx.Done():
			return
		}
	}
}

// SendBytes publishes one write or notification through the bridge.
func (t *BLETransport) SendBytes(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := t.pub.Send(zmq4.NewMsgFrom(t.sendTopic, data)); err != nil {
		return fmt.Errorf("bridge send: %w", err)
	}
	return nil
}

// ReceiveBytes drains the receive loop without blocking.
func (t *BLETransport) ReceiveBytes(buf []byte) (int, error) {
	if len(t.pending) > 0 {
		n := copy(buf, t.pending)
		t.pending = t.pending[n:]
		return n, nil
	}

	select {
	case data, ok := <-t.recv:
		if !ok {
			return 0, ErrClosed
		}
		n := copy(buf, data)
		t.pending = data[n:]
		return n, nil
	default:
		return 0, nil
	}
}

// Close tears the link down.
func (t *BLETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.sub.Close()
	t.pub.Close()
	t.wg.Wait()
	return nil
}
