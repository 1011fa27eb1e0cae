package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lumisync/edge-controller/internal/control"
	"github.com/lumisync/edge-controller/internal/protocol"
)

var (
	// ErrUnknownDevice is returned when dispatching to a device that was
	// never added or has been removed.
	ErrUnknownDevice = errors.New("comms: unknown device")

	// ErrDeviceUnreachable is returned after the retry budget for a
	// command is exhausted without an acknowledgment.
	ErrDeviceUnreachable = errors.New("comms: device unreachable")

	// ErrCommandRejected is returned when the device acknowledged the
	// command but refused to execute it.
	ErrCommandRejected = errors.New("comms: command rejected by device")

	// ErrCommunicatorClosed is returned by Dispatch after Close.
	ErrCommunicatorClosed = errors.New("comms: communicator closed")

	// errAckTimeout is an internal marker for one expired wait; it always
	// converts into a retry or ErrDeviceUnreachable before surfacing.
	errAckTimeout = errors.New("acknowledgment timeout")
)

const workerPollInterval = 5 * time.Millisecond

// DeviceControlState tracks dispatch history per managed device. It is
// owned by the edge communicator and mutated only by the device's
// worker.
type DeviceControlState struct {
	DeviceID    int32
	LastCommand protocol.PayloadKind
	LastUpdate  time.Time
	ErrorCount  int
}

type dispatchRequest struct {
	msg  *protocol.Message
	done chan error
}

// deviceLink is one managed device: its connection, its queues, and its
// control state. The worker goroutine is the only reader of the
// connection, which serializes commands per device.
type deviceLink struct {
	deviceID  int32
	conn      *protocol.Conn
	emergency chan *dispatchRequest
	regular   chan *dispatchRequest
	cancel    context.CancelFunc

	mu    sync.Mutex
	state DeviceControlState
}

// EdgeCommunicator fans commands out to many devices. Dispatches to the
// same device are serialized; dispatches to different devices run
// concurrently. Unsolicited reports from all devices surface on one
// aggregated channel.
type EdgeCommunicator struct {
	cfg     control.ControlConfig
	self    protocol.Node
	clock   func() time.Time
	reports chan *protocol.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	links map[int32]*deviceLink
}

// NewEdgeCommunicator creates a communicator for the given edge
// controller id.
func NewEdgeCommunicator(edgeID int32, cfg control.ControlConfig) *EdgeCommunicator {
	ctx, cancel := context.WithCancel(context.Background())
	return &EdgeCommunicator{
		cfg:     cfg,
		self:    protocol.EdgeNode(edgeID),
		clock:   time.Now,
		reports: make(chan *protocol.Message, 64),
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[int32]*deviceLink),
	}
}

// SetClock replaces the timestamp source, normally with a synchronized
// clock.
func (e *EdgeCommunicator) SetClock(now func() time.Time) {
	e.clock = now
}

// Reports returns the aggregated stream of unsolicited device reports.
func (e *EdgeCommunicator) Reports() <-chan *protocol.Message {
	return e.reports
}

// AddDevice registers a device behind a framed connection and starts
// its worker.
func (e *EdgeCommunicator) AddDevice(deviceID int32, conn *protocol.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.links[deviceID]; exists {
		return fmt.Errorf("device %d already registered", deviceID)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	link := &deviceLink{
		deviceID:  deviceID,
		conn:      conn,
		emergency: make(chan *dispatchRequest, 16),
		regular:   make(chan *dispatchRequest, 16),
		cancel:    cancel,
		state:     DeviceControlState{DeviceID: deviceID},
	}
	e.links[deviceID] = link

	e.wg.Add(1)
	go e.runWorker(ctx, link)

	log.Info().Int32("device_id", deviceID).Msg("Device registered")
	return nil
}

// RemoveDevice deprovisions a device: its worker stops, its connection
// closes, and its control state is discarded.
func (e *EdgeCommunicator) RemoveDevice(deviceID int32) error {
	e.mu.Lock()
	link, ok := e.links[deviceID]
	if ok {
		delete(e.links, deviceID)
	}
	e.mu.Unlock()

	if !ok {
		return ErrUnknownDevice
	}
	link.cancel()
	return link.conn.Close()
}

// State returns a snapshot of the device's control state.
func (e *EdgeCommunicator) State(deviceID int32) (DeviceControlState, bool) {
	e.mu.RLock()
	link, ok := e.links[deviceID]
	e.mu.RUnlock()
	if !ok {
		return DeviceControlState{}, false
	}

	link.mu.Lock()
	defer link.mu.Unlock()
	return link.state, true
}

// Dispatch sends a command to a device and waits for its outcome. The
// device worker retries on timeout up to the configured budget;
// emergency commands jump ahead of queued regular ones. Dispatch
// satisfies the analyzer's Dispatcher contract.
func (e *EdgeCommunicator) Dispatch(ctx context.Context, deviceID int32, payload protocol.Payload, priority protocol.Priority) error {
	e.mu.RLock()
	link, ok := e.links[deviceID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, deviceID)
	}

	msg := protocol.NewMessage(e.self, protocol.DeviceNode(deviceID), priority, e.clock(), payload)
	req := &dispatchRequest{msg: msg, done: make(chan error, 1)}

	queue := link.regular
	if priority == protocol.PriorityEmergency {
		queue = link.emergency
	}

	select {
	case queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrCommunicatorClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all workers and closes all device connections.
func (e *EdgeCommunicator) Close() {
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, link := range e.links {
		link.conn.Close()
		delete(e.links, id)
	}
}

// runWorker owns one device link: it executes queued dispatches,
// emergency first, and drains unsolicited reports between them.
func (e *EdgeCommunicator) runWorker(ctx context.Context, link *deviceLink) {
	defer e.wg.Done()

	ticker := time.NewTicker(workerPollInterval)
	defer ticker.Stop()

	for {
		// Emergency requests jump the queue at every dispatch point.
		select {
		case req := <-link.emergency:
			req.done <- e.execute(ctx, link, req.msg)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case req := <-link.emergency:
			req.done <- e.execute(ctx, link, req.msg)
		case req := <-link.regular:
			req.done <- e.execute(ctx, link, req.msg)
		case <-ticker.C:
			e.drainReports(link)
		}
	}
}

// execute sends one command and waits for its acknowledgment, retrying
// on timeout. A command is attempted exactly MaxRetries+1 times before
// the device is declared unreachable.
func (e *EdgeCommunicator) execute(ctx context.Context, link *deviceLink, msg *protocol.Message) error {
	attempts := e.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := link.conn.SendMessage(msg); err != nil {
			// A failed send still consumes an attempt.
			lastErr = err
			log.Warn().Err(err).
				Int32("device_id", link.deviceID).
				Int("attempt", attempt).
				Msg("Command send failed")
			continue
		}

		status, err := e.awaitAck(ctx, link, msg.Header.ID)
		switch {
		case err == nil && status == protocol.AckOK:
			link.mu.Lock()
			link.state.LastCommand = msg.Payload.Kind()
			link.state.LastUpdate = e.clock()
			link.state.ErrorCount = 0
			link.mu.Unlock()
			return nil

		case err == nil && status == protocol.AckBusy:
			// The device answered but cannot act yet; retry.
			lastErr = fmt.Errorf("device busy")

		case err == nil:
			link.mu.Lock()
			link.state.ErrorCount++
			link.mu.Unlock()
			return fmt.Errorf("%w: device %d, %s", ErrCommandRejected, link.deviceID, msg.Payload.Kind())

		case errors.Is(err, errAckTimeout):
			lastErr = err
			log.Debug().
				Int32("device_id", link.deviceID).
				Int("attempt", attempt).
				Msg("Command acknowledgment timed out")

		default:
			// Transport failure or cancellation ends the dispatch.
			return err
		}
	}

	link.mu.Lock()
	link.state.ErrorCount++
	errorCount := link.state.ErrorCount
	link.mu.Unlock()

	log.Error().
		Int32("device_id", link.deviceID).
		Int("attempts", attempts).
		Int("error_count", errorCount).
		Msg("Device unreachable")

	return fmt.Errorf("%w: device %d after %d attempts: %v", ErrDeviceUnreachable, link.deviceID, attempts, lastErr)
}

// awaitAck polls the link until a matching acknowledgment arrives or
// the command timeout expires. Unrelated messages received during the
// wait are forwarded to the report channel, not dropped.
func (e *EdgeCommunicator) awaitAck(ctx context.Context, link *deviceLink, id uuid.UUID) (protocol.AckStatus, error) {
	deadline := time.Now().Add(e.cfg.CommandTimeout)

	for {
		msg, err := link.conn.TryReceive()
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) {
				log.Warn().Err(err).Int32("device_id", link.deviceID).Msg("Dropping malformed frame")
				continue
			}
			return 0, err
		}
		if msg != nil {
			if ack, ok := msg.Payload.(protocol.Acknowledge); ok && ack.AckedID == id {
				return ack.Status, nil
			}
			e.forwardReport(msg)
			continue
		}

		if time.Now().After(deadline) {
			return 0, errAckTimeout
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(workerPollInterval):
		}
	}
}

// drainReports forwards any unsolicited messages waiting on the link.
func (e *EdgeCommunicator) drainReports(link *deviceLink) {
	for {
		msg, err := link.conn.TryReceive()
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) {
				log.Warn().Err(err).Int32("device_id", link.deviceID).Msg("Dropping malformed frame")
				continue
			}
			log.Warn().Err(err).Int32("device_id", link.deviceID).Msg("Link receive failed")
			return
		}
		if msg == nil {
			return
		}
		e.forwardReport(msg)
	}
}

func (e *EdgeCommunicator) forwardReport(msg *protocol.Message) {
	select {
	case e.reports <- msg:
	default:
		log.Warn().
			Stringer("kind", msg.Payload.Kind()).
			Msg("Report channel full, dropping report")
	}
}
