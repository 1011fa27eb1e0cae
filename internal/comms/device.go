// Package comms implements the two communicator roles: the device-side
// endpoint that receives commands and emits reports, and the edge-side
// endpoint that fans commands out to many devices with retry and
// timeout discipline.
package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumisync/edge-controller/internal/protocol"
)

// DeviceCommunicator is the device-side endpoint of one edge link. It
// yields commands addressed to this device and queues reports for
// transmission, emergency reports ahead of regular ones.
type DeviceCommunicator struct {
	conn     *protocol.Conn
	deviceID int32
	self     protocol.Node
	edge     protocol.Node
	clock    func() time.Time

	mu        sync.Mutex
	emergency []*protocol.Message
	regular   []*protocol.Message
}

// NewDeviceCommunicator wraps a framed connection to the given edge
// controller.
func NewDeviceCommunicator(conn *protocol.Conn, deviceID int32, edgeID int32) *DeviceCommunicator {
	return &DeviceCommunicator{
		conn:     conn,
		deviceID: deviceID,
		self:     protocol.DeviceNode(deviceID),
		edge:     protocol.EdgeNode(edgeID),
		clock:    time.Now,
	}
}

// SetClock replaces the timestamp source, normally with a synchronized
// clock.
func (c *DeviceCommunicator) SetClock(now func() time.Time) {
	c.clock = now
}

// ReceiveCommand blocks until the next command addressed to this device
// arrives. Malformed frames and messages for other devices are dropped;
// transport failures and context cancellation end the wait.
func (c *DeviceCommunicator) ReceiveCommand(ctx context.Context) (*protocol.Message, error) {
	for {
		msg, err := c.conn.Receive(ctx)
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) {
				log.Warn().Err(err).Int32("device_id", c.deviceID).Msg("Dropping malformed frame")
				continue
			}
			return nil, err
		}

		target := msg.Header.Target
		if target.Kind != protocol.NodeDevice || target.MAC != c.self.MAC {
			log.Debug().
				Stringer("target", target).
				Stringer("kind", msg.Payload.Kind()).
				Msg("Skipping message for another device")
			continue
		}
		return msg, nil
	}
}

// Acknowledge answers a received command immediately, bypassing the
// report queue so the edge's timeout window is not spent on queued
// telemetry.
func (c *DeviceCommunicator) Acknowledge(cmd *protocol.Message, status protocol.AckStatus) error {
	ack := protocol.NewMessage(c.self, cmd.Header.Source, cmd.Header.Priority, c.clock(),
		protocol.Acknowledge{AckedID: cmd.Header.ID, Status: status})
	if err := c.conn.SendMessage(ack); err != nil {
		return fmt.Errorf("send acknowledgment: %w", err)
	}
	return nil
}

// SendReport queues a report for the edge controller.
func (c *DeviceCommunicator) SendReport(payload protocol.Payload, priority protocol.Priority) {
	msg := protocol.NewMessage(c.self, c.edge, priority, c.clock(), payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if priority == protocol.PriorityEmergency {
		c.emergency = append(c.emergency, msg)
	} else {
		c.regular = append(c.regular, msg)
	}
}

// Flush transmits all queued reports, emergency first. On a send
// failure the unsent reports stay queued for the next flush.
func (c *DeviceCommunicator) Flush() error {
	for {
		msg := c.dequeue()
		if msg == nil {
			return nil
		}
		if err := c.conn.SendMessage(msg); err != nil {
			c.requeue(msg)
			return fmt.Errorf("flush report: %w", err)
		}
	}
}

// Pending returns the number of queued reports.
func (c *DeviceCommunicator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.emergency) + len(c.regular)
}

// Close closes the underlying connection.
func (c *DeviceCommunicator) Close() error {
	return c.conn.Close()
}

func (c *DeviceCommunicator) dequeue() *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.emergency) > 0 {
		msg := c.emergency[0]
		c.emergency = c.emergency[1:]
		return msg
	}
	if len(c.regular) > 0 {
		msg := c.regular[0]
		c.regular = c.regular[1:]
		return msg
	}
	return nil
}

func (c *DeviceCommunicator) requeue(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Header.Priority == protocol.PriorityEmergency {
		c.emergency = append([]*protocol.Message{msg}, c.emergency...)
	} else {
		c.regular = append([]*protocol.Message{msg}, c.regular...)
	}
}
