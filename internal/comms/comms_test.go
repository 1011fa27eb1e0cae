package comms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumisync/edge-controller/internal/control"
	"github.com/lumisync/edge-controller/internal/protocol"
	"github.com/lumisync/edge-controller/internal/transport"
)

const testEdgeID = 1

// linkPair returns the two framed ends of an in-memory device link.
func linkPair() (edge *protocol.Conn, device *protocol.Conn) {
	a, b := transport.Pipe()
	return protocol.NewConn(a, protocol.BinaryCodec{}), protocol.NewConn(b, protocol.BinaryCodec{})
}

func testConfig() control.ControlConfig {
	return control.ControlConfig{
		DefaultUpdateInterval: time.Second,
		CommandTimeout:        50 * time.Millisecond,
		MaxRetries:            3,
	}
}

// fakeDevice answers every command on its end of a link. ackDelay
// postpones each acknowledgment; a nil ack function means never answer.
type fakeDevice struct {
	conn     *protocol.Conn
	deviceID int32
	status   protocol.AckStatus
	ackDelay time.Duration

	silent   atomic.Bool
	received atomic.Int32

	mu    sync.Mutex
	kinds []protocol.PayloadKind
}

func (d *fakeDevice) run(ctx context.Context) {
	comm := NewDeviceCommunicator(d.conn, d.deviceID, testEdgeID)
	for {
		cmd, err := comm.ReceiveCommand(ctx)
		if err != nil {
			return
		}
		d.received.Add(1)
		d.mu.Lock()
		d.kinds = append(d.kinds, cmd.Payload.Kind())
		d.mu.Unlock()

		if d.silent.Load() {
			continue
		}
		if d.ackDelay > 0 {
			select {
			case <-time.After(d.ackDelay):
			case <-ctx.Done():
				return
			}
		}
		comm.Acknowledge(cmd, d.status)
	}
}

func (d *fakeDevice) commandKinds() []protocol.PayloadKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.PayloadKind(nil), d.kinds...)
}

func startEdgeWithDevice(t *testing.T, deviceID int32, dev *fakeDevice) *EdgeCommunicator {
	t.Helper()
	edgeConn, deviceConn := linkPair()
	dev.conn = deviceConn
	dev.deviceID = deviceID

	edge := NewEdgeCommunicator(testEdgeID, testConfig())
	if err := edge.AddDevice(deviceID, edgeConn); err != nil {
		t.Fatalf("add device: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go dev.run(ctx)
	t.Cleanup(func() {
		cancel()
		edge.Close()
	})
	return edge
}

func TestDispatchSucceedsOnAck(t *testing.T) {
	dev := &fakeDevice{status: protocol.AckOK}
	edge := startEdgeWithDevice(t, 7, dev)

	err := edge.Dispatch(context.Background(), 7, protocol.SetPosition{DeviceID: 7, Position: 50}, protocol.PriorityRegular)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	state, ok := edge.State(7)
	if !ok {
		t.Fatal("state missing")
	}
	if state.LastCommand != protocol.KindSetPosition {
		t.Errorf("last command = %s", state.LastCommand)
	}
	if state.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0", state.ErrorCount)
	}
	if state.LastUpdate.IsZero() {
		t.Error("last update not recorded")
	}
}

func TestDispatchToUnknownDevice(t *testing.T) {
	edge := NewEdgeCommunicator(testEdgeID, testConfig())
	defer edge.Close()

	err := edge.Dispatch(context.Background(), 99, protocol.Calibrate{DeviceID: 99}, protocol.PriorityRegular)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

// A device that never acknowledges costs exactly MaxRetries+1 send
// attempts, then surfaces a routing failure with no further attempts.
func TestDispatchRetryBudget(t *testing.T) {
	dev := &fakeDevice{status: protocol.AckOK}
	dev.silent.Store(true)
	edge := startEdgeWithDevice(t, 7, dev)

	err := edge.Dispatch(context.Background(), 7, protocol.SetPosition{DeviceID: 7, Position: 10}, protocol.PriorityRegular)
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("err = %v, want ErrDeviceUnreachable", err)
	}

	// Let any stray resend land before counting.
	time.Sleep(3 * testConfig().CommandTimeout)

	wantAttempts := int32(testConfig().MaxRetries + 1)
	if got := dev.received.Load(); got != wantAttempts {
		t.Errorf("send attempts = %d, want %d", got, wantAttempts)
	}

	state, _ := edge.State(7)
	if state.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", state.ErrorCount)
	}
}

func TestDispatchRejectedByDevice(t *testing.T) {
	dev := &fakeDevice{status: protocol.AckFailed}
	edge := startEdgeWithDevice(t, 7, dev)

	err := edge.Dispatch(context.Background(), 7, protocol.Calibrate{DeviceID: 7}, protocol.PriorityRegular)
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want ErrCommandRejected", err)
	}

	// A rejection is a single exchange, not a retry storm.
	if got := dev.received.Load(); got != 1 {
		t.Errorf("send attempts = %d, want 1", got)
	}
	state, _ := edge.State(7)
	if state.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", state.ErrorCount)
	}
}

func TestSuccessResetsErrorCount(t *testing.T) {
	dev := &fakeDevice{status: protocol.AckOK}
	dev.silent.Store(true)
	edge := startEdgeWithDevice(t, 7, dev)

	if err := edge.Dispatch(context.Background(), 7, protocol.RequestStatus{DeviceID: 7}, protocol.PriorityRegular); err == nil {
		t.Fatal("expected failure from silent device")
	}

	dev.silent.Store(false)
	if err := edge.Dispatch(context.Background(), 7, protocol.RequestStatus{DeviceID: 7}, protocol.PriorityRegular); err != nil {
		t.Fatalf("dispatch after recovery: %v", err)
	}

	state, _ := edge.State(7)
	if state.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0 after success", state.ErrorCount)
	}
}

// While the worker is busy with one command, a queued emergency command
// must be executed before a queued regular one.
func TestEmergencyJumpsQueue(t *testing.T) {
	dev := &fakeDevice{status: protocol.AckOK, ackDelay: 30 * time.Millisecond}
	edge := startEdgeWithDevice(t, 7, dev)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		edge.Dispatch(context.Background(), 7, protocol.SetPosition{DeviceID: 7, Position: 10}, protocol.PriorityRegular)
	}()

	// Queue a second regular command behind the in-flight one, then an
	// emergency stop.
	time.Sleep(10 * time.Millisecond)
	wg.Add(2)
	go func() {
		defer wg.Done()
		edge.Dispatch(context.Background(), 7, protocol.SetPosition{DeviceID: 7, Position: 20}, protocol.PriorityRegular)
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		edge.Dispatch(context.Background(), 7, protocol.EmergencyStop{DeviceID: 7}, protocol.PriorityEmergency)
	}()
	wg.Wait()

	kinds := dev.commandKinds()
	if len(kinds) != 3 {
		t.Fatalf("device saw %d commands, want 3: %v", len(kinds), kinds)
	}
	if kinds[1] != protocol.KindEmergencyStop {
		t.Errorf("command order = %v, want emergency second", kinds)
	}
}

// Dispatches to different devices proceed concurrently: a slow device
// must not block a fast one.
func TestDispatchConcurrentAcrossDevices(t *testing.T) {
	slow := &fakeDevice{status: protocol.AckOK, ackDelay: 100 * time.Millisecond}
	fast := &fakeDevice{status: protocol.AckOK}

	edgeConnSlow, devConnSlow := linkPair()
	edgeConnFast, devConnFast := linkPair()
	slow.conn, slow.deviceID = devConnSlow, 1
	fast.conn, fast.deviceID = devConnFast, 2

	edge := NewEdgeCommunicator(testEdgeID, testConfig())
	edge.AddDevice(1, edgeConnSlow)
	edge.AddDevice(2, edgeConnFast)

	ctx, cancel := context.WithCancel(context.Background())
	go slow.run(ctx)
	go fast.run(ctx)
	defer func() {
		cancel()
		edge.Close()
	}()

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- edge.Dispatch(context.Background(), 1, protocol.RequestStatus{DeviceID: 1}, protocol.PriorityRegular)
	}()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	if err := edge.Dispatch(context.Background(), 2, protocol.RequestStatus{DeviceID: 2}, protocol.PriorityRegular); err != nil {
		t.Fatalf("fast dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Errorf("fast device waited %v behind slow device", elapsed)
	}

	if err := <-slowDone; err != nil {
		t.Fatalf("slow dispatch: %v", err)
	}
}

func TestUnsolicitedReportsSurface(t *testing.T) {
	edgeConn, deviceConn := linkPair()

	edge := NewEdgeCommunicator(testEdgeID, testConfig())
	edge.AddDevice(7, edgeConn)
	defer edge.Close()

	dev := NewDeviceCommunicator(deviceConn, 7, testEdgeID)
	dev.SendReport(protocol.SensorReport{
		DeviceID: 7,
		Data:     protocol.SensorData{Illuminance: 480, CapturedAt: time.Now().UTC()},
	}, protocol.PriorityRegular)
	if err := dev.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case msg := <-edge.Reports():
		report, ok := msg.Payload.(protocol.SensorReport)
		if !ok {
			t.Fatalf("payload = %T", msg.Payload)
		}
		if report.Data.Illuminance != 480 {
			t.Errorf("illuminance = %d", report.Data.Illuminance)
		}
	case <-time.After(time.Second):
		t.Fatal("report never surfaced")
	}
}

func TestDeviceReceivesOnlyOwnCommands(t *testing.T) {
	edgeConn, deviceConn := linkPair()
	dev := NewDeviceCommunicator(deviceConn, 7, testEdgeID)

	// A command for another device followed by one for this device.
	other := protocol.NewMessage(protocol.EdgeNode(testEdgeID), protocol.DeviceNode(8),
		protocol.PriorityRegular, time.Now(), protocol.Calibrate{DeviceID: 8})
	mine := protocol.NewMessage(protocol.EdgeNode(testEdgeID), protocol.DeviceNode(7),
		protocol.PriorityRegular, time.Now(), protocol.SetPosition{DeviceID: 7, Position: 30})
	if err := edgeConn.SendMessage(other); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := edgeConn.SendMessage(mine); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, err := dev.ReceiveCommand(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if cmd.Payload.Kind() != protocol.KindSetPosition {
		t.Errorf("kind = %s, want set_position", cmd.Payload.Kind())
	}
}

func TestDeviceSkipsMalformedFrames(t *testing.T) {
	a, b := transport.Pipe()
	edgeConn := protocol.NewConn(a, protocol.BinaryCodec{})
	dev := NewDeviceCommunicator(protocol.NewConn(b, protocol.BinaryCodec{}), 7, testEdgeID)

	// A frame with an unknown codec tag, then a valid command.
	if err := a.SendBytes([]byte{0, 0, 0, 3, 0x09, 0xAA, 0xBB}); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	cmd := protocol.NewMessage(protocol.EdgeNode(testEdgeID), protocol.DeviceNode(7),
		protocol.PriorityRegular, time.Now(), protocol.RequestStatus{DeviceID: 7})
	if err := edgeConn.SendMessage(cmd); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := dev.ReceiveCommand(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Payload.Kind() != protocol.KindRequestStatus {
		t.Errorf("kind = %s, want request_status", got.Payload.Kind())
	}
}

func TestDeviceFlushSendsEmergencyFirst(t *testing.T) {
	edgeConn, deviceConn := linkPair()
	dev := NewDeviceCommunicator(deviceConn, 7, testEdgeID)

	dev.SendReport(protocol.StatusReport{DeviceID: 7, Position: 40}, protocol.PriorityRegular)
	dev.SendReport(protocol.ErrorReport{Code: protocol.ErrCodeMotorFault, Message: "stall"}, protocol.PriorityEmergency)
	if dev.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", dev.Pending())
	}
	if err := dev.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if dev.Pending() != 0 {
		t.Errorf("pending after flush = %d, want 0", dev.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := edgeConn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	second, err := edgeConn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if first.Payload.Kind() != protocol.KindErrorReport {
		t.Errorf("first = %s, want error_report", first.Payload.Kind())
	}
	if second.Payload.Kind() != protocol.KindStatusReport {
		t.Errorf("second = %s, want status_report", second.Payload.Kind())
	}
}

func TestReceiveCommandHonorsCancellation(t *testing.T) {
	_, deviceConn := linkPair()
	dev := NewDeviceCommunicator(deviceConn, 7, testEdgeID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := dev.ReceiveCommand(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not stop on cancellation")
	}
}

func TestRemoveDeviceDeprovisions(t *testing.T) {
	edgeConn, _ := linkPair()
	edge := NewEdgeCommunicator(testEdgeID, testConfig())
	defer edge.Close()

	edge.AddDevice(7, edgeConn)
	if err := edge.RemoveDevice(7); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := edge.State(7); ok {
		t.Error("state survived deprovisioning")
	}
	if err := edge.Dispatch(context.Background(), 7, protocol.Calibrate{DeviceID: 7}, protocol.PriorityRegular); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
	if err := edge.RemoveDevice(7); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("double remove err = %v, want ErrUnknownDevice", err)
	}
}
