package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumisync/edge-controller/internal/control"
	"github.com/lumisync/edge-controller/internal/protocol"
	"github.com/lumisync/edge-controller/internal/storage"
	"github.com/lumisync/edge-controller/internal/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Control.DefaultUpdateInterval = 25 * time.Millisecond
	cfg.Control.CommandTimeout = 100 * time.Millisecond
	cfg.Control.MaxRetries = 1
	// Keep the staleness window wide so slow test runs never fault.
	cfg.Strategy.UpdateInterval = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *storage.SQLiteStore) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e, err := New(cfg, db)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, db
}

type commandRecorder struct {
	mu   sync.Mutex
	cmds []protocol.SetPosition
}

func (r *commandRecorder) add(cmd protocol.SetPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *commandRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

// addAckingDevice registers a device whose far side acknowledges every
// command and records the SetPosition commands it received.
func addAckingDevice(t *testing.T, e *Engine, deviceID int32) *commandRecorder {
	t.Helper()

	edgeSide, deviceSide := transport.Pipe()
	if err := e.AddDevice(deviceID, protocol.NewConn(edgeSide, protocol.BinaryCodec{})); err != nil {
		t.Fatalf("add device: %v", err)
	}
	devConn := protocol.NewConn(deviceSide, protocol.BinaryCodec{})

	rec := &commandRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := devConn.Receive(ctx)
			if err != nil {
				return
			}
			if cmd, ok := msg.Payload.(protocol.SetPosition); ok {
				rec.add(cmd)
			}
			ack := protocol.NewMessage(
				protocol.DeviceNode(deviceID), msg.Header.Source,
				msg.Header.Priority, time.Now(),
				protocol.Acknowledge{AckedID: msg.Header.ID, Status: protocol.AckOK},
			)
			if err := devConn.SendMessage(ack); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

// addSilentDevice registers a device whose far side never answers.
func addSilentDevice(t *testing.T, e *Engine, deviceID int32) {
	t.Helper()

	edgeSide, _ := transport.Pipe()
	if err := e.AddDevice(deviceID, protocol.NewConn(edgeSide, protocol.BinaryCodec{})); err != nil {
		t.Fatalf("add device: %v", err)
	}
}

func sensorMsg(deviceID int32, lux int32, temp float32) *protocol.Message {
	return protocol.NewMessage(
		protocol.DeviceNode(deviceID), protocol.EdgeNode(1),
		protocol.PriorityRegular, time.Now(),
		protocol.SensorReport{DeviceID: deviceID, Data: protocol.SensorData{
			Illuminance: lux,
			Temperature: temp,
			Humidity:    50,
			CapturedAt:  time.Now().UTC(),
		}},
	)
}

func awaitCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSensorSmoothingAndPersistence(t *testing.T) {
	e, db := newTestEngine(t, testConfig())
	addSilentDevice(t, e, 7)

	e.handleReport(sensorMsg(7, 100, 22))
	e.handleReport(sensorMsg(7, 110, 22))
	e.handleReport(sensorMsg(7, 120, 22))

	e.mu.Lock()
	sample := e.zones[7].latest
	ready := e.zones[7].ready
	e.mu.Unlock()

	if !ready {
		t.Fatal("zone has no sample after three reports")
	}
	// (100*1 + 110*2 + 120*3) / (1+2+3)
	want := 680.0 / 6.0
	if diff := sample.Illuminance - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("smoothed illuminance = %v, want %v", sample.Illuminance, want)
	}

	records, err := db.GetSensorRecords(7, 10)
	if err != nil {
		t.Fatalf("get sensor records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("persisted records = %d, want 3", len(records))
	}
	if records[0].Illuminance != 120 {
		t.Errorf("newest record illuminance = %d, want 120", records[0].Illuminance)
	}
}

func TestSensorReportFromUnregisteredDeviceIgnored(t *testing.T) {
	e, db := newTestEngine(t, testConfig())

	e.handleReport(sensorMsg(9, 500, 22))

	records, err := db.GetSensorRecords(9, 10)
	if err != nil {
		t.Fatalf("get sensor records: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("persisted records = %d, want 0", len(records))
	}
}

func TestStatusReportPersistsPosition(t *testing.T) {
	e, db := newTestEngine(t, testConfig())
	addSilentDevice(t, e, 7)

	msg := protocol.NewMessage(
		protocol.DeviceNode(7), protocol.EdgeNode(1),
		protocol.PriorityRegular, time.Now(),
		protocol.StatusReport{DeviceID: 7, Position: 40, Battery: 90},
	)
	e.handleReport(msg)

	got, err := db.Get("device:7:position")
	if err != nil {
		t.Fatalf("get persisted position: %v", err)
	}
	if got != "40" {
		t.Errorf("persisted position = %q, want \"40\"", got)
	}
}

func TestErrorReportFaultsDevice(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	addSilentDevice(t, e, 7)

	msg := protocol.NewMessage(
		protocol.DeviceNode(7), protocol.EdgeNode(1),
		protocol.PriorityEmergency, time.Now(),
		protocol.ErrorReport{Code: protocol.ErrCodeMotorFault, Message: "stall"},
	)
	e.handleReport(msg)

	if state := e.DeviceState(7); state != control.StateFault {
		t.Errorf("state after motor fault = %s, want fault", state)
	}

	e.ResetDevice(7)
	if state := e.DeviceState(7); state != control.StateIdle {
		t.Errorf("state after reset = %s, want idle", state)
	}
}

func TestControlLoopAdjustsOutOfRangeZone(t *testing.T) {
	e, db := newTestEngine(t, testConfig())
	rec := addAckingDevice(t, e, 7)

	// Well above the 300..600 lux target.
	e.handleReport(sensorMsg(7, 900, 22))

	if err := e.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer e.Stop()

	awaitCondition(t, "a position command", func() bool { return rec.count() > 0 })
	awaitCondition(t, "holding state", func() bool { return e.DeviceState(7) == control.StateHolding })

	audits, err := db.GetCommandRecords(7, 10)
	if err != nil {
		t.Fatalf("get command audits: %v", err)
	}
	if len(audits) == 0 {
		t.Fatal("no command audit recorded")
	}
	if audits[0].Command != "set_position" || !audits[0].Succeeded {
		t.Errorf("audit = %+v, want successful set_position", audits[0])
	}
}

func TestControlLoopStaysIdleInRange(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	rec := addAckingDevice(t, e, 7)

	// Inside both target ranges.
	e.handleReport(sensorMsg(7, 450, 22))

	if err := e.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer e.Stop()

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("commands dispatched for an in-range zone: %d", rec.count())
	}
	if state := e.DeviceState(7); state != control.StateIdle {
		t.Errorf("state = %s, want idle", state)
	}
}

func TestUnreachableDeviceFaultsAndAudits(t *testing.T) {
	cfg := testConfig()
	cfg.Control.CommandTimeout = 30 * time.Millisecond
	cfg.Control.MaxRetries = 0
	e, db := newTestEngine(t, cfg)
	addSilentDevice(t, e, 7)

	e.handleReport(sensorMsg(7, 900, 22))

	if err := e.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer e.Stop()

	awaitCondition(t, "fault state", func() bool { return e.DeviceState(7) == control.StateFault })

	audits, err := db.GetCommandRecords(7, 10)
	if err != nil {
		t.Fatalf("get command audits: %v", err)
	}
	if len(audits) == 0 {
		t.Fatal("no command audit recorded")
	}
	if audits[0].Succeeded {
		t.Error("audit marked succeeded for an unreachable device")
	}
}

func TestCloudSyncUploadsRecords(t *testing.T) {
	e, db := newTestEngine(t, testConfig())
	addSilentDevice(t, e, 7)

	edgeSide, cloudSide := transport.Pipe()
	e.SetCloudLink(protocol.NewConn(edgeSide, protocol.BinaryCodec{}))
	cloudConn := protocol.NewConn(cloudSide, protocol.BinaryCodec{})

	e.handleReport(sensorMsg(7, 400, 21))
	e.handleReport(sensorMsg(7, 410, 21))

	e.syncToCloud()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		msg, err := cloudConn.Receive(ctx)
		if err != nil {
			t.Fatalf("receive upload %d: %v", i, err)
		}
		if msg.Header.Target.Kind != protocol.NodeCloud {
			t.Errorf("upload %d targeted %s, want cloud", i, msg.Header.Target)
		}
		report, ok := msg.Payload.(protocol.SensorReport)
		if !ok {
			t.Fatalf("upload %d payload kind = %s", i, msg.Payload.Kind())
		}
		if report.DeviceID != 7 {
			t.Errorf("upload %d device = %d, want 7", i, report.DeviceID)
		}
	}

	unsynced, err := db.GetUnsyncedSensorRecords(10)
	if err != nil {
		t.Fatalf("get unsynced records: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("unsynced records after upload = %d, want 0", len(unsynced))
	}
}

func TestTimeSyncRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	edgeSide, cloudSide := transport.Pipe()
	e.SetCloudLink(protocol.NewConn(edgeSide, protocol.BinaryCodec{}))
	cloudConn := protocol.NewConn(cloudSide, protocol.BinaryCodec{})

	const skew = 250 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		msg, err := cloudConn.Receive(ctx)
		if err != nil {
			return
		}
		if _, ok := msg.Payload.(protocol.TimeSyncRequest); !ok {
			return
		}
		resp := protocol.NewMessage(
			protocol.CloudNode(), msg.Header.Source,
			protocol.PriorityRegular, time.Now(),
			protocol.TimeSyncResponse{RequestID: msg.Header.ID, ServerTime: time.Now().Add(skew)},
		)
		cloudConn.SendMessage(resp)
	}()

	offset, err := e.fetchOffset(ctx)
	if err != nil {
		t.Fatalf("fetch offset: %v", err)
	}
	if offset < 150*time.Millisecond || offset > 350*time.Millisecond {
		t.Errorf("offset = %v, want about %v", offset, skew)
	}
}
