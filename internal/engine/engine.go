// Package engine ties the edge controller together: it feeds device
// reports through sensor smoothing into the analyzer, persists readings
// and command audits, forwards stored records to the cloud, publishes
// telemetry, and keeps the edge clock synchronized.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumisync/edge-controller/internal/comms"
	"github.com/lumisync/edge-controller/internal/control"
	"github.com/lumisync/edge-controller/internal/model"
	"github.com/lumisync/edge-controller/internal/protocol"
	"github.com/lumisync/edge-controller/internal/storage"
	"github.com/lumisync/edge-controller/internal/telemetry"
	"github.com/lumisync/edge-controller/internal/timesync"
)

// Config holds the engine's identity, policy, and timing.
type Config struct {
	EdgeID    int32  `yaml:"edge_id"`
	ModelPath string `yaml:"model_path"` // optional decision model file

	SmoothingWindow int `yaml:"smoothing_window"` // samples per moving average

	Control  control.ControlConfig `yaml:"control"`
	Strategy control.ZoneStrategy  `yaml:"strategy"`

	TimeSyncInterval  time.Duration `yaml:"time_sync_interval"`
	ClockStaleAfter   time.Duration `yaml:"clock_stale_after"`
	CloudSyncInterval time.Duration `yaml:"cloud_sync_interval"`
	SyncBatchSize     int           `yaml:"sync_batch_size"`
}

// DefaultConfig returns engine settings suitable for a single-zone
// installation.
func DefaultConfig() Config {
	return Config{
		EdgeID:            1,
		SmoothingWindow:   5,
		Control:           control.DefaultControlConfig(),
		Strategy:          control.DefaultZoneStrategy(1),
		TimeSyncInterval:  timesync.DefaultInterval,
		ClockStaleAfter:   timesync.DefaultStaleAfter,
		CloudSyncInterval: 30 * time.Second,
		SyncBatchSize:     100,
	}
}

// deviceZone holds the per-device smoothing state and the latest
// smoothed sample fed to the analyzer.
type deviceZone struct {
	light  *control.WeightedMovingAverage
	temp   *control.WeightedMovingAverage
	latest control.Sample
	ready  bool
}

// Engine is the edge controller's core. Reports flow in through the
// edge communicator, smoothed samples drive the analyzer's control
// loop, and readings plus command audits are persisted and forwarded.
type Engine struct {
	cfg      Config
	self     protocol.Node
	db       *storage.SQLiteStore
	edge     *comms.EdgeCommunicator
	analyzer *control.Analyzer
	clock    *timesync.Clock
	syncSvc  *timesync.Service

	publisher *telemetry.Publisher // nil when telemetry is disabled

	cloudMu sync.Mutex // serializes sends on the uplink
	cloud   *protocol.Conn

	mu    sync.Mutex
	zones map[int32]*deviceZone

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine over an opened database. The decision model
// is loaded when configured; without one the analyzer falls back to
// range midpoints.
func New(cfg Config, db *storage.SQLiteStore) (*Engine, error) {
	if cfg.SmoothingWindow < 1 {
		cfg.SmoothingWindow = DefaultConfig().SmoothingWindow
	}
	if cfg.SyncBatchSize < 1 {
		cfg.SyncBatchSize = DefaultConfig().SyncBatchSize
	}

	var predictor control.Predictor
	if cfg.ModelPath != "" {
		forest, err := model.LoadFile(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("load decision model: %w", err)
		}
		predictor = forest
		log.Info().Str("path", cfg.ModelPath).Int("trees", forest.Trees()).Msg("Decision model loaded")
	}

	e := &Engine{
		cfg:   cfg,
		self:  protocol.EdgeNode(cfg.EdgeID),
		db:    db,
		edge:  comms.NewEdgeCommunicator(cfg.EdgeID, cfg.Control),
		clock: timesync.NewClock(cfg.ClockStaleAfter),
		zones: make(map[int32]*deviceZone),
	}
	e.edge.SetClock(e.clock.Now)
	e.analyzer = control.NewAnalyzer(cfg.Strategy, auditingDispatcher{e}, predictor)
	e.syncSvc = timesync.NewService(e.clock, e.fetchOffset, cfg.TimeSyncInterval)
	return e, nil
}

// SetTelemetry attaches an MQTT publisher. Optional; without one
// telemetry events are dropped.
func (e *Engine) SetTelemetry(p *telemetry.Publisher) {
	e.publisher = p
}

// SetCloudLink attaches the framed uplink to the cloud. It enables the
// time sync handshake and the store-and-forward record upload.
func (e *Engine) SetCloudLink(conn *protocol.Conn) {
	e.cloud = conn
}

// AddDevice registers a window actuator behind a framed connection.
func (e *Engine) AddDevice(deviceID int32, conn *protocol.Conn) error {
	if err := e.edge.AddDevice(deviceID, conn); err != nil {
		return err
	}
	e.mu.Lock()
	e.zones[deviceID] = &deviceZone{
		light: control.NewWeightedMovingAverage(e.cfg.SmoothingWindow),
		temp:  control.NewWeightedMovingAverage(e.cfg.SmoothingWindow),
	}
	e.mu.Unlock()
	return nil
}

// RemoveDevice deprovisions a device and discards its smoothing state.
func (e *Engine) RemoveDevice(deviceID int32) error {
	e.mu.Lock()
	delete(e.zones, deviceID)
	e.mu.Unlock()
	return e.edge.RemoveDevice(deviceID)
}

// DeviceState returns the analyzer state for a device.
func (e *Engine) DeviceState(deviceID int32) control.State {
	return e.analyzer.State(deviceID)
}

// ResetDevice is the administrative escape from Fault.
func (e *Engine) ResetDevice(deviceID int32) {
	e.analyzer.Reset(deviceID)
	log.Info().Int32("device_id", deviceID).Msg("Device reset to idle")
}

// Start launches the background loops. The cloud loops only run when
// an uplink is attached.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go e.reportLoop(ctx)

	e.wg.Add(1)
	go e.controlLoop(ctx)

	if e.cloud != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.syncSvc.Run(ctx)
		}()

		e.wg.Add(1)
		go e.cloudSyncLoop(ctx)
	}

	log.Info().Int32("edge_id", e.cfg.EdgeID).Msg("Engine started")
	return nil
}

// Stop cancels the loops, waits for them, and shuts down all device
// links. The database, telemetry, and cloud connections stay open for
// the caller to close.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.edge.Close()
	log.Info().Msg("Engine stopped")
}

// reportLoop consumes the aggregated device report stream.
func (e *Engine) reportLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.edge.Reports():
			e.handleReport(msg)
		}
	}
}

// controlLoop runs one analyzer evaluation per device at the
// configured cadence.
func (e *Engine) controlLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Control.DefaultUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateAll(ctx)
		}
	}
}

// evaluateAll runs the analyzer for every device that has produced at
// least one smoothed sample.
func (e *Engine) evaluateAll(ctx context.Context) {
	type pending struct {
		deviceID int32
		sample   control.Sample
	}

	e.mu.Lock()
	batch := make([]pending, 0, len(e.zones))
	for id, zone := range e.zones {
		if zone.ready {
			batch = append(batch, pending{deviceID: id, sample: zone.latest})
		}
	}
	e.mu.Unlock()

	for _, p := range batch {
		state, err := e.analyzer.Evaluate(ctx, p.deviceID, p.sample)
		if err != nil {
			log.Error().Err(err).Int32("device_id", p.deviceID).Msg("Control evaluation failed")
			continue
		}
		log.Debug().Int32("device_id", p.deviceID).Stringer("state", state).Msg("Control evaluation")
	}
}

// handleReport routes one unsolicited device message.
func (e *Engine) handleReport(msg *protocol.Message) {
	switch p := msg.Payload.(type) {
	case protocol.SensorReport:
		e.handleSensorReport(p)
	case protocol.StatusReport:
		e.handleStatusReport(p)
	case protocol.HealthReport:
		e.handleHealthReport(p)
	case protocol.ErrorReport:
		e.handleErrorReport(msg.Header.Source, p)
	default:
		log.Debug().Stringer("kind", msg.Payload.Kind()).Msg("Unhandled report kind")
	}
}

// handleSensorReport smooths the reading, persists the raw sample, and
// publishes the smoothed values.
func (e *Engine) handleSensorReport(report protocol.SensorReport) {
	e.mu.Lock()
	zone, ok := e.zones[report.DeviceID]
	if !ok {
		e.mu.Unlock()
		log.Warn().Int32("device_id", report.DeviceID).Msg("Sensor report from unregistered device")
		return
	}
	light := zone.light.Update(float64(report.Data.Illuminance))
	temp := zone.temp.Update(float64(report.Data.Temperature))
	zone.latest = control.Sample{
		Illuminance: light,
		Temperature: temp,
		CapturedAt:  report.Data.CapturedAt,
	}
	zone.ready = true
	e.mu.Unlock()

	if _, err := e.db.InsertSensorRecord(&storage.SensorRecord{
		DeviceID:    report.DeviceID,
		Illuminance: report.Data.Illuminance,
		Temperature: report.Data.Temperature,
		Humidity:    report.Data.Humidity,
		CapturedAt:  report.Data.CapturedAt,
		RecordedAt:  e.clock.Now(),
	}); err != nil {
		log.Error().Err(err).Int32("device_id", report.DeviceID).Msg("Failed to persist sensor reading")
	}

	if e.publisher != nil {
		e.publisher.PublishSensor(telemetry.SensorEvent{
			DeviceID:    report.DeviceID,
			Illuminance: light,
			Temperature: temp,
			Humidity:    float64(report.Data.Humidity),
			CapturedAt:  report.Data.CapturedAt,
		})
	}

	log.Debug().
		Int32("device_id", report.DeviceID).
		Float64("illuminance", light).
		Float64("temperature", temp).
		Msg("Sensor reading smoothed")
}

// handleStatusReport records the reported position in the key-value
// store so the last known position survives restarts.
func (e *Engine) handleStatusReport(report protocol.StatusReport) {
	key := fmt.Sprintf("device:%d:position", report.DeviceID)
	if err := e.db.Set(key, strconv.Itoa(int(report.Position))); err != nil {
		log.Error().Err(err).Int32("device_id", report.DeviceID).Msg("Failed to record device position")
	}
	log.Info().
		Int32("device_id", report.DeviceID).
		Uint8("position", report.Position).
		Uint8("battery", report.Battery).
		Msg("Device status")
}

func (e *Engine) handleHealthReport(report protocol.HealthReport) {
	if e.publisher != nil {
		e.publisher.PublishHealth(telemetry.HealthEvent{
			DeviceID:      report.DeviceID,
			CPUPercent:    report.CPUPercent,
			MemoryPercent: report.MemoryPercent,
			Battery:       report.Battery,
			RSSI:          report.RSSI,
			Uptime:        uint32(report.UptimeMS / 1000),
			Timestamp:     e.clock.Now(),
		})
	}
	log.Debug().Int32("device_id", report.DeviceID).Msg("Device health report")
}

// handleErrorReport faults the analyzer for hardware failures the
// device reported on its own.
func (e *Engine) handleErrorReport(source protocol.Node, report protocol.ErrorReport) {
	deviceID, ok := e.deviceForNode(source)
	if !ok {
		log.Warn().Stringer("source", source).Str("message", report.Message).Msg("Error report from unknown device")
		return
	}

	log.Warn().
		Int32("device_id", deviceID).
		Uint8("code", uint8(report.Code)).
		Str("message", report.Message).
		Msg("Device error report")

	switch report.Code {
	case protocol.ErrCodeMotorFault, protocol.ErrCodeSensorFault:
		e.analyzer.RecordFailure(deviceID)
	}
}

// deviceForNode resolves a device node back to a registered device id
// by its derived address.
func (e *Engine) deviceForNode(node protocol.Node) (int32, bool) {
	if node.Kind != protocol.NodeDevice {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.zones {
		if protocol.MacForDevice(id) == node.MAC {
			return id, true
		}
	}
	return 0, false
}

// cloudSyncLoop forwards stored readings to the cloud in batches,
// marking each record synced once it is on the wire.
func (e *Engine) cloudSyncLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CloudSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncToCloud()
		}
	}
}

// syncToCloud uploads one batch of unsynced sensor records. A send
// failure stops the batch; the remainder is retried on the next tick.
func (e *Engine) syncToCloud() {
	records, err := e.db.GetUnsyncedSensorRecords(e.cfg.SyncBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load unsynced records")
		return
	}
	if len(records) == 0 {
		return
	}

	synced := 0
	for _, rec := range records {
		report := protocol.SensorReport{
			DeviceID: rec.DeviceID,
			Data: protocol.SensorData{
				Illuminance: rec.Illuminance,
				Temperature: rec.Temperature,
				Humidity:    rec.Humidity,
				CapturedAt:  rec.CapturedAt,
			},
		}
		msg := protocol.NewMessage(e.self, protocol.CloudNode(), protocol.PriorityRegular, e.clock.Now(), report)

		e.cloudMu.Lock()
		err := e.cloud.SendMessage(msg)
		e.cloudMu.Unlock()
		if err != nil {
			log.Warn().Err(err).Int("synced", synced).Msg("Cloud upload interrupted, will retry")
			return
		}

		if err := e.db.MarkSensorRecordSynced(rec.ID); err != nil {
			log.Error().Err(err).Int64("record_id", rec.ID).Msg("Failed to mark record synced")
			return
		}
		synced++
	}

	log.Info().Int("records", synced).Msg("Readings uploaded to cloud")
}

// fetchOffset performs one time sync round trip over the uplink. The
// server timestamp is assumed to be taken at the midpoint of the round
// trip.
func (e *Engine) fetchOffset(ctx context.Context) (time.Duration, error) {
	if e.cloud == nil {
		return 0, errors.New("no cloud link")
	}

	sentAt := time.Now()
	msg := protocol.NewMessage(e.self, protocol.CloudNode(), protocol.PriorityRegular, sentAt, protocol.TimeSyncRequest{SentAt: sentAt})

	e.cloudMu.Lock()
	err := e.cloud.SendMessage(msg)
	e.cloudMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("send time sync request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.Control.CommandTimeout)
	defer cancel()

	for {
		reply, err := e.cloud.Receive(waitCtx)
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) {
				continue
			}
			return 0, fmt.Errorf("await time sync response: %w", err)
		}
		resp, ok := reply.Payload.(protocol.TimeSyncResponse)
		if !ok || resp.RequestID != msg.Header.ID {
			continue
		}

		rtt := time.Since(sentAt)
		offset := resp.ServerTime.Add(rtt / 2).Sub(time.Now())
		return offset, nil
	}
}

// auditingDispatcher wraps the edge communicator's dispatch with a
// persistent command audit and a telemetry event per dispatch.
type auditingDispatcher struct {
	e *Engine
}

func (d auditingDispatcher) Dispatch(ctx context.Context, deviceID int32, payload protocol.Payload, priority protocol.Priority) error {
	err := d.e.edge.Dispatch(ctx, deviceID, payload, priority)

	attempts := 1
	if errors.Is(err, comms.ErrDeviceUnreachable) {
		attempts = d.e.cfg.Control.MaxRetries + 1
	}

	rec := &storage.CommandRecord{
		DeviceID:  deviceID,
		Command:   payload.Kind().String(),
		Priority:  priority.String(),
		Succeeded: err == nil,
		Attempts:  attempts,
		Timestamp: d.e.clock.Now(),
	}
	if sp, ok := payload.(protocol.SetPosition); ok {
		rec.Position = sp.Position
	}
	if _, dbErr := d.e.db.InsertCommandRecord(rec); dbErr != nil {
		log.Error().Err(dbErr).Int32("device_id", deviceID).Msg("Failed to persist command audit")
	}

	if d.e.publisher != nil {
		d.e.publisher.PublishControl(telemetry.ControlEvent{
			DeviceID:  deviceID,
			Command:   rec.Command,
			Position:  rec.Position,
			Priority:  rec.Priority,
			Succeeded: rec.Succeeded,
			Attempts:  rec.Attempts,
			Timestamp: rec.Timestamp,
		})
	}

	return err
}
