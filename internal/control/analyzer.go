package control

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumisync/edge-controller/internal/protocol"
)

// State of the analyzer's per-device machine.
type State uint8

const (
	StateIdle      State = 0 // zone within target range, no action
	StateAdjusting State = 1 // actuation command issued, awaiting completion
	StateHolding   State = 2 // actuation completed, re-check next interval
	StateFault     State = 3 // routing failure or stale sensor data
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdjusting:
		return "adjusting"
	case StateHolding:
		return "holding"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Dispatcher sends a command toward a device and blocks until it is
// acknowledged or retries are exhausted.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID int32, payload protocol.Payload, priority protocol.Priority) error
}

// Predictor is the external decision model, consumed as an opaque
// advisory setpoint source.
type Predictor interface {
	Predict(features []float64) (float64, error)
}

// Sample is one smoothed measurement set fed into the analyzer.
type Sample struct {
	Illuminance float64
	Temperature float64
	CapturedAt  time.Time
}

type deviceStatus struct {
	state      State
	lastChange time.Time
	lastEval   time.Time
}

// Analyzer decides actuation for one zone. It owns the zone's PID loop
// and a state machine per managed device. Advice from the decision model
// shifts the setpoint only; the range check always uses the strategy.
type Analyzer struct {
	dispatcher Dispatcher
	predictor  Predictor // nil when no model is configured

	mu       sync.Mutex
	strategy ZoneStrategy
	pid      *PIDController
	devices  map[int32]*deviceStatus

	now func() time.Time
}

// NewAnalyzer creates an analyzer for one zone. predictor may be nil.
func NewAnalyzer(strategy ZoneStrategy, dispatcher Dispatcher, predictor Predictor) *Analyzer {
	return &Analyzer{
		dispatcher: dispatcher,
		predictor:  predictor,
		strategy:   strategy,
		pid:        NewPIDController(strategy.PID, strategy.LightRange.Mid()),
		devices:    make(map[int32]*deviceStatus),
		now:        time.Now,
	}
}

// Strategy returns the active zone strategy.
func (a *Analyzer) Strategy() ZoneStrategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strategy
}

// ReplaceStrategy swaps in a new strategy between control cycles and
// rebuilds the PID loop with the new tuning.
func (a *Analyzer) ReplaceStrategy(strategy ZoneStrategy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strategy = strategy
	a.pid = NewPIDController(strategy.PID, strategy.LightRange.Mid())
}

// State returns the machine state for a device.
func (a *Analyzer) State(deviceID int32) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status(deviceID).state
}

// RecordFailure forces a device into Fault after the communicator
// surfaced a routing failure.
func (a *Analyzer) RecordFailure(deviceID int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.status(deviceID)
	st.state = StateFault
	st.lastChange = a.now()
}

// Reset is the administrative escape from Fault: the device returns to
// Idle and the zone's PID state is cleared.
func (a *Analyzer) Reset(deviceID int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.status(deviceID)
	st.state = StateIdle
	st.lastChange = a.now()
	a.pid.Reset()
}

// Evaluate runs one control step for a device with its latest smoothed
// sample and returns the resulting state. A dispatch failure moves the
// device to Fault and is returned to the caller.
func (a *Analyzer) Evaluate(ctx context.Context, deviceID int32, sample Sample) (State, error) {
	a.mu.Lock()
	st := a.status(deviceID)
	now := a.now()

	if st.state == StateFault {
		a.mu.Unlock()
		return StateFault, nil
	}

	if staleAfter := 2 * a.strategy.UpdateInterval; now.Sub(sample.CapturedAt) > staleAfter {
		st.state = StateFault
		st.lastChange = now
		a.mu.Unlock()
		log.Warn().Int32("device", deviceID).Time("captured_at", sample.CapturedAt).
			Msg("Sensor data stale, device faulted")
		return StateFault, nil
	}

	inRange := a.strategy.LightRange.Contains(sample.Illuminance) &&
		a.strategy.TempRange.Contains(sample.Temperature)

	switch st.state {
	case StateIdle:
		if inRange {
			st.lastEval = now
			a.mu.Unlock()
			return StateIdle, nil
		}
		return a.adjust(ctx, deviceID, st, sample, now)

	case StateAdjusting:
		// A command is still in flight; nothing new this tick.
		a.mu.Unlock()
		return StateAdjusting, nil

	case StateHolding:
		if !inRange {
			return a.adjust(ctx, deviceID, st, sample, now)
		}
		if now.Sub(st.lastChange) >= a.strategy.UpdateInterval {
			st.state = StateIdle
			st.lastChange = now
		}
		st.lastEval = now
		state := st.state
		a.mu.Unlock()
		return state, nil

	default:
		a.mu.Unlock()
		return st.state, nil
	}
}

// adjust issues one SetPosition command. Called with the lock held;
// releases it around the dispatch so report handling is not blocked.
func (a *Analyzer) adjust(ctx context.Context, deviceID int32, st *deviceStatus, sample Sample, now time.Time) (State, error) {
	setpoint := a.strategy.LightRange.Mid()
	if a.predictor != nil {
		advice, err := a.predictor.Predict([]float64{
			sample.Illuminance,
			sample.Temperature,
			float64(sample.CapturedAt.Hour()),
		})
		if err != nil {
			log.Warn().Err(err).Int32("zone", a.strategy.ZoneID).Msg("Decision model unavailable, using range midpoint")
		} else {
			setpoint = a.strategy.LightRange.Clamp(advice)
		}
	}
	a.pid.Retarget(setpoint)

	dt := now.Sub(st.lastEval).Seconds()
	if st.lastEval.IsZero() || dt <= 0 {
		dt = a.strategy.UpdateInterval.Seconds()
	}
	output := a.pid.Update(sample.Illuminance, dt)
	position := positionFromOutput(output)

	st.state = StateAdjusting
	st.lastChange = now
	st.lastEval = now
	a.mu.Unlock()

	err := a.dispatcher.Dispatch(ctx, deviceID, protocol.SetPosition{
		DeviceID: deviceID,
		Position: position,
	}, protocol.PriorityRegular)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		st.state = StateFault
		st.lastChange = a.now()
		log.Error().Err(err).Int32("device", deviceID).Msg("Dispatch failed, device faulted")
		return StateFault, err
	}
	st.state = StateHolding
	st.lastChange = a.now()
	return StateHolding, nil
}

// status returns the tracked state for a device, creating it on first
// registration.
func (a *Analyzer) status(deviceID int32) *deviceStatus {
	st, ok := a.devices[deviceID]
	if !ok {
		st = &deviceStatus{state: StateIdle}
		a.devices[deviceID] = st
	}
	return st
}

// positionFromOutput maps a bounded PID output onto the 0-100 window
// position scale.
func positionFromOutput(output float64) uint8 {
	pos := math.Round(output)
	if pos < 0 {
		pos = 0
	}
	if pos > 100 {
		pos = 100
	}
	return uint8(pos)
}
