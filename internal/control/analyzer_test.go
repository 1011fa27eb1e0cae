package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumisync/edge-controller/internal/protocol"
)

type dispatchCall struct {
	deviceID int32
	payload  protocol.Payload
	priority protocol.Priority
}

type mockDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, deviceID int32, payload protocol.Payload, priority protocol.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, dispatchCall{deviceID: deviceID, payload: payload, priority: priority})
	return m.err
}

func (m *mockDispatcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fixedPredictor struct {
	value float64
	err   error
}

func (p fixedPredictor) Predict(features []float64) (float64, error) {
	return p.value, p.err
}

func testStrategy() ZoneStrategy {
	return ZoneStrategy{
		ZoneID:         1,
		LightRange:     Range{Low: 300, High: 600},
		TempRange:      Range{Low: 18, High: 28},
		UpdateInterval: 5 * time.Second,
		PID:            PIDParams{Kp: 1, Ki: 0.1, Kd: 0, MinOutput: 0, MaxOutput: 100},
	}
}

func newTestAnalyzer(dispatcher Dispatcher, predictor Predictor) (*Analyzer, *time.Time) {
	a := NewAnalyzer(testStrategy(), dispatcher, predictor)
	clock := time.Now()
	a.now = func() time.Time { return clock }
	return a, &clock
}

func freshSample(clock time.Time, illuminance, temperature float64) Sample {
	return Sample{Illuminance: illuminance, Temperature: temperature, CapturedAt: clock}
}

func TestAnalyzerStaysIdleInRange(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, nil)

	state, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 450, 22))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if state != StateIdle {
		t.Errorf("state = %v, want idle", state)
	}
	if d.callCount() != 0 {
		t.Errorf("dispatched %d commands, want 0", d.callCount())
	}
}

func TestAnalyzerAdjustsWhenOutOfRange(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, nil)

	state, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 900, 22))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if state != StateHolding {
		t.Errorf("state = %v, want holding after acknowledged command", state)
	}
	if d.callCount() != 1 {
		t.Fatalf("dispatched %d commands, want 1", d.callCount())
	}

	cmd, ok := d.calls[0].payload.(protocol.SetPosition)
	if !ok {
		t.Fatalf("payload type = %T, want SetPosition", d.calls[0].payload)
	}
	if cmd.DeviceID != 7 {
		t.Errorf("device id = %d, want 7", cmd.DeviceID)
	}
	if cmd.Position > 100 {
		t.Errorf("position = %d, want <= 100", cmd.Position)
	}
	if d.calls[0].priority != protocol.PriorityRegular {
		t.Errorf("priority = %v, want regular", d.calls[0].priority)
	}
}

func TestAnalyzerHoldingSettlesToIdle(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, nil)

	if _, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 900, 22)); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if a.State(7) != StateHolding {
		t.Fatalf("state = %v, want holding", a.State(7))
	}

	// Back in range but before the settling interval: stays holding.
	*clock = clock.Add(2 * time.Second)
	state, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 450, 22))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if state != StateHolding {
		t.Errorf("state before settling = %v, want holding", state)
	}

	// One full settling interval with the reading in range: back to idle.
	*clock = clock.Add(5 * time.Second)
	state, err = a.Evaluate(context.Background(), 7, freshSample(*clock, 450, 22))
	if err != nil {
		t.Fatalf("third evaluate: %v", err)
	}
	if state != StateIdle {
		t.Errorf("state after settling = %v, want idle", state)
	}
}

func TestAnalyzerHoldingReadjustsWhenStillOut(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, nil)

	if _, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 900, 22)); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	*clock = clock.Add(5 * time.Second)
	state, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 900, 22))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if state != StateHolding {
		t.Errorf("state = %v, want holding after re-adjust", state)
	}
	if d.callCount() != 2 {
		t.Errorf("dispatched %d commands, want 2", d.callCount())
	}
}

func TestAnalyzerDispatchFailureFaults(t *testing.T) {
	d := &mockDispatcher{err: errors.New("device unreachable")}
	a, clock := newTestAnalyzer(d, nil)

	state, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 900, 22))
	if err == nil {
		t.Fatal("expected dispatch error to surface")
	}
	if state != StateFault {
		t.Errorf("state = %v, want fault", state)
	}

	// Fault is sticky until an administrative reset.
	state, err = a.Evaluate(context.Background(), 7, freshSample(*clock, 450, 22))
	if err != nil {
		t.Fatalf("evaluate in fault: %v", err)
	}
	if state != StateFault {
		t.Errorf("state = %v, want fault to persist", state)
	}

	a.Reset(7)
	if a.State(7) != StateIdle {
		t.Errorf("state after reset = %v, want idle", a.State(7))
	}
}

func TestAnalyzerStaleDataFaults(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, nil)

	stale := Sample{Illuminance: 450, Temperature: 22, CapturedAt: clock.Add(-time.Minute)}
	state, err := a.Evaluate(context.Background(), 7, stale)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if state != StateFault {
		t.Errorf("state = %v, want fault on stale data", state)
	}
	if d.callCount() != 0 {
		t.Errorf("dispatched %d commands on stale data, want 0", d.callCount())
	}
}

func TestAnalyzerRecordFailure(t *testing.T) {
	d := &mockDispatcher{}
	a, _ := newTestAnalyzer(d, nil)

	a.RecordFailure(9)
	if a.State(9) != StateFault {
		t.Errorf("state = %v, want fault", a.State(9))
	}
}

func TestAnalyzerPredictorAdjustsSetpointOnly(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, fixedPredictor{value: 10000})

	// Advice far outside the zone range is clamped into it: the model
	// shifts the target, it never replaces the range check.
	if _, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 900, 22)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := a.pid.Setpoint(); got != 600 {
		t.Errorf("setpoint = %v, want clamped to 600", got)
	}

	// An in-range reading never dispatches, whatever the model says.
	a.Reset(7)
	before := d.callCount()
	if _, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 450, 22)); err != nil {
		t.Fatalf("in-range evaluate: %v", err)
	}
	if d.callCount() != before {
		t.Error("in-range reading triggered a dispatch")
	}
}

type driftingPredictor struct {
	values []float64
	calls  int
}

func (p *driftingPredictor) Predict(features []float64) (float64, error) {
	v := p.values[p.calls%len(p.values)]
	p.calls++
	return v, nil
}

// Advice shifting between evaluations moves the target without wiping
// the integral history; only an administrative reset clears it.
func TestAnalyzerAdviceDriftKeepsPIDHistory(t *testing.T) {
	d := &mockDispatcher{}
	strat := testStrategy()
	strat.PID = PIDParams{Kp: 1, Ki: 0.1, Kd: 0, MinOutput: -1000, MaxOutput: 1000}
	a := NewAnalyzer(strat, d, &driftingPredictor{values: []float64{500, 560}})
	clock := time.Now()
	a.now = func() time.Time { return clock }

	if _, err := a.Evaluate(context.Background(), 7, freshSample(clock, 900, 22)); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	saved := a.pid.integral
	if saved >= 0 {
		t.Fatalf("integral = %v, want negative after adjusting down", saved)
	}

	clock = clock.Add(5 * time.Second)
	if _, err := a.Evaluate(context.Background(), 7, freshSample(clock, 900, 22)); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if d.callCount() != 2 {
		t.Fatalf("dispatched %d commands, want 2", d.callCount())
	}
	if got := a.pid.Setpoint(); got != 560 {
		t.Errorf("setpoint = %v, want drifted advice 560", got)
	}
	if a.pid.integral >= saved {
		t.Errorf("integral = %v, want below %v after the second adjustment", a.pid.integral, saved)
	}
}

func TestAnalyzerPredictorFailureFallsBack(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, fixedPredictor{err: errors.New("model offline")})

	if _, err := a.Evaluate(context.Background(), 7, freshSample(*clock, 900, 22)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := a.pid.Setpoint(); got != 450 {
		t.Errorf("setpoint = %v, want range midpoint 450", got)
	}
}

func TestAnalyzerIndependentDeviceStates(t *testing.T) {
	d := &mockDispatcher{}
	a, clock := newTestAnalyzer(d, nil)

	if _, err := a.Evaluate(context.Background(), 1, freshSample(*clock, 900, 22)); err != nil {
		t.Fatalf("device 1: %v", err)
	}
	if _, err := a.Evaluate(context.Background(), 2, freshSample(*clock, 450, 22)); err != nil {
		t.Fatalf("device 2: %v", err)
	}

	if a.State(1) != StateHolding {
		t.Errorf("device 1 state = %v, want holding", a.State(1))
	}
	if a.State(2) != StateIdle {
		t.Errorf("device 2 state = %v, want idle", a.State(2))
	}
}
