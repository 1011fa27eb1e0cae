package stepper

// Window travel geometry: a 200 step/rev motor through a 10:1 gearbox,
// with full travel covering half a turn of the output shaft.
const (
	stepsPerRevolution = 200
	gearRatio          = 10
	fullTravelSteps    = stepsPerRevolution * gearRatio / 2
)

// StepsForPosition converts a window position in percent (0 closed,
// 100 open) to an absolute step index.
func StepsForPosition(position uint8) int64 {
	if position > 100 {
		position = 100
	}
	return int64(position) * fullTravelSteps / 100
}

// PositionForSteps converts an absolute step index back to a window
// position in percent, clamped to 0..100.
func PositionForSteps(steps int64) uint8 {
	if steps <= 0 {
		return 0
	}
	if steps >= fullTravelSteps {
		return 100
	}
	return uint8(steps * 100 / fullTravelSteps)
}

// Stepper tracks the actuator's current and target step positions and
// advances exactly one step per tick, stopping at the target without
// overshoot.
type Stepper struct {
	motor   Motor
	current int64
	target  int64
}

// NewStepper creates a tracker over a motor. Position starts at zero;
// calibration re-homes it.
func NewStepper(motor Motor) *Stepper {
	return &Stepper{motor: motor}
}

// Position returns the current absolute step index.
func (s *Stepper) Position() int64 { return s.current }

// Target returns the step index the tracker is moving toward.
func (s *Stepper) Target() int64 { return s.target }

// AtTarget reports whether the actuator has reached its target.
func (s *Stepper) AtTarget() bool { return s.current == s.target }

// SetTarget sets the absolute step index to move toward.
func (s *Stepper) SetTarget(target int64) {
	s.target = target
}

// Tick advances one step toward the target. At the target it is a no-op.
func (s *Stepper) Tick() error {
	if s.current == s.target {
		return nil
	}
	next := s.current + 1
	if s.target < s.current {
		next = s.current - 1
	}
	if err := s.motor.Step(next); err != nil {
		return err
	}
	s.current = next
	return nil
}

// Zero re-homes the tracker: the current position becomes step zero and
// any pending motion is cancelled. Used after calibration drives the
// window to its mechanical stop.
func (s *Stepper) Zero() {
	s.current = 0
	s.target = 0
}

// Halt abandons pending motion, keeping the current position.
func (s *Stepper) Halt() {
	s.target = s.current
}
