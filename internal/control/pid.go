package control

// PIDParams holds the tuning and output bounds for one PID loop. The
// bounds define the legal actuation range; the controller never emits
// outside them.
type PIDParams struct {
	Kp        float64 `yaml:"kp" json:"kp"`
	Ki        float64 `yaml:"ki" json:"ki"`
	Kd        float64 `yaml:"kd" json:"kd"`
	MinOutput float64 `yaml:"min_output" json:"min_output"`
	MaxOutput float64 `yaml:"max_output" json:"max_output"`
}

// PIDController converts a setpoint error into a bounded actuation
// signal. State persists across updates and resets only when the
// setpoint is administratively changed.
type PIDController struct {
	params   PIDParams
	setpoint float64

	integral  float64
	prevError float64
}

// NewPIDController creates a controller with the given tuning.
func NewPIDController(params PIDParams, setpoint float64) *PIDController {
	return &PIDController{params: params, setpoint: setpoint}
}

// Setpoint returns the current target value.
func (c *PIDController) Setpoint() float64 { return c.setpoint }

// SetSetpoint administratively changes the target value. A changed
// setpoint resets the accumulated state.
func (c *PIDController) SetSetpoint(setpoint float64) {
	if setpoint != c.setpoint {
		c.setpoint = setpoint
		c.Reset()
	}
}

// Retarget moves the target value without touching the accumulated
// state. Used for advisory updates, where the decision model nudges the
// target between evaluations and the integral history must survive.
func (c *PIDController) Retarget(setpoint float64) {
	c.setpoint = setpoint
}

// Reset clears the integral and previous-error state.
func (c *PIDController) Reset() {
	c.integral = 0
	c.prevError = 0
}

// Update computes the next actuation value for a measurement taken dt
// seconds after the previous one. The caller must guarantee dt > 0. The
// output is clamped to [MinOutput, MaxOutput]; when the unclamped output
// would exceed a bound, the integral accumulation for that step is
// suppressed so the integral cannot wind up while saturated.
func (c *PIDController) Update(measurement, dt float64) float64 {
	e := c.setpoint - measurement

	integral := c.integral + e*dt
	derivative := (e - c.prevError) / dt
	c.prevError = e

	output := c.params.Kp*e + c.params.Ki*integral + c.params.Kd*derivative
	if output > c.params.MaxOutput {
		return c.params.MaxOutput
	}
	if output < c.params.MinOutput {
		return c.params.MinOutput
	}
	c.integral = integral
	return output
}
