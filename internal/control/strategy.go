package control

import "time"

// Range is a closed target interval.
type Range struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v <= r.High
}

// Mid returns the center of the range.
func (r Range) Mid() float64 {
	return (r.Low + r.High) / 2
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Low {
		return r.Low
	}
	if v > r.High {
		return r.High
	}
	return v
}

// ZoneStrategy holds the targets and PID tuning for one physical zone.
// Instances are immutable during a control cycle; reconfiguration
// replaces the strategy between cycles rather than mutating it.
type ZoneStrategy struct {
	ZoneID         int32         `yaml:"zone_id"`
	LightRange     Range         `yaml:"light_range"`     // lux
	TempRange      Range         `yaml:"temp_range"`      // degrees Celsius
	UpdateInterval time.Duration `yaml:"update_interval"` // control tick
	PID            PIDParams     `yaml:"pid"`
}

// DefaultZoneStrategy returns a usable strategy for a typical office zone.
func DefaultZoneStrategy(zoneID int32) ZoneStrategy {
	return ZoneStrategy{
		ZoneID:         zoneID,
		LightRange:     Range{Low: 300, High: 600},
		TempRange:      Range{Low: 20, High: 26},
		UpdateInterval: 5 * time.Second,
		PID: PIDParams{
			Kp:        0.8,
			Ki:        0.1,
			Kd:        0.05,
			MinOutput: 0,
			MaxOutput: 100,
		},
	}
}

// ControlConfig is the process-wide command policy, read-only after
// startup.
type ControlConfig struct {
	DefaultUpdateInterval time.Duration `yaml:"default_update_interval"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
}

// DefaultControlConfig returns the standard policy.
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		DefaultUpdateInterval: 5 * time.Second,
		CommandTimeout:        1 * time.Second,
		MaxRetries:            3,
	}
}
