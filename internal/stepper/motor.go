// Package stepper drives the window actuator: a Motor abstraction over
// four phase pins, a serial-attached pin bank, and a position tracker
// that advances one step per control tick.
package stepper

import "fmt"

// Pin is one digital output line.
type Pin interface {
	Set(high bool) error
}

// Motor is the capability the position tracker drives. Step energizes
// the phase pattern for an absolute step index; direction is encoded by
// whether the caller increments or decrements the index between calls.
// Enable and Disable gate power to all phase pins and are idempotent.
type Motor interface {
	Step(index int64) error
	Enable() error
	Disable() error
}

// phasePatterns maps step index mod 4 to the four-phase rotation
// sequence. Bit 3 is pin 0, bit 0 is pin 3.
var phasePatterns = [4]uint8{0b1010, 0b0110, 0b0101, 0b1001}

// FourPinMotor drives a 4-phase stepper through four pins. A pin marked
// inverted has its physical level flipped relative to the logical one.
type FourPinMotor struct {
	pins     [4]Pin
	inverted [4]bool
}

// NewFourPinMotor creates a motor over the given pins.
func NewFourPinMotor(pins [4]Pin, inverted [4]bool) *FourPinMotor {
	return &FourPinMotor{pins: pins, inverted: inverted}
}

// Step energizes the phase pattern for the absolute step index.
func (m *FourPinMotor) Step(index int64) error {
	pattern := phasePatterns[index&3]
	for i, pin := range m.pins {
		high := pattern&(1<<(3-i)) != 0
		if err := pin.Set(high != m.inverted[i]); err != nil {
			return fmt.Errorf("set pin %d: %w", i, err)
		}
	}
	return nil
}

// Enable drives all phase pins high.
func (m *FourPinMotor) Enable() error {
	return m.setAll(true)
}

// Disable drives all phase pins low, cutting motor power.
func (m *FourPinMotor) Disable() error {
	return m.setAll(false)
}

func (m *FourPinMotor) setAll(high bool) error {
	for i, pin := range m.pins {
		if err := pin.Set(high != m.inverted[i]); err != nil {
			return fmt.Errorf("set pin %d: %w", i, err)
		}
	}
	return nil
}
