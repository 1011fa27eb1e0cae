package stepper

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SerialPinBank drives the actuator's phase pins through a serial-attached
// driver board. Each pin update is one three-byte command on the port. The
// port is exclusively owned; the lock's critical section is the single
// write, never held across unrelated I/O.
type SerialPinBank struct {
	port serial.Port
	mu   sync.Mutex
}

// OpenSerialPinBank opens the driver board's port at 115200 baud, 8N1.
// A missing or busy port is fatal to the caller at startup.
func OpenSerialPinBank(portPath string) (*SerialPinBank, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portPath, err)
	}

	log.Info().Str("port", portPath).Msg("Motor driver port opened")

	return &SerialPinBank{port: port}, nil
}

// Pin returns the digital output line at the given index.
func (b *SerialPinBank) Pin(index uint8) Pin {
	return &serialPin{bank: b, index: index}
}

// Pins returns the four phase pins in order.
func (b *SerialPinBank) Pins() [4]Pin {
	return [4]Pin{b.Pin(0), b.Pin(1), b.Pin(2), b.Pin(3)}
}

// Close closes the port.
func (b *SerialPinBank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

func (b *SerialPinBank) write(cmd [3]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.port.Write(cmd[:]); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

type serialPin struct {
	bank  *SerialPinBank
	index uint8
}

// Set writes one pin command: 'P', pin index, level.
func (p *serialPin) Set(high bool) error {
	level := byte(0)
	if high {
		level = 1
	}
	return p.bank.write([3]byte{'P', p.index, level})
}
