// Package device runs the window actuator's agent loop: it joins the
// device communicator to the stepper and the environmental sensors,
// executing edge commands and reporting status back.
package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumisync/edge-controller/internal/comms"
	"github.com/lumisync/edge-controller/internal/protocol"
	"github.com/lumisync/edge-controller/internal/stepper"
)

// SensorSource reads the device's environmental sensors.
type SensorSource interface {
	Read() (protocol.SensorData, error)
}

// Config holds the agent's timing and identity.
type Config struct {
	DeviceID       int32         `yaml:"device_id"`
	EdgeID         int32         `yaml:"edge_id"`
	StepInterval   time.Duration `yaml:"step_interval"`   // one motor step per tick
	SensorInterval time.Duration `yaml:"sensor_interval"` // sampling period
}

// DefaultConfig returns agent timing for a typical actuator.
func DefaultConfig() Config {
	return Config{
		StepInterval:   2 * time.Millisecond,
		SensorInterval: 5 * time.Second,
	}
}

// Agent owns the actuator. The motor is driven only from the agent's
// run loop, which keeps actuation serialized without extra locking.
type Agent struct {
	cfg     Config
	comm    *comms.DeviceCommunicator
	motor   stepper.Motor
	track   *stepper.Stepper
	sensors SensorSource
	clock   func() time.Time

	startedAt   time.Time
	calibrating bool
	moving      bool
	lastError   protocol.ErrorCode
}

// NewAgent assembles an agent. sensors may be nil for actuator-only
// devices.
func NewAgent(cfg Config, comm *comms.DeviceCommunicator, motor stepper.Motor, sensors SensorSource) *Agent {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultConfig().StepInterval
	}
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = DefaultConfig().SensorInterval
	}
	return &Agent{
		cfg:     cfg,
		comm:    comm,
		motor:   motor,
		track:   stepper.NewStepper(motor),
		sensors: sensors,
		clock:   time.Now,
	}
}

// SetClock replaces the timestamp source, normally with a synchronized
// clock.
func (a *Agent) SetClock(now func() time.Time) {
	a.clock = now
}

// Run executes the agent loop until the context is canceled or the
// link fails. Motor power is cut on the way out.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = a.clock()
	defer a.motor.Disable()

	cmds := make(chan *protocol.Message)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := a.comm.ReceiveCommand(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case cmds <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	stepTicker := time.NewTicker(a.cfg.StepInterval)
	defer stepTicker.Stop()
	sensorTicker := time.NewTicker(a.cfg.SensorInterval)
	defer sensorTicker.Stop()

	log.Info().Int32("device_id", a.cfg.DeviceID).Msg("Device agent started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case msg := <-cmds:
			a.handleCommand(msg)
		case <-stepTicker.C:
			a.tickMotion()
		case <-sensorTicker.C:
			a.sampleSensors()
		}
	}
}

func (a *Agent) handleCommand(msg *protocol.Message) {
	log.Debug().
		Stringer("kind", msg.Payload.Kind()).
		Stringer("priority", msg.Header.Priority).
		Msg("Command received")

	switch cmd := msg.Payload.(type) {
	case protocol.SetPosition:
		if err := a.motor.Enable(); err != nil {
			a.failCommand(msg, protocol.ErrCodeMotorFault, err)
			return
		}
		a.track.SetTarget(stepper.StepsForPosition(cmd.Position))
		a.moving = !a.track.AtTarget()
		a.ack(msg, protocol.AckOK)
		if !a.moving {
			a.reportStatus(protocol.PriorityRegular)
		}

	case protocol.Calibrate:
		// Drive to the mechanical stop, then re-home the step counter.
		if err := a.motor.Enable(); err != nil {
			a.failCommand(msg, protocol.ErrCodeMotorFault, err)
			return
		}
		a.track.SetTarget(0)
		a.calibrating = true
		a.moving = !a.track.AtTarget()
		a.ack(msg, protocol.AckOK)
		if !a.moving {
			a.finishMotion()
		}

	case protocol.EmergencyStop:
		a.track.Halt()
		a.moving = false
		a.calibrating = false
		if err := a.motor.Disable(); err != nil {
			log.Error().Err(err).Msg("Motor disable failed during emergency stop")
		}
		a.ack(msg, protocol.AckOK)
		a.reportStatus(protocol.PriorityEmergency)

	case protocol.RequestStatus:
		a.ack(msg, protocol.AckOK)
		a.reportStatus(protocol.PriorityRegular)

	default:
		a.ack(msg, protocol.AckFailed)
		a.comm.SendReport(protocol.ErrorReport{
			OriginalID: msg.Header.ID,
			Code:       protocol.ErrCodeUnknownCommand,
			Message:    msg.Payload.Kind().String(),
		}, protocol.PriorityRegular)
		a.flush()
	}
}

func (a *Agent) tickMotion() {
	if !a.moving {
		return
	}
	if err := a.track.Tick(); err != nil {
		log.Error().Err(err).Msg("Motor step failed")
		a.lastError = protocol.ErrCodeMotorFault
		a.track.Halt()
		a.moving = false
		a.reportStatus(protocol.PriorityEmergency)
		return
	}
	if a.track.AtTarget() {
		a.finishMotion()
	}
}

// finishMotion completes a movement: calibration re-homes the counter,
// and the edge gets a completion report.
func (a *Agent) finishMotion() {
	a.moving = false
	if a.calibrating {
		a.track.Zero()
		a.calibrating = false
		log.Info().Msg("Calibration complete, position re-homed")
	}
	a.reportStatus(protocol.PriorityRegular)
}

func (a *Agent) sampleSensors() {
	if a.sensors == nil {
		return
	}
	data, err := a.sensors.Read()
	if err != nil {
		log.Warn().Err(err).Msg("Sensor read failed")
		a.lastError = protocol.ErrCodeSensorFault
		return
	}
	a.comm.SendReport(protocol.SensorReport{DeviceID: a.cfg.DeviceID, Data: data}, protocol.PriorityRegular)
	a.flush()
}

func (a *Agent) reportStatus(priority protocol.Priority) {
	a.comm.SendReport(protocol.StatusReport{
		DeviceID:  a.cfg.DeviceID,
		Position:  stepper.PositionForSteps(a.track.Position()),
		Battery:   100,
		ErrorCode: uint8(a.lastError),
		UptimeMS:  uint64(a.clock().Sub(a.startedAt) / time.Millisecond),
	}, priority)
	a.flush()
}

func (a *Agent) ack(msg *protocol.Message, status protocol.AckStatus) {
	if err := a.comm.Acknowledge(msg, status); err != nil {
		log.Warn().Err(err).Msg("Acknowledgment send failed")
	}
}

func (a *Agent) failCommand(msg *protocol.Message, code protocol.ErrorCode, err error) {
	log.Error().Err(err).Stringer("kind", msg.Payload.Kind()).Msg("Command failed")
	a.lastError = code
	a.ack(msg, protocol.AckFailed)
	a.comm.SendReport(protocol.ErrorReport{
		OriginalID: msg.Header.ID,
		Code:       code,
		Message:    err.Error(),
	}, protocol.PriorityRegular)
	a.flush()
}

func (a *Agent) flush() {
	if err := a.comm.Flush(); err != nil {
		log.Warn().Err(err).Msg("Report flush failed")
	}
}
