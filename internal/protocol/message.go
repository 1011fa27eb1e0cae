// Package protocol defines the message formats exchanged between the cloud,
// edge controllers, and window actuator devices, the codecs that put them on
// the wire, and the framing that delimits them over stream transports.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority of a message. Emergency messages are dequeued ahead of any
// queued Regular message at every dispatch point.
type Priority uint8

const (
	PriorityRegular   Priority = 0
	PriorityEmergency Priority = 1
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityRegular:
		return "regular"
	case PriorityEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// NodeKind identifies which side of the system a node belongs to.
type NodeKind uint8

const (
	NodeCloud  NodeKind = 0
	NodeEdge   NodeKind = 1
	NodeDevice NodeKind = 2
)

// MacAddress is a 6-byte hardware address derived from a device id.
type MacAddress [6]byte

// String returns the address in colon-separated hex form.
func (m MacAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MAC derivation constants. The last three bytes are a multiplicative hash
// mix of the device id; uniqueness across a fleet is probabilistic only.
const (
	macMixMultiplier = 0x9E3779B9
	macMixIncrement  = 0x85EBCA6B
)

// macVendorPrefix occupies the first three bytes of every derived address.
var macVendorPrefix = [3]byte{0x12, 0x34, 0x56}

// MacForDevice derives the deterministic MAC address for a device id.
// The same id always yields the same address.
func MacForDevice(deviceID int32) MacAddress {
	var abs uint32
	if deviceID < 0 {
		abs = uint32(-int64(deviceID))
	} else {
		abs = uint32(deviceID)
	}
	mixed := abs*macMixMultiplier + macMixIncrement
	return MacAddress{
		macVendorPrefix[0], macVendorPrefix[1], macVendorPrefix[2],
		byte(mixed >> 16), byte(mixed >> 8), byte(mixed),
	}
}

// Node addresses one endpoint: the cloud, an edge controller, or a device.
type Node struct {
	Kind   NodeKind
	EdgeID int32      // set when Kind == NodeEdge
	MAC    MacAddress // set when Kind == NodeDevice
}

// CloudNode returns the cloud endpoint address.
func CloudNode() Node {
	return Node{Kind: NodeCloud}
}

// EdgeNode returns the address of an edge controller.
func EdgeNode(id int32) Node {
	return Node{Kind: NodeEdge, EdgeID: id}
}

// DeviceNode returns the address of a device by its id.
func DeviceNode(deviceID int32) Node {
	return Node{Kind: NodeDevice, MAC: MacForDevice(deviceID)}
}

// String returns a human-readable node address.
func (n Node) String() string {
	switch n.Kind {
	case NodeCloud:
		return "cloud"
	case NodeEdge:
		return fmt.Sprintf("edge(%d)", n.EdgeID)
	case NodeDevice:
		return fmt.Sprintf("device(%s)", n.MAC)
	default:
		return fmt.Sprintf("node(%d)", uint8(n.Kind))
	}
}

// Header carries the envelope metadata shared by all messages.
type Header struct {
	ID        uuid.UUID
	Timestamp time.Time
	Priority  Priority
	Source    Node
	Target    Node
}

// Message is one typed envelope on the wire.
type Message struct {
	Header  Header
	Payload Payload
}

// NewMessage builds a message with a fresh id. The timestamp should come
// from the synchronized clock, not the raw local clock.
func NewMessage(source, target Node, priority Priority, at time.Time, payload Payload) *Message {
	return &Message{
		Header: Header{
			ID:        uuid.New(),
			Timestamp: at,
			Priority:  priority,
			Source:    source,
			Target:    target,
		},
		Payload: payload,
	}
}

// PayloadKind tags each payload variant on the wire.
type PayloadKind uint8

const (
	// Edge -> Device commands
	KindSetPosition   PayloadKind = 0x01
	KindRequestStatus PayloadKind = 0x02
	KindCalibrate     PayloadKind = 0x03
	KindEmergencyStop PayloadKind = 0x04

	// Device -> Edge, Edge -> Cloud reports
	KindStatusReport PayloadKind = 0x10
	KindSensorReport PayloadKind = 0x11
	KindHealthReport PayloadKind = 0x12

	// Time synchronization
	KindTimeSyncRequest  PayloadKind = 0x20
	KindTimeSyncResponse PayloadKind = 0x21

	// Bidirectional
	KindAcknowledge PayloadKind = 0xF0
	KindErrorReport PayloadKind = 0xF1
)

// String returns the payload kind name used by the JSON codec and logs.
func (k PayloadKind) String() string {
	switch k {
	case KindSetPosition:
		return "set_position"
	case KindRequestStatus:
		return "request_status"
	case KindCalibrate:
		return "calibrate"
	case KindEmergencyStop:
		return "emergency_stop"
	case KindStatusReport:
		return "status_report"
	case KindSensorReport:
		return "sensor_report"
	case KindHealthReport:
		return "health_report"
	case KindTimeSyncRequest:
		return "time_sync_request"
	case KindTimeSyncResponse:
		return "time_sync_response"
	case KindAcknowledge:
		return "acknowledge"
	case KindErrorReport:
		return "error_report"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

// Payload is one of the command/report variants carried by a Message.
type Payload interface {
	Kind() PayloadKind
}

// AckStatus reports the outcome of an acknowledged command.
type AckStatus uint8

const (
	AckOK     AckStatus = 0
	AckFailed AckStatus = 1
	AckBusy   AckStatus = 2
)

// ErrorCode classifies an ErrorReport.
type ErrorCode uint8

const (
	ErrCodeUnknownCommand ErrorCode = 0x01
	ErrCodeBadPayload     ErrorCode = 0x02
	ErrCodeMotorFault     ErrorCode = 0x03
	ErrCodeSensorFault    ErrorCode = 0x04
	ErrCodeInternal       ErrorCode = 0xFF
)

// SensorData is one raw or smoothed measurement set for a zone.
type SensorData struct {
	Illuminance int32     `json:"illuminance"` // lux
	Temperature float32   `json:"temperature"` // degrees Celsius
	Humidity    float32   `json:"humidity"`    // percent relative
	CapturedAt  time.Time `json:"captured_at"`
}

// SetPosition commands a window actuator to a position in percent,
// 0 fully closed through 100 fully open.
type SetPosition struct {
	DeviceID int32 `json:"device_id"`
	Position uint8 `json:"position"`
}

func (SetPosition) Kind() PayloadKind { return KindSetPosition }

// RequestStatus asks a device to send a StatusReport.
type RequestStatus struct {
	DeviceID int32 `json:"device_id"`
}

func (RequestStatus) Kind() PayloadKind { return KindRequestStatus }

// Calibrate drives the actuator to its home position and zeroes its
// step counter.
type Calibrate struct {
	DeviceID int32 `json:"device_id"`
}

func (Calibrate) Kind() PayloadKind { return KindCalibrate }

// EmergencyStop halts actuation immediately and cuts motor power.
type EmergencyStop struct {
	DeviceID int32 `json:"device_id"`
}

func (EmergencyStop) Kind() PayloadKind { return KindEmergencyStop }

// StatusReport is a device's answer to RequestStatus and the completion
// report after actuation.
type StatusReport struct {
	DeviceID  int32  `json:"device_id"`
	Position  uint8  `json:"position"`
	Battery   uint8  `json:"battery"` // percent
	ErrorCode uint8  `json:"error_code"`
	UptimeMS  uint64 `json:"uptime_ms"`
}

func (StatusReport) Kind() PayloadKind { return KindStatusReport }

// SensorReport carries one measurement set from a device.
type SensorReport struct {
	DeviceID int32      `json:"device_id"`
	Data     SensorData `json:"data"`
}

func (SensorReport) Kind() PayloadKind { return KindSensorReport }

// HealthReport carries periodic device health telemetry.
type HealthReport struct {
	DeviceID      int32   `json:"device_id"`
	CPUPercent    float32 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
	Battery       uint8   `json:"battery"`
	RSSI          int16   `json:"rssi"`
	UptimeMS      uint64  `json:"uptime_ms"`
}

func (HealthReport) Kind() PayloadKind { return KindHealthReport }

// TimeSyncRequest asks a time authority for the current time.
type TimeSyncRequest struct {
	SentAt time.Time `json:"sent_at"`
}

func (TimeSyncRequest) Kind() PayloadKind { return KindTimeSyncRequest }

// TimeSyncResponse answers a TimeSyncRequest with authoritative time.
type TimeSyncResponse struct {
	RequestID  uuid.UUID `json:"request_id"`
	ServerTime time.Time `json:"server_time"`
}

func (TimeSyncResponse) Kind() PayloadKind { return KindTimeSyncResponse }

// Acknowledge confirms receipt and execution of a command.
type Acknowledge struct {
	AckedID uuid.UUID `json:"acked_id"`
	Status  AckStatus `json:"status"`
}

func (Acknowledge) Kind() PayloadKind { return KindAcknowledge }

// ErrorReport signals a per-message failure back to the sender.
type ErrorReport struct {
	OriginalID uuid.UUID `json:"original_id"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
}

func (ErrorReport) Kind() PayloadKind { return KindErrorReport }
