package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// BinaryCodec is the default compact wire format. Fixed-layout big-endian
// fields, one kind byte per payload variant, timestamps as unix nanoseconds.
type BinaryCodec struct{}

// Header layout: 16 (uuid) + 8 (timestamp) + 1 (priority) + 7 (source) +
// 7 (target) = 39 bytes, followed by 1 kind byte and the payload fields.
const binaryHeaderSize = 39

func (BinaryCodec) Tag() byte    { return TagBinary }
func (BinaryCodec) Name() string { return "binary" }

// Marshal serializes the message.
func (BinaryCodec) Marshal(msg *Message) ([]byte, error) {
	body, err := encodePayload(msg.Payload)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, binaryHeaderSize+1+len(body))
	copy(buf[0:16], msg.Header.ID[:])
	binary.BigEndian.PutUint64(buf[16:24], uint64(msg.Header.Timestamp.UnixNano()))
	buf[24] = byte(msg.Header.Priority)
	encodeNode(buf[25:32], msg.Header.Source)
	encodeNode(buf[32:39], msg.Header.Target)
	buf[39] = byte(msg.Payload.Kind())
	copy(buf[40:], body)
	return buf, nil
}

// Unmarshal deserializes a message.
func (BinaryCodec) Unmarshal(data []byte) (*Message, error) {
	if len(data) < binaryHeaderSize+1 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	var hdr Header
	copy(hdr.ID[:], data[0:16])
	hdr.Timestamp = time.Unix(0, int64(binary.BigEndian.Uint64(data[16:24]))).UTC()
	hdr.Priority = Priority(data[24])
	hdr.Source = decodeNode(data[25:32])
	hdr.Target = decodeNode(data[32:39])

	payload, err := decodePayload(PayloadKind(data[39]), data[40:])
	if err != nil {
		return nil, err
	}
	return &Message{Header: hdr, Payload: payload}, nil
}

// encodeNode writes a node into 7 bytes: kind, then either the edge id,
// the device MAC, or zeros for the cloud.
func encodeNode(buf []byte, n Node) {
	buf[0] = byte(n.Kind)
	switch n.Kind {
	case NodeEdge:
		binary.BigEndian.PutUint32(buf[1:5], uint32(n.EdgeID))
		buf[5], buf[6] = 0, 0
	case NodeDevice:
		copy(buf[1:7], n.MAC[:])
	default:
		for i := 1; i < 7; i++ {
			buf[i] = 0
		}
	}
}

func decodeNode(buf []byte) Node {
	n := Node{Kind: NodeKind(buf[0])}
	switch n.Kind {
	case NodeEdge:
		n.EdgeID = int32(binary.BigEndian.Uint32(buf[1:5]))
	case NodeDevice:
		copy(n.MAC[:], buf[1:7])
	}
	return n
}

func encodePayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case SetPosition:
		buf := make([]byte, 5)
		binary.BigEndian.PutUint32(buf[0:4], uint32(v.DeviceID))
		buf[4] = v.Position
		return buf, nil

	case RequestStatus:
		return encodeDeviceID(v.DeviceID), nil

	case Calibrate:
		return encodeDeviceID(v.DeviceID), nil

	case EmergencyStop:
		return encodeDeviceID(v.DeviceID), nil

	case StatusReport:
		buf := make([]byte, 15)
		binary.BigEndian.PutUint32(buf[0:4], uint32(v.DeviceID))
		buf[4] = v.Position
		buf[5] = v.Battery
		buf[6] = v.ErrorCode
		binary.BigEndian.PutUint64(buf[7:15], v.UptimeMS)
		return buf, nil

	case SensorReport:
		buf := make([]byte, 24)
		binary.BigEndian.PutUint32(buf[0:4], uint32(v.DeviceID))
		binary.BigEndian.PutUint32(buf[4:8], uint32(v.Data.Illuminance))
		binary.BigEndian.PutUint32(buf[8:12], math.Float32bits(v.Data.Temperature))
		binary.BigEndian.PutUint32(buf[12:16], math.Float32bits(v.Data.Humidity))
		binary.BigEndian.PutUint64(buf[16:24], uint64(v.Data.CapturedAt.UnixNano()))
		return buf, nil

	case HealthReport:
		buf := make([]byte, 23)
		binary.BigEndian.PutUint32(buf[0:4], uint32(v.DeviceID))
		binary.BigEndian.PutUint32(buf[4:8], math.Float32bits(v.CPUPercent))
		binary.BigEndian.PutUint32(buf[8:12], math.Float32bits(v.MemoryPercent))
		buf[12] = v.Battery
		binary.BigEndian.PutUint16(buf[13:15], uint16(v.RSSI))
		binary.BigEndian.PutUint64(buf[15:23], v.UptimeMS)
		return buf, nil

	case TimeSyncRequest:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.SentAt.UnixNano()))
		return buf, nil

	case TimeSyncResponse:
		buf := make([]byte, 24)
		copy(buf[0:16], v.RequestID[:])
		binary.BigEndian.PutUint64(buf[16:24], uint64(v.ServerTime.UnixNano()))
		return buf, nil

	case Acknowledge:
		buf := make([]byte, 17)
		copy(buf[0:16], v.AckedID[:])
		buf[16] = byte(v.Status)
		return buf, nil

	case ErrorReport:
		msg := []byte(v.Message)
		if len(msg) > math.MaxUint16 {
			return nil, fmt.Errorf("error message too long: %d bytes", len(msg))
		}
		buf := make([]byte, 19+len(msg))
		copy(buf[0:16], v.OriginalID[:])
		buf[16] = byte(v.Code)
		binary.BigEndian.PutUint16(buf[17:19], uint16(len(msg)))
		copy(buf[19:], msg)
		return buf, nil

	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}
}

func encodeDeviceID(id int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(id))
	return buf
}

func decodePayload(kind PayloadKind, data []byte) (Payload, error) {
	switch kind {
	case KindSetPosition:
		if len(data) < 5 {
			return nil, shortPayload(kind, len(data))
		}
		return SetPosition{
			DeviceID: int32(binary.BigEndian.Uint32(data[0:4])),
			Position: data[4],
		}, nil

	case KindRequestStatus:
		id, err := decodeDeviceID(kind, data)
		if err != nil {
			return nil, err
		}
		return RequestStatus{DeviceID: id}, nil

	case KindCalibrate:
		id, err := decodeDeviceID(kind, data)
		if err != nil {
			return nil, err
		}
		return Calibrate{DeviceID: id}, nil

	case KindEmergencyStop:
		id, err := decodeDeviceID(kind, data)
		if err != nil {
			return nil, err
		}
		return EmergencyStop{DeviceID: id}, nil

	case KindStatusReport:
		if len(data) < 15 {
			return nil, shortPayload(kind, len(data))
		}
		return StatusReport{
			DeviceID:  int32(binary.BigEndian.Uint32(data[0:4])),
			Position:  data[4],
			Battery:   data[5],
			ErrorCode: data[6],
			UptimeMS:  binary.BigEndian.Uint64(data[7:15]),
		}, nil

	case KindSensorReport:
		if len(data) < 24 {
			return nil, shortPayload(kind, len(data))
		}
		return SensorReport{
			DeviceID: int32(binary.BigEndian.Uint32(data[0:4])),
			Data: SensorData{
				Illuminance: int32(binary.BigEndian.Uint32(data[4:8])),
				Temperature: math.Float32frombits(binary.BigEndian.Uint32(data[8:12])),
				Humidity:    math.Float32frombits(binary.BigEndian.Uint32(data[12:16])),
				CapturedAt:  time.Unix(0, int64(binary.BigEndian.Uint64(data[16:24]))).UTC(),
			},
		}, nil

	case KindHealthReport:
		if len(data) < 23 {
			return nil, shortPayload(kind, len(data))
		}
		return HealthReport{
			DeviceID:      int32(binary.BigEndian.Uint32(data[0:4])),
			CPUPercent:    math.Float32frombits(binary.BigEndian.Uint32(data[4:8])),
			MemoryPercent: math.Float32frombits(binary.BigEndian.Uint32(data[8:12])),
			Battery:       data[12],
			RSSI:          int16(binary.BigEndian.Uint16(data[13:15])),
			UptimeMS:      binary.BigEndian.Uint64(data[15:23]),
		}, nil

	case KindTimeSyncRequest:
		if len(data) < 8 {
			return nil, shortPayload(kind, len(data))
		}
		return TimeSyncRequest{
			SentAt: time.Unix(0, int64(binary.BigEndian.Uint64(data[0:8]))).UTC(),
		}, nil

	case KindTimeSyncResponse:
		if len(data) < 24 {
			return nil, shortPayload(kind, len(data))
		}
		var id uuid.UUID
		copy(id[:], data[0:16])
		return TimeSyncResponse{
			RequestID:  id,
			ServerTime: time.Unix(0, int64(binary.BigEndian.Uint64(data[16:24]))).UTC(),
		}, nil

	case KindAcknowledge:
		if len(data) < 17 {
			return nil, shortPayload(kind, len(data))
		}
		var id uuid.UUID
		copy(id[:], data[0:16])
		return Acknowledge{AckedID: id, Status: AckStatus(data[16])}, nil

	case KindErrorReport:
		if len(data) < 19 {
			return nil, shortPayload(kind, len(data))
		}
		msgLen := int(binary.BigEndian.Uint16(data[17:19]))
		if len(data) < 19+msgLen {
			return nil, shortPayload(kind, len(data))
		}
		var id uuid.UUID
		copy(id[:], data[0:16])
		return ErrorReport{
			OriginalID: id,
			Code:       ErrorCode(data[16]),
			Message:    string(data[19 : 19+msgLen]),
		}, nil

	default:
		return nil, fmt.Errorf("unknown payload kind 0x%02X", uint8(kind))
	}
}

func decodeDeviceID(kind PayloadKind, data []byte) (int32, error) {
	if len(data) < 4 {
		return 0, shortPayload(kind, len(data))
	}
	return int32(binary.BigEndian.Uint32(data[0:4])), nil
}

func shortPayload(kind PayloadKind, n int) error {
	return fmt.Errorf("%s payload too short: %d bytes", kind, n)
}
