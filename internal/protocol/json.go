package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JSONCodec is the text fallback format for debugging and interop where
// payload size does not matter.
type JSONCodec struct{}

func (JSONCodec) Tag() byte    { return TagJSON }
func (JSONCodec) Name() string { return "json" }

type jsonMessage struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  string          `json:"priority"`
	Source    jsonNode        `json:"source"`
	Target    jsonNode        `json:"target"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type jsonNode struct {
	Kind   string `json:"kind"`
	EdgeID int32  `json:"edge_id,omitempty"`
	MAC    string `json:"mac,omitempty"`
}

// Marshal serializes the message.
func (JSONCodec) Marshal(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(jsonMessage{
		ID:        msg.Header.ID.String(),
		Timestamp: msg.Header.Timestamp,
		Priority:  msg.Header.Priority.String(),
		Source:    nodeToJSON(msg.Header.Source),
		Target:    nodeToJSON(msg.Header.Target),
		Type:      msg.Payload.Kind().String(),
		Payload:   payload,
	})
}

// Unmarshal deserializes a message.
func (JSONCodec) Unmarshal(data []byte) (*Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	id, err := uuid.Parse(jm.ID)
	if err != nil {
		return nil, fmt.Errorf("parse message id: %w", err)
	}
	priority, err := parsePriority(jm.Priority)
	if err != nil {
		return nil, err
	}
	source, err := nodeFromJSON(jm.Source)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}
	target, err := nodeFromJSON(jm.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	payload, err := unmarshalPayload(jm.Type, jm.Payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Header: Header{
			ID:        id,
			Timestamp: jm.Timestamp,
			Priority:  priority,
			Source:    source,
			Target:    target,
		},
		Payload: payload,
	}, nil
}

func parsePriority(s string) (Priority, error) {
	switch s {
	case "regular":
		return PriorityRegular, nil
	case "emergency":
		return PriorityEmergency, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func nodeToJSON(n Node) jsonNode {
	switch n.Kind {
	case NodeEdge:
		return jsonNode{Kind: "edge", EdgeID: n.EdgeID}
	case NodeDevice:
		return jsonNode{Kind: "device", MAC: n.MAC.String()}
	default:
		return jsonNode{Kind: "cloud"}
	}
}

func nodeFromJSON(jn jsonNode) (Node, error) {
	switch jn.Kind {
	case "cloud":
		return CloudNode(), nil
	case "edge":
		return Node{Kind: NodeEdge, EdgeID: jn.EdgeID}, nil
	case "device":
		mac, err := parseMac(jn.MAC)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: NodeDevice, MAC: mac}, nil
	default:
		return Node{}, fmt.Errorf("unknown node kind %q", jn.Kind)
	}
}

func parseMac(s string) (MacAddress, error) {
	var mac MacAddress
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("malformed mac %q", s)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("malformed mac %q: %w", s, err)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}

func unmarshalPayload(typ string, data json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch typ {
	case "set_position":
		var v SetPosition
		err = json.Unmarshal(data, &v)
		payload = v
	case "request_status":
		var v RequestStatus
		err = json.Unmarshal(data, &v)
		payload = v
	case "calibrate":
		var v Calibrate
		err = json.Unmarshal(data, &v)
		payload = v
	case "emergency_stop":
		var v EmergencyStop
		err = json.Unmarshal(data, &v)
		payload = v
	case "status_report":
		var v StatusReport
		err = json.Unmarshal(data, &v)
		payload = v
	case "sensor_report":
		var v SensorReport
		err = json.Unmarshal(data, &v)
		payload = v
	case "health_report":
		var v HealthReport
		err = json.Unmarshal(data, &v)
		payload = v
	case "time_sync_request":
		var v TimeSyncRequest
		err = json.Unmarshal(data, &v)
		payload = v
	case "time_sync_response":
		var v TimeSyncResponse
		err = json.Unmarshal(data, &v)
		payload = v
	case "acknowledge":
		var v Acknowledge
		err = json.Unmarshal(data, &v)
		payload = v
	case "error_report":
		var v ErrorReport
		err = json.Unmarshal(data, &v)
		payload = v
	default:
		return nil, fmt.Errorf("unknown payload type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", typ, err)
	}
	return payload, nil
}
