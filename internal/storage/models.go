package storage

import "time"

// SensorRecord is one persisted environmental reading from a device.
type SensorRecord struct {
	ID          int64     `json:"id"`
	DeviceID    int32     `json:"device_id"`
	Illuminance int32     `json:"illuminance"` // lux
	Temperature float32   `json:"temperature"` // Celsius
	Humidity    float32   `json:"humidity"`    // percent
	CapturedAt  time.Time `json:"captured_at"` // device-side capture time
	RecordedAt  time.Time `json:"recorded_at"` // edge-side persist time
	Synced      bool      `json:"synced"`
}

// CommandRecord is the audit trail of one dispatched device command.
type CommandRecord struct {
	ID        int64     `json:"id"`
	DeviceID  int32     `json:"device_id"`
	Command   string    `json:"command"`  // payload kind name
	Position  uint8     `json:"position"` // target position for set_position, else 0
	Priority  string    `json:"priority"` // "regular" or "emergency"
	Succeeded bool      `json:"succeeded"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}
