// Package telemetry forwards aggregated edge data to an MQTT broker.
// Publishing is best effort: a broker outage is logged and never
// blocks or fails the control path.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Config holds broker connection settings.
type Config struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DefaultConfig returns broker settings for a local development broker.
func DefaultConfig() Config {
	return Config{
		BrokerURL:   "tcp://localhost:1883",
		ClientID:    "lumisync-edge",
		TopicPrefix: "lumisync",
	}
}

// publishClient is the slice of the paho client the publisher uses.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher serializes reports to JSON and publishes them on
// per-device topics.
type Publisher struct {
	client publishClient
	prefix string
}

// Connect dials the broker and returns a ready publisher.
func Connect(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.BrokerURL, token.Error())
	}

	log.Info().Str("broker", cfg.BrokerURL).Msg("Telemetry broker connected")

	return &Publisher{client: client, prefix: cfg.TopicPrefix}, nil
}

// NewPublisher wraps an already connected client. Used by tests and by
// callers that manage the client lifecycle themselves.
func NewPublisher(client publishClient, topicPrefix string) *Publisher {
	return &Publisher{client: client, prefix: topicPrefix}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// SensorEvent is the published form of one smoothed device reading.
type SensorEvent struct {
	DeviceID    int32     `json:"device_id"`
	Illuminance float64   `json:"illuminance"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CapturedAt  time.Time `json:"captured_at"`
}

// ControlEvent is the published form of one dispatched command.
type ControlEvent struct {
	DeviceID  int32     `json:"device_id"`
	Command   string    `json:"command"`
	Position  uint8     `json:"position,omitempty"`
	Priority  string    `json:"priority"`
	Succeeded bool      `json:"succeeded"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthEvent is the published form of one device health report.
type HealthEvent struct {
	DeviceID      int32     `json:"device_id"`
	CPUPercent    float32   `json:"cpu_percent"`
	MemoryPercent float32   `json:"memory_percent"`
	Battery       uint8     `json:"battery"`
	RSSI          int16     `json:"rssi"`
	Uptime        uint32    `json:"uptime_sec"`
	Timestamp     time.Time `json:"timestamp"`
}

// PublishSensor publishes a sensor event to <prefix>/devices/<id>/sensors.
func (p *Publisher) PublishSensor(ev SensorEvent) {
	p.publish(fmt.Sprintf("%s/devices/%d/sensors", p.prefix, ev.DeviceID), ev)
}

// PublishControl publishes a control event to <prefix>/devices/<id>/control.
func (p *Publisher) PublishControl(ev ControlEvent) {
	p.publish(fmt.Sprintf("%s/devices/%d/control", p.prefix, ev.DeviceID), ev)
}

// PublishHealth publishes a health event to <prefix>/devices/<id>/health.
func (p *Publisher) PublishHealth(ev HealthEvent) {
	p.publish(fmt.Sprintf("%s/devices/%d/health", p.prefix, ev.DeviceID), ev)
}

func (p *Publisher) publish(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal telemetry event")
		return
	}

	if !p.client.IsConnected() {
		log.Debug().Str("topic", topic).Msg("Broker disconnected, dropping telemetry event")
		return
	}

	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	if token.Error() != nil {
		log.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to publish telemetry event")
	}
}
