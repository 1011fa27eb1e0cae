// LumiSync Edge Controller
// Main entry point for the edge controller daemon
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lumisync/edge-controller/internal/control"
	"github.com/lumisync/edge-controller/internal/engine"
	"github.com/lumisync/edge-controller/internal/protocol"
	"github.com/lumisync/edge-controller/internal/storage"
	"github.com/lumisync/edge-controller/internal/telemetry"
	"github.com/lumisync/edge-controller/internal/transport"
)

// Config represents the configuration file structure
type Config struct {
	Edge struct {
		ID int32 `yaml:"id"`
	} `yaml:"edge"`

	Cloud struct {
		WebSocketURL string `yaml:"websocket_url"`
	} `yaml:"cloud"`

	Devices []DeviceConfig `yaml:"devices"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Model struct {
		Path string `yaml:"path"`
	} `yaml:"model"`

	Strategy struct {
		LightLow  float64 `yaml:"light_low"`
		LightHigh float64 `yaml:"light_high"`
		TempLow   float64 `yaml:"temp_low"`
		TempHigh  float64 `yaml:"temp_high"`
	} `yaml:"strategy"`

	Timing struct {
		UpdateInterval    int `yaml:"update_interval"` // seconds
		CommandTimeout    int `yaml:"command_timeout"` // milliseconds
		CommandRetries    int `yaml:"command_retries"`
		TimeSyncInterval  int `yaml:"time_sync_interval"`  // seconds
		CloudSyncInterval int `yaml:"cloud_sync_interval"` // seconds
	} `yaml:"timing"`

	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		BrokerURL   string `yaml:"broker_url"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"telemetry"`

	BLE struct {
		BridgeWriteURL  string `yaml:"bridge_write_url"`
		BridgeNotifyURL string `yaml:"bridge_notify_url"`
	} `yaml:"ble"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DeviceConfig describes how to reach one window actuator.
type DeviceConfig struct {
	ID        int32  `yaml:"id"`
	Transport string `yaml:"transport"` // "tcp" or "ble"
	Addr      string `yaml:"addr"`      // TCP address, unused for BLE
}

const dialTimeout = 5 * time.Second

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "lumisync-edge",
		Short: "LumiSync Edge Controller",
		Long:  "Edge controller for the LumiSync building lighting system. Manages window actuator devices and cloud communication.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the edge controller service",
		RunE:  runEdge,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("LumiSync Edge Controller v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lumisync/edge.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func runEdge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg.Logging.Level)

	if cfg.Edge.ID == 0 {
		return fmt.Errorf("edge.id is required")
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}

	engineCfg := buildEngineConfig(cfg)

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	eng, err := engine.New(engineCfg, db)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if cfg.Telemetry.Enabled {
		telCfg := telemetry.DefaultConfig()
		if cfg.Telemetry.BrokerURL != "" {
			telCfg.BrokerURL = cfg.Telemetry.BrokerURL
		}
		if cfg.Telemetry.ClientID != "" {
			telCfg.ClientID = cfg.Telemetry.ClientID
		}
		if cfg.Telemetry.TopicPrefix != "" {
			telCfg.TopicPrefix = cfg.Telemetry.TopicPrefix
		}
		publisher, err := telemetry.Connect(telCfg)
		if err != nil {
			// The control loop must run even with the broker down.
			log.Warn().Err(err).Msg("Telemetry broker unavailable, continuing without it")
		} else {
			defer publisher.Close()
			eng.SetTelemetry(publisher)
		}
	}

	if cfg.Cloud.WebSocketURL != "" {
		uplink, err := transport.DialWS(cfg.Cloud.WebSocketURL, dialTimeout)
		if err != nil {
			return fmt.Errorf("failed to dial cloud uplink: %w", err)
		}
		cloudConn := protocol.NewConn(uplink, protocol.BinaryCodec{})
		defer cloudConn.Close()
		eng.SetCloudLink(cloudConn)
	}

	for _, dev := range cfg.Devices {
		conn, err := dialDevice(cfg, dev)
		if err != nil {
			return fmt.Errorf("failed to connect device %d: %w", dev.ID, err)
		}
		if err := eng.AddDevice(dev.ID, conn); err != nil {
			return fmt.Errorf("failed to register device %d: %w", dev.ID, err)
		}
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Stringer("signal", sig).Msg("Shutting down")

	eng.Stop()
	return nil
}

func buildEngineConfig(cfg *Config) engine.Config {
	engineCfg := engine.DefaultConfig()
	engineCfg.EdgeID = cfg.Edge.ID
	engineCfg.ModelPath = cfg.Model.Path
	engineCfg.Strategy = control.DefaultZoneStrategy(cfg.Edge.ID)

	if cfg.Strategy.LightHigh > 0 {
		engineCfg.Strategy.LightRange = control.Range{Low: cfg.Strategy.LightLow, High: cfg.Strategy.LightHigh}
	}
	if cfg.Strategy.TempHigh > 0 {
		engineCfg.Strategy.TempRange = control.Range{Low: cfg.Strategy.TempLow, High: cfg.Strategy.TempHigh}
	}
	if cfg.Timing.UpdateInterval > 0 {
		interval := time.Duration(cfg.Timing.UpdateInterval) * time.Second
		engineCfg.Control.DefaultUpdateInterval = interval
		engineCfg.Strategy.UpdateInterval = interval
	}
	if cfg.Timing.CommandTimeout > 0 {
		engineCfg.Control.CommandTimeout = time.Duration(cfg.Timing.CommandTimeout) * time.Millisecond
	}
	if cfg.Timing.CommandRetries > 0 {
		engineCfg.Control.MaxRetries = cfg.Timing.CommandRetries
	}
	if cfg.Timing.TimeSyncInterval > 0 {
		engineCfg.TimeSyncInterval = time.Duration(cfg.Timing.TimeSyncInterval) * time.Second
	}
	if cfg.Timing.CloudSyncInterval > 0 {
		engineCfg.CloudSyncInterval = time.Duration(cfg.Timing.CloudSyncInterval) * time.Second
	}
	return engineCfg
}

// dialDevice opens the configured link to one device and wraps it in a
// framed connection.
func dialDevice(cfg *Config, dev DeviceConfig) (*protocol.Conn, error) {
	switch dev.Transport {
	case "tcp", "":
		tr, err := transport.DialTCP(dev.Addr, dialTimeout)
		if err != nil {
			return nil, err
		}
		return protocol.NewConn(tr, protocol.BinaryCodec{}), nil

	case "ble":
		bleCfg := transport.DefaultBLEConfig()
		if cfg.BLE.BridgeWriteURL != "" {
			bleCfg.WriteURL = cfg.BLE.BridgeWriteURL
		}
		if cfg.BLE.BridgeNotifyURL != "" {
			bleCfg.NotifyURL = cfg.BLE.BridgeNotifyURL
		}
		tr, err := transport.DialBLECentral(bleCfg, protocol.MacForDevice(dev.ID).String())
		if err != nil {
			return nil, err
		}
		return protocol.NewConn(tr, protocol.BinaryCodec{}), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", dev.Transport)
	}
}
