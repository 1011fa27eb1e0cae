// LumiSync Window Actuator Device
// Main entry point for the device daemon
package main

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lumisync/edge-controller/internal/comms"
	"github.com/lumisync/edge-controller/internal/device"
	"github.com/lumisync/edge-controller/internal/protocol"
	"github.com/lumisync/edge-controller/internal/stepper"
	"github.com/lumisync/edge-controller/internal/transport"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		ID     int32 `yaml:"id"`
		EdgeID int32 `yaml:"edge_id"`
	} `yaml:"device"`

	Listen struct {
		Transport string `yaml:"transport"` // "tcp" or "ble"
		Addr      string `yaml:"addr"`      // TCP listen address
	} `yaml:"listen"`

	Motor struct {
		SerialPort   string `yaml:"serial_port"`
		StepInterval int    `yaml:"step_interval"` // milliseconds
	} `yaml:"motor"`

	Sensors struct {
		Simulate bool `yaml:"simulate"`
		Interval int  `yaml:"interval"` // seconds
	} `yaml:"sensors"`

	BLE struct {
		BridgeWriteURL  string `yaml:"bridge_write_url"`
		BridgeNotifyURL string `yaml:"bridge_notify_url"`
	} `yaml:"ble"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "lumisync-device",
		Short: "LumiSync Window Actuator",
		Long:  "Device daemon for a LumiSync window actuator. Drives the stepper motor and answers edge controller commands.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the device daemon",
		RunE:  runDevice,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("LumiSync Window Actuator v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lumisync/device.yaml", "Configuration file path")
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

func runDevice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg.Logging.Level)

	if cfg.Device.ID == 0 {
		return fmt.Errorf("device.id is required")
	}
	if cfg.Motor.SerialPort == "" {
		return fmt.Errorf("motor.serial_port is required")
	}

	bank, err := stepper.OpenSerialPinBank(cfg.Motor.SerialPort)
	if err != nil {
		return fmt.Errorf("failed to open motor pin bank: %w", err)
	}
	defer bank.Close()
	motor := stepper.NewFourPinMotor(bank.Pins(), [4]bool{})

	agentCfg := device.DefaultConfig()
	agentCfg.DeviceID = cfg.Device.ID
	agentCfg.EdgeID = cfg.Device.EdgeID
	if cfg.Motor.StepInterval > 0 {
		agentCfg.StepInterval = time.Duration(cfg.Motor.StepInterval) * time.Millisecond
	}
	if cfg.Sensors.Interval > 0 {
		agentCfg.SensorInterval = time.Duration(cfg.Sensors.Interval) * time.Second
	}

	var sensors device.SensorSource
	if cfg.Sensors.Simulate {
		sensors = &simulatedSensors{start: time.Now()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Stringer("signal", sig).Msg("Shutting down")
		cancel()
	}()

	log.Info().
		Int32("device_id", cfg.Device.ID).
		Str("mac", protocol.MacForDevice(cfg.Device.ID).String()).
		Msg("Device daemon starting")

	switch cfg.Listen.Transport {
	case "ble":
		return serveBLE(ctx, cfg, agentCfg, motor, sensors)
	case "tcp", "":
		return serveTCP(ctx, cfg, agentCfg, motor, sensors)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Listen.Transport)
	}
}

// serveTCP accepts one edge connection at a time and runs the agent
// over it. A dropped link returns to accepting.
func serveTCP(ctx context.Context, cfg *Config, agentCfg device.Config, motor stepper.Motor, sensors device.SensorSource) error {
	addr := cfg.Listen.Addr
	if addr == "" {
		addr = ":9331"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info().Str("addr", addr).Msg("Listening for edge controller")

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		log.Info().Stringer("remote", netConn.RemoteAddr()).Msg("Edge controller connected")

		conn := protocol.NewConn(transport.NewTCP(netConn), protocol.BinaryCodec{})
		runAgent(ctx, agentCfg, conn, motor, sensors)
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Msg("Edge link lost, waiting for reconnect")
	}
}

// serveBLE advertises through the bluetooth bridge and runs the agent
// over the resulting link.
func serveBLE(ctx context.Context, cfg *Config, agentCfg device.Config, motor stepper.Motor, sensors device.SensorSource) error {
	bleCfg := transport.DefaultBLEConfig()
	if cfg.BLE.BridgeWriteURL != "" {
		bleCfg.WriteURL = cfg.BLE.BridgeWriteURL
	}
	if cfg.BLE.BridgeNotifyURL != "" {
		bleCfg.NotifyURL = cfg.BLE.BridgeNotifyURL
	}

	tr, err := transport.DialBLEPeripheral(bleCfg, protocol.MacForDevice(cfg.Device.ID).String())
	if err != nil {
		return fmt.Errorf("failed to join bluetooth bridge: %w", err)
	}
	conn := protocol.NewConn(tr, protocol.BinaryCodec{})
	defer conn.Close()

	runAgent(ctx, agentCfg, conn, motor, sensors)
	return nil
}

func runAgent(ctx context.Context, agentCfg device.Config, conn *protocol.Conn, motor stepper.Motor, sensors device.SensorSource) {
	comm := comms.NewDeviceCommunicator(conn, agentCfg.DeviceID, agentCfg.EdgeID)
	agent := device.NewAgent(agentCfg, comm, motor, sensors)
	if err := agent.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Agent stopped")
	}
}

// simulatedSensors produces a plausible office daylight curve for
// installations without real sensor hardware.
type simulatedSensors struct {
	start time.Time
}

func (s *simulatedSensors) Read() (protocol.SensorData, error) {
	elapsed := time.Since(s.start).Seconds()
	phase := elapsed / 600 * 2 * math.Pi // ten-minute cycle
	return protocol.SensorData{
		Illuminance: int32(450 + 300*math.Sin(phase)),
		Temperature: float32(22.0 + 2.0*math.Sin(phase/3)),
		Humidity:    float32(50 + 5*math.Cos(phase/2)),
		CapturedAt:  time.Now().UTC(),
	}, nil
}
