package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// DefaultPath is used when CELLSCANNER_CONFIG is not set.
const DefaultPath = "configs/cellscanner.yaml"

// PathEnv names the environment variable holding the config file path.
const PathEnv = "CELLSCANNER_CONFIG"

// Config is the root configuration structure for CellScanner.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Worker   WorkerConfig   `yaml:"worker"`
	Device   DeviceConfig   `yaml:"device"`
	Client   ClientConfig   `yaml:"client"`
	Logging  LoggingConfig  `yaml:"logging"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Database DatabaseConfig `yaml:"database"`
}

// WorkerConfig contains settings of the worker process.
type WorkerConfig struct {
	// RuntimeDir holds the worker's socket and ready descriptor.
	RuntimeDir string `yaml:"runtime_dir"`

	// WatchdogTimeout in seconds. The worker exits with code 13 when no
	// Ping arrives for this long.
	WatchdogTimeout int `yaml:"watchdog_timeout"`

	// ParentPollInterval in milliseconds.
	ParentPollInterval int `yaml:"parent_poll_interval"`

	// FaultDetail is "diagnostic" or "opaque".
	FaultDetail string `yaml:"fault_detail"`

	// PingInterval and PongTimeout in seconds, for channel keepalive.
	PingInterval int `yaml:"ping_interval"`
	PongTimeout  int `yaml:"pong_timeout"`

	// Metrics enables /metrics on the worker socket.
	Metrics bool `yaml:"metrics"`
}

// DeviceConfig contains device driver settings and the initial device
// setup the client applies.
type DeviceConfig struct {
	// Driver selects the native API implementation. Only "simulator" is
	// built in.
	Driver string `yaml:"driver"`

	// MeasurementInterval in milliseconds.
	MeasurementInterval int `yaml:"measurement_interval"`

	Simulator SimulatorConfig `yaml:"simulator"`

	IPAddress   string            `yaml:"ip_address"`
	GPS         bool              `yaml:"gps"`
	Frequencies []FrequencyConfig `yaml:"frequencies"`
}

// SimulatorConfig contains simulated device settings.
type SimulatorConfig struct {
	Version int    `yaml:"version"`
	Serial  string `yaml:"serial"`
	// RestartDelay in milliseconds.
	RestartDelay int `yaml:"restart_delay"`
}

// FrequencyConfig is one scan list entry.
type FrequencyConfig struct {
	Band              int     `yaml:"band"`
	Channel           int     `yaml:"channel"`
	FrequencyMHz      float64 `yaml:"frequency_mhz"`
	Technology        string  `yaml:"technology"`
	Duplex            string  `yaml:"duplex"`
	SubcarrierSpacing string  `yaml:"scs"`
}

// ClientConfig contains settings of the supervising client application.
type ClientConfig struct {
	// WorkerBinary is the worker executable.
	WorkerBinary string `yaml:"worker_binary"`

	// WorkDir is the worker's working directory; relative RequiredFiles
	// are resolved against it.
	WorkDir string `yaml:"work_dir"`

	// RequiredFiles must exist before the worker is spawned.
	RequiredFiles []string `yaml:"required_files"`

	// Token fixes the worker token. Empty means a fresh token per start.
	Token string `yaml:"token"`

	// ReadyTimeout in seconds.
	ReadyTimeout int `yaml:"ready_timeout"`

	// CallTimeout in seconds.
	CallTimeout int `yaml:"call_timeout"`

	// PollInterval in milliseconds.
	PollInterval int `yaml:"poll_interval"`

	// RunDuration in seconds. Zero runs until interrupted.
	RunDuration int `yaml:"run_duration"`

	// HealthCheckInterval in seconds. Each check pings the worker.
	HealthCheckInterval int `yaml:"health_check_interval"`

	// RestartOnExit restarts the worker when it exits unexpectedly.
	RestartOnExit bool `yaml:"restart_on_exit"`

	// MaxRestarts limits restarts. 0 means unlimited.
	MaxRestarts int `yaml:"max_restarts"`

	// RestartDelay in seconds.
	RestartDelay int `yaml:"restart_delay"`

	// StopTimeout in seconds. A stopping worker gets SIGTERM and this long
	// to exit before SIGKILL.
	StopTimeout int `yaml:"stop_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DatabaseConfig contains SQLite settings for the client's history journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes sessions older than this at startup. 0 keeps
	// everything.
	RetentionDays int `yaml:"retention_days"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CELLSCANNER_SECTION_KEY
// For example: CELLSCANNER_RUNTIME_DIR, CELLSCANNER_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // Operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist. The worker uses this: it is normally started without a
// config file next to it.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return finish(defaultConfig())
}

// Path returns the config file path from CELLSCANNER_CONFIG or DefaultPath.
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the default configuration with environment overrides
// applied, without validation.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			RuntimeDir:         filepath.Join(os.TempDir(), "cellscanner"),
			WatchdogTimeout:    120,
			ParentPollInterval: 1000,
			FaultDetail:        "diagnostic",
			PingInterval:       30,
			PongTimeout:        60,
			Metrics:            true,
		},
		Device: DeviceConfig{
			Driver:              "simulator",
			MeasurementInterval: 5000,
			Simulator: SimulatorConfig{
				Version:      10203,
				Serial:       "SIM-0001",
				RestartDelay: 2000,
			},
			Frequencies: []FrequencyConfig{
				{Band: 1, Channel: 1, FrequencyMHz: 632.55, Technology: "5GNR", Duplex: "NotApplicable", SubcarrierSpacing: "15kHz"},
				{Band: 2, Channel: 2, FrequencyMHz: 751.00, Technology: "LTE", Duplex: "FDD", SubcarrierSpacing: "15kHz"},
				{Band: 3, Channel: 3, FrequencyMHz: 876.80, Technology: "UMTS", Duplex: "NA", SubcarrierSpacing: "15kHz"},
				{Band: 4, Channel: 4, FrequencyMHz: 1969.00, Technology: "GSM", Duplex: "NA", SubcarrierSpacing: "15kHz"},
			},
		},
		Client: ClientConfig{
			WorkerBinary:        "./cellscannerd",
			ReadyTimeout:        10,
			CallTimeout:         900,
			PollInterval:        100,
			RunDuration:         60,
			HealthCheckInterval: 30,
			RestartOnExit:       true,
			MaxRestarts:         5,
			RestartDelay:        2,
			StopTimeout:         5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "cellscanner",
			},
			QoS:         1,
			TopicPrefix: "cellscanner",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "cellscanner",
			Bucket:        "measurements",
			BatchSize:     500,
			FlushInterval: 1,
		},
		Database: DatabaseConfig{
			Path:          "./data/cellscanner.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CELLSCANNER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Worker
	if v := os.Getenv("CELLSCANNER_RUNTIME_DIR"); v != "" {
		cfg.Worker.RuntimeDir = v
	}
	if v := os.Getenv("CELLSCANNER_FAULT_DETAIL"); v != "" {
		cfg.Worker.FaultDetail = v
	}

	// Device
	if v := os.Getenv("CELLSCANNER_DEVICE_IP"); v != "" {
		cfg.Device.IPAddress = v
	}

	// Client
	if v := os.Getenv("CELLSCANNER_WORKER_BINARY"); v != "" {
		cfg.Client.WorkerBinary = v
	}
	if v := os.Getenv("CELLSCANNER_TOKEN"); v != "" {
		cfg.Client.Token = v
	}

	// Logging
	if v := os.Getenv("CELLSCANNER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// MQTT
	if v := os.Getenv("CELLSCANNER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CELLSCANNER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CELLSCANNER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("CELLSCANNER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Database
	if v := os.Getenv("CELLSCANNER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Worker validation
	if c.Worker.RuntimeDir == "" {
		errs = append(errs, "worker.runtime_dir is required")
	}
	if c.Worker.WatchdogTimeout < 1 {
		errs = append(errs, "worker.watchdog_timeout must be at least 1 second")
	}
	if c.Worker.ParentPollInterval < 1 {
		errs = append(errs, "worker.parent_poll_interval must be positive")
	}
	switch c.Worker.FaultDetail {
	case "diagnostic", "opaque":
	default:
		errs = append(errs, `worker.fault_detail must be "diagnostic" or "opaque"`)
	}

	// Device validation
	if c.Device.Driver != "simulator" {
		errs = append(errs, fmt.Sprintf("device.driver %q is not supported", c.Device.Driver))
	}
	if c.Device.MeasurementInterval < 1 {
		errs = append(errs, "device.measurement_interval must be positive")
	}
	if _, err := c.Device.FrequencyList(); err != nil {
		errs = append(errs, fmt.Sprintf("device.frequencies: %v", err))
	}

	// Client validation
	if c.Client.WorkerBinary == "" {
		errs = append(errs, "client.worker_binary is required")
	}
	if c.Client.PollInterval < 1 {
		errs = append(errs, "client.poll_interval must be positive")
	}
	if c.Client.RunDuration < 0 {
		errs = append(errs, "client.run_duration must not be negative")
	}
	if c.Client.StopTimeout < 0 {
		errs = append(errs, "client.stop_timeout must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// FrequencyList converts the configured entries into a scan list.
func (d DeviceConfig) FrequencyList() (*scanner.FrequencyList, error) {
	entries := make([]scanner.FrequencyEntry, 0, len(d.Frequencies))
	for i, f := range d.Frequencies {
		tech, err := scanner.ParseTechnology(f.Technology)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		duplex, err := scanner.ParseDuplexMode(f.Duplex)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		scs, err := scanner.ParseSubcarrierSpacing(f.SubcarrierSpacing)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if f.FrequencyMHz <= 0 {
			return nil, fmt.Errorf("entry %d: frequency_mhz must be positive", i)
		}
		entries = append(entries, scanner.FrequencyEntry{
			Band:              f.Band,
			ChannelNumber:     f.Channel,
			FrequencyMHz:      f.FrequencyMHz,
			Technology:        tech,
			DuplexMode:        duplex,
			SubcarrierSpacing: scs,
		})
	}
	return scanner.NewFrequencyList(entries...), nil
}

// GetWatchdogTimeout returns the worker watchdog timeout as a Duration.
func (c *Config) GetWatchdogTimeout() time.Duration {
	return time.Duration(c.Worker.WatchdogTimeout) * time.Second
}

// GetParentPollInterval returns the parent liveness poll interval as a Duration.
func (c *Config) GetParentPollInterval() time.Duration {
	return time.Duration(c.Worker.ParentPollInterval) * time.Millisecond
}

// GetMeasurementInterval returns the device measurement interval as a Duration.
func (c *Config) GetMeasurementInterval() time.Duration {
	return time.Duration(c.Device.MeasurementInterval) * time.Millisecond
}

// GetReadyTimeout returns how long the client waits for a worker to be ready.
func (c *Config) GetReadyTimeout() time.Duration {
	return time.Duration(c.Client.ReadyTimeout) * time.Second
}

// GetCallTimeout returns the per-call timeout as a Duration.
func (c *Config) GetCallTimeout() time.Duration {
	return time.Duration(c.Client.CallTimeout) * time.Second
}

// GetPollInterval returns the client's event polling interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Client.PollInterval) * time.Millisecond
}

// GetRunDuration returns how long the client runs, or 0 for no limit.
func (c *Config) GetRunDuration() time.Duration {
	return time.Duration(c.Client.RunDuration) * time.Second
}

// GetHealthCheckInterval returns how often the client pings the worker.
func (c *Config) GetHealthCheckInterval() time.Duration {
	return time.Duration(c.Client.HealthCheckInterval) * time.Second
}

// GetRestartDelay returns the pause before a worker restart.
func (c *Config) GetRestartDelay() time.Duration {
	return time.Duration(c.Client.RestartDelay) * time.Second
}

// GetStopTimeout returns how long a stopping worker may take before it is
// killed.
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Client.StopTimeout) * time.Second
}

// GetRetention returns the history retention window, or 0 to keep all
// sessions.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}
