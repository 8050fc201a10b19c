package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "cellscanner.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
worker:
  runtime_dir: "/run/cellscanner"
  watchdog_timeout: 30
  fault_detail: "opaque"
device:
  ip_address: "192.168.0.10"
  gps: true
  frequencies:
    - band: 7
      channel: 3100
      frequency_mhz: 2655.0
      technology: "LTE"
      duplex: "FDD"
      scs: "15kHz"
client:
  worker_binary: "/opt/cellscanner/cellscannerd"
  required_files: ["CellScanner.dll", "CellScanner64.dll"]
  run_duration: 0
mqtt:
  enabled: true
  broker:
    host: "broker.local"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Worker.RuntimeDir != "/run/cellscanner" {
		t.Errorf("Worker.RuntimeDir = %q, want %q", cfg.Worker.RuntimeDir, "/run/cellscanner")
	}
	if cfg.GetWatchdogTimeout() != 30*time.Second {
		t.Errorf("GetWatchdogTimeout() = %v, want 30s", cfg.GetWatchdogTimeout())
	}
	if cfg.Worker.FaultDetail != "opaque" {
		t.Errorf("Worker.FaultDetail = %q, want opaque", cfg.Worker.FaultDetail)
	}
	if !cfg.Device.GPS || cfg.Device.IPAddress != "192.168.0.10" {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if len(cfg.Client.RequiredFiles) != 2 {
		t.Errorf("Client.RequiredFiles = %v", cfg.Client.RequiredFiles)
	}
	if cfg.GetRunDuration() != 0 {
		t.Errorf("GetRunDuration() = %v, want 0", cfg.GetRunDuration())
	}
	if cfg.MQTT.Broker.Host != "broker.local" || cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker = %+v", cfg.MQTT.Broker)
	}

	list, err := cfg.Device.FrequencyList()
	if err != nil {
		t.Fatalf("FrequencyList() error = %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("FrequencyList().Len() = %d, want 1", list.Len())
	}
	entry := list.Entries()[0]
	if entry.Technology != scanner.TechnologyLTE || entry.DuplexMode != scanner.DuplexFDD || entry.ChannelNumber != 3100 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/cellscanner.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/cellscanner.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Worker.WatchdogTimeout != 120 {
		t.Errorf("Worker.WatchdogTimeout = %d, want 120", cfg.Worker.WatchdogTimeout)
	}

	// A file that exists but is broken is still an error.
	configPath := writeConfig(t, "worker: [")
	if _, err := LoadOrDefault(configPath); err == nil {
		t.Error("LoadOrDefault() expected error for invalid YAML, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing runtime dir",
			mutate:  func(c *Config) { c.Worker.RuntimeDir = "" },
			wantErr: "worker.runtime_dir",
		},
		{
			name:    "zero watchdog",
			mutate:  func(c *Config) { c.Worker.WatchdogTimeout = 0 },
			wantErr: "worker.watchdog_timeout",
		},
		{
			name:    "unknown fault detail",
			mutate:  func(c *Config) { c.Worker.FaultDetail = "verbose" },
			wantErr: "worker.fault_detail",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Device.Driver = "usb" },
			wantErr: "device.driver",
		},
		{
			name: "bad technology",
			mutate: func(c *Config) {
				c.Device.Frequencies = []FrequencyConfig{{Band: 1, FrequencyMHz: 100, Technology: "WiMAX"}}
			},
			wantErr: "device.frequencies",
		},
		{
			name:    "missing worker binary",
			mutate:  func(c *Config) { c.Client.WorkerBinary = "" },
			wantErr: "client.worker_binary",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name: "database enabled without path",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Path = ""
			},
			wantErr: "database.path",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Database.RetentionDays = -1 },
			wantErr: "database.retention_days",
		},
		{
			name:    "negative stop timeout",
			mutate:  func(c *Config) { c.Client.StopTimeout = -1 },
			wantErr: "client.stop_timeout",
		},
		{
			name:   "zero retention keeps everything",
			mutate: func(c *Config) { c.Database.RetentionDays = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_CollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.RuntimeDir = ""
	cfg.MQTT.QoS = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("Validate() error = %q, want both problems joined", err)
	}
}

func TestConfig_GetDurations(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetParentPollInterval(); got != time.Second {
		t.Errorf("GetParentPollInterval() = %v, want 1s", got)
	}
	if got := cfg.GetMeasurementInterval(); got != 5*time.Second {
		t.Errorf("GetMeasurementInterval() = %v, want 5s", got)
	}
	if got := cfg.GetReadyTimeout(); got != 10*time.Second {
		t.Errorf("GetReadyTimeout() = %v, want 10s", got)
	}
	if got := cfg.GetCallTimeout(); got != 15*time.Minute {
		t.Errorf("GetCallTimeout() = %v, want 15m", got)
	}
	if got := cfg.GetPollInterval(); got != 100*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 100ms", got)
	}
	if got := cfg.GetHealthCheckInterval(); got != 30*time.Second {
		t.Errorf("GetHealthCheckInterval() = %v, want 30s", got)
	}
	if got := cfg.GetRestartDelay(); got != 2*time.Second {
		t.Errorf("GetRestartDelay() = %v, want 2s", got)
	}
	if got := cfg.GetStopTimeout(); got != 5*time.Second {
		t.Errorf("GetStopTimeout() = %v, want 5s", got)
	}
	if got := cfg.GetRetention(); got != 30*24*time.Hour {
		t.Errorf("GetRetention() = %v, want 720h", got)
	}

	cfg.Database.RetentionDays = 0
	if got := cfg.GetRetention(); got != 0 {
		t.Errorf("GetRetention() = %v, want 0 when disabled", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("CELLSCANNER_RUNTIME_DIR", "/custom/run")
	t.Setenv("CELLSCANNER_DEVICE_IP", "10.1.1.1")
	t.Setenv("CELLSCANNER_WORKER_BINARY", "/usr/bin/cellscannerd")
	t.Setenv("CELLSCANNER_TOKEN", "fixed-token")
	t.Setenv("CELLSCANNER_LOG_LEVEL", "debug")
	t.Setenv("CELLSCANNER_MQTT_HOST", "mqtt.example.com")
	t.Setenv("CELLSCANNER_MQTT_USERNAME", "testuser")
	t.Setenv("CELLSCANNER_MQTT_PASSWORD", "testpass")
	t.Setenv("CELLSCANNER_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("CELLSCANNER_DATABASE_PATH", "/custom/path.db")

	applyEnvOverrides(cfg)

	checks := map[string][2]string{
		"Worker.RuntimeDir":   {cfg.Worker.RuntimeDir, "/custom/run"},
		"Device.IPAddress":    {cfg.Device.IPAddress, "10.1.1.1"},
		"Client.WorkerBinary": {cfg.Client.WorkerBinary, "/usr/bin/cellscannerd"},
		"Client.Token":        {cfg.Client.Token, "fixed-token"},
		"Logging.Level":       {cfg.Logging.Level, "debug"},
		"MQTT.Broker.Host":    {cfg.MQTT.Broker.Host, "mqtt.example.com"},
		"MQTT.Auth.Username":  {cfg.MQTT.Auth.Username, "testuser"},
		"MQTT.Auth.Password":  {cfg.MQTT.Auth.Password, "testpass"},
		"InfluxDB.Token":      {cfg.InfluxDB.Token, "secret-token"},
		"Database.Path":       {cfg.Database.Path, "/custom/path.db"},
	}
	for field, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", field, c[0], c[1])
		}
	}
}

func TestDefaultConfig_FrequencyList(t *testing.T) {
	list, err := defaultConfig().Device.FrequencyList()
	if err != nil {
		t.Fatalf("FrequencyList() error = %v", err)
	}
	entries := list.Entries()
	if len(entries) != 4 {
		t.Fatalf("default frequency list has %d entries, want 4", len(entries))
	}

	wantTech := []scanner.Technology{scanner.Technology5GNR, scanner.TechnologyLTE, scanner.TechnologyUMTS, scanner.TechnologyGSM}
	for i, e := range entries {
		if e.Band != i+1 {
			t.Errorf("entry %d band = %d, want %d", i, e.Band, i+1)
		}
		if e.Technology != wantTech[i] {
			t.Errorf("entry %d technology = %v, want %v", i, e.Technology, wantTech[i])
		}
		if e.SubcarrierSpacing != scanner.SCS15kHz {
			t.Errorf("entry %d scs = %v, want 15kHz", i, e.SubcarrierSpacing)
		}
	}
}

func TestPath(t *testing.T) {
	t.Setenv(PathEnv, "")
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv(PathEnv, "/etc/cellscanner.yaml")
	if got := Path(); got != "/etc/cellscanner.yaml" {
		t.Errorf("Path() = %q", got)
	}
}
