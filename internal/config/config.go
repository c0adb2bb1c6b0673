package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHelperSocket      = "/var/run/meshd-helper.sock"
	DefaultConsoleLevel      = "info"
	DefaultRequestTimeoutSec = 10

	DefaultActiveIntervalMs   = 1000
	DefaultLowPowerIntervalMs = 5000
	DefaultProcessFloorMs     = 800
	DefaultWarmupFloorMs      = 50
	DefaultWarmupDurationSec  = 10
	DefaultPendingTimeoutSec  = 15
)

// Config holds all meshctl settings.
type Config struct {
	Helper  HelperConfig  `yaml:"helper"`
	Core    CoreConfig    `yaml:"core"`
	Polling PollingConfig `yaml:"polling"`
	Network NetworkConfig `yaml:"network"`

	StatePath   string   `yaml:"state_path,omitempty"`
	MetricsPath string   `yaml:"metrics_path,omitempty"`
	STUNServers []string `yaml:"stun_servers,omitempty"`
}

// HelperConfig locates the privileged helper and bounds request latency.
type HelperConfig struct {
	Socket            string `yaml:"socket"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// RequestTimeout returns the per-request IPC timeout.
func (h HelperConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutSec) * time.Second
}

// CoreConfig describes how the helper should launch the mesh core. The
// rendered core config is handed off through the shared file at ConfigPath;
// it never travels inline over IPC.
type CoreConfig struct {
	BinaryPath   string `yaml:"binary_path"`
	ConfigPath   string `yaml:"config_path"`
	ConsoleLevel string `yaml:"console_level"`
}

// PollingConfig tunes the telemetry poll cadence and processing throttle.
type PollingConfig struct {
	ActiveIntervalMs   int `yaml:"active_interval_ms"`
	LowPowerIntervalMs int `yaml:"low_power_interval_ms"`
	ProcessFloorMs     int `yaml:"process_floor_ms"`
	WarmupFloorMs      int `yaml:"warmup_floor_ms"`
	WarmupDurationSec  int `yaml:"warmup_duration_sec"`
	PendingTimeoutSec  int `yaml:"pending_timeout_sec"`
}

func (p PollingConfig) ActiveInterval() time.Duration {
	return time.Duration(p.ActiveIntervalMs) * time.Millisecond
}

func (p PollingConfig) LowPowerInterval() time.Duration {
	return time.Duration(p.LowPowerIntervalMs) * time.Millisecond
}

func (p PollingConfig) ProcessFloor() time.Duration {
	return time.Duration(p.ProcessFloorMs) * time.Millisecond
}

func (p PollingConfig) WarmupFloor() time.Duration {
	return time.Duration(p.WarmupFloorMs) * time.Millisecond
}

func (p PollingConfig) WarmupDuration() time.Duration {
	return time.Duration(p.WarmupDurationSec) * time.Second
}

func (p PollingConfig) PendingTimeout() time.Duration {
	return time.Duration(p.PendingTimeoutSec) * time.Second
}

// NetworkConfig is the mesh network identity and bootstrap peers rendered
// into the core's config file.
type NetworkConfig struct {
	Hostname      string   `yaml:"hostname,omitempty"`
	NetworkName   string   `yaml:"network_name"`
	NetworkSecret string   `yaml:"network_secret"`
	VirtualIPv4   string   `yaml:"virtual_ipv4,omitempty"`
	DHCP          bool     `yaml:"dhcp"`
	Peers         []string `yaml:"peers"`
	Listeners     []string `yaml:"listeners,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Core.ConfigPath == "" {
		return fmt.Errorf("core.config_path is required")
	}
	if cfg.Network.NetworkName == "" {
		return fmt.Errorf("network.network_name is required")
	}
	if !cfg.Network.DHCP && cfg.Network.VirtualIPv4 == "" {
		return fmt.Errorf("network.virtual_ipv4 is required unless network.dhcp is set")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Helper.Socket == "" {
		cfg.Helper.Socket = DefaultHelperSocket
	}
	if cfg.Helper.RequestTimeoutSec == 0 {
		cfg.Helper.RequestTimeoutSec = DefaultRequestTimeoutSec
	}
	if cfg.Core.ConsoleLevel == "" {
		cfg.Core.ConsoleLevel = DefaultConsoleLevel
	}
	if cfg.Polling.ActiveIntervalMs == 0 {
		cfg.Polling.ActiveIntervalMs = DefaultActiveIntervalMs
	}
	if cfg.Polling.LowPowerIntervalMs == 0 {
		cfg.Polling.LowPowerIntervalMs = DefaultLowPowerIntervalMs
	}
	if cfg.Polling.ProcessFloorMs == 0 {
		cfg.Polling.ProcessFloorMs = DefaultProcessFloorMs
	}
	if cfg.Polling.WarmupFloorMs == 0 {
		cfg.Polling.WarmupFloorMs = DefaultWarmupFloorMs
	}
	if cfg.Polling.WarmupDurationSec == 0 {
		cfg.Polling.WarmupDurationSec = DefaultWarmupDurationSec
	}
	if cfg.Polling.PendingTimeoutSec == 0 {
		cfg.Polling.PendingTimeoutSec = DefaultPendingTimeoutSec
	}
}
