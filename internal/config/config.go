// Package config loads and persists the daemon's JSON configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConnectorType identifies which transport backend serves the companion
// app link.
type ConnectorType string

const (
	ConnectorTCP    ConnectorType = "tcp"
	ConnectorSerial ConnectorType = "serial"

	DefaultSerialBaud = 115200
	DefaultListenAddr = "127.0.0.1:4570"

	// DeviceNamePrefix is the naming convention the companion app scans
	// for.
	DeviceNamePrefix = "LED_GUITAR_"
)

// DeviceConfig describes the hardware identity reported over the wire.
type DeviceConfig struct {
	Name              string `json:"name"`
	Manufacturer      string `json:"manufacturer"`
	FirmwareVersion   string `json:"firmware_version"`
	LEDCount          int    `json:"led_count"`
	MaxPowerMilliamps int    `json:"max_power_milliamps"`
	BatteryLowPercent int    `json:"battery_low_percent"`
}

// ConnectionConfig selects and parameterizes the framed transport.
type ConnectionConfig struct {
	Connector  ConnectorType `json:"connector"`
	SerialPort string        `json:"serial_port"`
	SerialBaud int           `json:"serial_baud"`
	ListenAddr string        `json:"listen_addr"`
}

// StorageConfig points at the settings sector file and analytics db.
// Empty paths are resolved next to the config file by the daemon.
type StorageConfig struct {
	SettingsFile string `json:"settings_file"`
	AnalyticsDB  string `json:"analytics_db"`
}

// SessionConfig bounds the configuration session and analytics batches.
type SessionConfig struct {
	ConfigTimeoutSeconds int `json:"config_timeout_seconds"`
	AnalyticsBatchSize   int `json:"analytics_batch_size"`
	AnalyticsMaxEvents   int `json:"analytics_max_events"`
}

// OwnershipConfig names the reserved developer/test identity class.
// An empty prefix disables the bypass.
type OwnershipConfig struct {
	BypassPrefix string `json:"bypass_prefix"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

type Config struct {
	Device     DeviceConfig     `json:"device"`
	Connection ConnectionConfig `json:"connection"`
	Storage    StorageConfig    `json:"storage"`
	Session    SessionConfig    `json:"session"`
	Ownership  OwnershipConfig  `json:"ownership"`
	Logging    LoggingConfig    `json:"logging"`
}

func Default() Config {
	cfg := Config{}
	cfg.FillMissingDefaults()
	return cfg
}

func (c *Config) FillMissingDefaults() {
	if strings.TrimSpace(c.Device.Name) == "" {
		c.Device.Name = DeviceNamePrefix + "001"
	}
	if strings.TrimSpace(c.Device.Manufacturer) == "" {
		c.Device.Manufacturer = "LED_GUITAR_CONTROLLER"
	}
	if strings.TrimSpace(c.Device.FirmwareVersion) == "" {
		c.Device.FirmwareVersion = "1.0.0"
	}
	if c.Device.LEDCount <= 0 {
		c.Device.LEDCount = 10
	}
	if c.Device.MaxPowerMilliamps <= 0 {
		c.Device.MaxPowerMilliamps = 500
	}
	if c.Device.BatteryLowPercent <= 0 {
		c.Device.BatteryLowPercent = 15
	}
	if c.Connection.Connector == "" {
		c.Connection.Connector = ConnectorTCP
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if strings.TrimSpace(c.Connection.ListenAddr) == "" {
		c.Connection.ListenAddr = DefaultListenAddr
	}
	if c.Session.ConfigTimeoutSeconds <= 0 {
		c.Session.ConfigTimeoutSeconds = 120
	}
	if c.Session.AnalyticsBatchSize <= 0 {
		c.Session.AnalyticsBatchSize = 16
	}
	if c.Session.AnalyticsMaxEvents <= 0 {
		c.Session.AnalyticsMaxEvents = 1024
	}
	if c.Ownership.BypassPrefix == "" {
		c.Ownership.BypassPrefix = "LEDG-DEV-"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Device.Name, DeviceNamePrefix) {
		return fmt.Errorf("device name %q must start with %q", c.Device.Name, DeviceNamePrefix)
	}
	switch c.Connection.Connector {
	case ConnectorTCP, ConnectorSerial:
	default:
		return fmt.Errorf("unsupported connector: %q", c.Connection.Connector)
	}
	if c.Connection.Connector == ConnectorSerial && strings.TrimSpace(c.Connection.SerialPort) == "" {
		return errors.New("serial connector requires a serial_port")
	}
	return nil
}

// Load reads config from path; a missing file yields defaults.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by the daemon runtime.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes config atomically via a temp-file rename.
func Save(path string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
