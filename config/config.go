// Package config loads the edge agent's process-wide YAML configuration:
// bus interfaces, OBD polling, persistence, and upload options.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// InterfaceConfig names one CAN interface and its numeric ID, used as
// the dictionary key dimension throughout the decode/dictionary
// packages. Bitrate, when non-zero, is applied while bringing a down
// interface up; zero leaves the link's bit-rate as configured.
type InterfaceConfig struct {
	Name      string `yaml:"name"`
	NumericID uint32 `yaml:"numeric_id"`
	Bitrate   uint32 `yaml:"bitrate"`
}

// Config holds the agent's process-wide options.
type Config struct {
	PidRequestIntervalSeconds        int               `yaml:"pid_request_interval_seconds"`
	DtcRequestIntervalSeconds        int               `yaml:"dtc_request_interval_seconds"`
	BroadcastRequests                bool              `yaml:"broadcast_requests"`
	ForceCanFD                       bool              `yaml:"force_can_fd"`
	IdleTimeMs                       int               `yaml:"idle_time_ms"`
	CanTimestampType                 string            `yaml:"can_timestamp_type"`
	PersistencyUploadRetryIntervalMs int               `yaml:"persistency_upload_retry_interval_ms"`
	CheckinIntervalMs                int               `yaml:"checkin_interval_ms"`
	Interfaces                       []InterfaceConfig `yaml:"interfaces"`
	PersistencePath                  string            `yaml:"persistence_path"`
	DiscoveryWindowMs                int               `yaml:"discovery_window_ms"`
}

const (
	TimestampPolling        = "polling"
	TimestampKernelSoftware = "kernel-software"
	TimestampKernelHardware = "kernel-hardware"
)

// defaults holds the fallbacks applied for options a deployment may
// omit.
func defaults() Config {
	return Config{
		IdleTimeMs:                       50,
		CanTimestampType:                 TimestampPolling,
		PersistencyUploadRetryIntervalMs: 5000,
		CheckinIntervalMs:                5000,
		PersistencePath:                  "edgeagent.db",
		DiscoveryWindowMs:                1000,
	}
}

// Load reads and validates a Config from a YAML file, applying defaults
// for any option the file omits.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants a malformed deployment config
// might violate.
func (c *Config) Validate() error {
	switch c.CanTimestampType {
	case TimestampPolling, TimestampKernelSoftware, TimestampKernelHardware:
	default:
		return fmt.Errorf("config: unrecognized can_timestamp_type %q", c.CanTimestampType)
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("config: at least one interface is required")
	}
	seen := map[uint32]bool{}
	for _, iface := range c.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("config: interface with empty name")
		}
		if seen[iface.NumericID] {
			return fmt.Errorf("config: duplicate interface numeric_id %d", iface.NumericID)
		}
		seen[iface.NumericID] = true
	}
	return nil
}

// PidRequestInterval returns the configured PID polling interval, or 0
// if disabled.
func (c *Config) PidRequestInterval() time.Duration {
	if c.PidRequestIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PidRequestIntervalSeconds) * time.Second
}

// DtcRequestInterval returns the configured DTC polling interval, or 0
// if disabled.
func (c *Config) DtcRequestInterval() time.Duration {
	if c.DtcRequestIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.DtcRequestIntervalSeconds) * time.Second
}

// IdleTime returns the configured Raw Frame Reader idle wait duration.
func (c *Config) IdleTime() time.Duration {
	return time.Duration(c.IdleTimeMs) * time.Millisecond
}

// PersistencyUploadRetryInterval returns the Sender Worker's retry tick
// interval.
func (c *Config) PersistencyUploadRetryInterval() time.Duration {
	return time.Duration(c.PersistencyUploadRetryIntervalMs) * time.Millisecond
}

// CheckinInterval returns the Checkin Emitter's minimum re-emit
// interval.
func (c *Config) CheckinInterval() time.Duration {
	return time.Duration(c.CheckinIntervalMs) * time.Millisecond
}

// DiscoveryWindow returns the OBD Transactor's ECU discovery window.
func (c *Config) DiscoveryWindow() time.Duration {
	return time.Duration(c.DiscoveryWindowMs) * time.Millisecond
}
