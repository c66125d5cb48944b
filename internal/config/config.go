package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultListen = "127.0.0.1:7711"
	defaultAPIURL = "https://cf-v2.uapis.cn"
)

// Config represents the main configuration structure
type Config struct {
	Listen   string `json:"listen" mapstructure:"listen"`
	DataDir  string `json:"data_dir" mapstructure:"data-dir"`
	FrpcPath string `json:"frpc_path,omitempty" mapstructure:"frpc-path"`

	API           *APIConfig          `json:"api,omitempty" mapstructure:"api"`
	Engine        *EngineConfig       `json:"engine,omitempty" mapstructure:"engine"`
	Guard         *GuardConfig        `json:"guard,omitempty" mapstructure:"guard"`
	AutoStart     *AutoStartConfig    `json:"autostart,omitempty" mapstructure:"autostart"`
	Notifications *NotificationConfig `json:"notifications,omitempty" mapstructure:"notifications"`
	CustomTunnels []*CustomTunnel     `json:"custom_tunnels,omitempty" mapstructure:"custom-tunnels"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
	// TunnelFiles writes each tunnel's frpc output to its own file.
	TunnelFiles bool `json:"tunnel_files" mapstructure:"tunnel-files"`
}

// APIConfig points at the ChmlFrp web API.
type APIConfig struct {
	BaseURL     string   `json:"base_url" mapstructure:"base-url"`
	OfflinePath string   `json:"offline_path,omitempty" mapstructure:"offline-path"`
	Timeout     Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// EngineConfig holds the progress, recovery and reconciliation timings.
type EngineConfig struct {
	StallTimeout         Duration `json:"stall_timeout"`
	FlashDuration        Duration `json:"flash_duration"`
	ConflictTTL          Duration `json:"conflict_ttl"`
	SettleDelay          Duration `json:"settle_delay"`
	StopGrace            Duration `json:"stop_grace"`
	RecoveryPollInterval Duration `json:"recovery_poll_interval"`
	RecoveryPollWindow   Duration `json:"recovery_poll_window"`
	ReconcileInterval    Duration `json:"reconcile_interval"`
	ProcessStopTimeout   Duration `json:"process_stop_timeout"`
}

// GuardConfig configures the frpc process guard.
type GuardConfig struct {
	Enabled      bool     `json:"enabled" mapstructure:"enabled"`
	Interval     Duration `json:"interval,omitempty"`
	RestartDelay Duration `json:"restart_delay,omitempty"`
}

// AutoStartConfig configures tunnel auto-start at launch.
type AutoStartConfig struct {
	Enabled      bool     `json:"enabled" mapstructure:"enabled"`
	InitialDelay Duration `json:"initial_delay"`
	Spacing      Duration `json:"spacing"`
	SlotTimeout  Duration `json:"slot_timeout"`
}

// NotificationConfig configures user notifications.
type NotificationConfig struct {
	Desktop bool `json:"desktop" mapstructure:"desktop"`
}

// CustomTunnel is a tunnel started from a local frpc configuration file.
type CustomTunnel struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	ConfigFile string `json:"config_file"`
}

// Duration is a time.Duration written as "10s" in the config file.
// Plain numbers are read as nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// DefaultEngineConfig returns the launcher's standard timings.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		StallTimeout:         Duration(10 * time.Second),
		FlashDuration:        Duration(2 * time.Second),
		ConflictTTL:          Duration(5 * time.Minute),
		SettleDelay:          Duration(8 * time.Second),
		StopGrace:            Duration(500 * time.Millisecond),
		RecoveryPollInterval: Duration(2 * time.Second),
		RecoveryPollWindow:   Duration(20 * time.Second),
		ReconcileInterval:    Duration(5 * time.Second),
		ProcessStopTimeout:   Duration(5 * time.Second),
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaultListen,
		DataDir: "", // Will be set to ~/.frplauncher by loader

		API: &APIConfig{
			BaseURL:     defaultAPIURL,
			OfflinePath: "/offline_tunnel",
			Timeout:     Duration(15 * time.Second),
		},
		Engine: DefaultEngineConfig(),
		Guard: &GuardConfig{
			Enabled:      false,
			Interval:     Duration(3 * time.Second),
			RestartDelay: Duration(time.Second),
		},
		AutoStart: &AutoStartConfig{
			Enabled:      true,
			InitialDelay: Duration(time.Second),
			Spacing:      Duration(500 * time.Millisecond),
			SlotTimeout:  Duration(30 * time.Second),
		},
		Notifications: &NotificationConfig{Desktop: true},
		CustomTunnels: []*CustomTunnel{},

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10, // 10MB
			MaxBackups:    5,  // 5 backup files
			MaxAge:        30, // 30 days
			Compress:      true,
			JSONFormat:    false, // Use console format for readability
			TunnelFiles:   true,
		},
	}
}

func defaultDuration(d *Duration, def Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate fills unset values with defaults and rejects inconsistent ones.
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.API == nil {
		c.API = defaults.API
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultAPIURL
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.OfflinePath == "" {
		c.API.OfflinePath = defaults.API.OfflinePath
	}
	defaultDuration(&c.API.Timeout, defaults.API.Timeout)

	if c.Engine == nil {
		c.Engine = defaults.Engine
	}
	e, de := c.Engine, defaults.Engine
	defaultDuration(&e.StallTimeout, de.StallTimeout)
	defaultDuration(&e.FlashDuration, de.FlashDuration)
	defaultDuration(&e.ConflictTTL, de.ConflictTTL)
	defaultDuration(&e.SettleDelay, de.SettleDelay)
	defaultDuration(&e.StopGrace, de.StopGrace)
	defaultDuration(&e.RecoveryPollInterval, de.RecoveryPollInterval)
	defaultDuration(&e.RecoveryPollWindow, de.RecoveryPollWindow)
	defaultDuration(&e.ReconcileInterval, de.ReconcileInterval)
	defaultDuration(&e.ProcessStopTimeout, de.ProcessStopTimeout)
	if e.RecoveryPollInterval > e.RecoveryPollWindow {
		return fmt.Errorf("engine.recovery_poll_interval (%s) exceeds engine.recovery_poll_window (%s)",
			e.RecoveryPollInterval.Std(), e.RecoveryPollWindow.Std())
	}

	if c.Guard == nil {
		c.Guard = defaults.Guard
	}
	defaultDuration(&c.Guard.Interval, defaults.Guard.Interval)
	defaultDuration(&c.Guard.RestartDelay, defaults.Guard.RestartDelay)

	if c.AutoStart == nil {
		c.AutoStart = defaults.AutoStart
	}
	defaultDuration(&c.AutoStart.InitialDelay, defaults.AutoStart.InitialDelay)
	defaultDuration(&c.AutoStart.Spacing, defaults.AutoStart.Spacing)
	defaultDuration(&c.AutoStart.SlotTimeout, defaults.AutoStart.SlotTimeout)

	if c.Notifications == nil {
		c.Notifications = defaults.Notifications
	}
	if c.Logging == nil {
		c.Logging = defaults.Logging
	}

	seen := make(map[int]struct{}, len(c.CustomTunnels))
	for i, ct := range c.CustomTunnels {
		if ct == nil {
			return fmt.Errorf("custom_tunnels[%d] is empty", i)
		}
		if ct.ID <= 0 {
			return fmt.Errorf("custom_tunnels[%d]: id must be positive", i)
		}
		if ct.ConfigFile == "" {
			return fmt.Errorf("custom_tunnels[%d]: config_file is required", i)
		}
		if _, dup := seen[ct.ID]; dup {
			return fmt.Errorf("custom_tunnels[%d]: duplicate id %d", i, ct.ID)
		}
		seen[ct.ID] = struct{}{}
	}

	return nil
}
