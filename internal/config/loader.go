package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".frplauncher"
	ConfigFileName = "frplauncher.json"
	EnvPrefix      = "FRPL"
)

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads configuration from file, environment, and defaults.
// Flags bound to viper by the CLI and FRPL_* variables override the file.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	setupViper()

	configPath := viper.GetString("config")
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else {
		dataDir := viper.GetString("data-dir")
		found, _, err := findAndLoadConfigFile(dataDir, cfg)
		if err != nil && found {
			return nil, err
		}

		if !found {
			if cfg.DataDir == "" {
				cfg.DataDir = dataDir
			}
			if err := resolveDataDir(cfg); err != nil {
				return nil, err
			}
			defaultConfigPath := filepath.Join(cfg.DataDir, ConfigFileName)
			if err := SaveConfig(DefaultConfigFor(cfg.DataDir), defaultConfigPath); err != nil {
				return nil, fmt.Errorf("failed to create default config file: %w", err)
			}
		}
	}

	applyViperOverrides(cfg)

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if err := resolveDataDir(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// resolveDataDir defaults the data directory to ~/.frplauncher and creates it.
func resolveDataDir(cfg *Config) error {
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	return nil
}

func setupViper() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()

	// Replace - and . with _ for environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.SetDefault("config", "")
	viper.SetDefault("data-dir", "")
}

// applyViperOverrides copies explicitly set flags and environment variables
// over the file values.
func applyViperOverrides(cfg *Config) {
	if viper.IsSet("listen") {
		cfg.Listen = viper.GetString("listen")
	}
	if viper.IsSet("data-dir") && viper.GetString("data-dir") != "" {
		cfg.DataDir = viper.GetString("data-dir")
	}
	if viper.IsSet("frpc-path") {
		cfg.FrpcPath = viper.GetString("frpc-path")
	}
	if viper.IsSet("api-url") {
		if cfg.API == nil {
			cfg.API = DefaultConfig().API
		}
		cfg.API.BaseURL = viper.GetString("api-url")
	}
	if viper.IsSet("guard") {
		if cfg.Guard == nil {
			cfg.Guard = DefaultConfig().Guard
		}
		cfg.Guard.Enabled = viper.GetBool("guard")
	}
	if viper.IsSet("log-level") || viper.IsSet("log-to-file") {
		if cfg.Logging == nil {
			cfg.Logging = DefaultConfig().Logging
		}
		if viper.IsSet("log-level") {
			cfg.Logging.Level = viper.GetString("log-level")
		}
		if viper.IsSet("log-to-file") {
			cfg.Logging.EnableFile = viper.GetBool("log-to-file")
		}
	}
}

func findAndLoadConfigFile(dataDir string, cfg *Config) (found bool, path string, err error) {
	var locations []string
	if dataDir != "" {
		locations = append(locations, filepath.Join(dataDir, ConfigFileName))
	}
	locations = append(locations, ConfigFileName)
	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return true, location, loadConfigFile(location, cfg)
		}
	}
	return false, "", nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Empty file (including /dev/null) is treated as no configuration
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// DefaultConfigFor returns the default configuration rooted at dataDir.
func DefaultConfigFor(dataDir string) *Config {
	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	return cfg
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a temp file first so a crash never leaves a truncated config.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// ResolvePath makes p absolute relative to the data directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
