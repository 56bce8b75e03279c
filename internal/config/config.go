// Package config holds the CLI configuration, loaded from an optional YAML
// file with struct-tag defaults filling the gaps.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel         string        `yaml:"log_level" default:"info"`
	ScanDuration     time.Duration `yaml:"scan_duration" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`
}

// Default returns the configuration defaults.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the config file at path, or the defaults when path is empty
// and no file exists at the standard location (~/.bleman.yaml).
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), nil
		}
		path = filepath.Join(home, ".bleman.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// ParseLogLevel converts the configured log level to a logrus level.
func (c *Config) ParseLogLevel() (logrus.Level, error) {
	switch c.LogLevel {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
}
