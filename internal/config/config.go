// Package config loads the rudp command line configuration.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/rudp"
)

// Config holds the rudp CLI configuration.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr"`
	BufferSize        int           `yaml:"buffer_size"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	GapTimeout        time.Duration `yaml:"gap_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	Debug             bool          `yaml:"debug"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddr:        ":7777",
		BufferSize:        rudp.DefaultBufferSize,
		RetryInterval:     time.Second,
		MaxRetries:        10,
		GapTimeout:        2 * time.Second,
		KeepaliveInterval: 10 * time.Second,
	}
}

// Load reads the configuration from the given YAML file path.
// If path is empty or the file does not exist, it returns the defaults
// with no error. Keys missing from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the protocol cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.BufferSize < 16:
		return errors.Errorf("buffer_size %d is too small", c.BufferSize)
	case c.RetryInterval <= 0:
		return errors.Errorf("retry_interval must be positive, got %s", c.RetryInterval)
	case c.MaxRetries <= 0:
		return errors.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	case c.GapTimeout <= 0:
		return errors.Errorf("gap_timeout must be positive, got %s", c.GapTimeout)
	case c.KeepaliveInterval <= 0:
		return errors.Errorf("keepalive_interval must be positive, got %s", c.KeepaliveInterval)
	case c.ShutdownTimeout < 0:
		return errors.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	return nil
}

// Options converts the protocol settings to library options.
func (c *Config) Options() []rudp.Option {
	return []rudp.Option{
		rudp.BufferSizeOption(c.BufferSize),
		rudp.RetryOption(c.RetryInterval, c.MaxRetries),
		rudp.GapTimeoutOption(c.GapTimeout),
		rudp.KeepaliveOption(c.KeepaliveInterval),
		rudp.ShutdownTimeoutOption(c.ShutdownTimeout),
	}
}
