package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecentral/internal/central"
)

// TransportDefault selects the platform go-ble radio.
const TransportDefault = "default"

// Config holds application configuration
type Config struct {
	LogLevel         string        `yaml:"log_level" default:"warn"`
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"0s"`
	WriteChunkSize   int           `yaml:"write_chunk_size" default:"20"`
	EventBuffer      int           `yaml:"event_buffer" default:"128"`
	// NotificationBuffer is the batch size of CLI subscriptions. 1 delivers every value as it arrives.
	NotificationBuffer int    `yaml:"notification_buffer" default:"1"`
	Transport          string `yaml:"transport" default:"default"`
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch {
	case c.ScanTimeout < 0:
		return fmt.Errorf("scan_timeout must not be negative, got %s", c.ScanTimeout)
	case c.ConnectTimeout < 0:
		return fmt.Errorf("connect_timeout must not be negative, got %s", c.ConnectTimeout)
	case c.OperationTimeout < 0:
		return fmt.Errorf("operation_timeout must not be negative, got %s", c.OperationTimeout)
	case c.WriteChunkSize <= 0:
		return fmt.Errorf("write_chunk_size must be positive, got %d", c.WriteChunkSize)
	case c.EventBuffer <= 0:
		return fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer)
	case c.NotificationBuffer <= 0:
		return fmt.Errorf("notification_buffer must be positive, got %d", c.NotificationBuffer)
	case c.Transport != TransportDefault:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	return nil
}

// Level returns the parsed log level, falling back to warn.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.WarnLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())
	logger.SetOutput(os.Stderr)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ControllerOptions converts the configuration into controller options using logger.
func (c *Config) ControllerOptions(logger *logrus.Logger) central.Options {
	return central.Options{
		ConnectTimeout:   c.ConnectTimeout,
		OperationTimeout: c.OperationTimeout,
		WriteChunkSize:   c.WriteChunkSize,
		EventBuffer:      c.EventBuffer,
		Logger:           logger,
	}
}
