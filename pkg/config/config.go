package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/remote"
	"github.com/srg/blectl/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"10s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"5s"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" default:"5s"`

	// HM-10 style serial module: one characteristic carries commands and replies
	ServiceUUID          string `yaml:"service_uuid" default:"ffe0"`
	CommandCharUUID      string `yaml:"command_char_uuid" default:"ffe1"`
	NotifyCharUUID       string `yaml:"notify_char_uuid" default:"ffe1"`
	WriteWithoutResponse bool   `yaml:"write_without_response" default:"false"`

	EventPolicy  string `yaml:"event_policy" default:"unbounded"` // unbounded, drop-oldest
	EventBuffer  int    `yaml:"event_buffer" default:"256"`
	DataLogLimit int    `yaml:"data_log_limit" default:"500"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and UUID formats
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":   c.ConnectTimeout,
		"discovery_timeout": c.DiscoveryTimeout,
		"operation_timeout": c.OperationTimeout,
		"drain_timeout":     c.DrainTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if _, err := c.CommandChar(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.NotifyChar(); err != nil {
		errs = append(errs, err)
	}
	if _, err := session.ParsePolicy(c.EventPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.EventBuffer < 0 {
		errs = append(errs, errors.New("event_buffer must not be negative"))
	}
	if c.DataLogLimit <= 0 {
		errs = append(errs, errors.New("data_log_limit must be positive"))
	}

	return errors.Join(errs...)
}

// Level returns the configured log level, InfoLevel if it does not parse
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// CommandChar is the characteristic commands are written to
func (c *Config) CommandChar() (session.CharacteristicID, error) {
	id, err := session.NewCharacteristicID(c.ServiceUUID, c.CommandCharUUID)
	if err != nil {
		return session.CharacteristicID{}, fmt.Errorf("command characteristic: %w", err)
	}
	return id, nil
}

// NotifyChar is the characteristic replies arrive on
func (c *Config) NotifyChar() (session.CharacteristicID, error) {
	id, err := session.NewCharacteristicID(c.ServiceUUID, c.NotifyCharUUID)
	if err != nil {
		return session.CharacteristicID{}, fmt.Errorf("notify characteristic: %w", err)
	}
	return id, nil
}

// SessionOptions converts the configuration into session manager options.
// Both characteristics are required; the notify characteristic is auto-subscribed.
func (c *Config) SessionOptions() (*session.Options, error) {
	cmd, err := c.CommandChar()
	if err != nil {
		return nil, err
	}
	notify, err := c.NotifyChar()
	if err != nil {
		return nil, err
	}
	policy, err := session.ParsePolicy(c.EventPolicy)
	if err != nil {
		return nil, err
	}

	required := []session.CharacteristicID{cmd}
	if notify != cmd {
		required = append(required, notify)
	}

	return &session.Options{
		Required:         required,
		AutoSubscribe:    []session.CharacteristicID{notify},
		ConnectTimeout:   c.ConnectTimeout,
		DiscoveryTimeout: c.DiscoveryTimeout,
		OperationTimeout: c.OperationTimeout,
		DrainTimeout:     c.DrainTimeout,
		EventPolicy:      policy,
		EventBuffer:      c.EventBuffer,
	}, nil
}

// RemoteOptions converts the configuration into remote controller options
func (c *Config) RemoteOptions() (remote.Options, error) {
	cmd, err := c.CommandChar()
	if err != nil {
		return remote.Options{}, err
	}
	notify, err := c.NotifyChar()
	if err != nil {
		return remote.Options{}, err
	}
	return remote.Options{
		CommandChar:     cmd,
		NotifyChar:      notify,
		WithoutResponse: c.WriteWithoutResponse,
		DataLogLimit:    c.DataLogLimit,
	}, nil
}
