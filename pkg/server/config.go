package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homelab-tools/dockmaster/pkg/daemon"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/hardware"
	"github.com/homelab-tools/dockmaster/pkg/monitoring"
)

// Config is the top-level configuration file structure.
type Config struct {
	Server   ServerOptions   `yaml:"server"`
	Daemon   DaemonOptions   `yaml:"daemon"`
	Health   HealthOptions   `yaml:"health"`
	State    StateOptions    `yaml:"state"`
	Hardware HardwareOptions `yaml:"hardware"`
}

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level,omitempty"`
}

// DaemonOptions configures the runtime gateway.
type DaemonOptions struct {
	RequestTimeout time.Duration      `yaml:"request_timeout,omitempty"`
	PullTimeout    time.Duration      `yaml:"pull_timeout,omitempty"`
	StopGrace      time.Duration      `yaml:"stop_grace,omitempty"`
	Retry          daemon.RetryPolicy `yaml:"retry,omitempty"`
}

// HealthOptions configures the health monitor.
type HealthOptions struct {
	Interval         time.Duration `yaml:"interval,omitempty"`
	CheckTimeout     time.Duration `yaml:"check_timeout,omitempty"`
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	MaxConcurrent    int           `yaml:"max_concurrent,omitempty"`
}

// StateOptions configures persistence of the managed set.
type StateOptions struct {
	File string `yaml:"file"`
}

// HardwareOptions overrides hardware detection. Profile, when set,
// forces a named capacity tier regardless of what detection found.
type HardwareOptions struct {
	Profile string `yaml:"profile,omitempty"`
}

// LoadConfigFromFile loads engine configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 8099
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = "info"
	}

	gatewayDefaults := daemon.DefaultConfig()
	if config.Daemon.RequestTimeout == 0 {
		config.Daemon.RequestTimeout = gatewayDefaults.RequestTimeout
	}
	if config.Daemon.PullTimeout == 0 {
		config.Daemon.PullTimeout = gatewayDefaults.PullTimeout
	}
	if config.Daemon.StopGrace == 0 {
		config.Daemon.StopGrace = gatewayDefaults.StopGrace
	}

	retryDefaults := daemon.DefaultRetryPolicy()
	if config.Daemon.Retry.MaxAttempts == 0 {
		config.Daemon.Retry.MaxAttempts = retryDefaults.MaxAttempts
	}
	if config.Daemon.Retry.InitialDelay == 0 {
		config.Daemon.Retry.InitialDelay = retryDefaults.InitialDelay
	}
	if config.Daemon.Retry.BackoffRate == 0 {
		config.Daemon.Retry.BackoffRate = retryDefaults.BackoffRate
	}

	monitorDefaults := monitoring.DefaultOptions()
	if config.Health.Interval == 0 {
		config.Health.Interval = monitorDefaults.Interval
	}
	if config.Health.CheckTimeout == 0 {
		config.Health.CheckTimeout = monitorDefaults.CheckTimeout
	}
	if config.Health.FailureThreshold == 0 {
		config.Health.FailureThreshold = monitorDefaults.FailureThreshold
	}
	if config.Health.MaxConcurrent == 0 {
		config.Health.MaxConcurrent = monitorDefaults.MaxConcurrent
	}

	if config.State.File == "" {
		config.State.File = "dockmaster-state.yaml"
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid port number: %d", config.Server.Port), nil,
		).WithContext("valid_range", "1-65535")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Server.LogLevel] {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", config.Server.LogLevel), nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	for name, timeout := range map[string]time.Duration{
		"daemon request_timeout": config.Daemon.RequestTimeout,
		"daemon pull_timeout":    config.Daemon.PullTimeout,
		"daemon stop_grace":      config.Daemon.StopGrace,
		"health interval":        config.Health.Interval,
		"health check_timeout":   config.Health.CheckTimeout,
	} {
		if timeout <= 0 {
			return errors.NewValidationError(name+" must be positive", nil)
		}
	}

	if config.Daemon.Retry.MaxAttempts < 1 {
		return errors.NewValidationError("daemon retry max_attempts must be at least 1", nil)
	}
	if config.Daemon.Retry.BackoffRate < 1.0 {
		return errors.NewValidationError("daemon retry backoff_rate must be at least 1.0", nil)
	}
	if config.Health.FailureThreshold < 1 {
		return errors.NewValidationError("health failure_threshold must be at least 1", nil)
	}
	if config.Health.MaxConcurrent < 1 {
		return errors.NewValidationError("health max_concurrent must be at least 1", nil)
	}
	if config.State.File == "" {
		return errors.NewValidationError("state file path cannot be empty", nil)
	}
	if config.Hardware.Profile != "" && !hardware.IsTier(config.Hardware.Profile) {
		return errors.NewValidationError(
			fmt.Sprintf("unknown hardware profile: %s", config.Hardware.Profile), nil,
		).WithContext("valid_profiles", "minimal, small, medium, large")
	}

	return nil
}

// ValidateConfigFile validates a configuration file without running the
// engine. Useful for CI and pre-deploy checks.
func ValidateConfigFile(filename string) error {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return err
	}
	return ValidateConfig(config)
}
