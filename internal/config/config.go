// Package config provides configuration management for the rootbridge daemon.
// It uses koanf v2 to load configuration from a YAML file.
//
// Configuration is loaded from /data/adb/rootbridge/config.yaml by default.
// Every field is optional; a missing config file simply yields the defaults,
// because the daemon must come up on a freshly flashed device before anyone
// had a chance to write a config.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPath is the default location for the daemon configuration file.
const DefaultConfigPath = "/data/adb/rootbridge/config.yaml"

// DefaultSocketPath is where the companion socket is created unless overridden.
const DefaultSocketPath = "/data/adb/rootbridge/daemon.sock"

// Provider override values accepted in the "provider" field.
const (
	ProviderAuto     = "auto"
	ProviderAPatch   = "apatch"
	ProviderKernelSU = "kernelsu"
	ProviderMagisk   = "magisk"
	ProviderNone     = "none"
)

// Config holds the daemon configuration loaded from the YAML config file.
type Config struct {
	// SocketPath is the Unix socket the companion query service listens on.
	// Default: /data/adb/rootbridge/daemon.sock.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// LogLevel controls the verbosity of daemon logging.
	// Valid values: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// Provider forces the root provider instead of probing for one.
	// Valid values: "auto", "apatch", "kernelsu", "magisk", "none".
	// Default: "auto". Forcing is meant for debugging broken detection;
	// "none" disables all authorization (every query denies).
	Provider string `koanf:"provider" yaml:"provider"`
}

// Validation errors returned by Load.
var (
	// ErrInvalidProvider is returned when the provider field is not one of
	// the accepted override values.
	ErrInvalidProvider = errors.New(`provider must be one of "auto", "apatch", "kernelsu", "magisk", "none"`)
)

// Load reads configuration from the specified YAML file path.
// A missing file is not an error: defaults are returned. Any other read or
// parse failure is surfaced, since a present-but-broken config likely means
// the operator made a typo and silently ignoring it would be confusing.
func Load(path string) (*Config, error) {
	var cfg Config

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration fields.
func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Provider == "" {
		c.Provider = ProviderAuto
	}
}

// validate checks that configuration fields hold accepted values.
func (c *Config) validate() error {
	switch c.Provider {
	case ProviderAuto, ProviderAPatch, ProviderKernelSU, ProviderMagisk, ProviderNone:
		return nil
	default:
		return ErrInvalidProvider
	}
}
