// Package config holds the runtime's tunables and the logger constructor
// every other package is handed at startup, generalized from the teacher's
// CLI-oriented Config (scan/device timeouts, output format) to the
// distributed-actor runtime's connection/reassembly/RPC knobs (spec §6
// "Configuration").
package config

import (
	"fmt"
	"os"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleactor/internal/connmgr"
)

// Config holds every tunable the runtime reads at construction time (spec
// §6). Scalar defaults are applied via mcuadros/go-defaults struct tags,
// the same library the example pack uses for config structs, instead of a
// hand-written default literal.
type Config struct {
	// LogLevel is derived from LogLevelName after defaulting/loading; it
	// has no direct yaml tag because logrus.Level does not implement
	// yaml.Unmarshaler.
	LogLevel     logrus.Level `yaml:"-"`
	LogLevelName string       `yaml:"logging_minimum_level" default:"info"`

	AllowDuplicatesInScan bool `yaml:"allow_duplicates_in_scan" default:"false"`

	// time.Duration's Kind is int64, so go-defaults needs a nanosecond
	// literal in the tag rather than a duration string like "5s".
	DefaultRPCTimeout         time.Duration `yaml:"default_rpc_timeout" default:"5000000000"`
	ReassemblyTimeout         time.Duration `yaml:"reassembly_timeout" default:"10000000000"`
	MaxPendingCallsPerRuntime int           `yaml:"max_pending_calls_per_runtime" default:"256"`

	ScanTimeout time.Duration `yaml:"scan_timeout" default:"10000000000"`

	// DefaultReconnectionPolicy is not defaulted via struct tag: it is
	// itself a nested struct with its own defaulting rules, covered by
	// connmgr.DefaultPolicy.
	DefaultReconnectionPolicy connmgr.Policy `yaml:"default_reconnection_policy"`
}

// DefaultConfig returns a Config with every scalar field populated from its
// `default` struct tag and the reconnection policy from connmgr.DefaultPolicy.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.DefaultReconnectionPolicy = connmgr.DefaultPolicy()
	cfg.LogLevel = mustParseLevel(cfg.LogLevelName)
	return cfg
}

// LoadYAML reads a YAML document from path over a DefaultConfig, so a
// partial file only overrides the keys it names.
func LoadYAML(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	lvl, err := logrus.ParseLevel(cfg.LogLevelName)
	if err != nil {
		return nil, fmt.Errorf("config: invalid logging_minimum_level %q: %w", cfg.LogLevelName, err)
	}
	cfg.LogLevel = lvl
	return cfg, nil
}

func mustParseLevel(name string) logrus.Level {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance, preserving the teacher's
// structured logrus.TextFormatter convention.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
