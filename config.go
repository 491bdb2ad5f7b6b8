package osdg

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config holds the settings an embedder supplies once, at Client
// construction. Grounded on the yaml-tagged, Validate()-checked config
// pattern this pack's only dependency-bearing repo (PalanQu-ceremonyclient)
// uses for its node configuration.
type Config struct {
	// BufferSize is the per-Connection receive buffer size, in bytes. Must
	// be large enough to hold the largest COOK packet (spec §4.1).
	BufferSize int `yaml:"bufferSize"`

	// DialTimeout bounds each endpoint connection attempt.
	DialTimeout time.Duration `yaml:"dialTimeout"`

	// GridEndpoints are candidate addresses tried, in order, when
	// connecting to the rendezvous grid.
	GridEndpoints []string `yaml:"gridEndpoints"`

	// Logger receives structured diagnostics from the Client, its
	// EventLoop, and every Connection it creates. Defaults to a no-op
	// logger when nil.
	Logger *zap.Logger `yaml:"-"`
}

// DefaultBufferSize comfortably holds the largest packet in the exchange
// (a grid-mode VOCH, with its certificate record) with headroom to spare.
const DefaultBufferSize = 4096

// DefaultDialTimeout is used when Config.DialTimeout is zero.
const DefaultDialTimeout = 10 * time.Second

// LoadConfig reads a YAML-encoded Config from path and validates it. This
// is the entry point an embedder that keeps its own config file alongside
// OSDG's settings is expected to call, per SPEC_FULL.md §2's note that
// OSDG has no daemon-style config file of its own.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "osdg: read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "osdg: parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks Config for internal consistency and fills in defaults
// for zero-valued fields that have one.
func (cfg *Config) Validate() error {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize < 256 {
		return errors.New("osdg: bufferSize too small to hold a COOK packet")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.DialTimeout < 0 {
		return errors.New("osdg: dialTimeout must not be negative")
	}
	if len(cfg.GridEndpoints) == 0 {
		return errors.New("osdg: at least one grid endpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return nil
}
