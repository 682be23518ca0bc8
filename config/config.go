// Package config handles llst.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the parsed llst.toml runtime configuration.
type Config struct {
	Image       Image       `toml:"image"`
	Heap        Heap        `toml:"heap"`
	Interpreter Interpreter `toml:"interpreter"`
	Telemetry   Telemetry   `toml:"telemetry"`
	Log         Log         `toml:"log"`
}

// Image locates the image file to boot from.
type Image struct {
	Path string `toml:"path"`
}

// Heap sizes the arena and selects the collector.
type Heap struct {
	SizeKB    int    `toml:"size-kb"`
	Collector string `toml:"collector"` // "generational" or "baker"
}

// Interpreter configures the execution loop.
type Interpreter struct {
	// TickSlice is the bytecode budget per Execute call; the host loop
	// resumes expired processes until they return.
	TickSlice uint32 `toml:"tick-slice"`
}

// Telemetry configures the optional snapshot recorder.
type Telemetry struct {
	Path string `toml:"path"` // sqlite database; empty disables recording
}

// Log configures verbosity for the commonlog backend.
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Collector names accepted in [heap].
const (
	CollectorGenerational = "generational"
	CollectorBaker        = "baker"
)

var ErrUnknownCollector = errors.New("config: unknown collector")

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Heap: Heap{
			SizeKB:    8192,
			Collector: CollectorGenerational,
		},
		Interpreter: Interpreter{
			TickSlice: 100000,
		},
	}
}

// Load parses an llst.toml file, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the runtime would reject.
func (c *Config) Validate() error {
	switch c.Heap.Collector {
	case CollectorGenerational, CollectorBaker:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCollector, c.Heap.Collector)
	}
	if c.Heap.SizeKB <= 0 {
		return fmt.Errorf("config: heap size must be positive, got %d", c.Heap.SizeKB)
	}
	if c.Interpreter.TickSlice == 0 {
		return errors.New("config: tick-slice must be positive")
	}
	return nil
}
