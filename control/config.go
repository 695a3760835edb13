// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Dataplane configuration: YAML file format, defaults and validation.

package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-tuner/api"
)

// Limits are the hot-reloadable read-path ceilings.
type Limits struct {
	MaxBuffers int           `yaml:"max_buffers"`
	MaxTimeout time.Duration `yaml:"max_timeout"`
	MaxQueued  int           `yaml:"max_queued"`
}

// PoolConfig sizes the dataplane pools.
type PoolConfig struct {
	SlabElements int `yaml:"slab_elements"`
	Channels     int `yaml:"channels"`
	Sinks        int `yaml:"sinks"`
	Waiters      int `yaml:"waiters"`
	Datagrams    int `yaml:"datagrams"`
}

// Config is the complete dataplane configuration.
type Config struct {
	Name         string     `yaml:"name"`
	MaxChannels  int        `yaml:"max_channels"`
	DatagramSize int        `yaml:"datagram_size"`
	LogLevel     string     `yaml:"log_level"`
	Limits       Limits     `yaml:"limits"`
	Pools        PoolConfig `yaml:"pools"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Name:         "tuner",
		MaxChannels:  64,
		DatagramSize: 1316,
		LogLevel:     "info",
		Limits: Limits{
			MaxBuffers: 64,
			MaxTimeout: 10 * time.Second,
			MaxQueued:  256,
		},
		Pools: PoolConfig{
			SlabElements: 64,
			Channels:     64,
			Sinks:        128,
			Waiters:      64,
			Datagrams:    8192,
		},
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	checks := []struct {
		field string
		ok    bool
	}{
		{"name", c.Name != ""},
		{"max_channels", c.MaxChannels > 0},
		{"datagram_size", c.DatagramSize > 0},
		{"limits.max_buffers", c.Limits.MaxBuffers > 0},
		{"limits.max_timeout", c.Limits.MaxTimeout > 0},
		{"limits.max_queued", c.Limits.MaxQueued > 0},
		{"pools.slab_elements", c.Pools.SlabElements > 0},
		{"pools.channels", c.Pools.Channels >= c.MaxChannels},
		{"pools.sinks", c.Pools.Sinks >= c.Pools.Channels},
		{"pools.waiters", c.Pools.Waiters > 0},
		{"pools.datagrams", c.Pools.Datagrams > 0},
	}
	for _, chk := range checks {
		if !chk.ok {
			return api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).WithContext("field", chk.field)
		}
	}
	return nil
}

// Parse decodes YAML over the defaults, so omitted keys keep their default
// values. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w: %w", api.ErrInvalidArgs, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Map renders the config as a generic map keyed like the YAML file.
func (c Config) Map() map[string]any {
	out := make(map[string]any)
	data, err := yaml.Marshal(c)
	if err == nil {
		err = yaml.Unmarshal(data, &out)
	}
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}
