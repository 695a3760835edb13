// control/store.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with atomic snapshot and reload listeners.

package control

import (
	"sync"

	"github.com/containerd/log"
)

// ConfigStore holds the live Config and notifies listeners on change.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func(old, cur Config)
}

// NewConfigStore initializes a store with cfg, which must be valid.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// Snapshot returns the current config.
func (cs *ConfigStore) Snapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// GetSnapshot returns the current config as a generic map.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	return cs.Snapshot().Map()
}

// Update validates cfg, swaps it in and runs listeners synchronously.
// An invalid cfg leaves the store untouched.
func (cs *ConfigStore) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	old := cs.config
	cs.config = cfg
	listeners := append([]func(old, cur Config){}, cs.listeners...)
	cs.mu.Unlock()

	log.L.WithField("config", cfg.Name).Info("configuration reloaded")
	for _, fn := range listeners {
		fn(old, cfg)
	}
	return nil
}

// OnReload registers a listener called after every successful Update.
func (cs *ConfigStore) OnReload(fn func(old, cur Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
