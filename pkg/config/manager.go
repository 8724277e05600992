package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// Manager holds the active configuration and swaps it atomically on reload.
type Manager struct {
	Service    Service
	current    atomic.Value // stores *Config
	sources    []Source
	callbacks  []func(*Config)
	callbackMu sync.RWMutex
	reloadMu   sync.Mutex
	closeOnce  sync.Once
	debounce   time.Duration
}

// NewManager creates a new configuration manager.
func NewManager(service Service) *Manager {
	if service == nil {
		service = NewService()
	}
	return &Manager{
		Service:  service,
		debounce: 100 * time.Millisecond,
	}
}

// Load loads configuration from sources and remembers them for Reload.
func (m *Manager) Load(ctx context.Context, sources ...Source) (*Config, error) {
	m.reloadMu.Lock()
	m.sources = append([]Source(nil), sources...)
	m.reloadMu.Unlock()
	config, err := m.Service.Load(ctx, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	m.applyConfig(config)
	return config, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	config, ok := m.current.Load().(*Config)
	if !ok {
		return nil
	}
	return config
}

// Reload re-reads every source. The previous configuration stays active on error.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	config, err := m.Service.Load(ctx, m.sources...)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	m.applyConfig(config)
	return nil
}

// SetDebounce sets the delay between a file event and the reload it triggers.
func (m *Manager) SetDebounce(d time.Duration) {
	m.debounce = d
}

// OnChange registers a callback invoked after a configuration change is applied.
func (m *Manager) OnChange(callback func(*Config)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Watch enables hot reload for every source that supports it.
func (m *Manager) Watch(ctx context.Context) {
	log := logger.FromContext(ctx)
	m.reloadMu.Lock()
	sources := append([]Source(nil), m.sources...)
	m.reloadMu.Unlock()
	for _, source := range sources {
		if source == nil {
			continue
		}
		err := source.Watch(ctx, func() {
			if m.debounce > 0 {
				time.Sleep(m.debounce)
			}
			if err := m.Reload(ctx); err != nil {
				log.Error("Failed to reload configuration", "error", err)
				return
			}
			log.Info("Configuration reloaded", "source", source.Type())
		})
		if err != nil {
			log.Debug("Source does not support watching", "source", source.Type(), "error", err)
		}
	}
}

// Close releases all sources.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.reloadMu.Lock()
		sources := append([]Source(nil), m.sources...)
		m.reloadMu.Unlock()
		for _, source := range sources {
			if source == nil {
				continue
			}
			if err := source.Close(); err != nil {
				logger.FromContext(ctx).Error("Failed to close configuration source", "error", err)
			}
		}
	})
	return nil
}

func (m *Manager) applyConfig(config *Config) {
	old := m.Get()
	m.current.Store(config)
	if old != nil && reflect.DeepEqual(old, config) {
		return
	}
	m.callbackMu.RLock()
	callbacks := make([]func(*Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbackMu.RUnlock()
	for _, callback := range callbacks {
		if callback != nil {
			callback(config)
		}
	}
}
