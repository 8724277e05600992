package config

import (
	"context"
	"sync"

	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

type ContextKey string

const ManagerCtxKey ContextKey = "config_manager"

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// ContextWithManager stores the configuration manager in the context.
func ContextWithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, ManagerCtxKey, m)
}

// ManagerFromContext returns the attached manager, or a lazily loaded default
// manager built from defaults and environment variables.
func ManagerFromContext(ctx context.Context) *Manager {
	if ctx != nil {
		if m, ok := ctx.Value(ManagerCtxKey).(*Manager); ok && m != nil {
			return m
		}
	}
	defaultManagerOnce.Do(func() {
		m := NewManager(NewService())
		if _, err := m.Load(ctx); err != nil {
			logger.FromContext(ctx).Warn("Failed to load default configuration, using built-in defaults", "error", err)
			m.current.Store(Default())
		}
		defaultManager = m
	})
	return defaultManager
}

// FromContext returns the active configuration for ctx.
func FromContext(ctx context.Context) *Config {
	return ManagerFromContext(ctx).Get()
}
