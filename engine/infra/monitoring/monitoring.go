package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

const (
	DefaultPath     = "/metrics"
	shutdownTimeout = 5 * time.Second
)

// Config holds configuration for the monitoring service
type Config struct {
	Enabled bool
	Path    string
}

// DefaultConfig returns the disabled configuration
func DefaultConfig() *Config {
	return &Config{Path: DefaultPath}
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	if strings.ContainsRune(c.Path, '?') {
		return errors.New("monitoring path cannot contain query parameters")
	}
	return nil
}

// Service owns the meter provider and the Prometheus registry it exports to.
type Service struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
	config   *Config
}

// NewService creates a monitoring service. A disabled configuration yields a
// no-op meter and a handler that answers 503.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	log := logger.FromContext(ctx)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		log.Debug("Monitoring disabled, using no-op meter")
		return &Service{config: cfg, meter: noop.NewMeterProvider().Meter("skynet")}, nil
	}
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	log.Info("Monitoring service initialized", "path", cfg.Path)
	return &Service{
		meter:    provider.Meter("skynet"),
		provider: provider,
		registry: registry,
		config:   cfg,
	}, nil
}

func (s *Service) Meter() metric.Meter {
	return s.meter
}

func (s *Service) IsInitialized() bool {
	return s.provider != nil
}

// SetAsGlobal installs the provider as the global OpenTelemetry meter provider.
func (s *Service) SetAsGlobal() {
	if s.provider != nil {
		otel.SetMeterProvider(s.provider)
	}
}

// Handler serves the Prometheus exposition format.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.registry == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("Monitoring service not initialized")); err != nil {
				logger.FromContext(r.Context()).Error("Failed to write response", "error", err)
			}
			return
		}
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Serve exposes Handler on lis until ctx is canceled.
func (s *Service) Serve(ctx context.Context, lis net.Listener) error {
	log := logger.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	log.Info("Serving metrics", "addr", lis.Addr().String(), "path", s.config.Path)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the meter provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}
