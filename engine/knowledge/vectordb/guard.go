package vectordb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slok/goresilience"
	"github.com/slok/goresilience/circuitbreaker"
	gerrors "github.com/slok/goresilience/errors"
	"github.com/slok/goresilience/timeout"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

const defaultOperationTimeout = 10 * time.Second

// BreakerConfig mirrors goresilience circuit breaker settings.
type BreakerConfig struct {
	Enabled                     bool
	ErrorPercentThresholdToOpen int
	MinimumRequestToOpen        int
	WaitDurationInOpenState     time.Duration
}

// Guard bounds every backend call with a timeout and, optionally, a circuit
// breaker. Failures are reported as knowledge.ErrStoreUnavailable; data-shape
// errors pass through untouched and never count against the breaker.
type Guard struct {
	backend  Backend
	provider Provider
	runner   goresilience.Runner
	timeout  time.Duration
}

var _ Backend = (*Guard)(nil)

func NewGuard(backend Backend, provider Provider, opTimeout time.Duration, breaker BreakerConfig) *Guard {
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	middlewares := []goresilience.Middleware{
		timeout.NewMiddleware(timeout.Config{Timeout: opTimeout}),
	}
	if breaker.Enabled {
		middlewares = append(middlewares, circuitbreaker.NewMiddleware(circuitbreaker.Config{
			ErrorPercentThresholdToOpen:        breaker.ErrorPercentThresholdToOpen,
			MinimumRequestToOpen:               breaker.MinimumRequestToOpen,
			SuccessfulRequiredOnHalfOpen:       1,
			WaitDurationInOpenState:            breaker.WaitDurationInOpenState,
			MetricsSlidingWindowBucketQuantity: 10,
			MetricsBucketDuration:              1 * time.Second,
		}))
	}
	return &Guard{
		backend:  backend,
		provider: provider,
		runner:   goresilience.RunnerChain(middlewares...),
		timeout:  opTimeout,
	}
}

func (g *Guard) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	var (
		mu   sync.Mutex
		pass error
	)
	opCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := g.runner.Run(opCtx, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && (knowledge.IsPermanent(err) || errors.Is(err, context.Canceled)) {
			mu.Lock()
			pass = err
			mu.Unlock()
			return nil
		}
		return err
	})
	recordOperation(ctx, g.provider, op, time.Since(start))
	mu.Lock()
	passErr := pass
	mu.Unlock()
	switch {
	case err == nil && passErr == nil:
		return nil
	case err == nil:
		recordVectorError(ctx, g.provider, op, "permanent")
		return passErr
	case ctx.Err() != nil:
		return fmt.Errorf("vectordb: %s: %w", op, ctx.Err())
	case errors.Is(err, gerrors.ErrCircuitOpen):
		recordBreakerRejection(ctx, g.provider, op)
		return knowledge.StoreError(op, err)
	case errors.Is(err, gerrors.ErrTimeout):
		recordVectorError(ctx, g.provider, op, "timeout")
		logger.FromContext(ctx).Warn("Vector store operation timed out",
			"provider", g.provider, "operation", op, "timeout", g.timeout)
		return knowledge.StoreError(op, fmt.Errorf("%w: %w", err, context.DeadlineExceeded))
	default:
		recordVectorError(ctx, g.provider, op, "backend")
		return knowledge.StoreError(op, err)
	}
}

func (g *Guard) EnsureCollection(ctx context.Context, name string, dim int) error {
	return g.run(ctx, "ensure_collection", func(ctx context.Context) error {
		return g.backend.EnsureCollection(ctx, name, dim)
	})
}

func (g *Guard) Dimension(ctx context.Context, name string) (int, error) {
	var dim int
	err := g.run(ctx, "dimension", func(ctx context.Context) error {
		var err error
		dim, err = g.backend.Dimension(ctx, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	return dim, nil
}

func (g *Guard) Upsert(ctx context.Context, name string, records []Record) error {
	return g.run(ctx, "upsert", func(ctx context.Context) error {
		return g.backend.Upsert(ctx, name, records)
	})
}

func (g *Guard) Search(ctx context.Context, name string, query []float32, opts SearchOptions) ([]Match, error) {
	var matches []Match
	err := g.run(ctx, "search", func(ctx context.Context) error {
		var err error
		matches, err = g.backend.Search(ctx, name, query, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	recordSearchResults(ctx, g.provider, len(matches))
	return matches, nil
}

func (g *Guard) Delete(ctx context.Context, name string, filter Filter) error {
	return g.run(ctx, "delete", func(ctx context.Context) error {
		return g.backend.Delete(ctx, name, filter)
	})
}

func (g *Guard) Count(ctx context.Context, name string) (int, error) {
	var n int
	err := g.run(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = g.backend.Count(ctx, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (g *Guard) DropCollection(ctx context.Context, name string) error {
	return g.run(ctx, "drop_collection", func(ctx context.Context) error {
		return g.backend.DropCollection(ctx, name)
	})
}

func (g *Guard) Close(ctx context.Context) error {
	return g.backend.Close(ctx)
}
