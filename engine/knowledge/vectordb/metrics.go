package vectordb

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

var (
	vectorMetricsOnce  sync.Once
	vectorMetricsErr   error
	vectorOpLatency    metric.Float64Histogram
	vectorResultsCount metric.Float64Histogram
	vectorErrorsTotal  metric.Int64Counter
	vectorBreakerTrips metric.Int64Counter
)

func ensureVectorMetrics() error {
	vectorMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("skynet.knowledge.vectordb")
		if err := initVectorHistograms(meter); err != nil {
			vectorMetricsErr = err
			return
		}
		vectorMetricsErr = initVectorCounters(meter)
	})
	return vectorMetricsErr
}

func initVectorHistograms(meter metric.Meter) error {
	var err error
	vectorOpLatency, err = meter.Float64Histogram(
		knowledge.MetricName("vectordb", "operation_seconds"),
		metric.WithDescription("Vector store operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2),
	)
	if err != nil {
		return err
	}
	vectorResultsCount, err = meter.Float64Histogram(
		knowledge.MetricName("vectordb", "results_per_search"),
		metric.WithDescription("Number of results returned per search"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 200),
	)
	return err
}

func initVectorCounters(meter metric.Meter) error {
	var err error
	vectorErrorsTotal, err = meter.Int64Counter(
		knowledge.MetricName("vectordb", "store_errors_total"),
		metric.WithDescription("Vector store operation errors"),
	)
	if err != nil {
		return err
	}
	vectorBreakerTrips, err = meter.Int64Counter(
		knowledge.MetricName("vectordb", "breaker_rejections_total"),
		metric.WithDescription("Operations rejected by an open circuit breaker"),
	)
	return err
}

func recordOperation(ctx context.Context, provider Provider, op string, d time.Duration) {
	if err := ensureVectorMetrics(); err != nil || vectorOpLatency == nil {
		return
	}
	vectorOpLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("operation", op),
	))
}

func recordSearchResults(ctx context.Context, provider Provider, n int) {
	if err := ensureVectorMetrics(); err != nil || vectorResultsCount == nil {
		return
	}
	vectorResultsCount.Record(ctx, float64(n), metric.WithAttributes(attribute.String("provider", string(provider))))
}

func recordVectorError(ctx context.Context, provider Provider, op, errorType string) {
	if err := ensureVectorMetrics(); err != nil || vectorErrorsTotal == nil {
		return
	}
	vectorErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("operation", op),
		attribute.String("error_type", errorType),
	))
}

func recordBreakerRejection(ctx context.Context, provider Provider, op string) {
	if err := ensureVectorMetrics(); err != nil || vectorBreakerTrips == nil {
		return
	}
	vectorBreakerTrips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("operation", op),
	))
}
