package knowledge

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricNamespace = "skynet"

var (
	metricsOnce          sync.Once
	metricsMu            sync.Mutex
	metricsInitErr       error
	ingestDurationHist   metric.Float64Histogram
	chunkCounter         metric.Int64Counter
	ingestOutcomeCounter metric.Int64Counter
	queryLatencyHist     metric.Float64Histogram
	retrievalEmptyCount  metric.Int64Counter
	refitDurationHist    metric.Float64Histogram
)

// MetricName builds a fully qualified instrument name for a subsystem.
func MetricName(subsystem, name string) string {
	return metricNamespace + "_" + subsystem + "_" + name
}

func RecordIngestDuration(ctx context.Context, tenant string, d time.Duration) {
	if err := ensureMetrics(); err != nil || ingestDurationHist == nil {
		return
	}
	ingestDurationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tenant", tenant)))
}

func RecordIngestChunks(ctx context.Context, tenant string, chunks int) {
	if chunks <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil || chunkCounter == nil {
		return
	}
	chunkCounter.Add(ctx, int64(chunks), metric.WithAttributes(attribute.String("tenant", tenant)))
}

// RecordIngestOutcome counts finished ingestion runs by final status.
func RecordIngestOutcome(ctx context.Context, tenant string, status Status) {
	if err := ensureMetrics(); err != nil || ingestOutcomeCounter == nil {
		return
	}
	ingestOutcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("status", string(status)),
	))
}

func RecordQueryLatency(ctx context.Context, tenant string, d time.Duration) {
	if err := ensureMetrics(); err != nil || queryLatencyHist == nil {
		return
	}
	queryLatencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tenant", tenant)))
}

func RecordRetrievalEmpty(ctx context.Context, tenant string) {
	if err := ensureMetrics(); err != nil || retrievalEmptyCount == nil {
		return
	}
	retrievalEmptyCount.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenant)))
}

func RecordRefitDuration(ctx context.Context, key string, d time.Duration) {
	if err := ensureMetrics(); err != nil || refitDurationHist == nil {
		return
	}
	refitDurationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("model_key", key)))
}

func ResetMetricsForTesting() {
	metricsMu.Lock()
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	ingestDurationHist = nil
	chunkCounter = nil
	ingestOutcomeCounter = nil
	queryLatencyHist = nil
	retrievalEmptyCount = nil
	refitDurationHist = nil
	metricsMu.Unlock()
}

func ensureMetrics() error {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("skynet.knowledge")
		if err := initIngestMetrics(meter); err != nil {
			metricsInitErr = err
			return
		}
		if err := initRetrievalMetrics(meter); err != nil {
			metricsInitErr = err
		}
	})
	return metricsInitErr
}

func initIngestMetrics(meter metric.Meter) error {
	var err error
	ingestDurationHist, err = meter.Float64Histogram(
		MetricName("knowledge", "ingest_duration_seconds"),
		metric.WithDescription("Latency of document ingestion runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}
	chunkCounter, err = meter.Int64Counter(
		MetricName("knowledge", "chunks_total"),
		metric.WithDescription("Number of chunks indexed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	ingestOutcomeCounter, err = meter.Int64Counter(
		MetricName("knowledge", "ingest_outcome_total"),
		metric.WithDescription("Number of ingestion runs by final document status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	refitDurationHist, err = meter.Float64Histogram(
		MetricName("knowledge", "refit_duration_seconds"),
		metric.WithDescription("Latency of vectorizer refits including re-embedding"),
		metric.WithUnit("s"),
	)
	return err
}

func initRetrievalMetrics(meter metric.Meter) error {
	var err error
	queryLatencyHist, err = meter.Float64Histogram(
		MetricName("knowledge", "query_latency_seconds"),
		metric.WithDescription("Latency of retrieval queries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}
	retrievalEmptyCount, err = meter.Int64Counter(
		MetricName("knowledge", "retrieval_empty_total"),
		metric.WithDescription("Number of retrievals that produced no context"),
		metric.WithUnit("1"),
	)
	return err
}
