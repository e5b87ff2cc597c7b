// Package observe provides application-wide observability primitives for
// SAGE: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all SAGE metrics.
const meterName = "github.com/sage-edu/sage"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// QueryDuration tracks end-to-end chat query latency. Use with attribute:
	//   attribute.String("mode", ...)
	QueryDuration metric.Float64Histogram

	// RetrievalDuration tracks vector search latency.
	RetrievalDuration metric.Float64Histogram

	// GenerationDuration tracks model inference latency.
	GenerationDuration metric.Float64Histogram

	// --- Counters ---

	// CacheLookups counts response-cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// Refusals counts questions rejected by the inbound guardrails.
	Refusals metric.Int64Counter

	// TokensStreamed counts answer tokens delivered over streaming responses.
	TokensStreamed metric.Int64Counter

	// DocumentsIndexed counts documents written through the ingestion
	// endpoints. Use with attribute: attribute.Int("class", ...)
	DocumentsIndexed metric.Int64Counter

	// --- Error counters ---

	// GenerationErrors counts model failures by kind. Use with attribute:
	//   attribute.String("kind", ...)
	GenerationErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of in-flight streaming responses.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// local-model inference latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.QueryDuration, err = m.Float64Histogram("sage.query.duration",
		metric.WithDescription("End-to-end chat query latency by generation mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("sage.retrieval.duration",
		metric.WithDescription("Latency of vector search across class collections."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("sage.generation.duration",
		metric.WithDescription("Latency of model inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CacheLookups, err = m.Int64Counter("sage.cache.lookups",
		metric.WithDescription("Total response-cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.Refusals, err = m.Int64Counter("sage.guardrails.refusals",
		metric.WithDescription("Total questions rejected by the inbound guardrails."),
	); err != nil {
		return nil, err
	}
	if met.TokensStreamed, err = m.Int64Counter("sage.stream.tokens",
		metric.WithDescription("Total answer tokens delivered over streaming responses."),
	); err != nil {
		return nil, err
	}
	if met.DocumentsIndexed, err = m.Int64Counter("sage.index.documents",
		metric.WithDescription("Total documents written through the ingestion endpoints."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.GenerationErrors, err = m.Int64Counter("sage.generation.errors",
		metric.WithDescription("Total model failures by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("sage.active_streams",
		metric.WithDescription("Number of in-flight streaming responses."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sage.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordQuery records one completed chat query with its generation mode.
func (m *Metrics) RecordQuery(ctx context.Context, mode string, seconds float64) {
	m.QueryDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordCacheLookup records a response-cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordRefusal records one guardrail rejection.
func (m *Metrics) RecordRefusal(ctx context.Context) {
	m.Refusals.Add(ctx, 1)
}

// RecordGenerationError records a model failure with its error kind.
func (m *Metrics) RecordGenerationError(ctx context.Context, kind string) {
	m.GenerationErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
