// Package observe provides application-wide observability primitives for
// Vestige: OpenTelemetry metrics, tracing helpers, and HTTP middleware for
// the diagnostics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can be scraped
// from the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vestige metrics.
const meterName = "github.com/vestigelabs/vestige"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BatchDuration tracks end-to-end consolidation latency per batch.
	BatchDuration metric.Float64Histogram

	// AgentQueryDuration tracks end-to-end agent query latency.
	AgentQueryDuration metric.Float64Histogram

	// LLMCallDuration tracks single LLM call latency by call shape.
	LLMCallDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesIngested counts user messages accepted into the buffer.
	MessagesIngested metric.Int64Counter

	// BatchesProcessed counts consolidation batches. Use with attribute:
	//   attribute.String("status", "ok"|"dead_lettered")
	BatchesProcessed metric.Int64Counter

	// LLMCalls counts LLM calls by shape and status. Use with attributes:
	//   attribute.String("shape", "structured"|"reasoning"|"tools"),
	//   attribute.String("status", ...)
	LLMCalls metric.Int64Counter

	// EntityMerges counts merge-detection outcomes. Use with attribute:
	//   attribute.String("verdict", "merged"|"review"|"rejected")
	EntityMerges metric.Int64Counter

	// AgentToolCalls counts agent tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	AgentToolCalls metric.Int64Counter

	// DLQReplays counts dead-letter replay outcomes. Use with attribute:
	//   attribute.String("outcome", "requeued"|"parked")
	DLQReplays metric.Int64Counter

	// RecordsDeadLettered counts builder stream records that failed to apply
	// and were copied to a dead-letter sub-stream. Use with attribute:
	//   attribute.String("stream", ...)
	RecordsDeadLettered metric.Int64Counter

	// --- Gauges ---

	// ActiveQueries tracks agent queries currently in flight.
	ActiveQueries metric.Int64UpDownCounter

	// InFlightProfiles tracks background profile refreshes in flight.
	InFlightProfiles metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Batches
// and agent queries are LLM-bound, so the buckets skew towards seconds.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BatchDuration, err = m.Float64Histogram("vestige.batch.duration",
		metric.WithDescription("End-to-end latency of a consolidation batch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentQueryDuration, err = m.Float64Histogram("vestige.agent.query.duration",
		metric.WithDescription("End-to-end latency of an agent query."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMCallDuration, err = m.Float64Histogram("vestige.llm.call.duration",
		metric.WithDescription("Latency of a single LLM call by shape."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesIngested, err = m.Int64Counter("vestige.messages.ingested",
		metric.WithDescription("Total user messages accepted into the buffer."),
	); err != nil {
		return nil, err
	}
	if met.BatchesProcessed, err = m.Int64Counter("vestige.batches.processed",
		metric.WithDescription("Total consolidation batches by status."),
	); err != nil {
		return nil, err
	}
	if met.LLMCalls, err = m.Int64Counter("vestige.llm.calls",
		metric.WithDescription("Total LLM calls by shape and status."),
	); err != nil {
		return nil, err
	}
	if met.EntityMerges, err = m.Int64Counter("vestige.entity.merges",
		metric.WithDescription("Total merge-detection outcomes by verdict."),
	); err != nil {
		return nil, err
	}
	if met.AgentToolCalls, err = m.Int64Counter("vestige.agent.tool.calls",
		metric.WithDescription("Total agent tool invocations by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.DLQReplays, err = m.Int64Counter("vestige.dlq.replays",
		metric.WithDescription("Total dead-letter replay outcomes."),
	); err != nil {
		return nil, err
	}
	if met.RecordsDeadLettered, err = m.Int64Counter("vestige.builder.records.dead_lettered",
		metric.WithDescription("Total stream records dead-lettered by the graph builder."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveQueries, err = m.Int64UpDownCounter("vestige.active_queries",
		metric.WithDescription("Agent queries currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.InFlightProfiles, err = m.Int64UpDownCounter("vestige.inflight_profiles",
		metric.WithDescription("Background profile refreshes currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vestige.http.request.duration",
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

// RecordBatch records a processed batch with its status and duration.
func (m *Metrics) RecordBatch(ctx context.Context, status string, seconds float64) {
	m.BatchesProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.BatchDuration.Record(ctx, seconds)
}

// RecordLLMCall records one LLM call with the standard attribute set.
func (m *Metrics) RecordLLMCall(ctx context.Context, shape, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("shape", shape),
		attribute.String("status", status),
	)
	m.LLMCalls.Add(ctx, 1, attrs)
	m.LLMCallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("shape", shape)))
}

// RecordAgentToolCall records one agent tool invocation.
func (m *Metrics) RecordAgentToolCall(ctx context.Context, tool, status string) {
	m.AgentToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordDLQReplay records n dead-letter replay outcomes of the same kind.
func (m *Metrics) RecordDLQReplay(ctx context.Context, outcome string, n int64) {
	if n == 0 {
		return
	}
	m.DLQReplays.Add(ctx, n,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordMerge records one merge-detection verdict.
func (m *Metrics) RecordMerge(ctx context.Context, verdict string) {
	m.EntityMerges.Add(ctx, 1,
		metric.WithAttributes(attribute.String("verdict", verdict)),
	)
}
