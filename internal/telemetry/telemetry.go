// Package telemetry holds the Prometheus metrics and OpenTelemetry tracer
// shared by the reconciler components.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/correlator-io/reconciler"

// Outcome label values.
const (
	OutcomeFound     = "found"
	OutcomeNotFound  = "not_found"
	OutcomeCreated   = "created"
	OutcomeExisting  = "existing"
	OutcomeExists    = "exists"
	OutcomeNoOp      = "noop"
	OutcomeError     = "error"
	OutcomePublished = "published"
)

// Retry purposes.
const (
	PurposeSearch = "search_convergence"
	PurposeWrite  = "transient_auth"
)

var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_resolve_total",
		Help: "Identity-key resolutions by entity kind and outcome",
	}, []string{"kind", "outcome"})

	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_get_or_create_total",
		Help: "Get-or-create calls by entity kind and outcome",
	}, []string{"kind", "outcome"})

	edgeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_lineage_edges_total",
		Help: "Lineage edge requests by outcome",
	}, []string{"outcome"})

	retryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_retries_total",
		Help: "Scheduled retries by purpose",
	}, []string{"purpose"})

	retryWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_retry_wait_seconds",
		Help:    "Backoff wait before each retry",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"purpose"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_change_events_total",
		Help: "Change events handed to the publisher by outcome",
	}, []string{"outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_operation_duration_seconds",
		Help:    "Core operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Tracer returns the tracer for reconciler spans. With no SDK installed it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name with string attributes given as key/value pairs.
func StartSpan(ctx context.Context, name string, kv ...string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}

	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, sets its status and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// ObserveResolve counts one resolution.
func ObserveResolve(kind, outcome string) {
	resolveTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveGetOrCreate counts one get-or-create call.
func ObserveGetOrCreate(kind, outcome string) {
	reconcileTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveEdge counts one lineage edge request.
func ObserveEdge(outcome string) {
	edgeTotal.WithLabelValues(outcome).Inc()
}

// ObserveEvents counts n change events with outcome.
func ObserveEvents(outcome string, n int) {
	eventsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveDuration records how long operation took since start.
func ObserveDuration(operation string, start time.Time) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RetryNotifier returns a retry.Policy Notify hook that counts retries for purpose.
func RetryNotifier(purpose string) func(attempt int, wait time.Duration, err error) {
	counter := retryTotal.WithLabelValues(purpose)
	hist := retryWait.WithLabelValues(purpose)

	return func(_ int, wait time.Duration, _ error) {
		counter.Inc()
		hist.Observe(wait.Seconds())
	}
}
