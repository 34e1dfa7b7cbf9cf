// Package observe provides application-wide observability primitives for
// voxflow: OpenTelemetry metrics and the Prometheus exporter bridge that
// serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([Default]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all voxflow metrics.
const meterName = "github.com/voxflow-ai/voxflow"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks the full utterance→persisted-reply cycle.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks reply generation latency (stream open to close).
	LLMDuration metric.Float64Histogram

	// SynthesisDuration tracks per-fragment speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Turns metric.Int64Counter

	// Fragments counts reply fragments delivered to clients.
	Fragments metric.Int64Counter

	// SynthesisFailures counts per-fragment synthesis failures.
	SynthesisFailures metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attribute:
	//   attribute.String("tool", ...)
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks currently open audio connections.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a Metrics instance using the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.TurnDuration, err = meter.Float64Histogram(
		"voxflow.turn.duration",
		metric.WithDescription("Full turn latency from finalized utterance to persisted reply"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.LLMDuration, err = meter.Float64Histogram(
		"voxflow.llm.duration",
		metric.WithDescription("Reply generation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.SynthesisDuration, err = meter.Float64Histogram(
		"voxflow.synthesis.duration",
		metric.WithDescription("Per-fragment speech synthesis latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.Turns, err = meter.Int64Counter(
		"voxflow.turns",
		metric.WithDescription("Completed conversation turns"),
	); err != nil {
		return nil, err
	}

	if m.Fragments, err = meter.Int64Counter(
		"voxflow.fragments",
		metric.WithDescription("Reply fragments delivered to clients"),
	); err != nil {
		return nil, err
	}

	if m.SynthesisFailures, err = meter.Int64Counter(
		"voxflow.synthesis.failures",
		metric.WithDescription("Per-fragment synthesis failures"),
	); err != nil {
		return nil, err
	}

	if m.ToolCalls, err = meter.Int64Counter(
		"voxflow.tool.calls",
		metric.WithDescription("Tool invocations during reply generation"),
	); err != nil {
		return nil, err
	}

	if m.ActiveConnections, err = meter.Int64UpDownCounter(
		"voxflow.connections.active",
		metric.WithDescription("Currently open audio connections"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTurn records one completed turn with its latency and status.
func (m *Metrics) RecordTurn(ctx context.Context, took time.Duration, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, took.Seconds(), attrs)
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide Metrics built on the global MeterProvider.
// Instruments are created lazily on first use, after InitProvider has run.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names; fall back to
			// no-op instruments rather than poisoning every call site.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultM = m
	})
	return defaultM
}
