// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge and HTTP
// middleware recording request latencies.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package
// -level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name for all backend metrics.
const meterName = "github.com/transcriptai/transcriptai"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks pipeline stage latency in seconds. Use with
	// attributes: attribute.String("stage", ...), attribute.String("status", "ok"|"error").
	StageDuration metric.Float64Histogram

	// TranscriptionDuration tracks single inference latency against the
	// transcription server.
	TranscriptionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram

	// PipelineRuns counts completed pipeline runs. Use with attribute:
	// attribute.String("status", "completed"|"failed").
	PipelineRuns metric.Int64Counter

	// UploadBytes counts bytes accepted by the upload handlers.
	UploadBytes metric.Int64Counter

	// ModelDownloads counts model download outcomes. Use with attributes:
	// attribute.String("model", ...), attribute.String("status", ...).
	ModelDownloads metric.Int64Counter

	// ActiveLiveSessions tracks currently open live microphone sessions.
	ActiveLiveSessions metric.Int64UpDownCounter

	// SSESubscribers tracks connected event-stream subscribers.
	SSESubscribers metric.Int64UpDownCounter

	// ActivePipelines tracks pipelines currently in flight.
	ActivePipelines metric.Int64UpDownCounter
}

// stageBuckets covers pipeline stages that range from sub-second NLP to
// multi-minute transcriptions.
var stageBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates all instruments on the supplied provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.StageDuration, err = meter.Float64Histogram(
		"pipeline_stage_duration_seconds",
		metric.WithDescription("Duration of one pipeline stage"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if m.TranscriptionDuration, err = meter.Float64Histogram(
		"transcription_inference_duration_seconds",
		metric.WithDescription("Latency of one transcription server inference"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request processing time"),
	); err != nil {
		return nil, err
	}
	if m.PipelineRuns, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Completed pipeline runs by status"),
	); err != nil {
		return nil, err
	}
	if m.UploadBytes, err = meter.Int64Counter(
		"upload_bytes_total",
		metric.WithDescription("Bytes accepted by upload handlers"),
	); err != nil {
		return nil, err
	}
	if m.ModelDownloads, err = meter.Int64Counter(
		"model_downloads_total",
		metric.WithDescription("Model download outcomes"),
	); err != nil {
		return nil, err
	}
	if m.ActiveLiveSessions, err = meter.Int64UpDownCounter(
		"live_sessions_active",
		metric.WithDescription("Currently open live microphone sessions"),
	); err != nil {
		return nil, err
	}
	if m.SSESubscribers, err = meter.Int64UpDownCounter(
		"sse_subscribers_active",
		metric.WithDescription("Connected event-stream subscribers"),
	); err != nil {
		return nil, err
	}
	if m.ActivePipelines, err = meter.Int64UpDownCounter(
		"pipelines_active",
		metric.WithDescription("Pipelines currently in flight"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built on the global
// meter provider. Call after [InitProvider] so the instruments attach to
// the exporting provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names; fall back to
			// a no-op meter so callers never nil-check.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordStage is a convenience for the common stage-timing pattern.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		))
}
