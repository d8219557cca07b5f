// Package observe provides application-wide observability primitives for
// Trunkline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/callways/trunkline"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRTranscriptLatency tracks time from the last interim result to the
	// final transcript of the same utterance.
	ASRTranscriptLatency metric.Float64Histogram

	// LLMFirstToken tracks time from generation start to the first token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstAudio tracks time from synthesis start to the first audio chunk.
	TTSFirstAudio metric.Float64Histogram

	// CallDuration tracks total call length from start to teardown.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// PBXFramesIn counts media frames received from the PBX.
	PBXFramesIn metric.Int64Counter

	// PBXFramesOut counts media frames sent to the PBX.
	PBXFramesOut metric.Int64Counter

	// PipelineErrors counts pipeline failures. Use with attribute:
	//   attribute.String("stage", ...) — asr, llm, tts, pbx, analysis, dispatch
	PipelineErrors metric.Int64Counter

	// BargeIns counts caller interruptions that stopped playback.
	BargeIns metric.Int64Counter

	// MessagesDispatched counts messaging webhook deliveries. Use with attribute:
	//   attribute.String("status", ...) — sent, failed
	MessagesDispatched metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live PBX calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops-endpoint request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets covers the expected spread of telephone calls, from
// instant hangups to twenty-minute conversations.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRTranscriptLatency, err = m.Float64Histogram("trunkline.asr.transcript_latency",
		metric.WithDescription("Latency from last interim to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("trunkline.llm.first_token",
		metric.WithDescription("Latency from generation start to first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("trunkline.tts.first_audio",
		metric.WithDescription("Latency from synthesis start to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("trunkline.call.duration",
		metric.WithDescription("Total call length from start to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PBXFramesIn, err = m.Int64Counter("trunkline.pbx.frames_in",
		metric.WithDescription("Media frames received from the PBX."),
	); err != nil {
		return nil, err
	}
	if met.PBXFramesOut, err = m.Int64Counter("trunkline.pbx.frames_out",
		metric.WithDescription("Media frames sent to the PBX."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("trunkline.pipeline.errors",
		metric.WithDescription("Pipeline failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("trunkline.barge_ins",
		metric.WithDescription("Caller interruptions that stopped playback."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDispatched, err = m.Int64Counter("trunkline.messages.dispatched",
		metric.WithDescription("Messaging webhook deliveries by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.active_calls",
		metric.WithDescription("Number of live PBX calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
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

// RecordPipelineError records a pipeline failure for the given stage
// (asr, llm, tts, pbx, analysis, dispatch).
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordBargeIn records a caller interruption that stopped playback.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordMessageDispatched records a messaging webhook delivery attempt.
func (m *Metrics) RecordMessageDispatched(ctx context.Context, status string) {
	m.MessagesDispatched.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
