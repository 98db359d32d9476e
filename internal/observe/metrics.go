// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. There is no package-level
// default instance: construct one with [NewMetrics] and pass it down. Every
// Record* method is safe to call on a nil *Metrics, which keeps the call
// pipeline usable in tests without a meter provider.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks time from end of user speech to the final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks time to the first generated token.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time to the first synthesized audio chunk.
	TTSDuration metric.Float64Histogram

	// CommitLatency tracks time from the first buffered transcript to the turn
	// commit. Use with attribute.String("mode", "fixed"|"semantic").
	CommitLatency metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// FramesDropped counts frames rejected by a full pipeline queue.
	FramesDropped metric.Int64Counter

	// Backpressure counts backpressure signals by level.
	Backpressure metric.Int64Counter

	// VADFalsePositives counts speech onsets discarded by the confirmation window.
	VADFalsePositives metric.Int64Counter

	// BargeIns counts executed interruptions by reason.
	BargeIns metric.Int64Counter

	// SemanticProbes counts turn-completeness probes by outcome
	// ("complete", "incomplete", "failed").
	SemanticProbes metric.Int64Counter

	// Turns counts committed user turns.
	Turns metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls. Use with attribute:
	//   attribute.String("transport", ...)
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "voxline.stt.duration", "Latency from end of speech to final transcript."},
		{&met.LLMDuration, "voxline.llm.duration", "Latency to the first generated token."},
		{&met.TTSDuration, "voxline.tts.duration", "Latency to the first synthesized audio chunk."},
		{&met.CommitLatency, "voxline.turn.commit_latency", "Latency from first transcript to turn commit."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "voxline.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "voxline.provider.errors", "Total provider errors by provider and kind."},
		{&met.FramesDropped, "voxline.pipeline.frames_dropped", "Frames dropped by a full pipeline queue."},
		{&met.Backpressure, "voxline.pipeline.backpressure", "Backpressure signals by level."},
		{&met.VADFalsePositives, "voxline.vad.false_positives", "Speech onsets rejected by the confirmation window."},
		{&met.BargeIns, "voxline.bargein.total", "Executed interruptions by reason."},
		{&met.SemanticProbes, "voxline.turn.semantic_probes", "Turn-completeness probes by outcome."},
		{&met.Turns, "voxline.turn.committed", "Committed user turns."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordLatency records d on one of the latency histograms. kind is one of
// "stt", "llm" or "tts"; unknown kinds are ignored.
func (m *Metrics) RecordLatency(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	var h metric.Float64Histogram
	switch kind {
	case "stt":
		h = m.STTDuration
	case "llm":
		h = m.LLMDuration
	case "tts":
		h = m.TTSDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordCommit records a committed turn and its commit latency.
func (m *Metrics) RecordCommit(ctx context.Context, mode string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.CommitLatency.Record(ctx, d.Seconds(), attrs)
	m.Turns.Add(ctx, 1, attrs)
}

// RecordSemanticProbe records the outcome of a turn-completeness probe.
func (m *Metrics) RecordSemanticProbe(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.SemanticProbes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrameDropped records one frame dropped by a full queue.
func (m *Metrics) RecordFrameDropped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBackpressure records a backpressure signal at level.
func (m *Metrics) RecordBackpressure(ctx context.Context, level string) {
	if m == nil {
		return
	}
	m.Backpressure.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordVADFalsePositive records one rejected speech onset.
func (m *Metrics) RecordVADFalsePositive(ctx context.Context) {
	if m == nil {
		return
	}
	m.VADFalsePositives.Add(ctx, 1)
}

// RecordBargeIn records one executed interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CallStarted increments the active call gauge for transport.
func (m *Metrics) CallStarted(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// CallEnded decrements the active call gauge for transport.
func (m *Metrics) CallEnded(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", transport)))
}
