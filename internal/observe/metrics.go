// Package observe provides application-wide observability primitives for
// duoscribe: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duoscribe metrics.
const meterName = "github.com/MrWong99/duoscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// FramesCaptured counts frames accepted into a device queue.
	// Attribute: device_id.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because a device queue was full.
	// Attribute: device_id.
	FramesDropped metric.Int64Counter

	// --- Mixer ---

	// Mixes counts mixed buffers produced.
	Mixes metric.Int64Counter

	// MixOverruns counts slot overwrites (a device delivered twice before
	// the others delivered once).
	MixOverruns metric.Int64Counter

	// --- ASR link ---

	// BytesSent counts PCM bytes handed to the recognition session.
	BytesSent metric.Int64Counter

	// SendFailures counts mixed buffers that were not sent. Attribute:
	// reason ("breaker_open", "backpressure", "closed", "error").
	SendFailures metric.Int64Counter

	// Fragments counts final transcript fragments. Attribute: channel.
	Fragments metric.Int64Counter

	// SessionOpenDuration tracks how long dialing the recognition service takes.
	SessionOpenDuration metric.Float64Histogram

	// Reconnects counts successful session re-dials.
	Reconnects metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerState reports the send-path circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	BreakerState metric.Int64Gauge

	// --- Transcript ---

	// Phrases counts phrases delivered to the results queue. Attribute: speaker.
	Phrases metric.Int64Counter

	// PhrasesDropped counts phrases discarded because the results queue was full.
	PhrasesDropped metric.Int64Counter

	// Corrections counts vocabulary substitutions applied to phrases.
	Corrections metric.Int64Counter

	// --- Gauges ---

	// ActivePipelines tracks the number of running pipelines (0 or 1).
	ActivePipelines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// network dial latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.FramesCaptured, "duoscribe.capture.frames", "Frames accepted into a device queue.", ""},
		{&met.FramesDropped, "duoscribe.capture.dropped", "Frames dropped because a device queue was full.", ""},
		{&met.Mixes, "duoscribe.mixer.mixes", "Mixed buffers produced.", ""},
		{&met.MixOverruns, "duoscribe.mixer.overruns", "Mixer slot overwrites.", ""},
		{&met.BytesSent, "duoscribe.asr.sent", "PCM bytes handed to the recognition session.", "By"},
		{&met.SendFailures, "duoscribe.asr.send_failures", "Mixed buffers not sent, by reason.", ""},
		{&met.Fragments, "duoscribe.asr.fragments", "Final transcript fragments by channel.", ""},
		{&met.Reconnects, "duoscribe.asr.reconnects", "Successful recognition session re-dials.", ""},
		{&met.ProviderErrors, "duoscribe.provider.errors", "Provider errors by provider and kind.", ""},
		{&met.Phrases, "duoscribe.transcript.phrases", "Phrases delivered by speaker.", ""},
		{&met.PhrasesDropped, "duoscribe.transcript.dropped", "Phrases dropped because the results queue was full.", ""},
		{&met.Corrections, "duoscribe.transcript.corrections", "Vocabulary substitutions applied to phrases.", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}

	if met.SessionOpenDuration, err = m.Float64Histogram("duoscribe.asr.open.duration",
		metric.WithDescription("Latency of opening a recognition session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BreakerState, err = m.Int64Gauge("duoscribe.asr.breaker_state",
		metric.WithDescription("Send-path circuit breaker state: 0 closed, 1 open, 2 half-open."),
	); err != nil {
		return nil, err
	}
	if met.ActivePipelines, err = m.Int64UpDownCounter("duoscribe.active_pipelines",
		metric.WithDescription("Number of running pipelines."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("duoscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordCapture adds the per-device capture deltas.
func (m *Metrics) RecordCapture(ctx context.Context, deviceID int, captured, dropped int64) {
	attrs := metric.WithAttributes(attribute.Int("device_id", deviceID))
	if captured > 0 {
		m.FramesCaptured.Add(ctx, captured, attrs)
	}
	if dropped > 0 {
		m.FramesDropped.Add(ctx, dropped, attrs)
	}
}

// RecordSendFailure records a mixed buffer that did not reach the session.
func (m *Metrics) RecordSendFailure(ctx context.Context, reason string) {
	m.SendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFragment records one final fragment on channel.
func (m *Metrics) RecordFragment(ctx context.Context, channel int) {
	m.Fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", strconv.Itoa(channel))))
}

// RecordPhrase records one delivered phrase for speaker ("user" or "system").
func (m *Metrics) RecordPhrase(ctx context.Context, speaker string) {
	m.Phrases.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
