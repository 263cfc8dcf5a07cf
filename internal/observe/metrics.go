// Package observe holds the metrics, tracing, trace-correlated logging and
// HTTP middleware shared by every cadence component.
//
// Instruments are created through the OpenTelemetry API and scraped through
// the Prometheus bridge installed by [InitProvider]. Tests build their own
// set with [NewMetrics] and a private meter provider; production code that
// was given none falls back to [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cadence metrics.
const meterName = "github.com/MrWong99/cadence"

// Upload statuses recorded by [Metrics.RecordUpload].
const (
	UploadAccepted    = "accepted"
	UploadDuplicate   = "duplicate"
	UploadUndecodable = "undecodable"
	UploadRejected    = "rejected"
	UploadDropped     = "dropped"
)

// Chunk classes recorded by [Metrics.RecordChunk].
const (
	ChunkSpeech  = "speech"
	ChunkSilence = "silence"
	ChunkFailed  = "failed"
)

// Metrics holds every instrument. Safe for concurrent use.
type Metrics struct {
	// Stage latencies. STT and LLM include retries.
	DecodeDuration   metric.Float64Histogram
	ClassifyDuration metric.Float64Histogram
	STTDuration      metric.Float64Histogram // provider
	LLMDuration      metric.Float64Histogram // provider
	MoodDuration     metric.Float64Histogram
	PersistDuration  metric.Float64Histogram

	// Counters, labelled as noted.
	Uploads          metric.Int64Counter // status
	Chunks           metric.Int64Counter // class
	TurnActions      metric.Int64Counter // action, status
	TurnsPersisted   metric.Int64Counter // kind, status
	ProviderRequests metric.Int64Counter // provider, kind, status
	ProviderErrors   metric.Int64Counter // provider, kind
	BreakerChanges   metric.Int64Counter // provider, state

	// Gauges.
	ActiveSessions  metric.Int64UpDownCounter
	QueuedUploads   metric.Int64UpDownCounter
	InFlightActions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled method, path (the route pattern) and
	// status_class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Decoding
// and classification sit at the low end; transcription and generation of a
// long run reach the top buckets.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp. Instrument names are the
// Prometheus series names with dots replaced by underscores.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := builder{meter: mp.Meter(meterName)}
	met := &Metrics{
		DecodeDuration:   b.latency("cadence.decode.duration", "Latency of decoding one upload."),
		ClassifyDuration: b.latency("cadence.classify.duration", "Latency of classifying one chunk."),
		STTDuration:      b.latency("cadence.stt.duration", "Latency of transcribing one chunk run."),
		LLMDuration:      b.latency("cadence.llm.duration", "Latency of generating one response."),
		MoodDuration:     b.latency("cadence.mood.duration", "Latency of mood lookups."),
		PersistDuration:  b.latency("cadence.persist.duration", "Latency of appending one turn."),

		Uploads:          b.counter("cadence.uploads", "Uploads by outcome."),
		Chunks:           b.counter("cadence.chunks", "Classified chunks by class."),
		TurnActions:      b.counter("cadence.turn.actions", "Turn actions by action and status."),
		TurnsPersisted:   b.counter("cadence.turns.persisted", "Turns handed to the store by kind and status."),
		ProviderRequests: b.counter("cadence.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:   b.counter("cadence.provider.errors", "Provider failures by provider and kind."),
		BreakerChanges:   b.counter("cadence.provider.breaker.changes", "Circuit breaker transitions by provider and new state."),

		ActiveSessions:  b.gauge("cadence.active_sessions", "Open sessions."),
		QueuedUploads:   b.gauge("cadence.queued_uploads", "Uploads waiting in session queues."),
		InFlightActions: b.gauge("cadence.inflight_actions", "Turn actions running or waiting for a worker."),

		HTTPRequestDuration: b.histogram("cadence.http.request.duration", "HTTP request latency by method, route and status class."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

// builder collects instrument creation errors so NewMetrics can build the
// whole set in one literal.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) latency(name, desc string) metric.Float64Histogram {
	return b.histogram(name, desc, metric.WithExplicitBucketBoundaries(latencyBuckets...))
}

func (b *builder) histogram(name, desc string, opts ...metric.Float64HistogramOption) metric.Float64Histogram {
	opts = append(opts, metric.WithDescription(desc), metric.WithUnit("s"))
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
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

// Since records the seconds elapsed since start on h.
func Since(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}

// RecordUpload records one upload with the given outcome.
func (m *Metrics) RecordUpload(ctx context.Context, status string) {
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordChunk records one classified chunk.
func (m *Metrics) RecordChunk(ctx context.Context, class string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// RecordAction records the outcome of one turn action.
func (m *Metrics) RecordAction(ctx context.Context, action, status string) {
	m.TurnActions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}

// RecordTurnPersisted records one append to the turn store.
func (m *Metrics) RecordTurnPersisted(ctx context.Context, kind, status string) {
	m.TurnsPersisted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
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

// RecordBreakerChange records a circuit breaker of provider entering state.
func (m *Metrics) RecordBreakerChange(ctx context.Context, provider, state string) {
	m.BreakerChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
