// Package observe provides application-wide observability primitives for
// stagelive: OpenTelemetry metrics, span helpers, and trace-aware logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the debug server can expose
// them on /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all stagelive metrics.
const meterName = "github.com/MrWong99/stagelive"

// Metrics holds all OpenTelemetry metric instruments for the client runtime.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Transport ---

	// MessagesReceived counts decoded inbound frames by kind.
	MessagesReceived metric.Int64Counter

	// MessagesDropped counts inbound frames discarded before dispatch, by
	// reason ("malformed", "unknown_kind").
	MessagesDropped metric.Int64Counter

	// MessagesSent counts outbound frames by type and status ("ok",
	// "not_connected", "error").
	MessagesSent metric.Int64Counter

	// Reconnects counts connection attempts after the first.
	Reconnects metric.Int64Counter

	// --- Segment buffer ---

	// SegmentsQueued counts turns opened by a start frame, by character.
	SegmentsQueued metric.Int64Counter

	// QueueDepth tracks the number of segments waiting in the buffer.
	QueueDepth metric.Int64UpDownCounter

	// --- Director ---

	// SegmentsPerformed counts turns that reached the Waiting state, by
	// character.
	SegmentsPerformed metric.Int64Counter

	// Interrupts counts director interrupts.
	Interrupts metric.Int64Counter

	// SegmentDuration tracks wall time from Performance entry to Waiting.
	// Buckets come from [Views].
	SegmentDuration metric.Float64Histogram

	// --- Audio ---

	// AudioChunks counts playable chunks by status ("played", "skipped").
	AudioChunks metric.Int64Counter

	// ChunkDuration tracks the playback time of a single chunk. Buckets come
	// from [Views].
	ChunkDuration metric.Float64Histogram

	// --- Debug server ---

	// DebugRequestDuration tracks debug endpoint latency by path.
	DebugRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MessagesReceived, err = m.Int64Counter("stagelive.messages.received",
		metric.WithDescription("Decoded inbound frames by kind."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("stagelive.messages.dropped",
		metric.WithDescription("Inbound frames discarded before dispatch, by reason."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("stagelive.messages.sent",
		metric.WithDescription("Outbound frames by type and status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("stagelive.transport.reconnects",
		metric.WithDescription("Reconnection attempts after an unexpected close."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsQueued, err = m.Int64Counter("stagelive.segments.queued",
		metric.WithDescription("Turns opened by a start frame, by character."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("stagelive.queue.depth",
		metric.WithDescription("Segments currently held by the buffer."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPerformed, err = m.Int64Counter("stagelive.segments.performed",
		metric.WithDescription("Turns fully revealed and played, by character."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("stagelive.director.interrupts",
		metric.WithDescription("Performance interrupts."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("stagelive.segment.duration",
		metric.WithDescription("Time from the start of a performance until it is fully performed."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("stagelive.audio.chunks",
		metric.WithDescription("Playable audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("stagelive.audio.chunk.duration",
		metric.WithDescription("Playback time of a single audio chunk."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.DebugRequestDuration, err = m.Float64Histogram("stagelive.debug.request.duration",
		metric.WithDescription("Debug HTTP request latency."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordReceived records one decoded inbound frame.
func (m *Metrics) RecordReceived(ctx context.Context, kind string) {
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDropped records one discarded inbound frame.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSent records one outbound frame attempt.
func (m *Metrics) RecordSent(ctx context.Context, kind, status string) {
	m.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordQueued records a new segment and grows the queue depth gauge.
func (m *Metrics) RecordQueued(ctx context.Context, character string) {
	m.SegmentsQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("character", character)))
	m.QueueDepth.Add(ctx, 1)
}

// RecordDequeued shrinks the queue depth gauge by n.
func (m *Metrics) RecordDequeued(ctx context.Context, n int) {
	if n > 0 {
		m.QueueDepth.Add(ctx, -int64(n))
	}
}

// RecordPerformed records a fully performed segment and its duration.
func (m *Metrics) RecordPerformed(ctx context.Context, character string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("character", character))
	m.SegmentsPerformed.Add(ctx, 1, attrs)
	m.SegmentDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordChunk records the outcome of one audio chunk.
func (m *Metrics) RecordChunk(ctx context.Context, status string, d time.Duration) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == "played" {
		m.ChunkDuration.Record(ctx, d.Seconds())
	}
}
