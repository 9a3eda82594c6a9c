package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Histogram layouts in seconds. A turn runs from a short reply to a long
// monologue; a chunk is one utterance of a few hundred milliseconds; debug
// requests are in-process and fast.
var (
	turnBuckets    = []float64{0.5, 1, 2, 4, 8, 15, 30, 60, 120}
	chunkBuckets   = []float64{0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	requestBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1, 0.5}
)

// Views returns the bucket layouts of the stagelive duration histograms.
// Install them on every MeterProvider that records [Metrics].
func Views() []sdkmetric.View {
	hist := func(name string, bounds []float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		)
	}
	return []sdkmetric.View{
		hist("stagelive.segment.duration", turnBuckets),
		hist("stagelive.audio.chunk.duration", chunkBuckets),
		hist("stagelive.debug.request.duration", requestBuckets),
	}
}

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// ServiceName defaults to "stagelive".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// BackendURL, when set, is reported as a resource attribute so that
	// series from clients of different backends can be told apart.
	BackendURL string

	// TraceExporter receives finished spans. Nil keeps spans in-process
	// (they still drive trace-aware logging).
	TraceExporter sdktrace.SpanExporter
}

// NewMeterProvider builds a MeterProvider with the stagelive views and the
// given readers.
func NewMeterProvider(res *resource.Resource, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{sdkmetric.WithView(Views()...)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

// InitProvider installs the global providers: metrics go to the default
// Prometheus registry, which the debug server exposes on /metrics, and
// spans go to cfg.TraceExporter. The returned function flushes and stops
// both.
func InitProvider(_ context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stagelive"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.BackendURL != "" {
		attrs = append(attrs, attribute.String("stagelive.backend.url", cfg.BackendURL))
	}
	// Schemaless so the merge never conflicts with the SDK default schema.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, err
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := NewMeterProvider(res, exp)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
