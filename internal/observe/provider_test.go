package observe

import (
	"context"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// histogram returns the single data point of the float64 histogram name.
func histogram(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("metric %q: want one float64 histogram point, got %+v", name, met.Data)
	}
	return hist.DataPoints[0]
}

func TestViews_BucketLayouts(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPerformed(ctx, "maho", 12*time.Second)
	m.RecordChunk(ctx, "played", 70*time.Millisecond)
	m.DebugRequestDuration.Record(ctx, 0.002)

	rm := collect(t, reader)
	tests := []struct {
		name   string
		bounds []float64
		// bucket is the index the recorded value must land in.
		bucket int
	}{
		{name: "stagelive.segment.duration", bounds: turnBuckets, bucket: 5},          // (8, 15]
		{name: "stagelive.audio.chunk.duration", bounds: chunkBuckets, bucket: 2},     // (0.05, 0.1]
		{name: "stagelive.debug.request.duration", bounds: requestBuckets, bucket: 2}, // (0.001, 0.0025]
	}
	for _, tt := range tests {
		dp := histogram(t, rm, tt.name)
		if !slices.Equal(dp.Bounds, tt.bounds) {
			t.Errorf("%s bounds = %v, want %v", tt.name, dp.Bounds, tt.bounds)
			continue
		}
		if dp.Count != 1 || dp.BucketCounts[tt.bucket] != 1 {
			t.Errorf("%s bucket counts = %v, want the sample in bucket %d", tt.name, dp.BucketCounts, tt.bucket)
		}
	}
}

func TestViews_SubSecondChunksAreResolved(t *testing.T) {
	// Typical chunk lengths must not collapse into one bucket.
	last := -1
	for _, d := range []float64{0.04, 0.2, 0.4, 0.8} {
		i, _ := slices.BinarySearch(chunkBuckets, d)
		if i == last {
			t.Errorf("chunk length %vs shares a bucket with the previous one", d)
		}
		last = i
	}
}

func TestInitProvider_InstallsGlobals(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		BackendURL:     "ws://127.0.0.1:8080/ws",
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if otel.GetMeterProvider() == origMP || otel.GetTracerProvider() == origTP {
		t.Error("global providers were not replaced")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
