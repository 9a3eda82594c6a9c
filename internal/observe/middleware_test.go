package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddleware_SpanHeaderAndDuration(t *testing.T) {
	exp := useTestTracerProvider(t)
	m, reader := newTestMetrics(t)

	var inner trace.SpanContext
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = trace.SpanContextFromContext(r.Context())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !inner.HasTraceID() {
		t.Fatal("handler context carries no span")
	}
	if got := rec.Header().Get("X-Trace-ID"); got != inner.TraceID().String() {
		t.Errorf("X-Trace-ID = %q, want %q", got, inner.TraceID().String())
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "debug GET /readyz" {
		t.Fatalf("spans = %v", spans)
	}

	met := findMetric(collect(t, reader), "stagelive.debug.request.duration")
	if met == nil {
		t.Fatal("debug request duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("histogram = %+v", met.Data)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useTestTracerProvider(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var inner trace.SpanContext
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = trace.SpanContextFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := inner.TraceID().String(); got != traceID {
		t.Errorf("trace id = %q, want %q", got, traceID)
	}
}
