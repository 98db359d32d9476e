package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs an in-memory tracer provider globally and returns
// metrics backed by a manual reader. Tests using it must not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// callRoutes mimics the server mux: call endpoints collapse to one route.
func callRoutes(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/v1/calls/") {
		return "/v1/calls/{transport}"
	}
	return r.URL.Path
}

func TestMiddleware_CorrelationID(t *testing.T) {
	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "new trace"},
		{
			name:        "w3c trace context is continued",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want:        "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := testSetup(t)
			var seen string
			h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.traceparent != "" {
				req.Header.Set("traceparent", tc.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation id = %q", seen)
			}
			if tc.want != "" && seen != tc.want {
				t.Errorf("correlation id = %q, want %q", seen, tc.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
		})
	}
}

func TestMiddleware_SpanAndDuration(t *testing.T) {
	tests := []struct {
		path      string
		status    int
		wantRoute string
		wantError bool
	}{
		{path: "/v1/calls/opus", status: http.StatusNotFound, wantRoute: "/v1/calls/{transport}"},
		{path: "/v1/calls/pcm", status: http.StatusServiceUnavailable, wantRoute: "/v1/calls/{transport}", wantError: true},
		{path: "/readyz", status: http.StatusOK, wantRoute: "/readyz"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			m, reader, exp := testSetup(t)
			h := Middleware(m, WithRoute(callRoutes))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if want := "GET " + tc.wantRoute; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			var gotStatus int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					gotStatus = a.Value.AsInt64()
				}
			}
			if gotStatus != int64(tc.status) {
				t.Errorf("span status code = %d, want %d", gotStatus, tc.status)
			}
			if isErr := spans[0].Status.Code == codes.Error; isErr != tc.wantError {
				t.Errorf("span error = %v, want %v", isErr, tc.wantError)
			}

			var rm metricdata.ResourceMetrics
			if err := reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "voxline.http.request.duration")
			if met == nil {
				t.Fatal("duration histogram not found")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("data points = %+v", hist.DataPoints)
			}
			route, ok := hist.DataPoints[0].Attributes.Value("route")
			if !ok || route.AsString() != tc.wantRoute {
				t.Errorf("route attribute = %v, want %q", route, tc.wantRoute)
			}
		})
	}
}

func TestMiddleware_QuietRoutes(t *testing.T) {
	testSetup(t)
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	h := Middleware(nil, WithQuietRoutes("/healthz", "/metrics"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("quiet route logged at info: %s", buf.String())
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/calls/pcm", nil))
	if !strings.Contains(buf.String(), "route=/v1/calls/pcm") {
		t.Errorf("log = %q, want a completion line for the call route", buf.String())
	}
}

func TestMiddleware_NilMetricsAndHijack(t *testing.T) {
	testSetup(t)

	var hijackable bool
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, hijackable = w.(http.Hijacker)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls/alaw", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if !hijackable {
		t.Error("wrapped writer does not expose http.Hijacker")
	}
}
