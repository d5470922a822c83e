package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// serveMux wraps a mux with two routes in the middleware and installs an
// in-memory tracer as the global provider for the duration of the test.
func serveMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /models/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Trace", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /fail", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return Middleware(m)(mux), reader, exp
}

func TestMiddlewareRoutesAndStatus(t *testing.T) {
	h, reader, exp := serveMux(t)

	tests := []struct {
		method, path string
		wantStatus   int
		wantRoute    string
	}{
		{"GET", "/models/whisper-tiny", http.StatusOK, "GET /models/{id}"},
		{"GET", "/models/llama", http.StatusOK, "GET /models/{id}"},
		{"POST", "/fail", http.StatusInternalServerError, "POST /fail"},
		{"GET", "/nowhere", http.StatusNotFound, unmatchedRoute},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.wantStatus {
			t.Errorf("%s %s status = %d, want %d", tc.method, tc.path, rec.Code, tc.wantStatus)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != len(tests) {
		t.Fatalf("recorded %d spans, want %d", len(spans), len(tests))
	}
	for i, tc := range tests {
		if want := "HTTP " + tc.wantRoute; spans[i].Name != want {
			t.Errorf("span %d name = %q, want %q", i, spans[i].Name, want)
		}
	}

	met := findMetric(collect(t, reader), "murmur.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"GET /models/{id} 200":  2,
		"POST /fail 500":        1,
		unmatchedRoute + " 404": 1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%s] = %d, want %d (all %v)", k, counts[k], n, counts)
		}
	}
}

func TestMiddlewareCorrelation(t *testing.T) {
	h, _, _ := serveMux(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/models/a", nil))
	cid := rec.Header().Get(CorrelationHeader)
	if len(cid) != 32 {
		t.Fatalf("correlation id = %q, want 32 hex digits", cid)
	}
	if seen := rec.Header().Get("X-Seen-Trace"); seen != cid {
		t.Errorf("handler saw trace %q, header says %q", seen, cid)
	}

	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/models/a", nil)
	req.Header.Set("traceparent", "00-"+parent+"-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(CorrelationHeader); got != parent {
		t.Errorf("continued trace = %q, want %q", got, parent)
	}
}

func TestIsPoll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method, path string
		want         bool
	}{
		{"GET", "/readyz", true},
		{"GET", "/metrics", true},
		{"GET", "/ws", false},
		{"POST", "/status", false},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(tc.method, tc.path, nil)
		if got := isPoll(r); got != tc.want {
			t.Errorf("isPoll(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestSetupServesMetrics(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := Setup(context.Background(), ProviderConfig{ServiceVersion: "test", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	m, err := NewMetrics(tel.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordCommand(context.Background(), "load_model")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"murmur_commands_total", `type="load_model"`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output lacks %s", want)
		}
	}
}
