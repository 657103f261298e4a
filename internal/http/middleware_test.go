package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-companion/internal/observability"
	"github.com/kjstillabower/weather-companion/internal/traffic"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	var gotID string
	var gotLogger *zap.Logger
	handler := CorrelationIDMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = observability.CorrelationID(r.Context())
		gotLogger = observability.LoggerFrom(r.Context(), nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "client-provided-id")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if gotID != "client-provided-id" {
		t.Errorf("context correlation ID = %q, want client-provided-id", gotID)
	}
	if got := w.Header().Get(CorrelationIDHeader); got != "client-provided-id" {
		t.Errorf("response header = %q, want client-provided-id", got)
	}
	if gotLogger == nil {
		t.Error("request logger missing from context")
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if gotID == "" || gotID == "client-provided-id" {
		t.Errorf("generated correlation ID = %q, want a fresh uuid", gotID)
	}
	if w.Header().Get(CorrelationIDHeader) != gotID {
		t.Error("generated ID should be echoed in the response header")
	}
}

func TestMetricsMiddleware_RouteTemplateAndInFlight(t *testing.T) {
	var route string
	var inFlight int64
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/locations/{id}", func(w http.ResponseWriter, r *http.Request) {
		route = routeTemplate(r)
		inFlight = InFlightCount()
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/locations/40.0_-3.0", nil))

	if route != "/locations/{id}" {
		t.Errorf("route = %q, want /locations/{id}", route)
	}
	if inFlight < 1 {
		t.Errorf("in-flight during request = %d, want >= 1", inFlight)
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestRouteTemplate_Unmatched(t *testing.T) {
	if got := routeTemplate(httptest.NewRequest(http.MethodGet, "/x", nil)); got != "unmatched" {
		t.Errorf("routeTemplate = %q, want unmatched", got)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 404: "4xx", 429: "4xx", 503: "5xx"}
	for code, want := range tests {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	resetGlobals(t)
	f := newFixture()
	f.useCases.block = make(chan struct{})
	defer close(f.useCases.block)

	router := NewRouter(f.handler(nil, nil), RouterConfig{RequestTimeout: 50 * time.Millisecond}, zap.NewNop())
	w := serve(router, http.MethodGet, "/weather/current", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 (timeout should surface as upstream unavailable)", w.Code)
	}
	if errs, _ := traffic.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("recorded errors = %d, want 1", errs)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hasDeadline {
		t.Error("request context has no deadline")
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	resetGlobals(t)
	f := newFixture()
	router := NewRouter(f.handler(nil, nil), RouterConfig{Limiter: rate.NewLimiter(1, 2)}, zap.NewNop())

	for i := 0; i < 3; i++ {
		w := serve(router, http.MethodGet, "/weather/current", "")
		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		body := decodeError(t, w)
		if body.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", body.Error.Code)
		}
		if body.Error.RequestID == "" {
			t.Error("429 should carry the correlation ID")
		}
	}

	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("denials = %d, want 1", got)
	}
	if errs, total := traffic.ErrorRate(time.Minute); errs != 0 || total != 2 {
		t.Errorf("error rate = %d/%d, want 0/2 (denials are not errors)", errs, total)
	}
}

func TestRateLimitMiddleware_OnlyGuardsUpstreamRoutes(t *testing.T) {
	resetGlobals(t)
	f := newFixture()
	router := NewRouter(f.handler(nil, nil), RouterConfig{Limiter: rate.NewLimiter(rate.Limit(0.001), 1)}, zap.NewNop())

	if w := serve(router, http.MethodGet, "/weather/current", ""); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	if w := serve(router, http.MethodGet, "/locations/search?q=Madrid", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("search status = %d, want 429", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := serve(router, http.MethodGet, "/settings", ""); w.Code != http.StatusOK {
			t.Errorf("settings status = %d, want 200 (not rate limited)", w.Code)
		}
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	handler := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil limiter should pass through")
	}
}

func TestTrafficMiddleware_ClassifiesOutcomes(t *testing.T) {
	tests := []struct {
		status     int
		wantErrors int
		wantTotal  int
	}{
		{http.StatusOK, 0, 1},
		{http.StatusNotFound, 0, 1},
		{http.StatusServiceUnavailable, 1, 1},
		{http.StatusTooManyRequests, 0, 0},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			resetGlobals(t)
			handler := TrafficMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
			errs, total := traffic.ErrorRate(time.Minute)
			if errs != tt.wantErrors || total != tt.wantTotal {
				t.Errorf("error rate = %d/%d, want %d/%d", errs, total, tt.wantErrors, tt.wantTotal)
			}
		})
	}
}

func TestTracingMiddleware_RecordsServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	router := mux.NewRouter()
	router.Use(TracingMiddleware)
	router.HandleFunc("/weather/current", func(w http.ResponseWriter, r *http.Request) {
		writeServiceError(w, r, errors.New("boom"))
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/weather/current", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "GET /weather/current" {
		t.Errorf("span name = %q", span.Name())
	}
	var status int64
	for _, attr := range span.Attributes() {
		if attr.Key == "http.status_code" {
			status = attr.Value.AsInt64()
		}
	}
	if status != http.StatusInternalServerError {
		t.Errorf("http.status_code = %d, want 500", status)
	}
	if span.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", span.Status().Code)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	resetGlobals(t)
	f := newFixture()
	w := serve(f.router(t), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
