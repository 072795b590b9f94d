package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/rfc/call-function", 200, 15*time.Millisecond)
	r.Observe("POST /v1/rfc/call-function", 503, 35*time.Millisecond)
	r.IncErrorCode("REMOTE_UNAVAILABLE")
	r.IncErrorCode("REMOTE_UNAVAILABLE")
	r.IncRateLimited("sap")
	r.SetGauge("limiter_buckets", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["POST /v1/rfc/call-function"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.ErrorCodes["REMOTE_UNAVAILABLE"] != 2 {
		t.Fatalf("expected REMOTE_UNAVAILABLE=2 got=%d", snap.ErrorCodes["REMOTE_UNAVAILABLE"])
	}
	if snap.RateLimited["sap"] != 1 {
		t.Fatalf("expected rate_limited sap=1 got=%d", snap.RateLimited["sap"])
	}
	if snap.Gauges["limiter_buckets"] != 3 {
		t.Fatalf("expected gauge limiter_buckets=3 got=%v", snap.Gauges["limiter_buckets"])
	}
}

func TestObserveFunctionCall(t *testing.T) {
	r := NewRegistry()
	r.ObserveFunctionCall(" zmast_customer ", false, 100*time.Millisecond)
	r.ObserveFunctionCall("ZMAST_CUSTOMER", true, 300*time.Millisecond)

	snap := r.Snapshot()
	stat, ok := snap.Functions["ZMAST_CUSTOMER"]
	if !ok {
		t.Fatalf("function name not normalized: %v", snap.Functions)
	}
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("stat = %+v", stat)
	}
	if stat.MaxMillis != 300 || stat.AvgMillis != 200 {
		t.Fatalf("latency stat = %+v", stat)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/rfc/call-function", 200, 12*time.Millisecond)
	r.Observe("POST /v1/rfc/call-function", 500, 20*time.Millisecond)
	r.ObserveFunctionCall("ZMAST_CUSTOMER", false, 80*time.Millisecond)
	r.IncErrorCode("INVALID_INPUT")
	r.IncRateLimited("auth")
	r.SetGauge("limiter_buckets", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "fsapi_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "fsapi_error_total{code=\"INVALID_INPUT\"} 1") {
		t.Fatalf("missing error code metric: %s", body)
	}
	if !strings.Contains(body, "fsapi_function_call_total{function=\"ZMAST_CUSTOMER\"} 1") {
		t.Fatalf("missing function metric: %s", body)
	}
	if !strings.Contains(body, "fsapi_rate_limited_total{class=\"auth\"} 1") {
		t.Fatalf("missing rate limit metric: %s", body)
	}
	if !strings.Contains(body, "fsapi_gauge{name=\"limiter_buckets\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncErrorCode("")
	r.ObserveFunctionCall("", false, time.Millisecond)
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
