// Package metrics is the in-process operational registry. It exposes one
// JSON snapshot endpoint and one Prometheus text endpoint; nothing here
// requires an external metrics backend.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	errorCode     map[string]int64
	functionCalls map[string]*FunctionStat
	rateLimited   map[string]int64
	gauges        map[string]float64
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// FunctionStat tracks calls to one remote business function.
type FunctionStat struct {
	Count       int64   `json:"count"`
	ErrorCount  int64   `json:"error_count"`
	TotalMillis int64   `json:"total_millis"`
	MaxMillis   int64   `json:"max_millis"`
	AvgMillis   float64 `json:"avg_millis"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	ErrorCodes  map[string]int64        `json:"error_codes"`
	Functions   map[string]FunctionStat `json:"functions"`
	RateLimited map[string]int64        `json:"rate_limited"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		errorCode:     map[string]int64{},
		functionCalls: map[string]*FunctionStat{},
		rateLimited:   map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncErrorCode counts one user-visible failure by taxonomy code.
func (r *Registry) IncErrorCode(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	r.mu.Lock()
	r.errorCode[code]++
	r.mu.Unlock()
}

// ObserveFunctionCall records one remote function invocation.
func (r *Registry) ObserveFunctionCall(function string, failed bool, d time.Duration) {
	function = strings.ToUpper(strings.TrimSpace(function))
	if function == "" {
		return
	}
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.functionCalls[function]
	if !ok {
		stat = &FunctionStat{}
		r.functionCalls[function] = stat
	}
	stat.Count++
	if failed {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AvgMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncRateLimited counts one rejected request by limit class.
func (r *Registry) IncRateLimited(class string) {
	class = strings.TrimSpace(class)
	if class == "" {
		class = "default"
	}
	r.mu.Lock()
	r.rateLimited[class]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		ErrorCodes:  make(map[string]int64, len(r.errorCode)),
		Functions:   make(map[string]FunctionStat, len(r.functionCalls)),
		RateLimited: make(map[string]int64, len(r.rateLimited)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.errorCode {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.functionCalls {
		out.Functions[k] = *v
	}
	for k, v := range r.rateLimited {
		out.RateLimited[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP fsapi_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE fsapi_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fsapi_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP fsapi_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE fsapi_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fsapi_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP fsapi_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE fsapi_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fsapi_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP fsapi_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE fsapi_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fsapi_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP fsapi_error_total user-visible failures by error code\n")
		b.WriteString("# TYPE fsapi_error_total counter\n")
		for _, code := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "fsapi_error_total{code=%q} %d\n", code, snap.ErrorCodes[code])
		}
		b.WriteString("# HELP fsapi_function_call_total remote function calls\n")
		b.WriteString("# TYPE fsapi_function_call_total counter\n")
		for _, fn := range SortedKeys(snap.Functions) {
			stat := snap.Functions[fn]
			fmt.Fprintf(b, "fsapi_function_call_total{function=%q} %d\n", fn, stat.Count)
		}
		b.WriteString("# HELP fsapi_function_call_error_total failed remote function calls\n")
		b.WriteString("# TYPE fsapi_function_call_error_total counter\n")
		for _, fn := range SortedKeys(snap.Functions) {
			stat := snap.Functions[fn]
			fmt.Fprintf(b, "fsapi_function_call_error_total{function=%q} %d\n", fn, stat.ErrorCount)
		}
		b.WriteString("# HELP fsapi_function_call_avg_millis remote function average latency\n")
		b.WriteString("# TYPE fsapi_function_call_avg_millis gauge\n")
		for _, fn := range SortedKeys(snap.Functions) {
			stat := snap.Functions[fn]
			fmt.Fprintf(b, "fsapi_function_call_avg_millis{function=%q} %.3f\n", fn, stat.AvgMillis)
		}
		b.WriteString("# HELP fsapi_rate_limited_total rejected requests by limit class\n")
		b.WriteString("# TYPE fsapi_rate_limited_total counter\n")
		for _, class := range SortedKeys(snap.RateLimited) {
			fmt.Fprintf(b, "fsapi_rate_limited_total{class=%q} %d\n", class, snap.RateLimited[class])
		}
		b.WriteString("# HELP fsapi_gauge operational gauge metrics\n")
		b.WriteString("# TYPE fsapi_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "fsapi_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP fsapi_latency_seconds latency histogram\n")
			b.WriteString("# TYPE fsapi_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "fsapi_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "fsapi_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "fsapi_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "fsapi_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "fsapi_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "fsapi_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "fsapi_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
