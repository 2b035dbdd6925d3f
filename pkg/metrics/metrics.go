// Package metrics is a dependency-free registry for guard-layer counters,
// keyed by routeKey only. Nothing here accepts a raw path, identifier, or
// header value.
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
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	rejection map[string]int64
	degraded  map[string]int64
	replays   map[string]int64
	gauges    map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Rejections  map[string]int64        `json:"rejections"`
	Degraded    map[string]int64        `json:"degraded"`
	Replays     map[string]int64        `json:"idempotent_replays"`
	Gauges      map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		rejection: map[string]int64{},
		degraded:  map[string]int64{},
		replays:   map[string]int64{},
		gauges:    map[string]float64{},
	}
}

func (r *Registry) ObserveEndpoint(routeKey string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	if routeKey == "" {
		routeKey = "unknown"
	}
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[routeKey]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[routeKey] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += ms
	if ms > stat.MaxMillis {
		stat.MaxMillis = ms
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

// IncRejection counts a terminal guard rejection by route and error kind.
func (r *Registry) IncRejection(routeKey, kind string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.rejection[routeKey+"|"+kind]++
	r.mu.Unlock()
}

// IncDegraded counts a degraded-store occurrence by subsystem and route.
func (r *Registry) IncDegraded(subsystem, routeKey string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.degraded[subsystem+"|"+routeKey]++
	r.mu.Unlock()
}

// IncReplay counts an idempotent snapshot replay.
func (r *Registry) IncReplay(routeKey string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.replays[routeKey]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if r == nil {
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
		Endpoints:   map[string]EndpointStat{},
		Rejections:  map[string]int64{},
		Degraded:    map[string]int64{},
		Replays:     map[string]int64{},
		Gauges:      map[string]float64{},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.rejection {
		out.Rejections[k] = v
	}
	for k, v := range r.degraded {
		out.Degraded[k] = v
	}
	for k, v := range r.replays {
		out.Replays[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
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
		b.WriteString("# HELP tripguard_endpoint_count total requests by route key\n")
		b.WriteString("# TYPE tripguard_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tripguard_endpoint_count{route=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP tripguard_endpoint_error_count total 4xx/5xx responses by route key\n")
		b.WriteString("# TYPE tripguard_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tripguard_endpoint_error_count{route=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP tripguard_endpoint_avg_millis average latency in milliseconds\n")
		b.WriteString("# TYPE tripguard_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tripguard_endpoint_avg_millis{route=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP tripguard_rejection_total terminal guard rejections by route and kind\n")
		b.WriteString("# TYPE tripguard_rejection_total counter\n")
		for _, key := range SortedKeys(snap.Rejections) {
			route, kind := splitKey(key)
			fmt.Fprintf(b, "tripguard_rejection_total{route=%q,kind=%q} %d\n", route, kind, snap.Rejections[key])
		}
		b.WriteString("# HELP tripguard_degraded_total degraded store occurrences by subsystem and route\n")
		b.WriteString("# TYPE tripguard_degraded_total counter\n")
		for _, key := range SortedKeys(snap.Degraded) {
			sub, route := splitKey(key)
			fmt.Fprintf(b, "tripguard_degraded_total{subsystem=%q,route=%q} %d\n", sub, route, snap.Degraded[key])
		}
		b.WriteString("# HELP tripguard_replay_total idempotent snapshot replays by route\n")
		b.WriteString("# TYPE tripguard_replay_total counter\n")
		for _, route := range SortedKeys(snap.Replays) {
			fmt.Fprintf(b, "tripguard_replay_total{route=%q} %d\n", route, snap.Replays[route])
		}
		b.WriteString("# HELP tripguard_gauge operational gauge metrics\n")
		b.WriteString("# TYPE tripguard_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "tripguard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func splitKey(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return key, "unknown"
	}
	return parts[0], parts[1]
}

// SortedKeys returns map keys in stable order for deterministic exposition.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
