package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-process metrics surface for the world server: endpoint
// latency/throughput, inbound message kinds, reflect fanout counters, and
// per-group tick accounting. All methods are safe for concurrent use.
type Registry struct {
	mu                    sync.RWMutex
	endpoint              map[string]*EndpointStat
	messageKinds          map[string]int64
	publishTotal          map[string]int64
	deliveredTotal        map[string]int64
	deliveryFailures      int64
	unauthorizedPublishes int64
	tickTotal             map[string]int64
	tickDelayed           map[string]int64
	gauges                map[string]float64
	Histograms            *HistogramRegistry
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
	GeneratedAt           string                  `json:"generated_at"`
	Endpoints             map[string]EndpointStat `json:"endpoints"`
	MessageKinds          map[string]int64        `json:"message_kinds"`
	PublishTotal          map[string]int64        `json:"reflect_publish_total"`
	DeliveredTotal        map[string]int64        `json:"reflect_delivered_total"`
	DeliveryFailures      int64                   `json:"reflect_delivery_failures"`
	UnauthorizedPublishes int64                   `json:"reflect_unauthorized_publishes"`
	TickTotal             map[string]int64        `json:"tick_total"`
	TickDelayed           map[string]int64        `json:"tick_delayed_total"`
	Gauges                map[string]float64      `json:"gauges"`
	Histograms            []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		messageKinds:   map[string]int64{},
		publishTotal:   map[string]int64{},
		deliveredTotal: map[string]int64{},
		tickTotal:      map[string]int64{},
		tickDelayed:    map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
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

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) IncMessageKind(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "UNKNOWN"
	}
	r.mu.Lock()
	r.messageKinds[kind]++
	r.mu.Unlock()
}

func (r *Registry) IncPublish(syncGroup string) {
	if syncGroup == "" {
		return
	}
	r.mu.Lock()
	r.publishTotal[syncGroup]++
	r.mu.Unlock()
}

func (r *Registry) AddDelivered(syncGroup string, n int) {
	if syncGroup == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	r.deliveredTotal[syncGroup] += int64(n)
	r.mu.Unlock()
}

func (r *Registry) IncDeliveryFailure() {
	r.mu.Lock()
	r.deliveryFailures++
	r.mu.Unlock()
}

func (r *Registry) IncUnauthorizedPublish() {
	r.mu.Lock()
	r.unauthorizedPublishes++
	r.mu.Unlock()
}

func (r *Registry) IncTick(syncGroup string, delayed bool) {
	if syncGroup == "" {
		return
	}
	r.mu.Lock()
	r.tickTotal[syncGroup]++
	if delayed {
		r.tickDelayed[syncGroup]++
	}
	r.mu.Unlock()
}

// ObserveTickDuration records one tick's capture duration for a sync group.
func (r *Registry) ObserveTickDuration(syncGroup string, d time.Duration) {
	r.Histograms.ObserveDuration("tick:"+syncGroup, d)
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
		GeneratedAt:           time.Now().UTC().Format(time.RFC3339),
		Endpoints:             make(map[string]EndpointStat, len(r.endpoint)),
		MessageKinds:          make(map[string]int64, len(r.messageKinds)),
		PublishTotal:          make(map[string]int64, len(r.publishTotal)),
		DeliveredTotal:        make(map[string]int64, len(r.deliveredTotal)),
		DeliveryFailures:      r.deliveryFailures,
		UnauthorizedPublishes: r.unauthorizedPublishes,
		TickTotal:             make(map[string]int64, len(r.tickTotal)),
		TickDelayed:           make(map[string]int64, len(r.tickDelayed)),
		Gauges:                make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.messageKinds {
		out.MessageKinds[k] = v
	}
	for k, v := range r.publishTotal {
		out.PublishTotal[k] = v
	}
	for k, v := range r.deliveredTotal {
		out.DeliveredTotal[k] = v
	}
	for k, v := range r.tickTotal {
		out.TickTotal[k] = v
	}
	for k, v := range r.tickDelayed {
		out.TickDelayed[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack delegates to the underlying writer. The websocket upgrade on
// /v1/connect asserts http.Hijacker directly on the writer it is handed.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying writer does not support hijacking")
	}
	return hj.Hijack()
}

// HTTPObserver records per-endpoint latency and status for every request.
func (r *Registry) HTTPObserver() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req)
			r.Observe(req.URL.Path, sw.status, time.Since(start))
		})
	}
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
		b.WriteString("# HELP worldsync_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE worldsync_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "worldsync_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP worldsync_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE worldsync_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "worldsync_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP worldsync_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE worldsync_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "worldsync_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP worldsync_message_kind_total inbound frames by message kind\n")
		b.WriteString("# TYPE worldsync_message_kind_total counter\n")
		for _, kind := range SortedKeys(snap.MessageKinds) {
			fmt.Fprintf(b, "worldsync_message_kind_total{kind=%q} %d\n", kind, snap.MessageKinds[kind])
		}
		b.WriteString("# HELP worldsync_reflect_publish_total reflect publishes by sync group\n")
		b.WriteString("# TYPE worldsync_reflect_publish_total counter\n")
		for _, group := range SortedKeys(snap.PublishTotal) {
			fmt.Fprintf(b, "worldsync_reflect_publish_total{sync_group=%q} %d\n", group, snap.PublishTotal[group])
		}
		b.WriteString("# HELP worldsync_reflect_delivered_total reflect deliveries by sync group\n")
		b.WriteString("# TYPE worldsync_reflect_delivered_total counter\n")
		for _, group := range SortedKeys(snap.DeliveredTotal) {
			fmt.Fprintf(b, "worldsync_reflect_delivered_total{sync_group=%q} %d\n", group, snap.DeliveredTotal[group])
		}
		b.WriteString("# HELP worldsync_reflect_delivery_failures_total per-recipient delivery failures\n")
		b.WriteString("# TYPE worldsync_reflect_delivery_failures_total counter\n")
		fmt.Fprintf(b, "worldsync_reflect_delivery_failures_total %d\n", snap.DeliveryFailures)
		b.WriteString("# HELP worldsync_reflect_unauthorized_total publishes rejected by ACL\n")
		b.WriteString("# TYPE worldsync_reflect_unauthorized_total counter\n")
		fmt.Fprintf(b, "worldsync_reflect_unauthorized_total %d\n", snap.UnauthorizedPublishes)
		b.WriteString("# HELP worldsync_tick_total finalized ticks by sync group\n")
		b.WriteString("# TYPE worldsync_tick_total counter\n")
		for _, group := range SortedKeys(snap.TickTotal) {
			fmt.Fprintf(b, "worldsync_tick_total{sync_group=%q} %d\n", group, snap.TickTotal[group])
		}
		b.WriteString("# HELP worldsync_tick_delayed_total ticks whose capture exceeded the tick rate\n")
		b.WriteString("# TYPE worldsync_tick_delayed_total counter\n")
		for _, group := range SortedKeys(snap.TickDelayed) {
			fmt.Fprintf(b, "worldsync_tick_delayed_total{sync_group=%q} %d\n", group, snap.TickDelayed[group])
		}
		b.WriteString("# HELP worldsync_gauge operational gauge metrics\n")
		b.WriteString("# TYPE worldsync_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "worldsync_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP worldsync_latency_seconds latency histogram\n")
			b.WriteString("# TYPE worldsync_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "worldsync_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "worldsync_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "worldsync_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "worldsync_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "worldsync_latency_p50_seconds{name=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "worldsync_latency_p95_seconds{name=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "worldsync_latency_p99_seconds{name=%q} %.6f\n", h.Name, h.P99)
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
