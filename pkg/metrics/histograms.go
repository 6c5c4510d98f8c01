package metrics

import (
	"sync"
	"time"
)

// HistogramBucket stores the cumulative count at a latency upper bound.
type HistogramBucket struct {
	Le    float64 // upper bound in seconds
	Count int64
}

// defaultBuckets covers both sub-tick capture times and slow endpoints.
var defaultBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// Histogram tracks latency distributions with P50/P95/P99 estimates. Counts
// are kept per bin and cumulated when a snapshot is taken.
type Histogram struct {
	mu    sync.Mutex
	name  string
	bins  []int64 // observations within (bounds[i-1], bounds[i]]
	sum   float64
	count int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, bins: make([]int64, len(defaultBuckets))}
}

// Observe records a latency observation.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	for i, le := range defaultBuckets {
		if sec <= le {
			h.bins[i]++
			return
		}
	}
}

type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

// Snapshot returns a copy of the histogram state with percentile estimates
// derived from bucket bounds.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make([]HistogramBucket, len(defaultBuckets))
	var cumulative int64
	for i, le := range defaultBuckets {
		cumulative += h.bins[i]
		buckets[i] = HistogramBucket{Le: le, Count: cumulative}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     estimateQuantile(buckets, h.count, 0.50),
		P95:     estimateQuantile(buckets, h.count, 0.95),
		P99:     estimateQuantile(buckets, h.count, 0.99),
	}
}

// estimateQuantile returns the upper bound of the first bucket whose
// cumulative count reaches the quantile's rank.
func estimateQuantile(buckets []HistogramBucket, total int64, q float64) float64 {
	if total == 0 {
		return 0
	}
	rank := int64(q * float64(total))
	for _, b := range buckets {
		if b.Count > 0 && b.Count >= rank {
			return b.Le
		}
	}
	return 0
}

// HistogramRegistry manages named histograms.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns or creates a histogram by name.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	return out
}
