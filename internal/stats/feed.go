// Package stats maintains rolling per-endpoint request statistics.
//
// The feed keeps a bounded window of recent samples for each provider
// endpoint and exposes aggregate views used for TTL tuning decisions and
// the observability snapshot.
package stats

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the number of samples retained per endpoint.
const DefaultWindowSize = 128

// Outcome classifies a completed provider call for statistics purposes.
type Outcome int

const (
	// OutcomeSuccess indicates the call completed normally.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure indicates the call failed for any reason.
	OutcomeFailure
)

type sample struct {
	latency time.Duration
	outcome Outcome
}

// EndpointStats is an aggregate view over an endpoint's sample window.
type EndpointStats struct {
	Endpoint    string        `json:"endpoint"`
	Count       int           `json:"count"`
	Failures    int           `json:"failures"`
	ErrorRate   float64       `json:"errorRate"`
	MeanLatency time.Duration `json:"meanLatency"`
	P95Latency  time.Duration `json:"p95Latency"`
}

type window struct {
	mu      sync.Mutex
	samples []sample
	next    int
	filled  bool
}

func (w *window) record(s sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *window) snapshot() (int, int, time.Duration, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	count := w.next
	if w.filled {
		count = len(w.samples)
	}
	if count == 0 {
		return 0, 0, 0, 0
	}

	failures := 0
	var total time.Duration
	latencies := make([]time.Duration, 0, count)
	for i := 0; i < count; i++ {
		s := w.samples[i]
		if s.outcome == OutcomeFailure {
			failures++
		}
		total += s.latency
		latencies = append(latencies, s.latency)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (count*95 + 99) / 100
	if idx > 0 {
		idx--
	}

	return count, failures, total / time.Duration(count), latencies[idx]
}

// Feed records request outcomes and serves aggregate endpoint statistics.
type Feed struct {
	windowSize int

	mu      sync.RWMutex
	windows map[string]*window

	metrics *Metrics
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithWindowSize overrides the per-endpoint sample window size.
func WithWindowSize(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.windowSize = n
		}
	}
}

// WithMetrics attaches Prometheus metrics to the feed.
func WithMetrics(m *Metrics) FeedOption {
	return func(f *Feed) {
		f.metrics = m
	}
}

// NewFeed creates a new statistics feed.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		windowSize: DefaultWindowSize,
		windows:    make(map[string]*window),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Record adds one sample for the endpoint.
func (f *Feed) Record(endpoint string, latency time.Duration, outcome Outcome) {
	f.endpointWindow(endpoint).record(sample{latency: latency, outcome: outcome})

	if f.metrics != nil {
		f.metrics.RecordCall(endpoint, latency, outcome)
	}
}

// Endpoint returns the aggregate view for one endpoint. Endpoints with no
// recorded samples yield a zero-valued view.
func (f *Feed) Endpoint(endpoint string) EndpointStats {
	f.mu.RLock()
	w, ok := f.windows[endpoint]
	f.mu.RUnlock()

	st := EndpointStats{Endpoint: endpoint}
	if !ok {
		return st
	}

	count, failures, mean, p95 := w.snapshot()
	st.Count = count
	st.Failures = failures
	st.MeanLatency = mean
	st.P95Latency = p95
	if count > 0 {
		st.ErrorRate = float64(failures) / float64(count)
	}
	return st
}

// Snapshot returns aggregate views for every endpoint that has samples.
func (f *Feed) Snapshot() map[string]EndpointStats {
	f.mu.RLock()
	names := make([]string, 0, len(f.windows))
	for name := range f.windows {
		names = append(names, name)
	}
	f.mu.RUnlock()

	out := make(map[string]EndpointStats, len(names))
	for _, name := range names {
		out[name] = f.Endpoint(name)
	}
	return out
}

func (f *Feed) endpointWindow(endpoint string) *window {
	f.mu.RLock()
	w, ok := f.windows[endpoint]
	f.mu.RUnlock()
	if ok {
		return w
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok = f.windows[endpoint]; ok {
		return w
	}
	w = &window{samples: make([]sample, f.windowSize)}
	f.windows[endpoint] = w
	return w
}
