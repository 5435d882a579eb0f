package metrics

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is a flat metric-name to value map evaluated by alert rules.
// Gauges published by other components are merged in by the caller.
type Snapshot map[string]float64

// Names of the derived metrics the collector produces.
const (
	MetricRequestRate      = "request_rate"
	MetricErrorRatePercent = "error_rate_percent"
	MetricLatencyP50Ms     = "latency_p50_ms"
	MetricLatencyP95Ms     = "latency_p95_ms"
	MetricLatencyP99Ms     = "latency_p99_ms"
	MetricTokensPerSecond  = "tokens_per_second"
)

// Collector keeps a sliding window of recent request outcomes and derives
// the rates and percentiles alert rules evaluate. It complements the
// Prometheus registry: Prometheus collectors are monotonic and meant for
// external scraping, while alert evaluation needs windowed values computed
// in-process.
type Collector struct {
	mu     sync.Mutex
	window time.Duration
	obs    []observation
	tokens []tokenSample

	now func() time.Time // injectable clock for tests
}

type observation struct {
	at      time.Time
	failed  bool
	latency time.Duration
}

type tokenSample struct {
	at time.Time
	n  int
}

// NewCollector constructs a collector with the given sliding window.
func NewCollector(window time.Duration) *Collector {
	if window <= 0 {
		window = time.Minute
	}
	return &Collector{window: window, now: time.Now}
}

// Observe records one finished request.
func (c *Collector) Observe(latency time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.obs = append(c.obs, observation{at: now, failed: failed, latency: latency})
	c.trimLocked(now)
}

// AddTokens records tokens produced by one completed call.
func (c *Collector) AddTokens(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.tokens = append(c.tokens, tokenSample{at: now, n: n})
	c.trimLocked(now)
}

// Snapshot derives the windowed metrics. An empty window yields zeroes, not
// NaNs, so rules compare against real numbers.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.trimLocked(now)

	snap := Snapshot{
		MetricRequestRate:      0,
		MetricErrorRatePercent: 0,
		MetricLatencyP50Ms:     0,
		MetricLatencyP95Ms:     0,
		MetricLatencyP99Ms:     0,
		MetricTokensPerSecond:  0,
	}

	secs := c.window.Seconds()
	if n := len(c.obs); n > 0 {
		failed := 0
		latencies := make([]float64, n)
		for i, o := range c.obs {
			if o.failed {
				failed++
			}
			latencies[i] = float64(o.latency.Milliseconds())
		}
		sort.Float64s(latencies)

		snap[MetricRequestRate] = float64(n) / secs
		snap[MetricErrorRatePercent] = 100 * float64(failed) / float64(n)
		snap[MetricLatencyP50Ms] = percentile(latencies, 0.50)
		snap[MetricLatencyP95Ms] = percentile(latencies, 0.95)
		snap[MetricLatencyP99Ms] = percentile(latencies, 0.99)
	}

	total := 0
	for _, s := range c.tokens {
		total += s.n
	}
	snap[MetricTokensPerSecond] = float64(total) / secs

	return snap
}

// trimLocked drops samples older than the window. Caller must hold c.mu.
func (c *Collector) trimLocked(now time.Time) {
	cutoff := now.Add(-c.window)

	i := 0
	for i < len(c.obs) && !c.obs[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.obs = append(c.obs[:0], c.obs[i:]...)
	}

	j := 0
	for j < len(c.tokens) && !c.tokens[j].at.After(cutoff) {
		j++
	}
	if j > 0 {
		c.tokens = append(c.tokens[:0], c.tokens[j:]...)
	}
}

// percentile reads the p-th percentile from a sorted slice using the
// nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p * float64(len(sorted)))
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
