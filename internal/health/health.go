// Package health aggregates component health checks into one report served
// on the health endpoints.
package health

import (
	"sync"
	"time"
)

// Status is a component's health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's evaluated state.
type CheckResult struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Check evaluates one component. Checks must be fast and non-blocking;
// they run inline on the health endpoint.
type Check func() CheckResult

// Report is the aggregated health of the whole process.
type Report struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	CheckedAt  time.Time              `json:"checked_at"`
}

// Checker holds named checks and caches the evaluated report briefly so a
// scrape storm cannot amplify into a check storm.
type Checker struct {
	mu       sync.Mutex
	checks   map[string]Check
	cached   *Report
	cacheTTL time.Duration

	now func() time.Time // injectable clock for tests
}

// NewChecker constructs a checker with the given cache interval.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL <= 0 {
		cacheTTL = time.Second
	}
	return &Checker{
		checks:   make(map[string]Check),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Register adds a named check. Registering twice replaces the check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Report evaluates all checks, or returns the cached report if it is still
// fresh. The overall status is the worst component status.
func (c *Checker) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Sub(c.cached.CheckedAt) < c.cacheTTL {
		return *c.cached
	}

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(c.checks)),
		CheckedAt:  now,
	}
	for name, check := range c.checks {
		result := check()
		report.Components[name] = result
		if worse(result.Status, report.Status) {
			report.Status = result.Status
		}
	}

	c.cached = &report
	return report
}

// Healthy reports whether the aggregate status is not unhealthy. Degraded
// still serves traffic.
func (c *Checker) Healthy() bool {
	return c.Report().Status != StatusUnhealthy
}

// worse reports whether a is a worse status than b.
func worse(a, b Status) bool {
	return rank(a) > rank(b)
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
