// Package alerting evaluates threshold rules against metric snapshots and
// tracks firing alerts with hysteresis.
package alerting

import (
	"fmt"
	"time"

	"github.com/solatis/floodgate/internal/metrics"
)

// Severity ranks an alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Comparison is the operator a rule applies between metric and threshold.
type Comparison string

const (
	CompareGT Comparison = ">"
	CompareLT Comparison = "<"
	CompareGE Comparison = ">="
	CompareLE Comparison = "<="
)

// Rule is one threshold condition over a snapshot metric. The condition
// must hold continuously for the For duration before the alert fires;
// transient spikes shorter than For never alert.
type Rule struct {
	Name       string
	Metric     string
	Threshold  float64
	Comparison Comparison
	For        time.Duration
	Severity   Severity
}

// Validate rejects rules that could never fire or would fire ambiguously.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("alert rule missing name")
	}
	if r.Metric == "" {
		return fmt.Errorf("alert rule %q missing metric", r.Name)
	}
	switch r.Comparison {
	case CompareGT, CompareLT, CompareGE, CompareLE:
	default:
		return fmt.Errorf("alert rule %q has invalid comparison %q", r.Name, r.Comparison)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("alert rule %q has invalid severity %q", r.Name, r.Severity)
	}
	if r.For < 0 {
		return fmt.Errorf("alert rule %q has negative hold duration", r.Name)
	}
	return nil
}

// breached reports whether the rule's condition holds for value.
func (r Rule) breached(value float64) bool {
	switch r.Comparison {
	case CompareGT:
		return value > r.Threshold
	case CompareLT:
		return value < r.Threshold
	case CompareGE:
		return value >= r.Threshold
	case CompareLE:
		return value <= r.Threshold
	default:
		return false
	}
}

// DefaultRules is the rule set installed when none are configured. The
// thresholds match the service's historical production tuning.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "high_error_rate",
			Metric:     metrics.MetricErrorRatePercent,
			Threshold:  10,
			Comparison: CompareGT,
			For:        30 * time.Second,
			Severity:   SeverityCritical,
		},
		{
			Name:       "high_latency_p95",
			Metric:     metrics.MetricLatencyP95Ms,
			Threshold:  5000,
			Comparison: CompareGT,
			For:        time.Minute,
			Severity:   SeverityWarning,
		},
		{
			Name:       "queue_near_capacity",
			Metric:     "queue_utilization_percent",
			Threshold:  90,
			Comparison: CompareGE,
			For:        30 * time.Second,
			Severity:   SeverityWarning,
		},
		{
			Name:       "circuit_open",
			Metric:     "breaker_state",
			Threshold:  1,
			Comparison: CompareGE,
			For:        0,
			Severity:   SeverityCritical,
		},
	}
}
