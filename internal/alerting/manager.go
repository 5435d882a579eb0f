package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solatis/floodgate/internal/metrics"
)

// Alert is one firing or resolved alert instance.
type Alert struct {
	Rule       string     `json:"rule"`
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Severity   Severity   `json:"severity"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Sink receives alert state transitions. The audit store implements it;
// nil sinks are skipped.
type Sink interface {
	RecordTransition(ctx context.Context, alert Alert, firing bool) error
}

// Manager evaluates rules on a fixed cadence and tracks alert state.
//
// Hysteresis is asymmetric: a rule's condition must hold for its For
// duration before the alert fires, but the alert resolves on the first
// evaluation where the condition no longer holds. Slow to accuse, quick
// to forgive.
type Manager struct {
	mu          sync.Mutex
	rules       []Rule
	condSince   map[string]time.Time // rule name -> when the condition started holding
	firing      map[string]*Alert
	history     []*Alert // shares pointers with firing; resolution updates entries in place
	historySize int

	sink Sink
	log  zerolog.Logger
	now  func() time.Time // injectable clock for tests
}

// NewManager constructs a manager over a validated rule set.
func NewManager(rules []Rule, historySize int, sink Sink, log zerolog.Logger) *Manager {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if historySize <= 0 {
		historySize = 100
	}
	return &Manager{
		rules:       rules,
		condSince:   make(map[string]time.Time),
		firing:      make(map[string]*Alert),
		historySize: historySize,
		sink:        sink,
		log:         log.With().Str("component", "alerting").Logger(),
		now:         time.Now,
	}
}

// Run evaluates rules every interval until ctx is cancelled. source is
// called once per cycle to obtain the snapshot.
func (m *Manager) Run(ctx context.Context, interval time.Duration, source func() metrics.Snapshot) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Evaluate(ctx, source(), m.now())
		case <-ctx.Done():
			return
		}
	}
}

// Evaluate runs one evaluation cycle against snap. Exported so the serve
// loop and tests can drive evaluation without the ticker.
func (m *Manager) Evaluate(ctx context.Context, snap metrics.Snapshot, now time.Time) {
	m.mu.Lock()
	var transitions []Alert
	var fired []bool

	for _, rule := range m.rules {
		value, ok := snap[rule.Metric]
		if !ok {
			// Unknown metric never fires; a misconfigured rule should not
			// page anyone.
			continue
		}

		if !rule.breached(value) {
			delete(m.condSince, rule.Name)
			if alert, ok := m.firing[rule.Name]; ok {
				// The history entry appended at fire time is the same
				// pointer; it picks up ResolvedAt here.
				resolvedAt := now
				alert.ResolvedAt = &resolvedAt
				delete(m.firing, rule.Name)
				transitions = append(transitions, *alert)
				fired = append(fired, false)
			}
			continue
		}

		since, held := m.condSince[rule.Name]
		if !held {
			m.condSince[rule.Name] = now
			since = now
		}
		if _, already := m.firing[rule.Name]; already {
			m.firing[rule.Name].Value = value
			continue
		}
		if now.Sub(since) < rule.For {
			continue
		}

		alert := &Alert{
			Rule:      rule.Name,
			Metric:    rule.Metric,
			Value:     value,
			Threshold: rule.Threshold,
			Severity:  rule.Severity,
			FiredAt:   now,
		}
		m.firing[rule.Name] = alert
		m.appendHistoryLocked(alert)
		transitions = append(transitions, *alert)
		fired = append(fired, true)
	}
	m.mu.Unlock()

	for i, alert := range transitions {
		event := m.log.Warn()
		verb := "alert fired"
		if !fired[i] {
			event = m.log.Info()
			verb = "alert resolved"
		}
		event.
			Str("rule", alert.Rule).
			Str("severity", string(alert.Severity)).
			Float64("value", alert.Value).
			Float64("threshold", alert.Threshold).
			Msg(verb)

		if m.sink != nil {
			if err := m.sink.RecordTransition(ctx, alert, fired[i]); err != nil {
				m.log.Error().Err(err).Str("rule", alert.Rule).Msg("failed to persist alert transition")
			}
		}
	}
}

// CurrentAlerts returns the alerts firing right now.
func (m *Manager) CurrentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.firing))
	for _, a := range m.firing {
		out = append(out, *a)
	}
	return out
}

// FiringCount returns the number of alerts currently firing.
func (m *Manager) FiringCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.firing)
}

// History returns the alert history, most recently fired last. Alerts are
// appended when they fire; entries of still-firing alerts carry a nil
// ResolvedAt. The history is bounded; the oldest entries are discarded
// first.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	for i, a := range m.history {
		out[i] = *a
	}
	return out
}

// appendHistoryLocked appends within the size bound. Caller must hold m.mu.
func (m *Manager) appendHistoryLocked(a *Alert) {
	m.history = append(m.history, a)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}
