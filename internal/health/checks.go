package health

import (
	"fmt"

	"github.com/solatis/floodgate/internal/breaker"
)

// BreakerCheck maps breaker state to component health. An open breaker is
// degraded, not unhealthy: the process itself is fine and sheds load as
// designed, so orchestrators must not restart it.
func BreakerCheck(state func() breaker.State) Check {
	return func() CheckResult {
		switch s := state(); s {
		case breaker.StateClosed:
			return CheckResult{Status: StatusHealthy}
		case breaker.StateHalfOpen:
			return CheckResult{Status: StatusDegraded, Detail: "circuit half-open, probing engine"}
		default:
			return CheckResult{Status: StatusDegraded, Detail: "circuit open, engine isolated"}
		}
	}
}

// QueueCheck flags a queue running close to capacity.
func QueueCheck(depth func() int, capacity int) Check {
	return func() CheckResult {
		d := depth()
		if capacity <= 0 {
			return CheckResult{Status: StatusHealthy}
		}
		pct := 100 * d / capacity
		switch {
		case pct >= 95:
			return CheckResult{Status: StatusUnhealthy, Detail: fmt.Sprintf("queue at %d%% of capacity", pct)}
		case pct >= 80:
			return CheckResult{Status: StatusDegraded, Detail: fmt.Sprintf("queue at %d%% of capacity", pct)}
		default:
			return CheckResult{Status: StatusHealthy}
		}
	}
}

// ErrorRateCheck flags a sustained elevated error rate.
func ErrorRateCheck(errorRatePercent func() float64) Check {
	return func() CheckResult {
		rate := errorRatePercent()
		switch {
		case rate >= 50:
			return CheckResult{Status: StatusUnhealthy, Detail: fmt.Sprintf("error rate %.1f%%", rate)}
		case rate >= 10:
			return CheckResult{Status: StatusDegraded, Detail: fmt.Sprintf("error rate %.1f%%", rate)}
		default:
			return CheckResult{Status: StatusHealthy}
		}
	}
}
