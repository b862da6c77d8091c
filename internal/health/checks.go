package health

import (
	"fmt"

	"github.com/vyrodovalexey/awgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/awgw/internal/pool"
)

// PoolCheck reports the connection pool's ability to serve leases. A
// degraded pool (dial failures, below minimum) is still operational; an
// empty pool is not.
func PoolCheck(p *pool.Pool) CheckFunc {
	return func() Check {
		stats := p.Stats()

		if stats.Total == 0 {
			return Check{
				Status:  StatusUnhealthy,
				Message: "no warehouse connections available",
			}
		}
		if stats.Degraded {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("pool degraded: %d connections, %d dial failures", stats.Total, stats.DialFailures),
			}
		}
		return Check{Status: StatusHealthy}
	}
}

// BreakerCheck reports the backend breaker state. An open breaker means
// the warehouse is effectively down; half-open is a recovering probe.
func BreakerCheck(cb *circuitbreaker.CircuitBreaker) CheckFunc {
	return func() Check {
		switch cb.State() {
		case circuitbreaker.StateOpen:
			return Check{
				Status:  StatusUnhealthy,
				Message: "backend circuit breaker is open",
			}
		case circuitbreaker.StateHalfOpen:
			return Check{
				Status:  StatusDegraded,
				Message: "backend circuit breaker is probing",
			}
		default:
			return Check{Status: StatusHealthy}
		}
	}
}
