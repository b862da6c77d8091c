// Package retry provides retry functionality with configurable backoff
// strategies for transient backend failures.
package retry

import (
	"context"
	"time"

	"github.com/vyrodovalexey/awgw/internal/observability"
)

// Condition decides whether an error is worth retrying.
type Condition func(err error) bool

// RetryAll retries on any non-nil error.
func RetryAll() Condition {
	return func(err error) bool {
		return err != nil
	}
}

// Policy defines the retry policy configuration.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Strategy selects the backoff strategy.
	Strategy Strategy

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0 to 1.0).
	Jitter float64

	// Increment is the per-attempt increase for linear backoff.
	Increment time.Duration

	// AdaptiveWindow is the outcome window size for adaptive backoff.
	AdaptiveWindow int

	// RetryOn decides whether an error triggers a retry. When nil any
	// error is retried.
	RetryOn Condition

	// Logger for logging retry attempts.
	Logger observability.Logger
}

// DefaultPolicy returns a Policy with default values.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		Strategy:       StrategyExponential,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		AdaptiveWindow: 16,
	}
}

// NoRetryPolicy returns a policy that makes exactly one attempt.
func NoRetryPolicy() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Validate validates and normalizes the policy.
func (p *Policy) Validate() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2.0
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.1
	}
	if p.Increment <= 0 {
		p.Increment = p.InitialBackoff
	}
	if p.AdaptiveWindow < 1 {
		p.AdaptiveWindow = 16
	}
}

// NewBackoff builds the Backoff implementation the policy selects.
func (p *Policy) NewBackoff() Backoff {
	switch p.Strategy {
	case StrategyFixed:
		return NewFixedBackoff(p.InitialBackoff)
	case StrategyLinear:
		return NewLinearBackoff(p.InitialBackoff, p.Increment, p.MaxBackoff)
	case StrategyAdaptive:
		return NewAdaptiveBackoff(p.InitialBackoff, p.MaxBackoff, p.AdaptiveWindow)
	default:
		return NewExponentialBackoff(p.InitialBackoff, p.MaxBackoff, p.BackoffFactor, p.Jitter)
	}
}

// Do executes fn until it succeeds, a non-retryable error occurs, the
// context is cancelled, or attempts are exhausted. The last error is
// surfaced on exhaustion.
func (p *Policy) Do(ctx context.Context, operation string, fn func() error) error {
	p.Validate()

	backoff := p.NewBackoff()
	adaptive, _ := backoff.(*AdaptiveBackoff)
	logger := p.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		RecordRetryAttempt(operation, attempt)
		err := fn()
		if adaptive != nil {
			adaptive.Observe(err != nil)
		}
		if err == nil {
			if attempt > 0 {
				RecordRetrySuccess(operation)
			}
			RecordRetryDuration(operation, true, time.Since(start).Seconds())
			return nil
		}

		lastErr = err

		if !p.shouldRetry(err) || attempt == p.MaxAttempts-1 {
			break
		}

		waitDuration := backoff.Next(attempt)
		RecordBackoffDuration(operation, attempt, waitDuration.Seconds())

		logger.Debug("retrying operation",
			observability.String("operation", operation),
			observability.Int("attempt", attempt+1),
			observability.Int("max_attempts", p.MaxAttempts),
			observability.Duration("wait", waitDuration),
			observability.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitDuration):
		}
	}

	RecordRetryFailure(operation)
	RecordRetryDuration(operation, false, time.Since(start).Seconds())
	return lastErr
}

// shouldRetry checks if the error should trigger a retry.
func (p *Policy) shouldRetry(err error) bool {
	if p.RetryOn == nil {
		return err != nil
	}
	return p.RetryOn(err)
}

// WithMaxAttempts sets the attempt limit.
func (p *Policy) WithMaxAttempts(n int) *Policy {
	p.MaxAttempts = n
	return p
}

// WithStrategy sets the backoff strategy.
func (p *Policy) WithStrategy(s Strategy) *Policy {
	p.Strategy = s
	return p
}

// WithInitialBackoff sets the initial backoff.
func (p *Policy) WithInitialBackoff(d time.Duration) *Policy {
	p.InitialBackoff = d
	return p
}

// WithMaxBackoff sets the maximum backoff.
func (p *Policy) WithMaxBackoff(d time.Duration) *Policy {
	p.MaxBackoff = d
	return p
}

// WithRetryOn sets the retry condition.
func (p *Policy) WithRetryOn(cond Condition) *Policy {
	p.RetryOn = cond
	return p
}

// WithLogger sets the logger.
func (p *Policy) WithLogger(logger observability.Logger) *Policy {
	p.Logger = logger
	return p
}
