package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Strategy names a backoff strategy, selectable at configuration time.
type Strategy string

const (
	// StrategyFixed waits a constant interval between attempts.
	StrategyFixed Strategy = "fixed"

	// StrategyLinear grows the wait by a fixed increment per attempt.
	StrategyLinear Strategy = "linear"

	// StrategyExponential grows the wait exponentially with jitter.
	StrategyExponential Strategy = "exponential"

	// StrategyAdaptive scales the wait with the recently observed
	// failure rate.
	StrategyAdaptive Strategy = "adaptive"
)

// Backoff defines the interface for backoff strategies.
type Backoff interface {
	// Next returns the duration to wait before the next retry attempt.
	Next(attempt int) time.Duration

	// Reset resets the backoff state.
	Reset()
}

// ExponentialBackoff implements exponential backoff with optional jitter.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff creates a new exponential backoff.
func NewExponentialBackoff(initial, max time.Duration, factor, jitter float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		initial: initial,
		max:     max,
		factor:  factor,
		jitter:  jitter,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(b.initial) * math.Pow(b.factor, float64(attempt))

	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	if b.jitter > 0 {
		b.mu.Lock()
		jitterRange := backoff * b.jitter
		jitterValue := (b.rand.Float64() * 2 * jitterRange) - jitterRange
		backoff += jitterValue
		b.mu.Unlock()
	}

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// Reset implements Backoff.
func (b *ExponentialBackoff) Reset() {
	// ExponentialBackoff is stateless, nothing to reset
}

// FixedBackoff implements constant backoff.
type FixedBackoff struct {
	interval time.Duration
}

// NewFixedBackoff creates a new fixed backoff.
func NewFixedBackoff(interval time.Duration) *FixedBackoff {
	return &FixedBackoff{
		interval: interval,
	}
}

// Next implements Backoff.
func (b *FixedBackoff) Next(attempt int) time.Duration {
	return b.interval
}

// Reset implements Backoff.
func (b *FixedBackoff) Reset() {
	// FixedBackoff is stateless, nothing to reset
}

// LinearBackoff implements linear backoff.
type LinearBackoff struct {
	initial   time.Duration
	increment time.Duration
	max       time.Duration
}

// NewLinearBackoff creates a new linear backoff.
func NewLinearBackoff(initial, increment, max time.Duration) *LinearBackoff {
	return &LinearBackoff{
		initial:   initial,
		increment: increment,
		max:       max,
	}
}

// Next implements Backoff.
func (b *LinearBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := b.initial + time.Duration(attempt)*b.increment

	if backoff > b.max {
		backoff = b.max
	}

	return backoff
}

// Reset implements Backoff.
func (b *LinearBackoff) Reset() {
	// LinearBackoff is stateless, nothing to reset
}

// AdaptiveBackoff scales an exponential base delay by the failure rate
// observed over a sliding window of recent outcomes. A fully healthy window
// collapses the wait toward the initial interval; a fully failing window
// pushes it toward the maximum.
type AdaptiveBackoff struct {
	initial time.Duration
	max     time.Duration

	mu       sync.Mutex
	window   []bool // true = failure
	windowSz int
	next     int
	filled   bool
	rand     *rand.Rand
}

// NewAdaptiveBackoff creates a new adaptive backoff observing the last
// windowSize outcomes.
func NewAdaptiveBackoff(initial, max time.Duration, windowSize int) *AdaptiveBackoff {
	if windowSize < 1 {
		windowSize = 16
	}
	return &AdaptiveBackoff{
		initial:  initial,
		max:      max,
		window:   make([]bool, windowSize),
		windowSz: windowSize,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Observe records the outcome of an attempt.
func (b *AdaptiveBackoff) Observe(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window[b.next] = failed
	b.next++
	if b.next == b.windowSz {
		b.next = 0
		b.filled = true
	}
}

// FailureRate returns the failure fraction over the observed window.
func (b *AdaptiveBackoff) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureRateLocked()
}

func (b *AdaptiveBackoff) failureRateLocked() float64 {
	n := b.windowSz
	if !b.filled {
		n = b.next
	}
	if n == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

// Next implements Backoff.
func (b *AdaptiveBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	b.mu.Lock()
	rate := b.failureRateLocked()
	// Small jitter keeps concurrent retriers from synchronizing.
	jitter := 1 + (b.rand.Float64()*0.2 - 0.1)
	b.mu.Unlock()

	base := float64(b.initial) * math.Pow(2, float64(attempt))
	scaled := base * (1 + rate*float64(4)) * jitter

	if scaled > float64(b.max) {
		scaled = float64(b.max)
	}
	if scaled < float64(b.initial) {
		scaled = float64(b.initial)
	}

	return time.Duration(scaled)
}

// Reset implements Backoff.
func (b *AdaptiveBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	b.filled = false
	for i := range b.window {
		b.window[i] = false
	}
}
