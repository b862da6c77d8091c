// Package circuitbreaker guards calls against a failing warehouse backend.
// It implements the circuit breaker pattern to prevent cascading failures.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int

	// CoolDown is the duration the circuit stays open before transitioning
	// to half-open. Repeated open transitions grow the effective cool-down
	// by CoolDownFactor up to MaxCoolDown.
	CoolDown time.Duration

	// MaxCoolDown bounds the grown cool-down.
	MaxCoolDown time.Duration

	// CoolDownFactor is the multiplier applied to the cool-down each time
	// the circuit re-opens. 1.0 disables growth.
	CoolDownFactor float64

	// HalfOpenMax is the maximum number of probe requests allowed in
	// half-open state.
	HalfOpenMax int

	// SuccessThreshold is the number of successes needed to close the
	// circuit from half-open state.
	SuccessThreshold int

	// IsSuccessful is a function that determines if an error should be
	// counted as a failure. If nil, all non-nil errors are counted as failures.
	IsSuccessful func(err error) bool

	// OnStateChange is called when the circuit breaker state changes.
	OnStateChange func(name string, from, to State)

	// FailureRatio is the failure ratio threshold (0.0 to 1.0) for opening
	// the circuit over the sampling window. Zero disables ratio triggering.
	FailureRatio float64

	// MinRequests is the minimum number of requests in the window before
	// the failure ratio is evaluated.
	MinRequests int

	// SamplingDuration is the window over which failures are counted.
	// After this duration the counts reset.
	SamplingDuration time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:      5,
		CoolDown:         30 * time.Second,
		MaxCoolDown:      5 * time.Minute,
		CoolDownFactor:   2.0,
		HalfOpenMax:      1,
		SuccessThreshold: 1,
		FailureRatio:     0,
		MinRequests:      10,
		SamplingDuration: time.Minute,
	}
}

// Validate validates and normalizes the configuration.
func (c *Config) Validate() error {
	if c.MaxFailures < 1 {
		c.MaxFailures = 5
	}
	if c.CoolDown < time.Millisecond {
		c.CoolDown = 30 * time.Second
	}
	if c.MaxCoolDown < c.CoolDown {
		c.MaxCoolDown = c.CoolDown
	}
	if c.CoolDownFactor < 1 {
		c.CoolDownFactor = 1
	}
	if c.HalfOpenMax < 1 {
		c.HalfOpenMax = 1
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 1
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0
	}
	if c.MinRequests < 1 {
		c.MinRequests = 10
	}
	if c.SamplingDuration < time.Second {
		c.SamplingDuration = time.Minute
	}
	return nil
}

// WithMaxFailures sets the maximum consecutive failures.
func (c *Config) WithMaxFailures(n int) *Config {
	c.MaxFailures = n
	return c
}

// WithCoolDown sets the base cool-down duration.
func (c *Config) WithCoolDown(d time.Duration) *Config {
	c.CoolDown = d
	return c
}

// WithMaxCoolDown sets the cool-down upper bound.
func (c *Config) WithMaxCoolDown(d time.Duration) *Config {
	c.MaxCoolDown = d
	return c
}

// WithCoolDownFactor sets the cool-down growth factor.
func (c *Config) WithCoolDownFactor(f float64) *Config {
	c.CoolDownFactor = f
	return c
}

// WithHalfOpenMax sets the maximum half-open probe requests.
func (c *Config) WithHalfOpenMax(n int) *Config {
	c.HalfOpenMax = n
	return c
}

// WithSuccessThreshold sets the success threshold.
func (c *Config) WithSuccessThreshold(n int) *Config {
	c.SuccessThreshold = n
	return c
}

// WithIsSuccessful sets the success check function.
func (c *Config) WithIsSuccessful(fn func(err error) bool) *Config {
	c.IsSuccessful = fn
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}

// WithFailureRatio sets the windowed failure ratio threshold.
func (c *Config) WithFailureRatio(ratio float64) *Config {
	c.FailureRatio = ratio
	return c
}

// WithMinRequests sets the minimum requests for ratio evaluation.
func (c *Config) WithMinRequests(n int) *Config {
	c.MinRequests = n
	return c
}

// WithSamplingDuration sets the sampling window.
func (c *Config) WithSamplingDuration(d time.Duration) *Config {
	c.SamplingDuration = d
	return c
}
