// Package pool owns the bounded collection of physical warehouse
// connections and hands them out as exclusive, short-lived leases.
package pool

import (
	"time"

	"github.com/vyrodovalexey/awgw/internal/retry"
)

// Config holds connection pool configuration. It is read-only after the
// pool starts; only Resize may adjust the size bounds afterwards.
type Config struct {
	// MinSize is the number of warm connections the pool maintains.
	MinSize int

	// MaxSize is the upper bound on total connections.
	MaxSize int

	// AcquireTimeout bounds how long Acquire waits for a free connection.
	AcquireTimeout time.Duration

	// WaitQueue controls behavior at capacity: when true, Acquire queues
	// FIFO up to AcquireTimeout; when false, it fails immediately with
	// ErrPoolExhausted.
	WaitQueue bool

	// IdleRetireAge retires idle connections older than this. Zero
	// disables age-based retirement.
	IdleRetireAge time.Duration

	// HealthCheckInterval is how often idle connections are probed.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds each health probe.
	HealthCheckTimeout time.Duration

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// DialRetry is the retry policy for transient connection-creation
	// failures. Nil uses a default exponential policy.
	DialRetry *retry.Policy
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MinSize:             2,
		MaxSize:             10,
		AcquireTimeout:      5 * time.Second,
		WaitQueue:           true,
		IdleRetireAge:       10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  3 * time.Second,
		DialTimeout:         10 * time.Second,
	}
}

// Validate validates and normalizes the configuration.
func (c *Config) Validate() error {
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MaxSize < 1 {
		c.MaxSize = 1
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.DialRetry == nil {
		c.DialRetry = retry.DefaultPolicy()
	}
	return nil
}
