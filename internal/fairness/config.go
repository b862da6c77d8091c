// Package fairness decides which waiting request is serviced next when the
// pool is contended. It sits in front of the multiplexer and bounds each
// fairness class's share of concurrent leases.
package fairness

import (
	"time"
)

// Strategy names an allocation strategy, selectable at configuration time.
type Strategy string

const (
	// StrategyFIFO services requests strictly in arrival order.
	StrategyFIFO Strategy = "fifo"

	// StrategyRoundRobin cycles between fairness classes.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyWeightedFair balances in-service counts against class
	// weights. This is the default.
	StrategyWeightedFair Strategy = "weighted_fair"

	// StrategyPriority services the highest-priority ticket first.
	StrategyPriority Strategy = "priority"
)

// Config holds allocator configuration.
type Config struct {
	// Strategy selects the allocation strategy.
	Strategy Strategy

	// MaxConcurrent is the number of tickets that may be in service at
	// once, normally the pool's maximum size.
	MaxConcurrent int

	// MaxWait fails tickets still queued after this long. There is no
	// unbounded queueing.
	MaxWait time.Duration

	// Weights maps fairness classes to their weighted-fair weight.
	Weights map[string]int

	// DefaultWeight applies to classes absent from Weights.
	DefaultWeight int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Strategy:      StrategyWeightedFair,
		MaxConcurrent: 10,
		MaxWait:       10 * time.Second,
		DefaultWeight: 1,
	}
}

// Validate validates and normalizes the configuration.
func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyFIFO, StrategyRoundRobin, StrategyWeightedFair, StrategyPriority:
	default:
		c.Strategy = StrategyWeightedFair
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 10
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Second
	}
	if c.DefaultWeight < 1 {
		c.DefaultWeight = 1
	}
	for class, w := range c.Weights {
		if w < 1 {
			c.Weights[class] = 1
		}
	}
	return nil
}

// weightOf returns the weight for a class.
func (c *Config) weightOf(class string) int {
	if w, ok := c.Weights[class]; ok {
		return w
	}
	return c.DefaultWeight
}
