// Package admission decides whether a request may enter the gateway at
// all, before it competes for a pooled connection. Checks are
// non-blocking: a request over the limit is rejected immediately rather
// than queued.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/awgw/internal/admission/store"
	"github.com/vyrodovalexey/awgw/internal/observability"
)

// Sentinel errors for admission decisions.
var (
	// ErrRateLimited is returned when a token bucket has no capacity.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQuotaExceeded is returned when a client's windowed quota is spent.
	ErrQuotaExceeded = errors.New("admission quota exceeded")
)

// Default configuration constants.
const (
	// DefaultClientTTL is the default TTL for idle per-client limiter entries.
	DefaultClientTTL = 10 * time.Minute

	// DefaultCleanupInterval is the default interval between limiter sweeps.
	DefaultCleanupInterval = time.Minute
)

// Config holds admission controller configuration. Rates are in cost
// units per second, so an expensive operation drains more of the bucket
// than a cheap one.
type Config struct {
	// Enabled turns admission control on. Disabled admits everything.
	Enabled bool

	// GlobalRate caps total admitted cost per second across all clients.
	// Zero disables the global bucket.
	GlobalRate float64

	// GlobalBurst is the global bucket capacity.
	GlobalBurst int

	// PerClientRate caps admitted cost per second for each client. Zero
	// disables per-client buckets.
	PerClientRate float64

	// PerClientBurst is the per-client bucket capacity.
	PerClientBurst int

	// ClientTTL reclaims per-client limiter entries idle this long.
	ClientTTL time.Duration

	// CleanupInterval is how often idle entries are swept.
	CleanupInterval time.Duration

	// Quota caps total admitted cost per client per QuotaWindow, counted
	// in Store. Zero disables quota enforcement.
	Quota int64

	// QuotaWindow is the fixed quota window.
	QuotaWindow time.Duration

	// Store backs the quota counters. A shared backend enforces one
	// quota across gateway instances. Required when Quota is set.
	Store store.Store
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		GlobalRate:      1000,
		GlobalBurst:     200,
		PerClientRate:   100,
		PerClientBurst:  20,
		ClientTTL:       DefaultClientTTL,
		CleanupInterval: DefaultCleanupInterval,
		QuotaWindow:     time.Minute,
	}
}

// Validate validates and normalizes the configuration.
func (c *Config) Validate() error {
	if c.GlobalRate > 0 && c.GlobalBurst < 1 {
		c.GlobalBurst = int(c.GlobalRate)
	}
	if c.PerClientRate > 0 && c.PerClientBurst < 1 {
		c.PerClientBurst = int(c.PerClientRate)
	}
	if c.ClientTTL <= 0 {
		c.ClientTTL = DefaultClientTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Quota > 0 {
		if c.QuotaWindow <= 0 {
			c.QuotaWindow = time.Minute
		}
		if c.Store == nil {
			return fmt.Errorf("admission quota requires a store")
		}
	}
	return nil
}

// clientEntry holds a client's limiter and its last access time for
// TTL-based cleanup.
type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Controller applies global and per-client token buckets plus an
// optional windowed quota.
type Controller struct {
	config *Config
	logger observability.Logger

	global *rate.Limiter

	mu      sync.Mutex
	clients map[string]*clientEntry

	closeOnce sync.Once
	done      chan struct{}
}

// Option is a functional option for configuring the controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// New creates a new admission controller and starts its cleanup loop.
func New(config *Config, opts ...Option) (*Controller, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		config:  config,
		logger:  observability.NopLogger(),
		clients: make(map[string]*clientEntry),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.GlobalRate > 0 {
		c.global = rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst)
	}

	go c.cleanupLoop()
	return c, nil
}

// Limits is the hot-reloadable subset of the configuration.
type Limits struct {
	GlobalRate     float64
	GlobalBurst    int
	PerClientRate  float64
	PerClientBurst int
	Quota          int64
	QuotaWindow    time.Duration
}

// UpdateLimits applies new limits to the live controller. Existing
// per-client buckets keep their accumulated tokens.
func (c *Controller) UpdateLimits(l Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.config.GlobalRate = l.GlobalRate
	c.config.GlobalBurst = l.GlobalBurst
	c.config.PerClientRate = l.PerClientRate
	c.config.PerClientBurst = l.PerClientBurst
	c.config.Quota = l.Quota
	if l.QuotaWindow > 0 {
		c.config.QuotaWindow = l.QuotaWindow
	}

	if c.global != nil && l.GlobalRate > 0 {
		c.global.SetLimit(rate.Limit(l.GlobalRate))
		c.global.SetBurst(l.GlobalBurst)
	}
	for _, entry := range c.clients {
		entry.limiter.SetLimit(rate.Limit(l.PerClientRate))
		entry.limiter.SetBurst(l.PerClientBurst)
	}
}

// limitsSnapshot reads the current limits consistently.
func (c *Controller) limitsSnapshot() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Limits{
		GlobalRate:     c.config.GlobalRate,
		GlobalBurst:    c.config.GlobalBurst,
		PerClientRate:  c.config.PerClientRate,
		PerClientBurst: c.config.PerClientBurst,
		Quota:          c.config.Quota,
		QuotaWindow:    c.config.QuotaWindow,
	}
}

// Admit decides whether a request of the given cost may proceed. The
// global bucket is consulted before the per-client bucket.
func (c *Controller) Admit(ctx context.Context, clientID string, cost int) error {
	if !c.config.Enabled {
		return nil
	}
	if cost < 1 {
		cost = 1
	}
	limits := c.limitsSnapshot()

	if c.global != nil {
		// A cost above the burst could never be admitted; charge the
		// full bucket instead.
		n := cost
		if n > limits.GlobalBurst {
			n = limits.GlobalBurst
		}
		if !c.global.AllowN(time.Now(), n) {
			RecordDecision("rejected_global")
			return fmt.Errorf("global %w", ErrRateLimited)
		}
	}

	if limits.PerClientRate > 0 {
		n := cost
		if n > limits.PerClientBurst {
			n = limits.PerClientBurst
		}
		if !c.limiterFor(clientID).AllowN(time.Now(), n) {
			RecordDecision("rejected_client")
			return fmt.Errorf("client %q: %w", clientID, ErrRateLimited)
		}
	}

	if limits.Quota > 0 && c.config.Store != nil {
		if err := c.checkQuota(ctx, clientID, cost, limits); err != nil {
			return err
		}
	}

	RecordDecision("admitted")
	return nil
}

// limiterFor returns the client's limiter, creating it on first use.
// Lookup and lastAccess update share one critical section so the cleanup
// loop never reclaims an entry that was just touched.
func (c *Controller) limiterFor(clientID string) *rate.Limiter {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.clients[clientID]
	if !ok {
		entry = &clientEntry{
			limiter:    rate.NewLimiter(rate.Limit(c.config.PerClientRate), c.config.PerClientBurst),
			lastAccess: now,
		}
		c.clients[clientID] = entry
	} else {
		entry.lastAccess = now
	}
	limiter := entry.limiter
	c.mu.Unlock()

	return limiter
}

// checkQuota charges the client's windowed quota counter. Store failures
// admit the request: the gateway keeps serving when the quota backend is
// down, and the token buckets still apply.
func (c *Controller) checkQuota(ctx context.Context, clientID string, cost int, limits Limits) error {
	used, err := c.config.Store.IncrementWithExpiry(ctx, "quota:"+clientID, int64(cost), limits.QuotaWindow)
	if err != nil {
		c.logger.Warn("quota store unavailable, admitting request",
			observability.String("client_id", clientID),
			observability.Error(err),
		)
		RecordDecision("quota_store_error")
		return nil
	}

	if used > limits.Quota {
		RecordDecision("rejected_quota")
		return fmt.Errorf("client %q used %d of %d: %w", clientID, used, limits.Quota, ErrQuotaExceeded)
	}
	return nil
}

// QuotaUsed reports the client's spent quota in the current window.
func (c *Controller) QuotaUsed(ctx context.Context, clientID string) (int64, error) {
	if c.limitsSnapshot().Quota <= 0 || c.config.Store == nil {
		return 0, nil
	}
	used, err := c.config.Store.Get(ctx, "quota:"+clientID)
	if store.IsKeyNotFound(err) {
		return 0, nil
	}
	return used, err
}

// ClientCount reports the number of tracked per-client limiters.
func (c *Controller) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Close stops the cleanup loop. Safe to call multiple times.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Controller) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeIdleClients()
		case <-c.done:
			return
		}
	}
}

// removeIdleClients reclaims limiter entries past the TTL.
func (c *Controller) removeIdleClients() {
	cutoff := time.Now().Add(-c.config.ClientTTL)

	c.mu.Lock()
	removed := 0
	for id, entry := range c.clients {
		if entry.lastAccess.Before(cutoff) {
			delete(c.clients, id)
			removed++
		}
	}
	remaining := len(c.clients)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cleaned up idle client limiters",
			observability.Int("removed", removed),
			observability.Int("remaining", remaining),
		)
	}
	RecordTrackedClients(remaining)
}
