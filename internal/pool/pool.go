package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/awgw/internal/backend"
	"github.com/vyrodovalexey/awgw/internal/observability"
)

// Sentinel errors for pool operations.
var (
	// ErrPoolClosed is returned when the pool has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrPoolExhausted is returned when the pool is at capacity with no
	// idle connections and queueing is disabled.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrAcquireTimeout is returned when Acquire waited past the
	// configured acquisition timeout.
	ErrAcquireTimeout = errors.New("connection acquisition timed out")

	// ErrConnBusy is returned by AcquireConn when the requested
	// connection is not idle.
	ErrConnBusy = errors.New("connection is not idle")

	// ErrDialFailed wraps persistent connection-creation failures.
	ErrDialFailed = errors.New("failed to establish backend connection")
)

// waiter represents one caller queued for a connection. The channel is
// buffered so a grant under the pool lock never blocks.
type waiter struct {
	ch chan *pooledConn
}

// Pool is a bounded pool of physical warehouse connections. It maintains
// MinSize warm connections, grows lazily to MaxSize, health-checks idle
// connections on an interval, and queues acquirers FIFO when at capacity.
type Pool struct {
	config *Config
	dialer backend.Dialer
	logger observability.Logger

	mu       sync.Mutex
	minSize  int
	maxSize  int
	conns    map[string]*pooledConn
	idle     []*pooledConn
	waiters  []*waiter
	pending  int
	closed   bool
	degraded bool

	// cumulative counters, guarded by mu
	created         int64
	retired         int64
	dialFailures    int64
	acquireTimeouts int64
	exhausted       int64

	fillKick chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// Option is a functional option for configuring the pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a new connection pool. Start must be called before Acquire.
func New(config *Config, dialer backend.Dialer, opts ...Option) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	_ = config.Validate()

	p := &Pool{
		config:   config,
		dialer:   dialer,
		logger:   observability.NopLogger(),
		minSize:  config.MinSize,
		maxSize:  config.MaxSize,
		conns:    make(map[string]*pooledConn),
		fillKick: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start warms the pool to MinSize and launches the background filler and
// health-check loops. Warm-up dial failures degrade the pool but do not
// fail Start; the filler keeps retrying.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.fill(ctx)

	p.wg.Add(2)
	go p.fillLoop()
	go p.healthLoop()

	p.logger.Info("connection pool started",
		observability.Int("min_size", p.minSize),
		observability.Int("max_size", p.maxSize),
	)
	return nil
}

// Acquire leases a connection, blocking the caller (and nobody else) until
// a connection frees up, the pool can grow, the acquisition timeout
// elapses, or the context is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Fast path: an idle connection is available.
	if pc := p.popIdleLocked(); pc != nil {
		pc.state = ConnLeased
		pc.lastUsed = time.Now()
		p.mu.Unlock()
		p.observeGauges()
		RecordAcquire("idle", time.Since(start).Seconds())
		return newLease(p, pc), nil
	}

	// Grow lazily while below the size bound. pending reserves the slot
	// so concurrent acquirers cannot overshoot MaxSize. The dial runs
	// under the same AcquireTimeout that bounds queued waiters.
	if p.sizeLocked() < p.maxSize {
		p.pending++
		p.mu.Unlock()

		dialCtx := ctx
		if p.config.AcquireTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithDeadline(ctx, start.Add(p.config.AcquireTimeout))
			defer cancel()
		}
		pc, err := p.dialOne(dialCtx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			if dialCtx.Err() != nil && ctx.Err() == nil {
				p.acquireTimeouts++
				p.mu.Unlock()
				p.observeGauges()
				RecordAcquireError("timeout")
				return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
			}
			p.mu.Unlock()
			p.observeGauges()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			_ = pc.conn.Close()
			return nil, ErrPoolClosed
		}
		pc.state = ConnLeased
		pc.lastUsed = time.Now()
		p.conns[pc.id] = pc
		p.mu.Unlock()
		p.observeGauges()
		RecordAcquire("dial", time.Since(start).Seconds())
		return newLease(p, pc), nil
	}

	if !p.config.WaitQueue {
		p.exhausted++
		p.mu.Unlock()
		RecordAcquireError("exhausted")
		return nil, ErrPoolExhausted
	}

	// Queue FIFO for the next released connection.
	w := &waiter{ch: make(chan *pooledConn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	p.observeGauges()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case pc := <-w.ch:
		if pc == nil {
			return nil, ErrPoolClosed
		}
		RecordAcquire("wait", time.Since(start).Seconds())
		return newLease(p, pc), nil

	case <-ctx.Done():
		if pc := p.abandonWaiter(w); pc != nil {
			p.release(pc)
		}
		RecordAcquireError("cancelled")
		return nil, ctx.Err()

	case <-timer.C:
		if pc := p.abandonWaiter(w); pc != nil {
			// The grant won the race with the timer; use it.
			RecordAcquire("wait", time.Since(start).Seconds())
			return newLease(p, pc), nil
		}
		p.mu.Lock()
		p.acquireTimeouts++
		p.mu.Unlock()
		RecordAcquireError("timeout")
		return nil, ErrAcquireTimeout
	}
}

// AcquireConn leases a specific connection if it is currently idle. It
// never blocks; the multiplexer uses it for affinity hits and falls back
// to Acquire on ErrConnBusy.
func (p *Pool) AcquireConn(ctx context.Context, connID string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	pc, ok := p.conns[connID]
	if !ok || pc.state != ConnIdle {
		return nil, ErrConnBusy
	}

	p.removeIdleLocked(pc)
	pc.state = ConnLeased
	pc.lastUsed = time.Now()
	RecordAcquire("affinity", 0)
	return newLease(p, pc), nil
}

// abandonWaiter removes w from the wait queue. When the waiter was already
// granted a connection, the connection is returned so the caller can decide
// whether to use or release it.
func (p *Pool) abandonWaiter(w *waiter) *pooledConn {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	// Not in the queue: a grant was delivered under the pool lock before
	// we got here, so the channel already holds the connection.
	pc := <-w.ch
	return pc
}

// release returns a connection to the pool, handing it to the oldest
// waiter when one exists. Called exactly once per lease via Lease.Release.
func (p *Pool) release(pc *pooledConn) {
	p.mu.Lock()

	if pc.state == ConnRetired {
		p.mu.Unlock()
		return
	}

	if p.closed || pc.unhealthy {
		p.retireLocked(pc)
		p.mu.Unlock()
		_ = pc.conn.Close()
		p.kickFill()
		p.observeGauges()
		return
	}

	pc.lastUsed = time.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.state = ConnLeased
		w.ch <- pc
		p.mu.Unlock()
		p.observeGauges()
		return
	}

	pc.state = ConnIdle
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	p.observeGauges()
}

// markUnhealthy flags a connection for retirement on release.
func (p *Pool) markUnhealthy(pc *pooledConn) {
	p.mu.Lock()
	pc.unhealthy = true
	p.mu.Unlock()
}

// HealthCheck probes every idle connection once, retiring and replacing
// those that fail. Exposed for tests and on-demand checks; the background
// loop calls it on the configured interval.
func (p *Pool) HealthCheck(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		pc := p.popStaleIdleLocked()
		if pc == nil {
			p.mu.Unlock()
			break
		}
		pc.state = ConnHealthChecking
		p.mu.Unlock()

		probeCtx, cancel := context.WithTimeout(ctx, p.config.HealthCheckTimeout)
		err := pc.conn.Ping(probeCtx)
		cancel()

		p.mu.Lock()
		pc.lastProbedAt = time.Now()
		pc.lastProbeOK = err == nil
		if err != nil {
			p.retireLocked(pc)
			p.mu.Unlock()
			_ = pc.conn.Close()
			RecordHealthCheck(false)
			p.logger.Warn("retiring unhealthy connection",
				observability.String("conn_id", pc.id),
				observability.Error(err),
			)
			p.kickFill()
			continue
		}
		// Age-based retirement applies only above the minimum size.
		if p.config.IdleRetireAge > 0 &&
			time.Since(pc.createdAt) > p.config.IdleRetireAge &&
			len(p.conns) > p.minSize {
			p.retireLocked(pc)
			p.mu.Unlock()
			_ = pc.conn.Close()
			RecordHealthCheck(true)
			p.kickFill()
			continue
		}
		pc.state = ConnIdle
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
		RecordHealthCheck(true)
	}
	p.observeGauges()
}

// Resize adjusts the pool size bounds. Excess idle connections above the
// new maximum are retired; leased connections are never force-closed.
func (p *Pool) Resize(minSize, maxSize int) error {
	if minSize < 0 || maxSize < 1 || minSize > maxSize {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", minSize, maxSize)
	}

	var toClose []*pooledConn
	p.mu.Lock()
	p.minSize = minSize
	p.maxSize = maxSize
	for p.sizeLocked() > p.maxSize {
		pc := p.popIdleLocked()
		if pc == nil {
			break
		}
		p.retireLocked(pc)
		toClose = append(toClose, pc)
	}
	p.mu.Unlock()

	for _, pc := range toClose {
		_ = pc.conn.Close()
	}
	p.kickFill()
	p.observeGauges()
	return nil
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Total           int   `json:"total"`
	Active          int   `json:"active"`
	Idle            int   `json:"idle"`
	Pending         int   `json:"pending"`
	Waiters         int   `json:"waiters"`
	Degraded        bool  `json:"degraded"`
	Created         int64 `json:"created"`
	Retired         int64 `json:"retired"`
	DialFailures    int64 `json:"dialFailures"`
	AcquireTimeouts int64 `json:"acquireTimeouts"`
	Exhausted       int64 `json:"exhausted"`
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Total:           len(p.conns),
		Active:          len(p.conns) - len(p.idle) - p.healthCheckingLocked(),
		Idle:            len(p.idle),
		Pending:         p.pending,
		Waiters:         len(p.waiters),
		Degraded:        p.degraded,
		Created:         p.created,
		Retired:         p.retired,
		DialFailures:    p.dialFailures,
		AcquireTimeouts: p.acquireTimeouts,
		Exhausted:       p.exhausted,
	}
}

// Degraded reports whether the last connection-creation attempt failed
// persistently.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Close shuts down the pool. Idle connections are closed immediately;
// leased connections are closed as their leases release. Queued acquirers
// fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	for _, pc := range idle {
		p.retireLocked(pc)
	}
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	if started {
		p.wg.Wait()
	}

	for _, pc := range idle {
		_ = pc.conn.Close()
	}
	for _, w := range waiters {
		close(w.ch)
	}

	p.logger.Info("connection pool closed")
	return nil
}

// --- internals ---

// sizeLocked counts live and in-flight connections.
func (p *Pool) sizeLocked() int {
	return len(p.conns) + p.pending
}

func (p *Pool) healthCheckingLocked() int {
	n := 0
	for _, pc := range p.conns {
		if pc.state == ConnHealthChecking {
			n++
		}
	}
	return n
}

// popIdleLocked removes and returns the most recently used idle connection.
func (p *Pool) popIdleLocked() *pooledConn {
	if len(p.idle) == 0 {
		return nil
	}
	pc := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return pc
}

// popStaleIdleLocked removes and returns an idle connection not probed
// since the last health-check interval, or nil when none remain.
func (p *Pool) popStaleIdleLocked() *pooledConn {
	cutoff := time.Now().Add(-p.config.HealthCheckInterval)
	for i, pc := range p.idle {
		if pc.lastProbedAt.Before(cutoff) {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return pc
		}
	}
	return nil
}

func (p *Pool) removeIdleLocked(target *pooledConn) {
	for i, pc := range p.idle {
		if pc == target {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) retireLocked(pc *pooledConn) {
	pc.state = ConnRetired
	delete(p.conns, pc.id)
	p.retired++
	RecordRetired()
}

// dialOne establishes one connection, retrying transient failures per the
// configured policy. A persistent failure marks the pool degraded.
func (p *Pool) dialOne(ctx context.Context) (*pooledConn, error) {
	var conn backend.Conn

	err := p.config.DialRetry.Do(ctx, "pool_dial", func() error {
		dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
		defer cancel()
		var dialErr error
		conn, dialErr = p.dialer.Dial(dialCtx)
		return dialErr
	})

	p.mu.Lock()
	if err != nil {
		p.dialFailures++
		p.degraded = true
		p.mu.Unlock()
		RecordDialFailure()
		p.logger.Error("backend dial failed", observability.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	p.degraded = false
	p.created++
	p.mu.Unlock()
	RecordCreated()

	now := time.Now()
	return &pooledConn{
		id:           uuid.NewString(),
		conn:         conn,
		createdAt:    now,
		lastUsed:     now,
		lastProbeOK:  true,
		lastProbedAt: now,
	}, nil
}

// fill dials connections until the pool holds MinSize.
func (p *Pool) fill(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || p.sizeLocked() >= p.minSize {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()

		pc, err := p.dialOne(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return
		}
		if p.closed {
			p.mu.Unlock()
			_ = pc.conn.Close()
			return
		}
		p.conns[pc.id] = pc

		if len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			pc.state = ConnLeased
			w.ch <- pc
		} else {
			pc.state = ConnIdle
			p.idle = append(p.idle, pc)
		}
		p.mu.Unlock()
		p.observeGauges()
	}
}

func (p *Pool) kickFill() {
	select {
	case p.fillKick <- struct{}{}:
	default:
	}
}

func (p *Pool) fillLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.fillKick:
		case <-ticker.C:
		}
		p.fill(context.Background())
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.HealthCheck(context.Background())
		}
	}
}

func (p *Pool) observeGauges() {
	p.mu.Lock()
	total := len(p.conns)
	idle := len(p.idle)
	waiters := len(p.waiters)
	checking := p.healthCheckingLocked()
	p.mu.Unlock()
	RecordPoolSize(total, total-idle-checking, idle, waiters)
}
