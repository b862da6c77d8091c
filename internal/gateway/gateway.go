// Package gateway is the core request path. It multiplexes many logical
// client sessions onto a bounded pool of warehouse connections,
// sequencing every request through admission, fair allocation,
// connection affinity, and session isolation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyrodovalexey/awgw/internal/admission"
	"github.com/vyrodovalexey/awgw/internal/backend"
	"github.com/vyrodovalexey/awgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/awgw/internal/fairness"
	"github.com/vyrodovalexey/awgw/internal/isolation"
	"github.com/vyrodovalexey/awgw/internal/mux"
	"github.com/vyrodovalexey/awgw/internal/observability"
	"github.com/vyrodovalexey/awgw/internal/pool"
	"github.com/vyrodovalexey/awgw/internal/retry"
	"github.com/vyrodovalexey/awgw/internal/session"
)

// ErrDraining is returned for requests arriving during shutdown.
var ErrDraining = errors.New("gateway is draining")

// Config holds gateway configuration. Nil sections use their package
// defaults.
type Config struct {
	Pool      *pool.Config
	Session   *session.ManagerConfig
	Fairness  *fairness.Config
	Admission *admission.Config
	Breaker   *circuitbreaker.Config

	// ExecRetry governs retries of transient backend failures within one
	// request. Nil disables retries.
	ExecRetry *retry.Policy

	// ExecTimeout bounds a single backend execution attempt. Zero means
	// no per-attempt bound beyond the caller's context.
	ExecTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight requests.
	DrainTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	execRetry := retry.DefaultPolicy()
	execRetry.RetryOn = backend.IsTransient

	return &Config{
		Pool:         pool.DefaultConfig(),
		Session:      session.DefaultManagerConfig(),
		Fairness:     fairness.DefaultConfig(),
		Admission:    admission.DefaultConfig(),
		Breaker:      circuitbreaker.DefaultConfig(),
		ExecRetry:    execRetry,
		ExecTimeout:  30 * time.Second,
		DrainTimeout: 30 * time.Second,
	}
}

// Gateway owns the full request path and the components behind it.
type Gateway struct {
	config *Config
	logger observability.Logger

	sessions  *session.Manager
	admission *admission.Controller
	allocator *fairness.Allocator
	pool      *pool.Pool
	mux       *mux.Multiplexer
	isolation *isolation.Wrapper
	breakers  *circuitbreaker.Registry
	breaker   *circuitbreaker.CircuitBreaker

	inflight sync.WaitGroup
	draining atomic.Bool
	started  atomic.Bool
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger, shared with all owned components.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a gateway over the given dialer.
func New(config *Config, dialer backend.Dialer, opts ...Option) (*Gateway, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if dialer == nil {
		return nil, fmt.Errorf("gateway requires a dialer")
	}

	g := &Gateway{
		config: config,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	fairnessCfg := config.Fairness
	if fairnessCfg == nil {
		fairnessCfg = fairness.DefaultConfig()
	}
	poolCfg := config.Pool
	if poolCfg == nil {
		poolCfg = pool.DefaultConfig()
	}
	_ = poolCfg.Validate()
	_ = fairnessCfg.Validate()
	if fairnessCfg.MaxConcurrent > poolCfg.MaxSize {
		// More in-service tickets than connections would just move the
		// queueing into the pool.
		fairnessCfg.MaxConcurrent = poolCfg.MaxSize
	}

	ctrl, err := admission.New(config.Admission, admission.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}

	// A reclaimed session must take its connection affinity with it, or
	// the affinity table grows without bound.
	sessCfg := config.Session
	if sessCfg == nil {
		sessCfg = session.DefaultManagerConfig()
	}
	baseReclaim := sessCfg.OnReclaim
	sessCfg.OnReclaim = func(clientID string) {
		g.mux.Forget(clientID)
		if baseReclaim != nil {
			baseReclaim(clientID)
		}
	}

	g.admission = ctrl
	g.sessions = session.NewManager(sessCfg, session.WithLogger(g.logger))
	g.allocator = fairness.New(fairnessCfg, fairness.WithLogger(g.logger))
	g.pool = pool.New(poolCfg, dialer, pool.WithLogger(g.logger))
	g.mux = mux.New(g.pool, mux.WithLogger(g.logger))
	g.isolation = isolation.NewWrapper(isolation.WithLogger(g.logger))
	g.breakers = circuitbreaker.NewRegistry(config.Breaker, g.logger)
	g.breaker = g.breakers.GetOrCreate("backend")

	return g, nil
}

// Start warms the pool and starts background maintenance.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := g.pool.Start(ctx); err != nil {
		return fmt.Errorf("pool start: %w", err)
	}
	g.sessions.Start()
	g.logger.Info("gateway started")
	return nil
}

// Stop drains the gateway: new requests are rejected, in-flight requests
// get DrainTimeout to finish, then every component shuts down.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.draining.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("gateway draining")

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	drainTimeout := g.config.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drainTimeout):
		g.logger.Warn("drain timeout elapsed with requests still in flight")
	case <-ctx.Done():
	}

	g.allocator.Close()
	_ = g.admission.Close()
	g.sessions.Stop()
	err := g.pool.Close()

	g.logger.Info("gateway stopped")
	return err
}

// Draining reports whether shutdown has begun.
func (g *Gateway) Draining() bool {
	return g.draining.Load()
}

// Handle runs one operation for one client end to end: admission, breaker
// check, fair queueing, lease acquisition with affinity, isolated
// execution, and release. Every failure carries a stable Code.
func (g *Gateway) Handle(ctx context.Context, clientID string, op backend.Operation) (*backend.Result, error) {
	start := time.Now()

	requestID := uuid.NewString()
	ctx = observability.ContextWithRequestID(ctx, requestID)
	ctx = observability.ContextWithClientID(ctx, clientID)

	ctx, span := observability.StartSpan(ctx, "gateway.Handle",
		attribute.String("gateway.client_id", clientID),
		attribute.String("gateway.request_id", requestID),
	)
	defer span.End()

	result, err := g.handle(ctx, clientID, requestID, op)

	code := CodeOf(err)
	if err != nil {
		span.SetStatus(codes.Error, string(code))
		span.SetAttributes(attribute.String("gateway.error_code", string(code)))
	}
	RecordRequest(string(code), time.Since(start).Seconds())
	return result, err
}

func (g *Gateway) handle(ctx context.Context, clientID, requestID string, op backend.Operation) (*backend.Result, error) {
	if g.draining.Load() {
		return nil, NewError(CodeShuttingDown, "admit", ErrDraining)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewError(CodeCancelled, "admit", err)
	}
	g.inflight.Add(1)
	defer g.inflight.Done()

	sess := g.sessions.GetOrCreate(clientID)
	g.sessions.RecordRequestStart(sess, requestID)
	success := false
	defer func() {
		g.sessions.RecordRequestEnd(sess, requestID, success)
	}()

	// Admission first: a rate-limited request must not touch queue or
	// breaker accounting.
	if err := g.admission.Admit(ctx, clientID, op.TokenCost()); err != nil {
		return nil, NewError(CodeRateLimited, "admit", err)
	}

	if !g.breaker.Allow() {
		return nil, NewError(CodeCircuitOpen, "breaker", circuitbreaker.ErrCircuitOpen)
	}

	// Every request past Allow records exactly one breaker outcome:
	// failure when the backend is implicated, success when it answered,
	// abandon when the request died before it could tell us anything.
	ticket, err := g.allocator.Acquire(ctx, sess, 0)
	if err != nil {
		g.breaker.RecordAbandon()
		return nil, classifyQueueError(err)
	}
	defer ticket.Done()

	lease, err := g.mux.LeaseFor(ctx, sess)
	if err != nil {
		if errors.Is(err, pool.ErrDialFailed) {
			g.breaker.RecordFailure()
		} else {
			g.breaker.RecordAbandon()
		}
		return nil, classifyAcquireError(err)
	}
	defer lease.Release()

	result, execErr := g.isolation.WithIsolatedConn(ctx, lease, func(conn backend.Conn) (*backend.Result, error) {
		return g.execute(ctx, conn, op)
	})

	if execErr != nil {
		gerr := g.classifyExecError(lease, execErr)
		switch {
		case gerr.Code == CodeBackendUnavailable || gerr.Code == CodeIsolationFailure:
			g.breaker.RecordFailure()
		case gerr.Code == CodeCancelled:
			g.breaker.RecordAbandon()
		default:
			// The backend answered; a rejection is not an outage.
			g.breaker.RecordSuccess()
		}
		return result, gerr
	}

	g.breaker.RecordSuccess()
	success = true
	return result, nil
}

// execute runs one operation with per-attempt timeouts, retrying
// transient failures per the configured policy.
func (g *Gateway) execute(ctx context.Context, conn backend.Conn, op backend.Operation) (*backend.Result, error) {
	var result *backend.Result

	run := func() error {
		attemptCtx := ctx
		if g.config.ExecTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, g.config.ExecTimeout)
			defer cancel()
		}
		r, err := conn.Exec(attemptCtx, op)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	policy := g.config.ExecRetry
	if policy == nil {
		if err := run(); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := policy.Do(ctx, "backend_exec", run); err != nil {
		return nil, err
	}
	return result, nil
}

func classifyQueueError(err error) *Error {
	switch {
	case errors.Is(err, fairness.ErrQueueTimeout):
		return NewError(CodeQueueTimeout, "queue", err)
	case errors.Is(err, fairness.ErrAllocatorClosed):
		return NewError(CodeShuttingDown, "queue", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeCancelled, "queue", err)
	default:
		return NewError(CodeInternal, "queue", err)
	}
}

func classifyAcquireError(err error) *Error {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return NewError(CodePoolExhausted, "acquire", err)
	case errors.Is(err, pool.ErrAcquireTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeAcquisitionTimeout, "acquire", err)
	case errors.Is(err, pool.ErrPoolClosed):
		return NewError(CodeShuttingDown, "acquire", err)
	case errors.Is(err, pool.ErrDialFailed):
		return NewError(CodeBackendUnavailable, "acquire", err)
	case errors.Is(err, context.Canceled):
		return NewError(CodeCancelled, "acquire", err)
	default:
		return NewError(CodeInternal, "acquire", err)
	}
}

// classifyExecError maps an execution failure to a code and flags the
// connection when it can no longer be trusted.
func (g *Gateway) classifyExecError(lease *pool.Lease, err error) *Error {
	switch {
	case errors.Is(err, isolation.ErrCaptureFailed), errors.Is(err, isolation.ErrRestoreFailed):
		return NewError(CodeIsolationFailure, "isolate", err)
	case errors.Is(err, backend.ErrConnClosed):
		lease.MarkUnhealthy()
		return NewError(CodeBackendUnavailable, "exec", err)
	case errors.Is(err, backend.ErrUnavailable):
		return NewError(CodeBackendUnavailable, "exec", err)
	case errors.Is(err, backend.ErrRejected):
		return NewError(CodeBackendRejected, "exec", err)
	case errors.Is(err, context.Canceled):
		return NewError(CodeCancelled, "exec", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeBackendUnavailable, "exec", err)
	default:
		return NewError(CodeInternal, "exec", err)
	}
}

// Stats aggregates component statistics for the admin surface.
type Stats struct {
	Pool     pool.Stats           `json:"pool"`
	Sessions int                  `json:"sessions"`
	Fairness fairness.Stats       `json:"fairness"`
	Breaker  circuitbreaker.Stats `json:"breaker"`
	Clients  int                  `json:"trackedClients"`
	Draining bool                 `json:"draining"`
}

// Stats returns a point-in-time snapshot across components.
func (g *Gateway) Stats() Stats {
	return Stats{
		Pool:     g.pool.Stats(),
		Sessions: g.sessions.Count(),
		Fairness: g.allocator.Stats(),
		Breaker:  g.breaker.Stats(),
		Clients:  g.admission.ClientCount(),
		Draining: g.draining.Load(),
	}
}

// Pool exposes the pool for health checks.
func (g *Gateway) Pool() *pool.Pool {
	return g.pool
}

// Breaker exposes the backend breaker for health checks.
func (g *Gateway) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

// Breakers exposes the breaker registry for the admin surface.
func (g *Gateway) Breakers() *circuitbreaker.Registry {
	return g.breakers
}

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// SetFairnessWeights replaces the fairness class weight table at runtime.
func (g *Gateway) SetFairnessWeights(weights map[string]int, defaultWeight int) {
	g.allocator.SetWeights(weights, defaultWeight)
}

// UpdateAdmissionLimits replaces the admission rate and quota limits at
// runtime. Pool sizing and fairness concurrency are not reloadable.
func (g *Gateway) UpdateAdmissionLimits(l admission.Limits) {
	g.admission.UpdateLimits(l)
}
