// Package mux brokers between client sessions and the connection pool,
// preferring to reuse the physical connection a session used last. Affinity
// is a performance optimization only: the pool's lease exclusivity and the
// isolation wrapper apply on every use regardless of affinity hits.
package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/vyrodovalexey/awgw/internal/observability"
	"github.com/vyrodovalexey/awgw/internal/pool"
	"github.com/vyrodovalexey/awgw/internal/session"
)

// Multiplexer maps sessions to their most recently used connection and
// leases through the pool.
type Multiplexer struct {
	pool   *pool.Pool
	logger observability.Logger

	mu       sync.Mutex
	affinity map[string]string // session client id -> conn id
}

// Option is a functional option for configuring the multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the multiplexer logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// New creates a new multiplexer in front of the given pool.
func New(p *pool.Pool, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		pool:     p,
		logger:   observability.NopLogger(),
		affinity: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LeaseFor leases a connection for the session, trying the session's last
// connection first when it is idle. On any miss it falls back to a regular
// pool acquisition and records the new affinity.
func (m *Multiplexer) LeaseFor(ctx context.Context, s *session.Session) (*pool.Lease, error) {
	clientID := s.ClientID()

	m.mu.Lock()
	connID, hasAffinity := m.affinity[clientID]
	m.mu.Unlock()

	if hasAffinity {
		lease, err := m.pool.AcquireConn(ctx, connID)
		if err == nil {
			RecordAffinity(true)
			return lease, nil
		}
		if !errors.Is(err, pool.ErrConnBusy) {
			return nil, err
		}
	}
	RecordAffinity(false)

	lease, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.affinity[clientID] = lease.ConnID()
	m.mu.Unlock()

	return lease, nil
}

// Forget drops the affinity record for a session, typically when the
// session is reclaimed.
func (m *Multiplexer) Forget(clientID string) {
	m.mu.Lock()
	delete(m.affinity, clientID)
	m.mu.Unlock()
}

// AffinityFor returns the connection id currently associated with a
// session, if any.
func (m *Multiplexer) AffinityFor(clientID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	connID, ok := m.affinity[clientID]
	return connID, ok
}
