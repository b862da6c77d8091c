package session

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/awgw/internal/observability"
)

// ManagerConfig holds session manager configuration.
type ManagerConfig struct {
	// IdleTimeout reclaims sessions with no activity and no in-flight
	// requests for this long.
	IdleTimeout time.Duration

	// MaxAge reclaims sessions older than this regardless of activity,
	// as long as nothing is in flight.
	MaxAge time.Duration

	// SweepInterval is how often the background reaper runs.
	SweepInterval time.Duration

	// DefaultClass is the fairness class assigned to new sessions with
	// no explicit class mapping.
	DefaultClass string

	// ClassForClient maps caller identities to fairness classes. Nil
	// assigns every session the default class.
	ClassForClient func(clientID string) string

	// OnReclaim is invoked with the client ID of every reclaimed session,
	// after the manager lock is released. Nil means no callback.
	OnReclaim func(clientID string)
}

// DefaultManagerConfig returns a ManagerConfig with default values.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		IdleTimeout:   15 * time.Minute,
		MaxAge:        12 * time.Hour,
		SweepInterval: time.Minute,
		DefaultClass:  "default",
	}
}

// Validate validates and normalizes the configuration.
func (c *ManagerConfig) Validate() error {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 12 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DefaultClass == "" {
		c.DefaultClass = "default"
	}
	return nil
}

// Manager creates, indexes, and reclaims client sessions.
type Manager struct {
	config *ManagerConfig
	logger observability.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// ManagerOption is a functional option for configuring the manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new session manager.
func NewManager(config *ManagerConfig, opts ...ManagerOption) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	_ = config.Validate()

	m := &Manager{
		config:   config,
		logger:   observability.NopLogger(),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the background reaper.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop stops the background reaper.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// GetOrCreate resolves the session for a caller, creating it on first
// contact.
func (m *Manager) GetOrCreate(clientID string) *Session {
	m.mu.RLock()
	if s, ok := m.sessions[clientID]; ok {
		m.mu.RUnlock()
		s.Touch()
		return s
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[clientID]; ok {
		s.Touch()
		return s
	}

	class := m.config.DefaultClass
	if m.config.ClassForClient != nil {
		if c := m.config.ClassForClient(clientID); c != "" {
			class = c
		}
	}

	s := newSession(clientID, class)
	m.sessions[clientID] = s
	RecordSessionCreated()
	RecordActiveSessions(len(m.sessions))

	m.logger.Debug("created client session",
		observability.String("client_id", clientID),
		observability.String("class", class),
	)

	return s
}

// Get returns the session for a caller, or nil.
func (m *Manager) Get(clientID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[clientID]
}

// RecordRequestStart registers an in-flight request on the session.
func (m *Manager) RecordRequestStart(s *Session, requestID string) {
	s.startRequest(requestID)
	RecordRequestStart(s.Class())
}

// RecordRequestEnd completes an in-flight request on the session.
func (m *Manager) RecordRequestEnd(s *Session, requestID string, success bool) {
	s.endRequest(requestID, success)
	RecordRequestEnd(s.Class(), success)
}

// ReapExpired removes idle and over-age sessions. Sessions with in-flight
// requests are never reclaimed. Returns the number reaped.
func (m *Manager) ReapExpired() int {
	now := time.Now()

	m.mu.Lock()
	var reclaimed []string
	for clientID, s := range m.sessions {
		if s.InFlight() > 0 {
			continue
		}
		idle := now.Sub(s.LastActivity()) > m.config.IdleTimeout
		aged := now.Sub(s.CreatedAt()) > m.config.MaxAge
		if idle || aged {
			delete(m.sessions, clientID)
			reclaimed = append(reclaimed, clientID)
			RecordSessionReaped()
		}
	}
	if len(reclaimed) > 0 {
		RecordActiveSessions(len(m.sessions))
		m.logger.Debug("reaped expired sessions",
			observability.Int("count", len(reclaimed)),
		)
	}
	m.mu.Unlock()

	// The callback runs outside the lock so it can take other locks.
	if m.config.OnReclaim != nil {
		for _, clientID := range reclaimed {
			m.config.OnReclaim(clientID)
		}
	}
	return len(reclaimed)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns a snapshot of every live session.
func (m *Manager) Stats() map[string]SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]SessionStats, len(m.sessions))
	for clientID, s := range m.sessions {
		stats[clientID] = s.Stats()
	}
	return stats
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ReapExpired()
		}
	}
}
