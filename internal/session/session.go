// Package session tracks logical client sessions across requests. A session
// carries identity, activity, in-flight request tracking, and cumulative
// metrics; the manager indexes sessions by caller identity and reclaims
// idle or expired ones in the background.
package session

import (
	"sync"
	"time"
)

// Session represents one logical caller across possibly many requests.
// Identity comes from the transport layer; the core treats it as opaque.
type Session struct {
	mu sync.Mutex

	clientID  string
	class     string
	createdAt time.Time

	lastActivity time.Time
	inflight     map[string]time.Time

	totalRequests int64
	errorCount    int64
	latencySum    time.Duration
}

// newSession creates a session for a caller.
func newSession(clientID, class string) *Session {
	now := time.Now()
	return &Session{
		clientID:     clientID,
		class:        class,
		createdAt:    now,
		lastActivity: now,
		inflight:     make(map[string]time.Time),
	}
}

// ClientID returns the caller identity.
func (s *Session) ClientID() string {
	return s.clientID
}

// Class returns the session's fairness class tag.
func (s *Session) Class() string {
	return s.class
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActivity returns the time of the most recent request activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// InFlight returns the number of requests currently in flight.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Touch updates the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// startRequest registers an in-flight request.
func (s *Session) startRequest(requestID string) {
	s.mu.Lock()
	s.inflight[requestID] = time.Now()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// endRequest removes an in-flight request and folds its outcome into the
// session counters. Unknown request ids are ignored so double-ends cannot
// corrupt the in-flight count.
func (s *Session) endRequest(requestID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started, ok := s.inflight[requestID]
	if !ok {
		return
	}
	delete(s.inflight, requestID)

	s.totalRequests++
	if !success {
		s.errorCount++
	}
	s.latencySum += time.Since(started)
	s.lastActivity = time.Now()
}

// SessionStats is a point-in-time snapshot of one session.
type SessionStats struct {
	ClientID      string        `json:"clientId"`
	Class         string        `json:"class"`
	CreatedAt     time.Time     `json:"createdAt"`
	LastActivity  time.Time     `json:"lastActivity"`
	InFlight      int           `json:"inFlight"`
	TotalRequests int64         `json:"totalRequests"`
	ErrorCount    int64         `json:"errorCount"`
	AvgLatency    time.Duration `json:"avgLatency"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.totalRequests > 0 {
		avg = s.latencySum / time.Duration(s.totalRequests)
	}

	return SessionStats{
		ClientID:      s.clientID,
		Class:         s.class,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		InFlight:      len(s.inflight),
		TotalRequests: s.totalRequests,
		ErrorCount:    s.errorCount,
		AvgLatency:    avg,
	}
}
