package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_GetOrCreate(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	s1 := m.GetOrCreate("client-a")
	s2 := m.GetOrCreate("client-a")
	assert.Same(t, s1, s2, "same caller resolves to the same session")

	s3 := m.GetOrCreate("client-b")
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, m.Count())
}

func TestManager_GetOrCreateConcurrent(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = m.GetOrCreate("client-a")
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, m.Count())
}

func TestManager_ClassAssignment(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.ClassForClient = func(clientID string) string {
		if clientID == "analytics" {
			return "batch"
		}
		return ""
	}
	m := NewManager(cfg)

	assert.Equal(t, "batch", m.GetOrCreate("analytics").Class())
	assert.Equal(t, "default", m.GetOrCreate("dashboard").Class())
}

func TestManager_RequestLifecycle(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	s := m.GetOrCreate("client-a")

	m.RecordRequestStart(s, "req-1")
	m.RecordRequestStart(s, "req-2")
	assert.Equal(t, 2, s.InFlight())

	m.RecordRequestEnd(s, "req-1", true)
	m.RecordRequestEnd(s, "req-2", false)
	assert.Equal(t, 0, s.InFlight())

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.ErrorCount)
}

func TestManager_DoubleEndIsNoop(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	s := m.GetOrCreate("client-a")

	m.RecordRequestStart(s, "req-1")
	m.RecordRequestEnd(s, "req-1", true)
	m.RecordRequestEnd(s, "req-1", true)
	m.RecordRequestEnd(s, "unknown", false)

	stats := s.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.ErrorCount)
}

func TestManager_ReapExpiredIdle(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	m := NewManager(cfg)

	m.GetOrCreate("client-a")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, m.ReapExpired())
	assert.Equal(t, 0, m.Count())
}

func TestManager_ReapInvokesOnReclaim(t *testing.T) {
	var mu sync.Mutex
	var reclaimed []string

	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	cfg.OnReclaim = func(clientID string) {
		mu.Lock()
		defer mu.Unlock()
		reclaimed = append(reclaimed, clientID)
	}
	m := NewManager(cfg)

	m.GetOrCreate("client-a")
	m.GetOrCreate("client-b")
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 2, m.ReapExpired())
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"client-a", "client-b"}, reclaimed)
}

func TestManager_OnReclaimMayReenterManager(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	m := NewManager(cfg)
	// The callback runs after the manager lock is released, so it can
	// call back into the manager without deadlocking.
	m.config.OnReclaim = func(clientID string) {
		assert.Equal(t, 0, m.Count())
	}

	m.GetOrCreate("client-a")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, m.ReapExpired())
}

func TestManager_ReapSkipsInFlight(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = time.Millisecond
	cfg.MaxAge = time.Millisecond
	m := NewManager(cfg)

	s := m.GetOrCreate("client-a")
	m.RecordRequestStart(s, "req-1")
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, m.ReapExpired(), "in-flight sessions are never reclaimed")
	require.Equal(t, 1, m.Count())

	m.RecordRequestEnd(s, "req-1", true)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, m.ReapExpired())
}

func TestManager_ReapExpiredMaxAge(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxAge = 10 * time.Millisecond
	cfg.IdleTimeout = time.Hour
	m := NewManager(cfg)

	s := m.GetOrCreate("client-a")
	time.Sleep(20 * time.Millisecond)
	s.Touch() // activity does not save an over-age session

	assert.Equal(t, 1, m.ReapExpired())
}

func TestManager_BackgroundSweep(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = 5 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	m := NewManager(cfg)
	m.Start()
	defer m.Stop()

	m.GetOrCreate("client-a")

	require.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	s := m.GetOrCreate("client-a")
	m.RecordRequestStart(s, "req-1")

	stats := m.Stats()
	require.Contains(t, stats, "client-a")
	assert.Equal(t, 1, stats["client-a"].InFlight)
}
