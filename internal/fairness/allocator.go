package fairness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/awgw/internal/observability"
	"github.com/vyrodovalexey/awgw/internal/session"
)

// Sentinel errors for allocation.
var (
	// ErrQueueTimeout is returned for tickets queued past MaxWait.
	ErrQueueTimeout = errors.New("request queue wait timed out")

	// ErrAllocatorClosed is returned after the allocator shuts down.
	ErrAllocatorClosed = errors.New("allocator is closed")
)

// Ticket is one queued request's place in line. Wait blocks until the
// ticket is granted; Done releases the in-service slot and must be called
// exactly once after a granted ticket's request completes (it is
// idempotent, later calls are no-ops).
type Ticket struct {
	id       string
	class    string
	priority int
	seq      uint64
	enqueued time.Time

	grantCh chan struct{}
	granted bool

	alloc    *Allocator
	doneOnce sync.Once
}

// ID returns the ticket id.
func (t *Ticket) ID() string {
	return t.id
}

// Class returns the ticket's fairness class.
func (t *Ticket) Class() string {
	return t.class
}

// Wait blocks until the ticket is granted, the context is cancelled, or
// the queue-wait ceiling elapses. A still-queued ticket is removed with no
// side effects on cancellation or timeout.
func (t *Ticket) Wait(ctx context.Context) error {
	timer := time.NewTimer(t.alloc.config.MaxWait)
	defer timer.Stop()

	select {
	case <-t.grantCh:
		t.alloc.mu.Lock()
		granted := t.granted
		t.alloc.mu.Unlock()
		if !granted {
			RecordQueueOutcome(t.class, "closed")
			return ErrAllocatorClosed
		}
		return nil

	case <-ctx.Done():
		if t.alloc.abandon(t) {
			// Granted while we were cancelling; free the slot.
			t.Done()
		}
		RecordQueueOutcome(t.class, "cancelled")
		return ctx.Err()

	case <-timer.C:
		if t.alloc.abandon(t) {
			// The grant won the race with the timer; proceed.
			return nil
		}
		RecordQueueOutcome(t.class, "timeout")
		return ErrQueueTimeout
	}
}

// Done releases the ticket's in-service slot, letting the dispatcher grant
// the next waiter. No-op for tickets that were never granted.
func (t *Ticket) Done() {
	t.doneOnce.Do(func() {
		t.alloc.release(t)
	})
}

// Allocator is the fair queuing layer in front of the pool. Tickets are
// granted according to the configured strategy; within one class, grants
// follow ticket issue order.
type Allocator struct {
	config *Config
	logger observability.Logger

	mu         sync.Mutex
	queues     map[string][]*Ticket
	classOrder []string
	rrCursor   int
	inService  map[string]int
	total      int
	nextSeq    uint64
	closed     bool
}

// Option is a functional option for configuring the allocator.
type Option func(*Allocator)

// WithLogger sets the allocator logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// New creates a new allocator.
func New(config *Config, opts ...Option) *Allocator {
	if config == nil {
		config = DefaultConfig()
	}
	_ = config.Validate()

	a := &Allocator{
		config:    config,
		logger:    observability.NopLogger(),
		queues:    make(map[string][]*Ticket),
		inService: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enqueue issues a ticket for the session's fairness class and starts a
// dispatch round. The caller then blocks on Wait.
func (a *Allocator) Enqueue(s *session.Session, priority int) (*Ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrAllocatorClosed
	}

	a.nextSeq++
	t := &Ticket{
		id:       uuid.NewString(),
		class:    s.Class(),
		priority: priority,
		seq:      a.nextSeq,
		enqueued: time.Now(),
		grantCh:  make(chan struct{}),
		alloc:    a,
	}

	if _, ok := a.queues[t.class]; !ok {
		a.classOrder = append(a.classOrder, t.class)
	}
	a.queues[t.class] = append(a.queues[t.class], t)
	RecordEnqueue(t.class)

	a.dispatchLocked()
	return t, nil
}

// Acquire is the common path: enqueue and wait in one call.
func (a *Allocator) Acquire(ctx context.Context, s *session.Session, priority int) (*Ticket, error) {
	t, err := a.Enqueue(s, priority)
	if err != nil {
		return nil, err
	}
	if err := t.Wait(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// release frees a granted ticket's slot and dispatches the next waiter.
func (a *Allocator) release(t *Ticket) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !t.granted {
		return
	}

	a.inService[t.class]--
	if a.inService[t.class] <= 0 {
		delete(a.inService, t.class)
	}
	a.total--
	a.dispatchLocked()
}

// abandon removes a still-queued ticket. It returns true when the ticket
// was already granted, meaning the caller raced with the dispatcher.
func (a *Allocator) abandon(t *Ticket) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t.granted {
		return true
	}

	q := a.queues[t.class]
	for i, queued := range q {
		if queued == t {
			a.queues[t.class] = append(q[:i], q[i+1:]...)
			break
		}
	}
	return false
}

// dispatchLocked grants tickets while capacity remains. Grant order is
// determined by the configured strategy; the grant itself closes the
// ticket's channel so the waiter never blocks on the allocator lock.
func (a *Allocator) dispatchLocked() {
	for a.total < a.config.MaxConcurrent {
		t := a.selectNextLocked()
		if t == nil {
			return
		}

		q := a.queues[t.class]
		a.queues[t.class] = q[1:]

		t.granted = true
		close(t.grantCh)
		a.inService[t.class]++
		a.total++

		RecordQueueOutcome(t.class, "granted")
		RecordQueueWait(t.class, time.Since(t.enqueued).Seconds())
	}
}

// selectNextLocked picks the next class head per the strategy. Within a
// class the head is always the oldest ticket, preserving per-class FIFO
// ordering.
func (a *Allocator) selectNextLocked() *Ticket {
	switch a.config.Strategy {
	case StrategyFIFO:
		return a.selectFIFOLocked()
	case StrategyRoundRobin:
		return a.selectRoundRobinLocked()
	case StrategyPriority:
		return a.selectPriorityLocked()
	default:
		return a.selectWeightedFairLocked()
	}
}

func (a *Allocator) selectFIFOLocked() *Ticket {
	var best *Ticket
	for _, q := range a.queues {
		if len(q) == 0 {
			continue
		}
		if best == nil || q[0].seq < best.seq {
			best = q[0]
		}
	}
	return best
}

func (a *Allocator) selectRoundRobinLocked() *Ticket {
	n := len(a.classOrder)
	for i := 0; i < n; i++ {
		class := a.classOrder[(a.rrCursor+i)%n]
		if q := a.queues[class]; len(q) > 0 {
			a.rrCursor = (a.rrCursor + i + 1) % n
			return q[0]
		}
	}
	return nil
}

func (a *Allocator) selectPriorityLocked() *Ticket {
	var best *Ticket
	for _, q := range a.queues {
		if len(q) == 0 {
			continue
		}
		head := q[0]
		if best == nil ||
			head.priority > best.priority ||
			(head.priority == best.priority && head.seq < best.seq) {
			best = head
		}
	}
	return best
}

// selectWeightedFairLocked picks the waiting class with the lowest
// in-service-to-weight ratio, so no class claims more than its share of
// concurrent leases while others wait. Ties break by arrival order.
func (a *Allocator) selectWeightedFairLocked() *Ticket {
	var best *Ticket
	var bestRatio float64
	for _, q := range a.queues {
		if len(q) == 0 {
			continue
		}
		head := q[0]
		ratio := float64(a.inService[head.class]) / float64(a.config.weightOf(head.class))
		if best == nil || ratio < bestRatio ||
			(ratio == bestRatio && head.seq < best.seq) {
			best = head
			bestRatio = ratio
		}
	}
	return best
}

// SetWeights replaces the class weight table. Queued tickets see the new
// weights on the next dispatch round.
func (a *Allocator) SetWeights(weights map[string]int, defaultWeight int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if defaultWeight < 1 {
		defaultWeight = 1
	}
	cloned := make(map[string]int, len(weights))
	for class, w := range weights {
		if w < 1 {
			w = 1
		}
		cloned[class] = w
	}
	a.config.Weights = cloned
	a.config.DefaultWeight = defaultWeight
	a.dispatchLocked()
}

// Stats is a point-in-time snapshot of the allocator.
type Stats struct {
	Strategy  Strategy       `json:"strategy"`
	Queued    map[string]int `json:"queued"`
	InService map[string]int `json:"inService"`
	Total     int            `json:"total"`
}

// Stats returns a snapshot of queue and in-service state.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	queued := make(map[string]int)
	for class, q := range a.queues {
		if len(q) > 0 {
			queued[class] = len(q)
		}
	}
	inService := make(map[string]int, len(a.inService))
	for class, n := range a.inService {
		inService[class] = n
	}

	return Stats{
		Strategy:  a.config.Strategy,
		Queued:    queued,
		InService: inService,
		Total:     a.total,
	}
}

// Close fails all queued tickets and rejects new ones.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	for _, q := range a.queues {
		for _, t := range q {
			close(t.grantCh)
		}
	}
	a.queues = make(map[string][]*Ticket)
}
