package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/awgw/internal/backend"
)

// Lease is a short-lived, exclusive ownership token for one pooled
// connection. At most one live lease exists per connection; the pool
// enforces this by only leasing connections in the idle state.
//
// Release must be called on every exit path. It is idempotent: the second
// and later calls are no-ops.
type Lease struct {
	id         string
	pc         *pooledConn
	pool       *Pool
	acquiredAt time.Time
	released   atomic.Bool
}

func newLease(p *Pool, pc *pooledConn) *Lease {
	return &Lease{
		id:         uuid.NewString(),
		pc:         pc,
		pool:       p,
		acquiredAt: time.Now(),
	}
}

// ID returns the lease id.
func (l *Lease) ID() string {
	return l.id
}

// ConnID returns the id of the leased connection.
func (l *Lease) ConnID() string {
	return l.pc.id
}

// Conn returns the leased physical connection. The caller has exclusive
// use of it until Release.
func (l *Lease) Conn() backend.Conn {
	return l.pc.conn
}

// AcquiredAt returns the time the lease was granted.
func (l *Lease) AcquiredAt() time.Time {
	return l.acquiredAt
}

// MarkUnhealthy flags the underlying connection so that Release retires it
// instead of returning it to the idle set.
func (l *Lease) MarkUnhealthy() {
	l.pool.markUnhealthy(l.pc)
}

// Release returns the connection to the pool. Safe to call more than once;
// only the first call has any effect.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(l.pc)
	RecordLeaseDuration(time.Since(l.acquiredAt).Seconds())
}

// Released reports whether the lease has been released.
func (l *Lease) Released() bool {
	return l.released.Load()
}
