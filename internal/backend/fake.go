package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FakeConn is an in-memory Conn implementation used by tests throughout the
// gateway core. It tracks concurrent holders so pool tests can assert lease
// exclusivity, and keeps its session context in memory so isolation tests
// can observe drift and restoration.
type FakeConn struct {
	mu     sync.Mutex
	sc     SessionContext
	closed bool

	// ExecDelay artificially slows Exec to widen race windows in tests.
	ExecDelay time.Duration

	// ReadDelay artificially slows ReadContext, honoring the context.
	ReadDelay time.Duration

	// Gauge, when set, tracks concurrent Exec calls across a group of
	// connections sharing the same gauge.
	Gauge *ExecGauge

	// ExecErr, PingErr, ReadErr and ApplyErr are returned by the
	// corresponding methods when non-nil.
	ExecErr  error
	PingErr  error
	ReadErr  error
	ApplyErr error

	execCount atomic.Int64
	holders   atomic.Int32
	maxHold   atomic.Int32
}

// NewFakeConn creates a fake connection with an empty session context.
func NewFakeConn() *FakeConn {
	return &FakeConn{}
}

// ExecGauge counts in-flight Exec calls across connections and remembers
// the peak. Tests share one gauge between all of a dialer's connections to
// assert how many executions a pool ran at once.
type ExecGauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *ExecGauge) enter() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *ExecGauge) exit() {
	g.cur.Add(-1)
}

// Peak returns the highest number of simultaneous Exec calls observed.
func (g *ExecGauge) Peak() int {
	return int(g.peak.Load())
}

// Exec implements Conn.
func (c *FakeConn) Exec(ctx context.Context, op Operation) (*Result, error) {
	if c.Gauge != nil {
		c.Gauge.enter()
		defer c.Gauge.exit()
	}
	n := c.holders.Add(1)
	defer c.holders.Add(-1)
	for {
		m := c.maxHold.Load()
		if n <= m || c.maxHold.CompareAndSwap(m, n) {
			break
		}
	}

	if c.ExecDelay > 0 {
		select {
		case <-time.After(c.ExecDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrConnClosed
	}
	if c.ExecErr != nil {
		return nil, c.ExecErr
	}

	c.execCount.Add(1)
	return &Result{RowsAffected: 1}, nil
}

// ReadContext implements Conn.
func (c *FakeConn) ReadContext(ctx context.Context) (SessionContext, error) {
	if c.ReadDelay > 0 {
		select {
		case <-time.After(c.ReadDelay):
		case <-ctx.Done():
			return SessionContext{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return SessionContext{}, ErrConnClosed
	}
	if c.ReadErr != nil {
		return SessionContext{}, c.ReadErr
	}
	return c.sc, nil
}

// ApplyContext implements Conn.
func (c *FakeConn) ApplyContext(ctx context.Context, sc SessionContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.ApplyErr != nil {
		return c.ApplyErr
	}
	c.sc = sc
	return nil
}

// Ping implements Conn.
func (c *FakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.PingErr
}

// Close implements Conn.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ExecCount returns the number of successful Exec calls.
func (c *FakeConn) ExecCount() int64 {
	return c.execCount.Load()
}

// MaxConcurrentHolders returns the peak number of goroutines observed inside
// Exec at the same time. A pool honoring lease exclusivity keeps this at 1.
func (c *FakeConn) MaxConcurrentHolders() int {
	return int(c.maxHold.Load())
}

// FakeDialer produces FakeConns and can inject dial failures.
type FakeDialer struct {
	mu        sync.Mutex
	conns     []*FakeConn
	dialCount int

	// FailNext makes the next n Dial calls fail with ErrUnavailable.
	failNext int

	// DialErr, when non-nil, fails every Dial call.
	DialErr error

	// DialDelay artificially slows Dial, honoring the context.
	DialDelay time.Duration

	// Configure is applied to every new connection before it is returned.
	Configure func(*FakeConn)
}

// NewFakeDialer creates a fake dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// Dial implements Dialer.
func (d *FakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	delay := d.DialDelay
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialCount++
	if d.failNext > 0 {
		d.failNext--
		return nil, ErrUnavailable
	}
	if d.DialErr != nil {
		return nil, d.DialErr
	}

	conn := NewFakeConn()
	if d.Configure != nil {
		d.Configure(conn)
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// FailNext makes the next n Dial calls fail with ErrUnavailable.
func (d *FakeDialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// DialCount returns the number of Dial calls, including failed ones.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

// Conns returns every connection the dialer has produced.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// OpenConns returns the number of produced connections not yet closed.
func (d *FakeDialer) OpenConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	open := 0
	for _, c := range d.conns {
		if !c.Closed() {
			open++
		}
	}
	return open
}
