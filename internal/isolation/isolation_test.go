package isolation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/awgw/internal/backend"
	"github.com/vyrodovalexey/awgw/internal/pool"
	"github.com/vyrodovalexey/awgw/internal/retry"
)

func newTestPool(t *testing.T, dialer backend.Dialer) *pool.Pool {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	cfg.DialRetry = retry.NoRetryPolicy()
	p := pool.New(cfg, dialer)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestWrapper_RestoresChangedContext(t *testing.T) {
	dialer := backend.NewFakeDialer()
	p := newTestPool(t, dialer)
	w := NewWrapper()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// R1 selects namespace A and does not clean up after itself.
	_, err = w.WithIsolatedConn(context.Background(), lease, func(conn backend.Conn) (*backend.Result, error) {
		require.NoError(t, conn.ApplyContext(context.Background(), backend.SessionContext{Namespace: "a"}))
		return &backend.Result{}, nil
	})
	require.NoError(t, err)
	lease.Release()

	// R2 reuses the same physical connection and must not see A.
	lease2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease2.Release()

	sc, err := lease2.Conn().ReadContext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sc.Namespace, "previous request's namespace leaked")
}

func TestWrapper_RestoreRunsOnError(t *testing.T) {
	dialer := backend.NewFakeDialer()
	p := newTestPool(t, dialer)
	w := NewWrapper()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	appErr := errors.New("application failure")
	_, err = w.WithIsolatedConn(context.Background(), lease, func(conn backend.Conn) (*backend.Result, error) {
		require.NoError(t, conn.ApplyContext(context.Background(), backend.SessionContext{Namespace: "x", InTxn: true}))
		return nil, appErr
	})
	require.ErrorIs(t, err, appErr)

	sc, err := lease.Conn().ReadContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.SessionContext{}, sc)
}

func TestWrapper_RestoreRunsOnCancellation(t *testing.T) {
	dialer := backend.NewFakeDialer()
	p := newTestPool(t, dialer)
	w := NewWrapper()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	_, err = w.WithIsolatedConn(ctx, lease, func(conn backend.Conn) (*backend.Result, error) {
		require.NoError(t, conn.ApplyContext(context.Background(), backend.SessionContext{Namespace: "y"}))
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	sc, err := lease.Conn().ReadContext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sc.Namespace)
}

func TestWrapper_UnchangedContextSkipsRestore(t *testing.T) {
	dialer := backend.NewFakeDialer()
	p := newTestPool(t, dialer)
	w := NewWrapper()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	result, err := w.WithIsolatedConn(context.Background(), lease, func(conn backend.Conn) (*backend.Result, error) {
		return conn.Exec(context.Background(), backend.Operation{Query: "select 1"})
	})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestWrapper_CaptureFailureFailsClosed(t *testing.T) {
	dialer := backend.NewFakeDialer()
	p := newTestPool(t, dialer)
	w := NewWrapper()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	connID := lease.ConnID()

	conns := dialer.Conns()
	require.Len(t, conns, 1)
	conns[0].ReadErr = backend.ErrUnavailable

	called := false
	_, err = w.WithIsolatedConn(context.Background(), lease, func(conn backend.Conn) (*backend.Result, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCaptureFailed)
	assert.False(t, called, "fn must not run when capture fails")

	lease.Release()

	// The discarded connection is replaced, not reused.
	require.Eventually(t, func() bool {
		_, err := p.AcquireConn(context.Background(), connID)
		return errors.Is(err, pool.ErrConnBusy)
	}, time.Second, 10*time.Millisecond)
}

// A connection that stops answering at exit must not hold the request
// hostage; the restore gives up at its deadline and fails closed.
func TestWrapper_RestoreBoundedByDeadline(t *testing.T) {
	dialer := backend.NewFakeDialer()
	p := newTestPool(t, dialer)
	w := NewWrapper(WithRestoreTimeout(50 * time.Millisecond))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	conns := dialer.Conns()
	require.Len(t, conns, 1)

	start := time.Now()
	_, err = w.WithIsolatedConn(context.Background(), lease, func(conn backend.Conn) (*backend.Result, error) {
		conns[0].ReadDelay = time.Minute
		return &backend.Result{}, nil
	})

	require.ErrorIs(t, err, ErrRestoreFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	lease.Release()
	assert.GreaterOrEqual(t, p.Stats().Retired, int64(1))
}

func TestWrapper_RestoreFailureFlagsConn(t *testing.T) {
	dialer := backend.NewFakeDialer()
	p := newTestPool(t, dialer)
	w := NewWrapper()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	conns := dialer.Conns()
	require.Len(t, conns, 1)

	result, err := w.WithIsolatedConn(context.Background(), lease, func(conn backend.Conn) (*backend.Result, error) {
		require.NoError(t, conn.ApplyContext(context.Background(), backend.SessionContext{Namespace: "z"}))
		conns[0].ApplyErr = backend.ErrUnavailable
		return &backend.Result{RowsAffected: 7}, nil
	})

	// fn's result survives; the isolation error is joined on top.
	require.ErrorIs(t, err, ErrRestoreFailed)
	require.NotNil(t, result)
	assert.Equal(t, int64(7), result.RowsAffected)

	lease.Release()
	assert.GreaterOrEqual(t, p.Stats().Retired, int64(1))
}
