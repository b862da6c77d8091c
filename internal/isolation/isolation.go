// Package isolation gives each request an exclusive, side-effect-free view
// of its leased connection. It snapshots the backend session context at
// entry and restores it on every exit path, so one request's namespace or
// transaction change is invisible to the next holder of the same physical
// connection.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/awgw/internal/backend"
	"github.com/vyrodovalexey/awgw/internal/observability"
	"github.com/vyrodovalexey/awgw/internal/pool"
)

// DefaultRestoreTimeout bounds the exit read-back and reapply against a
// connection that may have stopped answering.
const DefaultRestoreTimeout = 5 * time.Second

// Sentinel errors for isolation failures. Both flag the connection
// unhealthy so the pool replaces it instead of reusing it.
var (
	// ErrCaptureFailed indicates the entry context read-back failed.
	ErrCaptureFailed = errors.New("session context capture failed")

	// ErrRestoreFailed indicates the exit restoration failed.
	ErrRestoreFailed = errors.New("session context restore failed")
)

// Wrapper executes request functions against leased connections with
// session-context capture and restore.
type Wrapper struct {
	logger         observability.Logger
	restoreTimeout time.Duration
}

// Option is a functional option for configuring the wrapper.
type Option func(*Wrapper)

// WithLogger sets the wrapper logger.
func WithLogger(logger observability.Logger) Option {
	return func(w *Wrapper) {
		w.logger = logger
	}
}

// WithRestoreTimeout bounds the exit restore sequence. Non-positive
// values keep the default.
func WithRestoreTimeout(d time.Duration) Option {
	return func(w *Wrapper) {
		if d > 0 {
			w.restoreTimeout = d
		}
	}
}

// NewWrapper creates a new isolation wrapper.
func NewWrapper(opts ...Option) *Wrapper {
	w := &Wrapper{
		logger:         observability.NopLogger(),
		restoreTimeout: DefaultRestoreTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WithIsolatedConn captures the session context of the leased connection,
// runs fn, and restores the captured context if fn left it changed.
// Restoration runs on success, error, and cancellation alike. Drift is
// detected only by explicit read-back; if read-back is not possible at
// entry or exit, the wrapper fails closed: the connection is flagged
// unhealthy so the pool discards it.
//
// The lease itself is not released here; release stays with the caller so
// the lease covers exactly one request end to end.
func (w *Wrapper) WithIsolatedConn(
	ctx context.Context,
	lease *pool.Lease,
	fn func(conn backend.Conn) (*backend.Result, error),
) (result *backend.Result, err error) {
	conn := lease.Conn()

	entry, captureErr := conn.ReadContext(ctx)
	if captureErr != nil {
		lease.MarkUnhealthy()
		w.logger.Warn("failed to capture session context, discarding connection",
			observability.String("conn_id", lease.ConnID()),
			observability.Error(captureErr),
		)
		RecordIsolationFailure("capture")
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, captureErr)
	}

	defer func() {
		restoreErr := w.restore(lease, entry)
		if restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
	}()

	return fn(conn)
}

// restore compares the current session context against the entry snapshot
// and reapplies the snapshot when they differ. It deliberately ignores the
// request context: restoration must run even after cancellation. It runs
// under its own deadline so a dead connection cannot hold the lease
// forever.
func (w *Wrapper) restore(lease *pool.Lease, entry backend.SessionContext) error {
	conn := lease.Conn()
	ctx, cancel := context.WithTimeout(context.Background(), w.restoreTimeout)
	defer cancel()

	current, readErr := conn.ReadContext(ctx)
	if readErr != nil {
		lease.MarkUnhealthy()
		RecordIsolationFailure("readback")
		return fmt.Errorf("%w: %w", ErrRestoreFailed, readErr)
	}

	if current.Equal(entry) {
		return nil
	}

	RecordContextDrift()
	if applyErr := conn.ApplyContext(ctx, entry); applyErr != nil {
		lease.MarkUnhealthy()
		w.logger.Warn("failed to restore session context, discarding connection",
			observability.String("conn_id", lease.ConnID()),
			observability.Error(applyErr),
		)
		RecordIsolationFailure("restore")
		return fmt.Errorf("%w: %w", ErrRestoreFailed, applyErr)
	}

	w.logger.Debug("restored drifted session context",
		observability.String("conn_id", lease.ConnID()),
	)
	return nil
}
