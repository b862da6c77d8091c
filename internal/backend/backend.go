// Package backend defines the physical warehouse connection abstraction used
// by the pool and isolation layers. The gateway core never interprets
// operation text; it only dials, probes, executes, and manages the
// session-scoped context carried by each connection.
package backend

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for backend operations.
var (
	// ErrConnClosed indicates the connection has been closed.
	ErrConnClosed = errors.New("backend connection is closed")

	// ErrUnavailable indicates a transient backend failure. Operations
	// failing with this error may be retried.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrRejected indicates the backend rejected the operation as
	// malformed. Operations failing with this error must not be retried.
	ErrRejected = errors.New("backend rejected operation")
)

// IsTransient reports whether err represents a transient backend failure
// worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// SessionContext is the mutable, connection-scoped state selected on a
// physical connection: the active namespace/schema and whether a
// transaction is open. It is a value type; the isolation layer snapshots
// and restores it around every lease use.
type SessionContext struct {
	Namespace string
	Schema    string
	InTxn     bool
}

// Equal reports whether two session contexts are identical.
func (s SessionContext) Equal(other SessionContext) bool {
	return s == other
}

// Operation is a single query-style request against the warehouse.
// Validation of the text happens outside the core.
type Operation struct {
	// Query is the operation text, opaque to the core.
	Query string

	// Params are named operation parameters.
	Params map[string]any

	// Cost is the admission cost of the operation in rate-limit tokens.
	// Zero means cost 1.
	Cost int
}

// TokenCost returns the admission cost, defaulting to 1.
func (o Operation) TokenCost() int {
	if o.Cost <= 0 {
		return 1
	}
	return o.Cost
}

// Result is the outcome of an executed operation.
type Result struct {
	Rows         [][]any
	RowsAffected int64
	Elapsed      time.Duration
}

// Conn is a physical connection to the warehouse. Implementations are not
// required to be safe for concurrent use; the pool guarantees at most one
// holder at a time.
type Conn interface {
	// Exec executes an operation on the connection.
	Exec(ctx context.Context, op Operation) (*Result, error)

	// ReadContext reads back the effective session context from the
	// backend. Used by the isolation layer to detect drift.
	ReadContext(ctx context.Context) (SessionContext, error)

	// ApplyContext sets the session context on the backend.
	ApplyContext(ctx context.Context, sc SessionContext) error

	// Ping probes connection health.
	Ping(ctx context.Context) error

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Dialer establishes new physical connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
