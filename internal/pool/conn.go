package pool

import (
	"time"

	"github.com/vyrodovalexey/awgw/internal/backend"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	// ConnIdle means the connection is free for leasing.
	ConnIdle ConnState = iota

	// ConnLeased means the connection is held by exactly one lease.
	ConnLeased

	// ConnHealthChecking means the connection is being probed.
	ConnHealthChecking

	// ConnRetired means the connection has been removed from service.
	ConnRetired
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnLeased:
		return "leased"
	case ConnHealthChecking:
		return "health-checking"
	case ConnRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// pooledConn wraps a physical connection with pool bookkeeping. All fields
// besides conn are guarded by the pool mutex.
type pooledConn struct {
	id   string
	conn backend.Conn

	state        ConnState
	createdAt    time.Time
	lastUsed     time.Time
	lastProbeOK  bool
	lastProbedAt time.Time

	// unhealthy is set by the isolation layer when context capture or
	// restore failed. The connection is retired on release instead of
	// being reused.
	unhealthy bool
}
