package pool

import (
	"context"
	"io"
	"time"
)

// Connection represents a physical connection managed by a pool.
// It extends io.Closer; Close releases the physical resource.
type Connection interface {
	io.Closer

	// Raw returns the underlying connection object.
	// The returned value can be type asserted to the actual connection type.
	Raw() interface{}

	// IsAlive checks if the connection is still valid and usable.
	IsAlive() bool

	// ResetState prepares the connection for reuse.
	ResetState() error
}

// ConnectionFactory creates new physical connections for a pool.
type ConnectionFactory interface {
	// Create creates a new connection.
	Create(ctx context.Context) (Connection, error)
}

// Pool manages a collection of reusable connections wrapped in holders.
type Pool interface {
	// Get takes a holder from the pool or creates a new one if needed.
	// The context can be used to control timeouts or cancellation.
	Get(ctx context.Context) (*Holder, error)

	// Put restores a holder to the pool. A non-nil err means the physical
	// connection is not safe to reuse and it is destroyed instead.
	Put(h *Holder, err error) error

	// Shutdown gracefully terminates the pool, waiting for taken holders to be returned.
	// It will wait until the context is canceled or all holders are returned.
	Shutdown(ctx context.Context) error

	// Stats returns statistics about the pool's current state.
	Stats() Stats

	// Version returns the generation stamped on newly created holders.
	Version() int64

	// BumpVersion makes every existing holder obsolete. Obsolete holders are
	// destroyed when they come back to the pool or are found idle.
	BumpVersion() int64

	// Taken returns a snapshot of the holders currently checked out.
	Taken() []*Holder
}

// Stats represents pool statistics.
type Stats struct {
	// Active is the number of connections currently checked out from the pool
	Active int

	// Idle is the number of connections currently idle in the pool
	Idle int

	// Total is the total number of connections in the pool (Active + Idle)
	Total int

	// MaxActive is the configured upper bound of Total, 0 when unbounded
	MaxActive int

	// Waiters is the number of callers waiting for a connection
	Waiters int

	// Timeouts is the number of Get operations that timed out
	Timeouts int64

	// Errors is the number of failed connection attempts
	Errors int64

	// Acquired is the total number of successful Get operations
	Acquired int64

	// Released is the total number of holders returned for reuse
	Released int64

	// Destroyed is the total number of physical connections closed by the pool
	Destroyed int64

	// Version is the current holder generation
	Version int64

	// Terminated reports whether Shutdown has been called
	Terminated bool

	// MaxIdleTime is the maximum time a connection can remain idle before being closed
	MaxIdleTime time.Duration

	// MaxLifetime is the maximum time a connection can live since creation
	MaxLifetime time.Duration

	// CreatedAt is when the pool was created
	CreatedAt time.Time
}

// State represents the holder state.
type State int

const (
	// StateIdle indicates the holder is in the pool and not being used.
	StateIdle State = iota

	// StateInUse indicates the holder is currently checked out.
	StateInUse

	// StateClosed indicates the physical connection has been closed.
	StateClosed
)

// Event represents a holder lifecycle event.
type Event int

const (
	// EventGet is triggered when a holder is taken from the pool.
	EventGet Event = iota

	// EventPut is triggered when a holder is restored for reuse.
	EventPut

	// EventClose is triggered when a physical connection is destroyed.
	EventClose

	// EventNew is triggered when a new physical connection is created.
	EventNew
)

// EventListener is notified about holder lifecycle events.
type EventListener interface {
	// OnEvent is called when a holder event occurs.
	OnEvent(event Event, h *Holder)
}
