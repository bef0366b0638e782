// Package proxy wraps raw database connections and the objects derived from
// them so that every call can be observed, validated and post-processed.
//
// A Connection proxy is a drop-in substitute for the raw Conn it wraps. The
// statements, result sets and metadata handles it hands out are proxies too,
// linked back to their parent, and all of them share one ErrorCollector for the
// lifetime of a checkout. Closing the Connection does not close the physical
// connection; it hands the holder back to the pool together with the collected
// errors so the pool can decide whether the connection is still safe to reuse.
package proxy

import (
	"context"
	"database/sql"

	"github.com/fyerfyer/dbproxy/pool"
)

// Conn is the capability set of a database connection.
// Raw driver connections and Connection proxies both implement it.
type Conn interface {
	// CreateStatement creates a statement that executes ad-hoc SQL.
	CreateStatement() (Stmt, error)

	// PrepareStatement prepares query for repeated execution.
	// Flags are driver-specific creation options and are part of the cache key.
	PrepareStatement(ctx context.Context, query string, flags ...int) (Stmt, error)

	// PrepareCall prepares a stored-procedure call.
	PrepareCall(ctx context.Context, query string, flags ...int) (Stmt, error)

	// MetaData returns information about the database behind the connection.
	MetaData() (MetaData, error)

	// Begin starts a transaction.
	Begin(ctx context.Context) error

	// Commit commits the current transaction.
	Commit() error

	// Rollback aborts the current transaction.
	Rollback() error

	// SetAutoCommit switches auto-commit mode.
	SetAutoCommit(enabled bool) error

	// AutoCommit reports whether auto-commit mode is on.
	AutoCommit() (bool, error)

	// SetReadOnly hints the driver that the connection only reads.
	SetReadOnly(readOnly bool) error

	// SetTransactionIsolation sets the isolation level for new transactions.
	SetTransactionIsolation(level sql.IsolationLevel) error

	// ClearWarnings drops the warnings accumulated by the connection.
	ClearWarnings() error

	// Warnings returns the warnings accumulated by the connection.
	Warnings() ([]string, error)

	// IsValid reports whether the connection is still usable.
	IsValid(ctx context.Context) bool

	// Abort terminates the connection immediately.
	Abort() error

	// Close releases the connection.
	Close() error

	// IsClosed reports whether Close or Abort has been called.
	IsClosed() bool
}

// Stmt is the capability set of a statement.
type Stmt interface {
	// Connection returns the connection that created the statement.
	Connection() (Conn, error)

	// SetParam binds value to the 1-based parameter index.
	SetParam(index int, value any) error

	// ClearParams drops all bound parameters.
	ClearParams() error

	// Exec executes the prepared statement. Args, when given, replace the bound parameters.
	Exec(ctx context.Context, args ...any) (sql.Result, error)

	// Query executes the prepared statement and returns its result set.
	Query(ctx context.Context, args ...any) (Rows, error)

	// ExecSQL executes query on the statement.
	ExecSQL(ctx context.Context, query string, args ...any) (sql.Result, error)

	// QuerySQL executes query on the statement and returns its result set.
	QuerySQL(ctx context.Context, query string, args ...any) (Rows, error)

	// Cancel cancels the statement's in-flight execution, if any.
	Cancel() error

	// ClearWarnings drops the warnings accumulated by the statement.
	ClearWarnings() error

	// Warnings returns the warnings accumulated by the statement.
	Warnings() ([]string, error)

	// SetMaxRows limits the number of rows any result set can contain. Zero means no limit.
	SetMaxRows(n int) error

	// Close releases the statement.
	Close() error

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}

// Rows is the capability set of a result set cursor.
type Rows interface {
	// Statement returns the statement that produced the result set.
	Statement() (Stmt, error)

	// Columns returns the column names.
	Columns() ([]string, error)

	// Next advances the cursor. It returns false when there are no more rows.
	Next() (bool, error)

	// Scan copies the current row into dest.
	Scan(dest ...any) error

	// Close releases the cursor.
	Close() error

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}

// MetaData is the capability set of a database metadata handle.
type MetaData interface {
	// Connection returns the connection the metadata was obtained from.
	Connection() (Conn, error)

	// ProductName returns the database product name.
	ProductName() (string, error)

	// ProductVersion returns the database product version.
	ProductVersion() (string, error)

	// DriverName returns the name of the driver.
	DriverName() (string, error)

	// URL returns the address the connection was opened with.
	URL() (string, error)

	// UserName returns the user the connection is authenticated as.
	UserName() (string, error)

	// Tables lists the tables whose names match pattern.
	Tables(ctx context.Context, pattern string) ([]string, error)
}

// PoolOperations is the part of the pool a Connection proxy hands its holder back to.
type PoolOperations interface {
	// Restore returns the holder to the pool. aborted is true when the
	// connection was aborted; errs holds the disqualifying errors collected
	// during the checkout. The pool decides whether to reuse or destroy.
	Restore(h *pool.Holder, aborted bool, errs []error)
}
