// Package errclass decides whether a driver error leaves the physical
// connection usable.
//
// Statement timeouts and transaction rollbacks (deadlocks, serialization
// failures, lock wait timeouts) are transient: the connection that reported
// them is still healthy. Everything else is disqualifying and the connection
// is destroyed when it goes back to the pool.
package errclass

import (
	"context"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE values and classes treated as transient.
const (
	sqlStateQueryCanceled      = "57014"
	sqlStateClassRollback      = "40"
	sqlStateClassLockTimeout   = "HYT"
	mysqlLockWaitTimeout       = 1205
	mysqlDeadlock              = 1213
	mysqlQueryInterrupted      = 1317
	mysqlMaxExecutionTimeLimit = 3024
)

type kind int

const (
	kindTimeout kind = iota + 1
	kindRollback
)

type markedError struct {
	err  error
	kind kind
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// MarkTimeout wraps err so that it is classified as a statement timeout.
// Drivers without structured errors use it to report timeouts.
func MarkTimeout(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, kind: kindTimeout}
}

// MarkRollback wraps err so that it is classified as a transaction rollback.
func MarkRollback(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, kind: kindRollback}
}

// IsTimeout reports whether err is a statement-timeout class error.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var marked *markedError
	if errors.As(err, &marked) && marked.kind == kindTimeout {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlQueryInterrupted || myErr.Number == mysqlMaxExecutionTimeLimit) {
		return true
	}
	if state, ok := sqlState(err); ok {
		return state == sqlStateQueryCanceled || strings.HasPrefix(state, sqlStateClassLockTimeout)
	}
	return false
}

// IsRollback reports whether err is a transaction-rollback class error.
func IsRollback(err error) bool {
	if err == nil {
		return false
	}
	var marked *markedError
	if errors.As(err, &marked) && marked.kind == kindRollback {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout) {
		return true
	}
	if state, ok := sqlState(err); ok {
		return strings.HasPrefix(state, sqlStateClassRollback)
	}
	return false
}

// IsTransient reports whether err leaves the connection usable.
func IsTransient(err error) bool {
	return IsTimeout(err) || IsRollback(err)
}

// IsDisqualifying reports whether err means the connection must be destroyed.
func IsDisqualifying(err error) bool {
	return err != nil && !IsTransient(err)
}

// sqlState 提取 PostgreSQL 驱动错误中的 SQLSTATE
func sqlState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.SQLState != [5]byte{} {
		return string(myErr.SQLState[:]), true
	}
	return "", false
}
