package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "nil", err: nil, transient: false},
		{name: "plain", err: errors.New("broken pipe"), transient: false},
		{name: "deadline", err: context.DeadlineExceeded, transient: true},
		{name: "wrapped cancel", err: fmt.Errorf("exec: %w", context.Canceled), transient: true},
		{name: "marked timeout", err: MarkTimeout(errors.New("statement timeout")), transient: true},
		{name: "marked rollback", err: MarkRollback(errors.New("rolled back")), transient: true},
		{name: "pgx query canceled", err: &pgconn.PgError{Code: "57014"}, transient: true},
		{name: "pgx serialization failure", err: &pgconn.PgError{Code: "40001"}, transient: true},
		{name: "pgx deadlock", err: &pgconn.PgError{Code: "40P01"}, transient: true},
		{name: "pgx admin shutdown", err: &pgconn.PgError{Code: "57P01"}, transient: false},
		{name: "pgx syntax error", err: &pgconn.PgError{Code: "42601"}, transient: false},
		{name: "pq rollback", err: &pq.Error{Code: "40002"}, transient: true},
		{name: "pq connection failure", err: &pq.Error{Code: "08006"}, transient: false},
		{name: "mysql deadlock", err: &mysql.MySQLError{Number: 1213}, transient: true},
		{name: "mysql lock wait", err: &mysql.MySQLError{Number: 1205, SQLState: [5]byte{'H', 'Y', '0', '0', '0'}}, transient: true},
		{name: "mysql interrupted", err: &mysql.MySQLError{Number: 1317}, transient: true},
		{name: "mysql max execution time", err: &mysql.MySQLError{Number: 3024}, transient: true},
		{name: "mysql gone away", err: &mysql.MySQLError{Number: 2006}, transient: false},
		{name: "mysql sqlstate rollback", err: &mysql.MySQLError{Number: 1614, SQLState: [5]byte{'4', '0', '0', '0', '0'}}, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.err != nil && !tt.transient, IsDisqualifying(tt.err))
		})
	}
}

func TestMark(t *testing.T) {
	cause := errors.New("timeout")
	marked := MarkTimeout(cause)

	assert.ErrorIs(t, marked, cause)
	assert.Equal(t, "timeout", marked.Error())
	assert.True(t, IsTimeout(marked))
	assert.False(t, IsRollback(marked))

	assert.Nil(t, MarkTimeout(nil))
	assert.Nil(t, MarkRollback(nil))
}
