package proxy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/dbproxy/pool"
)

// mockConn 同时实现 Conn 与 pool.Connection
type mockConn struct {
	prepares   atomic.Int32
	validCalls atomic.Int32
	aborts     atomic.Int32
	closed     atomic.Bool

	prepareErr error
	abortErr   error
	commitErr  error
	meta       *mockMeta

	// stmtRows 是新建语句查询返回的行数
	stmtRows int
	execErr  error

	// nilRows 使语句查询返回空结果集且没有错误
	nilRows bool
}

func (m *mockConn) Raw() interface{}  { return m }
func (m *mockConn) IsAlive() bool     { return !m.closed.Load() }
func (m *mockConn) ResetState() error { return nil }

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockConn) CreateStatement() (Stmt, error) {
	return m.newStmt(""), nil
}

func (m *mockConn) PrepareStatement(ctx context.Context, query string, flags ...int) (Stmt, error) {
	m.prepares.Add(1)
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return m.newStmt(query), nil
}

func (m *mockConn) PrepareCall(ctx context.Context, query string, flags ...int) (Stmt, error) {
	return m.PrepareStatement(ctx, query, flags...)
}

func (m *mockConn) newStmt(query string) *mockStmt {
	return &mockStmt{conn: m, query: query, rows: m.stmtRows, execErr: m.execErr, nilRows: m.nilRows}
}

func (m *mockConn) MetaData() (MetaData, error) {
	if m.meta == nil {
		m.meta = &mockMeta{conn: m}
	}
	return m.meta, nil
}

func (m *mockConn) Begin(ctx context.Context) error { return nil }
func (m *mockConn) Commit() error                   { return m.commitErr }
func (m *mockConn) Rollback() error                 { return nil }
func (m *mockConn) SetAutoCommit(bool) error        { return nil }
func (m *mockConn) AutoCommit() (bool, error)       { return true, nil }
func (m *mockConn) SetReadOnly(bool) error          { return nil }
func (m *mockConn) ClearWarnings() error            { return nil }
func (m *mockConn) Warnings() ([]string, error)     { return nil, nil }
func (m *mockConn) IsClosed() bool                  { return m.closed.Load() }

func (m *mockConn) SetTransactionIsolation(sql.IsolationLevel) error { return nil }

func (m *mockConn) IsValid(ctx context.Context) bool {
	m.validCalls.Add(1)
	return !m.closed.Load()
}

func (m *mockConn) Abort() error {
	m.aborts.Add(1)
	return m.abortErr
}

type mockStmt struct {
	conn  *mockConn
	query string
	rows  int

	execErr   error
	cancelErr error
	nilRows   bool

	mu              sync.Mutex
	params          map[int]any
	closed          bool
	closeCalls      int
	canceled        bool
	warningsCleared int
	execs           int
}

func (s *mockStmt) Connection() (Conn, error) { return s.conn, nil }

func (s *mockStmt) SetParam(index int, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		s.params = make(map[int]any)
	}
	s.params[index] = value
	return nil
}

func (s *mockStmt) ClearParams() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = nil
	return nil
}

func (s *mockStmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execErr != nil {
		return nil, s.execErr
	}
	s.execs++
	return driver.RowsAffected(1), nil
}

func (s *mockStmt) Query(ctx context.Context, args ...any) (Rows, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	if s.nilRows {
		return nil, nil
	}
	return &mockRows{stmt: s, total: s.rows}, nil
}

func (s *mockStmt) ExecSQL(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.Exec(ctx, args...)
}

func (s *mockStmt) QuerySQL(ctx context.Context, query string, args ...any) (Rows, error) {
	return s.Query(ctx, args...)
}

func (s *mockStmt) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	return s.cancelErr
}

func (s *mockStmt) ClearWarnings() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warningsCleared++
	return nil
}

func (s *mockStmt) Warnings() ([]string, error) { return nil, nil }
func (s *mockStmt) SetMaxRows(int) error        { return nil }

func (s *mockStmt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

func (s *mockStmt) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type mockRows struct {
	stmt    *mockStmt
	total   int
	pos     int
	closed  bool
	scanErr error
}

func (r *mockRows) Statement() (Stmt, error)   { return r.stmt, nil }
func (r *mockRows) Columns() ([]string, error) { return []string{"id"}, nil }

func (r *mockRows) Next() (bool, error) {
	if r.pos >= r.total {
		return false, nil
	}
	r.pos++
	return true, nil
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	if len(dest) > 0 {
		if p, ok := dest[0].(*int); ok {
			*p = r.pos
		}
	}
	return nil
}

func (r *mockRows) Close() error {
	r.closed = true
	return nil
}

func (r *mockRows) IsClosed() bool { return r.closed }

type mockMeta struct {
	conn *mockConn
}

func (m *mockMeta) Connection() (Conn, error)       { return m.conn, nil }
func (m *mockMeta) ProductName() (string, error)    { return "mockdb", nil }
func (m *mockMeta) ProductVersion() (string, error) { return "1.0", nil }
func (m *mockMeta) DriverName() (string, error)     { return "mock", nil }
func (m *mockMeta) URL() (string, error)            { return "mock://local", nil }
func (m *mockMeta) UserName() (string, error)       { return "tester", nil }

func (m *mockMeta) Tables(ctx context.Context, pattern string) ([]string, error) {
	return []string{"users"}, nil
}

// mockFactory 总是返回同一个原始连接
type mockFactory struct {
	conn pool.Connection
}

func (f *mockFactory) Create(ctx context.Context) (pool.Connection, error) {
	if f.conn == nil {
		return nil, errors.New("no connection")
	}
	return f.conn, nil
}

type restoreCall struct {
	holder  *pool.Holder
	aborted bool
	errs    []error
}

// mockOps 记录 Restore 调用
type mockOps struct {
	mu    sync.Mutex
	calls []restoreCall
}

func (o *mockOps) Restore(h *pool.Holder, aborted bool, errs []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, restoreCall{holder: h, aborted: aborted, errs: errs})
}

func (o *mockOps) restores() []restoreCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]restoreCall(nil), o.calls...)
}

// newTestConnection 借出一个包装 raw 的连接代理
func newTestConnection(t *testing.T, raw *mockConn, cfg *Config) (*Connection, *mockOps) {
	t.Helper()
	p := pool.NewPool(&mockFactory{conn: raw}, pool.WithTestOnBorrow(false), pool.WithIdleCheckFrequency(0))
	h, err := p.Get(context.Background())
	require.NoError(t, err)

	ops := &mockOps{}
	c, err := NewConnection(h, ops, cfg)
	require.NoError(t, err)
	return c, ops
}
