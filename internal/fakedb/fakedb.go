// Package fakedb is an in-memory database whose connections implement both
// proxy.Conn and pool.Connection. Query results are scripted per SQL text.
package fakedb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fyerfyer/dbproxy/pool"
	"github.com/fyerfyer/dbproxy/proxy"
)

var (
	// ErrClosed 表示原始对象已经关闭
	ErrClosed = errors.New("fakedb: closed")

	// ErrUnknownQuery 表示没有为该 SQL 注册结果
	ErrUnknownQuery = errors.New("fakedb: unknown query")
)

// Result 是为一条 SQL 预设的执行结果
type Result struct {
	Columns  []string
	Rows     [][]any
	Affected int64
	Err      error
}

// DB 保存预设结果并统计连接与语句的创建次数
type DB struct {
	mu      sync.Mutex
	results map[string]Result
	tables  []string

	opened   atomic.Int32
	closed   atomic.Int32
	prepares atomic.Int32
	failNext atomic.Pointer[error]
}

// New 创建空数据库
func New() *DB {
	return &DB{results: make(map[string]Result)}
}

// On 为 query 注册执行结果
func (db *DB) On(query string, r Result) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.results[query] = r
	return db
}

// AddTable 注册一个表名供元数据查询
func (db *DB) AddTable(name string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables = append(db.tables, name)
	return db
}

// FailNextCreate 让下一次建连返回 err
func (db *DB) FailNextCreate(err error) {
	db.failNext.Store(&err)
}

// Opened 返回已创建的连接数
func (db *DB) Opened() int { return int(db.opened.Load()) }

// Closed 返回已关闭的连接数
func (db *DB) Closed() int { return int(db.closed.Load()) }

// Prepares 返回物理预编译的次数
func (db *DB) Prepares() int { return int(db.prepares.Load()) }

// Create 实现 pool.ConnectionFactory
func (db *DB) Create(ctx context.Context) (pool.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errp := db.failNext.Swap(nil); errp != nil {
		return nil, *errp
	}
	id := db.opened.Add(1)
	return &Conn{db: db, id: int(id), autoCommit: true}, nil
}

func (db *DB) lookup(query string) (Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.results[query]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownQuery, query)
	}
	return r, r.Err
}

// Conn 是一个内存连接
type Conn struct {
	db *DB
	id int

	mu         sync.Mutex
	closed     bool
	aborted    bool
	broken     bool
	inTx       bool
	autoCommit bool
	readOnly   bool
	isolation  sql.IsolationLevel
	warnings   []string
}

var (
	_ proxy.Conn      = (*Conn)(nil)
	_ pool.Connection = (*Conn)(nil)
)

// ID 返回连接编号
func (c *Conn) ID() int { return c.id }

// Raw 实现 pool.Connection，返回连接自身
func (c *Conn) Raw() interface{} { return c }

// IsAlive 实现 pool.Connection
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.broken
}

// ResetState 回滚未完成的事务并清除警告
func (c *Conn) ResetState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.inTx = false
	c.autoCommit = true
	c.warnings = nil
	return nil
}

// Break 模拟网络断开，之后的调用都会失败
func (c *Conn) Break() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
}

// AddWarning 追加一条警告
func (c *Conn) AddWarning(w string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, w)
}

// InTx 报告是否处于事务中
func (c *Conn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

// Aborted 报告 Abort 是否被调用过
func (c *Conn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Conn) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.broken:
		return driver.ErrBadConn
	}
	return nil
}

func (c *Conn) CreateStatement() (proxy.Stmt, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return &Stmt{conn: c}, nil
}

func (c *Conn) PrepareStatement(ctx context.Context, query string, flags ...int) (proxy.Stmt, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.db.prepares.Add(1)
	return &Stmt{conn: c, query: query, prepared: true}, nil
}

func (c *Conn) PrepareCall(ctx context.Context, query string, flags ...int) (proxy.Stmt, error) {
	return c.PrepareStatement(ctx, query, flags...)
}

func (c *Conn) MetaData() (proxy.MetaData, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return &MetaData{conn: c}, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return errors.New("fakedb: transaction already started")
	}
	c.inTx = true
	return nil
}

func (c *Conn) Commit() error {
	return c.endTx()
}

func (c *Conn) Rollback() error {
	return c.endTx()
}

func (c *Conn) endTx() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return errors.New("fakedb: no transaction")
	}
	c.inTx = false
	return nil
}

func (c *Conn) SetAutoCommit(enabled bool) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoCommit = enabled
	return nil
}

func (c *Conn) AutoCommit() (bool, error) {
	if err := c.usable(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, nil
}

func (c *Conn) SetReadOnly(readOnly bool) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = readOnly
	return nil
}

func (c *Conn) SetTransactionIsolation(level sql.IsolationLevel) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolation = level
	return nil
}

func (c *Conn) ClearWarnings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = nil
	return nil
}

func (c *Conn) Warnings() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.warnings...), nil
}

func (c *Conn) IsValid(ctx context.Context) bool {
	return c.usable() == nil && ctx.Err() == nil
}

func (c *Conn) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	c.broken = true
	return nil
}

// Close 关闭物理连接
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.db.closed.Add(1)
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stmt 是一个内存语句
type Stmt struct {
	conn     *Conn
	query    string
	prepared bool

	mu       sync.Mutex
	params   map[int]any
	maxRows  int
	closed   bool
	canceled bool
}

// SQL 返回语句的 SQL
func (s *Stmt) SQL() string { return s.query }

// Canceled 报告 Cancel 是否被调用过
func (s *Stmt) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (s *Stmt) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.conn.usable()
}

func (s *Stmt) Connection() (proxy.Conn, error) { return s.conn, nil }

func (s *Stmt) SetParam(index int, value any) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		s.params = make(map[int]any)
	}
	s.params[index] = value
	return nil
}

func (s *Stmt) ClearParams() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = nil
	return nil
}

func (s *Stmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	return s.ExecSQL(ctx, s.query, args...)
}

func (s *Stmt) Query(ctx context.Context, args ...any) (proxy.Rows, error) {
	return s.QuerySQL(ctx, s.query, args...)
}

func (s *Stmt) ExecSQL(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := s.conn.db.lookup(query)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(r.Affected), nil
}

func (s *Stmt) QuerySQL(ctx context.Context, query string, args ...any) (proxy.Rows, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := s.conn.db.lookup(query)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	data := r.Rows
	if s.maxRows > 0 && len(data) > s.maxRows {
		data = data[:s.maxRows]
	}
	s.mu.Unlock()
	return &Rows{stmt: s, columns: r.Columns, data: data, pos: -1}, nil
}

func (s *Stmt) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	return nil
}

func (s *Stmt) ClearWarnings() error        { return nil }
func (s *Stmt) Warnings() ([]string, error) { return nil, nil }

func (s *Stmt) SetMaxRows(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRows = n
	return nil
}

func (s *Stmt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Stmt) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Rows 是一个内存结果集
type Rows struct {
	stmt    *Stmt
	columns []string
	data    [][]any
	pos     int
	closed  bool
}

func (r *Rows) Statement() (proxy.Stmt, error) { return r.stmt, nil }

func (r *Rows) Columns() ([]string, error) {
	return append([]string(nil), r.columns...), nil
}

func (r *Rows) Next() (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	if r.pos+1 >= len(r.data) {
		r.pos = len(r.data)
		return false, nil
	}
	r.pos++
	return true, nil
}

func (r *Rows) Scan(dest ...any) error {
	if r.closed {
		return ErrClosed
	}
	if r.pos < 0 || r.pos >= len(r.data) {
		return errors.New("fakedb: no current row")
	}
	row := r.data[r.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("fakedb: expected %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return fmt.Errorf("fakedb: column %d: %w", i, err)
		}
	}
	return nil
}

func (r *Rows) Close() error {
	r.closed = true
	return nil
}

func (r *Rows) IsClosed() bool { return r.closed }

func assign(dest, v any) error {
	switch d := dest.(type) {
	case *any:
		*d = v
	case *string:
		*d = fmt.Sprint(v)
	case *int:
		n, ok := v.(int)
		if !ok {
			return fmt.Errorf("cannot scan %T into *int", v)
		}
		*d = n
	case *int64:
		switch n := v.(type) {
		case int:
			*d = int64(n)
		case int64:
			*d = n
		default:
			return fmt.Errorf("cannot scan %T into *int64", v)
		}
	case sql.Scanner:
		return d.Scan(v)
	default:
		return fmt.Errorf("unsupported destination %T", dest)
	}
	return nil
}

// MetaData 是内存数据库的元数据
type MetaData struct {
	conn *Conn
}

func (m *MetaData) Connection() (proxy.Conn, error) { return m.conn, nil }
func (m *MetaData) ProductName() (string, error)    { return "fakedb", nil }
func (m *MetaData) ProductVersion() (string, error) { return "1.0.0", nil }
func (m *MetaData) DriverName() (string, error)     { return "fakedb", nil }
func (m *MetaData) URL() (string, error)            { return "fakedb://memory", nil }
func (m *MetaData) UserName() (string, error)       { return "fake", nil }

func (m *MetaData) Tables(ctx context.Context, pattern string) ([]string, error) {
	if err := m.conn.usable(); err != nil {
		return nil, err
	}
	glob := strings.NewReplacer("%", "*", "_", "?").Replace(pattern)
	m.conn.db.mu.Lock()
	defer m.conn.db.mu.Unlock()
	var out []string
	for _, t := range m.conn.db.tables {
		if ok, _ := path.Match(glob, t); ok {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}
