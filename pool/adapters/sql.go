package adapters

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyerfyer/dbproxy/pool"
	"github.com/fyerfyer/dbproxy/proxy"
)

var (
	// ErrNoTransaction 表示在自动提交模式下提交或回滚
	ErrNoTransaction = errors.New("no transaction in progress")

	// ErrNotPrepared 表示在未预编译的语句上执行 Exec 或 Query
	ErrNotPrepared = errors.New("statement has no prepared query")

	errConnClosed = errors.New("sql connection is closed")
)

// SQLConfig 定义 SQL 连接工厂的配置
type SQLConfig struct {
	// 驱动名称，如 pgx、postgres、mysql
	DriverName string

	// 数据源名称（连接字符串）
	DataSourceName string

	// 健康检查 SQL，为空时使用 Ping
	HealthCheckSQL string

	// 健康检查超时
	HealthCheckTimeout time.Duration

	// 初始化函数，在每个物理连接创建后调用
	InitFunc func(ctx context.Context, conn *sql.Conn) error
}

// DefaultSQLConfig 返回默认的 SQL 配置
func DefaultSQLConfig(driverName, dataSourceName string) *SQLConfig {
	healthCheckSQL := ""
	switch driverName {
	case "oracle", "godror":
		healthCheckSQL = "SELECT 1 FROM DUAL"
	}
	return &SQLConfig{
		DriverName:         driverName,
		DataSourceName:     dataSourceName,
		HealthCheckSQL:     healthCheckSQL,
		HealthCheckTimeout: time.Second,
	}
}

// SQLConnectionFactory 从 database/sql 的驱动创建独占的物理连接
type SQLConnectionFactory struct {
	db      *sql.DB
	config  *SQLConfig
	dialect dialect
}

// NewSQLConnectionFactory 打开驱动并创建连接工厂
func NewSQLConnectionFactory(config *SQLConfig) (*SQLConnectionFactory, error) {
	if config == nil {
		return nil, fmt.Errorf("SQL configuration cannot be nil")
	}
	db, err := sql.Open(config.DriverName, config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewSQLConnectionFactoryFromDB(db, config), nil
}

// NewSQLConnectionFactoryFromDB 使用已有的 sql.DB 创建连接工厂
// 物理连接的复用由连接池负责，sql.DB 不再保留空闲连接
func NewSQLConnectionFactoryFromDB(db *sql.DB, config *SQLConfig) *SQLConnectionFactory {
	if config == nil {
		config = DefaultSQLConfig("", "")
	}
	db.SetMaxIdleConns(0)
	return &SQLConnectionFactory{
		db:      db,
		config:  config,
		dialect: dialectOf(config.DriverName),
	}
}

// Create 实现 ConnectionFactory 接口，创建一个新的 SQL 连接
func (f *SQLConnectionFactory) Create(ctx context.Context) (pool.Connection, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get individual connection: %w", err)
	}
	if f.config.InitFunc != nil {
		if err := f.config.InitFunc(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("connection initialization failed: %w", err)
		}
	}
	return &SQLConnection{
		factory:    f,
		conn:       conn,
		autoCommit: true,
		lastUsed:   time.Now(),
	}, nil
}

// Close 关闭连接工厂，释放资源
func (f *SQLConnectionFactory) Close() error {
	return f.db.Close()
}

// execer 由 *sql.Conn 和 *sql.Tx 共同实现
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLConnection 是一个独占的物理连接，同时实现 pool.Connection 与 proxy.Conn
type SQLConnection struct {
	factory *SQLConnectionFactory

	mutex      sync.Mutex
	conn       *sql.Conn
	tx         *sql.Tx
	autoCommit bool
	readOnly   bool
	isolation  sql.IsolationLevel
	closed     bool
	lastUsed   time.Time
}

var (
	_ pool.Connection = (*SQLConnection)(nil)
	_ proxy.Conn      = (*SQLConnection)(nil)
)

// Raw 返回连接自身，供代理层使用
func (c *SQLConnection) Raw() interface{} {
	return c
}

// Conn 返回底层的 sql.Conn
func (c *SQLConnection) Conn() *sql.Conn {
	return c.conn
}

// IsAlive 检查连接是否仍然可用
func (c *SQLConnection) IsAlive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.factory.config.HealthCheckTimeout)
	defer cancel()
	return c.IsValid(ctx)
}

// ResetState 回滚未完成的事务并恢复默认设置
func (c *SQLConnection) ResetState() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.tx != nil {
		err := c.tx.Rollback()
		c.tx = nil
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("failed to rollback transaction on reset: %w", err)
		}
	}
	c.autoCommit = true
	c.readOnly = false
	c.isolation = sql.LevelDefault
	c.lastUsed = time.Now()
	return nil
}

// current 返回当前的执行者，事务中为 *sql.Tx
func (c *SQLConnection) current() (execer, *sql.Tx, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, nil, errConnClosed
	}
	if c.tx != nil {
		return c.tx, c.tx, nil
	}
	return c.conn, nil, nil
}

func (c *SQLConnection) CreateStatement() (proxy.Stmt, error) {
	if c.IsClosed() {
		return nil, errConnClosed
	}
	return &sqlStatement{conn: c}, nil
}

func (c *SQLConnection) PrepareStatement(ctx context.Context, query string, flags ...int) (proxy.Stmt, error) {
	if c.IsClosed() {
		return nil, errConnClosed
	}
	stmt, err := c.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &sqlStatement{conn: c, query: query, stmt: stmt}, nil
}

// PrepareCall 对 database/sql 而言与 PrepareStatement 相同
func (c *SQLConnection) PrepareCall(ctx context.Context, query string, flags ...int) (proxy.Stmt, error) {
	return c.PrepareStatement(ctx, query, flags...)
}

func (c *SQLConnection) MetaData() (proxy.MetaData, error) {
	if c.IsClosed() {
		return nil, errConnClosed
	}
	return &sqlMetaData{conn: c}, nil
}

func (c *SQLConnection) Begin(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.beginLocked(ctx)
}

func (c *SQLConnection) beginLocked(ctx context.Context) error {
	if c.closed {
		return errConnClosed
	}
	if c.tx != nil {
		return fmt.Errorf("transaction already started")
	}
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{Isolation: c.isolation, ReadOnly: c.readOnly})
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *SQLConnection) Commit() error {
	return c.endTx(true)
}

func (c *SQLConnection) Rollback() error {
	return c.endTx(false)
}

// endTx 结束当前事务，关闭自动提交时立即开启下一个事务
func (c *SQLConnection) endTx(commit bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.tx == nil {
		return ErrNoTransaction
	}
	var err error
	if commit {
		err = c.tx.Commit()
	} else {
		err = c.tx.Rollback()
	}
	c.tx = nil
	if err != nil {
		return err
	}
	if !c.autoCommit {
		return c.beginLocked(context.Background())
	}
	return nil
}

// SetAutoCommit 开启自动提交会提交当前事务，关闭则开启新事务
func (c *SQLConnection) SetAutoCommit(enabled bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return errConnClosed
	}
	if enabled == c.autoCommit {
		return nil
	}
	c.autoCommit = enabled
	if enabled {
		if c.tx == nil {
			return nil
		}
		err := c.tx.Commit()
		c.tx = nil
		return err
	}
	if c.tx != nil {
		return nil
	}
	return c.beginLocked(context.Background())
}

func (c *SQLConnection) AutoCommit() (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return false, errConnClosed
	}
	return c.autoCommit, nil
}

// SetReadOnly 对下一个事务生效
func (c *SQLConnection) SetReadOnly(readOnly bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.readOnly = readOnly
	return nil
}

// SetTransactionIsolation 对下一个事务生效
func (c *SQLConnection) SetTransactionIsolation(level sql.IsolationLevel) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.isolation = level
	return nil
}

// database/sql 不暴露驱动警告
func (c *SQLConnection) ClearWarnings() error        { return nil }
func (c *SQLConnection) Warnings() ([]string, error) { return nil, nil }

// IsValid 使用健康检查 SQL 或 Ping 检查连接
func (c *SQLConnection) IsValid(ctx context.Context) bool {
	if c.IsClosed() {
		return false
	}
	if q := c.factory.config.HealthCheckSQL; q != "" {
		var result any
		return c.conn.QueryRowContext(ctx, q).Scan(&result) == nil
	}
	return c.conn.PingContext(ctx) == nil
}

// Abort 将驱动连接标记为失效并立即关闭
func (c *SQLConnection) Abort() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.tx = nil
	// 返回 ErrBadConn 使 database/sql 丢弃该驱动连接
	err := c.conn.Raw(func(any) error { return driver.ErrBadConn })
	if err != nil && !errors.Is(err, driver.ErrBadConn) {
		return err
	}
	return nil
}

// Close 回滚未完成的事务并关闭物理连接
func (c *SQLConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	var err error
	if c.tx != nil {
		if rbErr := c.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = rbErr
		}
		c.tx = nil
	}
	if closeErr := c.conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	c.closed = true
	return err
}

func (c *SQLConnection) IsClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

// sqlStatement 实现 proxy.Stmt，预编译语句在事务中通过 Tx.StmtContext 执行
type sqlStatement struct {
	conn  *SQLConnection
	query string
	stmt  *sql.Stmt

	mu      sync.Mutex
	params  map[int]any
	maxRows int
	cancels map[int]context.CancelFunc
	nextID  int
	closed  bool
}

func (s *sqlStatement) Connection() (proxy.Conn, error) {
	return s.conn, nil
}

// SetParam 设置从 1 开始编号的参数
func (s *sqlStatement) SetParam(index int, value any) error {
	if index < 1 {
		return fmt.Errorf("parameter index %d out of range", index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		s.params = make(map[int]any)
	}
	s.params[index] = value
	return nil
}

func (s *sqlStatement) ClearParams() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = nil
	return nil
}

// args 在未显式传参时使用 SetParam 设置的参数
func (s *sqlStatement) args(explicit []any) ([]any, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.params) == 0 {
		return nil, nil
	}
	out := make([]any, len(s.params))
	for i := range out {
		v, ok := s.params[i+1]
		if !ok {
			return nil, fmt.Errorf("parameter %d is not set", i+1)
		}
		out[i] = v
	}
	return out, nil
}

// track 为一次执行创建可取消的上下文
func (s *sqlStatement) track(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errors.New("sql statement is closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	if s.cancels == nil {
		s.cancels = make(map[int]context.CancelFunc)
	}
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	return ctx, func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
	}, nil
}

// prepared 返回当前连接状态下可执行的预编译语句
func (s *sqlStatement) prepared(ctx context.Context) (*sql.Stmt, error) {
	if s.stmt == nil {
		return nil, ErrNotPrepared
	}
	_, tx, err := s.conn.current()
	if err != nil {
		return nil, err
	}
	if tx != nil {
		return tx.StmtContext(ctx, s.stmt), nil
	}
	return s.stmt, nil
}

func (s *sqlStatement) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	args, err := s.args(args)
	if err != nil {
		return nil, err
	}
	stmt, err := s.prepared(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done, err := s.track(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return stmt.ExecContext(ctx, args...)
}

func (s *sqlStatement) Query(ctx context.Context, args ...any) (proxy.Rows, error) {
	args, err := s.args(args)
	if err != nil {
		return nil, err
	}
	stmt, err := s.prepared(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done, err := s.track(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		done()
		return nil, err
	}
	return s.newRows(rows, done), nil
}

func (s *sqlStatement) ExecSQL(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ex, _, err := s.conn.current()
	if err != nil {
		return nil, err
	}
	ctx, done, err := s.track(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return ex.ExecContext(ctx, query, args...)
}

func (s *sqlStatement) QuerySQL(ctx context.Context, query string, args ...any) (proxy.Rows, error) {
	ex, _, err := s.conn.current()
	if err != nil {
		return nil, err
	}
	ctx, done, err := s.track(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		done()
		return nil, err
	}
	return s.newRows(rows, done), nil
}

func (s *sqlStatement) newRows(rows *sql.Rows, done func()) *sqlRows {
	s.mu.Lock()
	maxRows := s.maxRows
	s.mu.Unlock()
	return &sqlRows{stmt: s, rows: rows, maxRows: maxRows, done: done}
}

// Cancel 取消该语句所有正在进行的执行
func (s *sqlStatement) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	return nil
}

func (s *sqlStatement) ClearWarnings() error        { return nil }
func (s *sqlStatement) Warnings() ([]string, error) { return nil, nil }

func (s *sqlStatement) SetMaxRows(n int) error {
	if n < 0 {
		return fmt.Errorf("max rows must be >= 0, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRows = n
	return nil
}

func (s *sqlStatement) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.stmt != nil {
		return s.stmt.Close()
	}
	return nil
}

func (s *sqlStatement) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sqlRows 实现 proxy.Rows，maxRows 大于 0 时只返回前 maxRows 行
type sqlRows struct {
	stmt    *sqlStatement
	rows    *sql.Rows
	maxRows int
	read    int
	done    func()
	closed  bool
}

func (r *sqlRows) Statement() (proxy.Stmt, error) {
	return r.stmt, nil
}

func (r *sqlRows) Columns() ([]string, error) {
	return r.rows.Columns()
}

func (r *sqlRows) Next() (bool, error) {
	if r.maxRows > 0 && r.read >= r.maxRows {
		return false, nil
	}
	if !r.rows.Next() {
		return false, r.rows.Err()
	}
	r.read++
	return true, nil
}

func (r *sqlRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r *sqlRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.rows.Close()
	r.done()
	return err
}

func (r *sqlRows) IsClosed() bool {
	return r.closed
}
