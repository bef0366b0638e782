package proxy

import (
	"context"
	"database/sql"

	"github.com/fyerfyer/dbproxy/pool"
)

// Connection 是借出连接的代理，关闭时把持有者交还给连接池
type Connection struct {
	dispatcher
	holder *pool.Holder
	raw    Conn
	ops    PoolOperations
	stmts  children
}

var _ Conn = (*Connection)(nil)

// NewConnection 为一次借出创建连接代理
// 持有者的原始连接必须实现 Conn
func NewConnection(h *pool.Holder, ops PoolOperations, cfg *Config) (*Connection, error) {
	if h == nil || ops == nil {
		return nil, internalError("connection proxy needs a holder and pool operations")
	}
	raw, ok := h.Raw().(Conn)
	if !ok || raw == nil {
		return nil, internalError("raw connection %T does not implement proxy.Conn", h.Raw())
	}
	cfg = cfg.normalize()
	return &Connection{
		dispatcher: newDispatcher("connection", NewErrorCollector(cfg.IsTransient), nil, cfg),
		holder:     h,
		raw:        raw,
		ops:        ops,
	}, nil
}

// Holder 返回被代理的持有者
func (c *Connection) Holder() *pool.Holder {
	return c.holder
}

// Errors 返回本次借出期间记录的错误
func (c *Connection) Errors() []error {
	return c.errs.Errors()
}

func (c *Connection) CreateStatement() (Stmt, error) {
	raw, err := invoke(&c.dispatcher, CallCreateStatement, c.raw.CreateStatement)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, c.record(internalError("driver returned a nil statement for %s", CallCreateStatement))
	}
	return c.newStatement(Uncached(raw), ""), nil
}

func (c *Connection) PrepareStatement(ctx context.Context, query string, flags ...int) (Stmt, error) {
	return c.prepare(CallPrepareStatement, query, flags, func() (Stmt, error) {
		return c.raw.PrepareStatement(ctx, query, flags...)
	})
}

func (c *Connection) PrepareCall(ctx context.Context, query string, flags ...int) (Stmt, error) {
	return c.prepare(CallPrepareCall, query, flags, func() (Stmt, error) {
		return c.raw.PrepareCall(ctx, query, flags...)
	})
}

// prepare 配置了缓存时从缓存取语句，否则直接创建
func (c *Connection) prepare(call Call, query string, flags []int, create func() (Stmt, error)) (Stmt, error) {
	h, err := invoke(&c.dispatcher, call, func() (*StatementHolder, error) {
		if c.cfg.StatementCache != nil {
			return c.cfg.StatementCache.GetOrCreate(NewStatementKey(c.raw, call, query, flags...), create)
		}
		raw, err := create()
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, internalError("driver returned a nil statement for %s", call)
		}
		return Uncached(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return c.newStatement(h, query), nil
}

func (c *Connection) newStatement(h *StatementHolder, query string) *Statement {
	s := &Statement{
		child:  newChild[*Connection]("statement", c, &c.dispatcher),
		holder: h,
		query:  query,
	}
	c.stmts.add(s)
	return s
}

func (c *Connection) MetaData() (MetaData, error) {
	raw, err := invoke(&c.dispatcher, CallMetaData, c.raw.MetaData)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, c.record(internalError("driver returned nil metadata"))
	}
	return &DatabaseMetaData{
		child: newChild[*Connection]("metadata", c, &c.dispatcher),
		raw:   raw,
	}, nil
}

func (c *Connection) Begin(ctx context.Context) error {
	return c.do(CallBegin, func() error { return c.raw.Begin(ctx) })
}

func (c *Connection) Commit() error {
	return c.do(CallCommit, c.raw.Commit)
}

func (c *Connection) Rollback() error {
	return c.do(CallRollback, c.raw.Rollback)
}

func (c *Connection) SetAutoCommit(enabled bool) error {
	return c.do(CallSetAutoCommit, func() error { return c.raw.SetAutoCommit(enabled) })
}

func (c *Connection) AutoCommit() (bool, error) {
	return invoke(&c.dispatcher, CallAutoCommit, c.raw.AutoCommit)
}

func (c *Connection) SetReadOnly(readOnly bool) error {
	return c.do(CallSetReadOnly, func() error { return c.raw.SetReadOnly(readOnly) })
}

func (c *Connection) SetTransactionIsolation(level sql.IsolationLevel) error {
	return c.do(CallSetTransactionIsolation, func() error { return c.raw.SetTransactionIsolation(level) })
}

func (c *Connection) ClearWarnings() error {
	return c.do(CallClearWarnings, c.raw.ClearWarnings)
}

func (c *Connection) Warnings() ([]string, error) {
	return invoke(&c.dispatcher, CallWarnings, c.raw.Warnings)
}

// IsValid 已关闭时直接返回 false，不访问原始连接
func (c *Connection) IsValid(ctx context.Context) bool {
	if c.isClosed() {
		return false
	}
	return c.raw.IsValid(ctx)
}

// Close 将连接交还给连接池，重复调用无副作用
func (c *Connection) Close() error {
	return c.closeOrAbort(false)
}

// Abort 终止原始连接并交还给连接池，连接池会销毁它
// 代理已关闭时不再转发，原始连接可能已被其他调用方借走
func (c *Connection) Abort() error {
	return c.closeOrAbort(true)
}

func (c *Connection) IsClosed() bool {
	return c.isClosed()
}

func (c *Connection) closeOrAbort(aborted bool) error {
	// 原始连接可能已经被其他调用方借走
	if c.isClosed() {
		return nil
	}

	var abortErr error
	if aborted {
		// 终止失败不影响后续清理
		abortErr = c.record(c.raw.Abort())
	}

	if !c.markClosed() {
		return abortErr
	}

	c.stmts.closeAll(c.cfg.Logger)
	c.ops.Restore(c.holder, aborted, c.errs.Errors())
	return abortErr
}

// forget 在语句关闭时调用
func (c *Connection) forget(s *Statement) {
	c.stmts.remove(s)
}
