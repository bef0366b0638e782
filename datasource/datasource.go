// Package datasource assembles a connection pool, a statement cache and the
// connection proxies into a single factory of pooled, instrumented connections.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/metrics"
	"github.com/fyerfyer/dbproxy/pool"
	"github.com/fyerfyer/dbproxy/proxy"
)

var (
	// ErrAborted 是被终止的连接归还时传给连接池的原因
	ErrAborted = errors.New("connection aborted")

	// ErrTerminated 表示数据源已关闭
	ErrTerminated = errors.New("data source terminated")
)

// DataSource 提供被代理的池化连接
type DataSource struct {
	name    string
	id      uint32
	pool    *pool.ConnectionPool
	cache   *proxy.StatementCache
	cfg     *proxy.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	clearWarnings bool
	closed        atomic.Bool
}

var _ proxy.PoolOperations = (*DataSource)(nil)

// Stats 是数据源的统计信息
type Stats struct {
	Pool             pool.Stats
	CachedStatements int
}

// New 创建数据源，factory 创建的物理连接的 Raw() 必须实现 proxy.Conn
func New(factory pool.ConnectionFactory, options ...Option) *DataSource {
	opts := DefaultOptions()
	for _, option := range options {
		option(opts)
	}

	ds := &DataSource{
		name:          opts.Name,
		id:            uuid.New().ID(),
		logger:        opts.Logger.With(zap.String("component", "datasource"), zap.String("name", opts.Name)),
		metrics:       opts.Metrics,
		clearWarnings: opts.ClearWarnings,
	}

	if opts.StatementCacheSize > 0 {
		ds.cache = proxy.NewStatementCache(opts.StatementCacheSize,
			proxy.WithCacheLogger(ds.logger),
			proxy.WithCacheMetrics(opts.Metrics))
	}

	ds.cfg = &proxy.Config{
		Logger:                    ds.logger,
		Metrics:                   opts.Metrics,
		StatementCache:            ds.cache,
		ClearWarnings:             opts.ClearWarnings,
		SlowQueryThreshold:        opts.SlowQueryThreshold,
		LogStackTraceForSlowQuery: opts.LogStackTraceForSlowQuery,
		LargeResultThreshold:      opts.LargeResultThreshold,
		IncludeQueryParams:        opts.IncludeQueryParams,
		IsTransient:               opts.IsTransient,
		QueryObservers:            opts.QueryObservers,
		ResultSetObservers:        opts.ResultSetObservers,
		PoolName:                  ds.PoolName,
	}

	// 保留调用方设置的 OnCreate 与 OnClose，并在其前后加入数据源自己的处理
	probe := pool.DefaultOptions()
	for _, option := range opts.PoolOptions {
		option(probe)
	}
	userOnCreate := probe.OnCreate
	userOnClose := probe.OnClose

	poolOpts := append([]pool.Option{}, opts.PoolOptions...)
	poolOpts = append(poolOpts,
		pool.WithLogger(ds.logger.With(zap.String("component", "pool"))),
		pool.WithOnCreate(func(conn pool.Connection) error {
			// 无法被代理的物理连接在创建时即拒绝
			if _, ok := conn.Raw().(proxy.Conn); !ok {
				return fmt.Errorf("%w: raw connection %T does not implement proxy.Conn", proxy.ErrInternal, conn.Raw())
			}
			if userOnCreate != nil {
				return userOnCreate(conn)
			}
			return nil
		}),
		pool.WithOnClose(func(conn pool.Connection) error {
			ds.evictStatements(conn)
			if userOnClose != nil {
				return userOnClose(conn)
			}
			return nil
		}))
	ds.pool = pool.New(factory, poolOpts...)
	return ds
}

// Conn 从连接池借出一个连接并返回其代理
func (ds *DataSource) Conn(ctx context.Context) (*proxy.Connection, error) {
	if ds.closed.Load() {
		return nil, ErrTerminated
	}
	h, err := ds.pool.Get(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, fmt.Errorf("%w: %w", ErrTerminated, err)
		}
		return nil, err
	}
	c, err := proxy.NewConnection(h, ds, ds.cfg)
	if err != nil {
		ds.pool.Put(h, err)
		return nil, err
	}
	return c, nil
}

// Restore 实现 proxy.PoolOperations，被终止或出现致命错误的连接会被销毁
func (ds *DataSource) Restore(h *pool.Holder, aborted bool, errs []error) {
	var reason error
	outcome := metrics.RestoreReused
	switch {
	case aborted:
		reason = ErrAborted
		outcome = metrics.RestoreAborted
	case len(errs) > 0:
		reason = errors.Join(errs...)
		outcome = metrics.RestoreDestroyed
	case ds.clearWarnings:
		if raw, ok := h.Raw().(proxy.Conn); ok {
			if err := raw.ClearWarnings(); err != nil {
				ds.logger.Debug("couldn't clear connection warnings", zap.Stringer("holder", h), zap.Error(err))
			}
		}
	}
	ds.metrics.Restore(outcome)

	if err := ds.pool.Put(h, reason); err != nil && !errors.Is(err, pool.ErrPoolFull) {
		ds.logger.Debug("couldn't restore connection", zap.Stringer("holder", h), zap.Error(err))
	}
}

// evictStatements 在物理连接销毁时移除其缓存语句
func (ds *DataSource) evictStatements(conn pool.Connection) {
	if ds.cache == nil {
		return
	}
	raw, ok := conn.Raw().(proxy.Conn)
	if !ok {
		return
	}
	if n := ds.cache.RemoveAll(raw); n > 0 {
		ds.logger.Debug("evicted cached statements of destroyed connection", zap.Int("count", n))
	}
}

// Close 清空语句缓存并关闭连接池
func (ds *DataSource) Close(ctx context.Context) error {
	if !ds.closed.CompareAndSwap(false, true) {
		return ErrTerminated
	}
	if ds.cache != nil {
		ds.cache.Clear()
	}
	return ds.pool.Shutdown(ctx)
}

// Name 返回数据源名称
func (ds *DataSource) Name() string {
	return ds.name
}

// PoolName 返回带有连接池状态的名称，格式为 name@id(taken/remaining/max/state)
func (ds *DataSource) PoolName() string {
	return FormatPoolName(ds.name, ds.id, ds.pool.Stats())
}

// Pool 返回底层连接池
func (ds *DataSource) Pool() *pool.ConnectionPool {
	return ds.pool
}

// StatementCache 返回语句缓存，未开启时为 nil
func (ds *DataSource) StatementCache() *proxy.StatementCache {
	return ds.cache
}

// Stats 返回统计信息
func (ds *DataSource) Stats() Stats {
	s := Stats{Pool: ds.pool.Stats()}
	if ds.cache != nil {
		s.CachedStatements = ds.cache.Len()
	}
	return s
}

// FormatPoolName 格式化连接池名称，state 为 w 表示工作中，t 表示已关闭
// 连接数不受限时 remaining 与 max 显示为 -
func FormatPoolName(name string, id uint32, s pool.Stats) string {
	state := 'w'
	if s.Terminated {
		state = 't'
	}
	remaining, limit := "-", "-"
	if s.MaxActive > 0 {
		remaining = strconv.Itoa(s.MaxActive - s.Active)
		limit = strconv.Itoa(s.MaxActive)
	}
	return fmt.Sprintf("%s@%x(%d/%s/%s/%c)", name, id, s.Active, remaining, limit, state)
}
