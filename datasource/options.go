package datasource

import (
	"time"

	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/metrics"
	"github.com/fyerfyer/dbproxy/pool"
	"github.com/fyerfyer/dbproxy/proxy"
)

// Options 定义数据源的配置选项
type Options struct {
	// Name 是日志与诊断中显示的数据源名称
	Name string

	// PoolOptions 传递给底层连接池
	PoolOptions []pool.Option

	// StatementCacheSize 是预编译语句缓存的最大条目数，为 0 时不缓存
	StatementCacheSize int

	// ClearWarnings 指定连接与缓存语句归还前是否清除警告
	ClearWarnings bool

	// SlowQueryThreshold 是慢查询阈值，为负数时不记录
	SlowQueryThreshold time.Duration

	// LogStackTraceForSlowQuery 指定慢查询日志是否附带调用栈
	LogStackTraceForSlowQuery bool

	// LargeResultThreshold 是大结果集的行数阈值，为负数时不记录
	LargeResultThreshold int64

	// IncludeQueryParams 指定日志与报告中是否包含参数
	IncludeQueryParams bool

	// IsTransient 判断驱动错误是否不影响连接
	IsTransient func(error) bool

	QueryObservers     []proxy.QueryObserver
	ResultSetObservers []proxy.ResultSetObserver

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// DefaultOptions 返回默认的数据源选项
func DefaultOptions() *Options {
	cfg := proxy.DefaultConfig()
	return &Options{
		Name:                 "dbproxy",
		StatementCacheSize:   0,
		SlowQueryThreshold:   cfg.SlowQueryThreshold,
		LargeResultThreshold: cfg.LargeResultThreshold,
		IncludeQueryParams:   cfg.IncludeQueryParams,
		Logger:               zap.NewNop(),
	}
}

// Option 是用于配置数据源的函数类型
type Option func(*Options)

// WithName 设置数据源名称
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithPoolOptions 追加连接池选项
func WithPoolOptions(opts ...pool.Option) Option {
	return func(o *Options) {
		o.PoolOptions = append(o.PoolOptions, opts...)
	}
}

// WithStatementCacheSize 设置语句缓存大小
func WithStatementCacheSize(size int) Option {
	return func(o *Options) {
		o.StatementCacheSize = size
	}
}

// WithClearWarnings 设置归还前是否清除警告
func WithClearWarnings(clear bool) Option {
	return func(o *Options) {
		o.ClearWarnings = clear
	}
}

// WithSlowQueryThreshold 设置慢查询阈值
func WithSlowQueryThreshold(d time.Duration) Option {
	return func(o *Options) {
		o.SlowQueryThreshold = d
	}
}

// WithStackTraceForSlowQuery 设置慢查询日志是否附带调用栈
func WithStackTraceForSlowQuery(enabled bool) Option {
	return func(o *Options) {
		o.LogStackTraceForSlowQuery = enabled
	}
}

// WithLargeResultThreshold 设置大结果集阈值
func WithLargeResultThreshold(rows int64) Option {
	return func(o *Options) {
		o.LargeResultThreshold = rows
	}
}

// WithIncludeQueryParams 设置是否记录参数
func WithIncludeQueryParams(include bool) Option {
	return func(o *Options) {
		o.IncludeQueryParams = include
	}
}

// WithErrorClassifier 设置驱动错误分类函数
func WithErrorClassifier(isTransient func(error) bool) Option {
	return func(o *Options) {
		o.IsTransient = isTransient
	}
}

// WithQueryObserver 添加查询观察者
func WithQueryObserver(obs proxy.QueryObserver) Option {
	return func(o *Options) {
		o.QueryObservers = append(o.QueryObservers, obs)
	}
}

// WithResultSetObserver 添加结果集观察者
func WithResultSetObserver(obs proxy.ResultSetObserver) Option {
	return func(o *Options) {
		o.ResultSetObservers = append(o.ResultSetObservers, obs)
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}
