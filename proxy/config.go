package proxy

import (
	"time"

	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/errclass"
	"github.com/fyerfyer/dbproxy/metrics"
)

// Config 控制代理的缓存、诊断与观察行为
type Config struct {
	// Logger 为 nil 时不输出日志
	Logger *zap.Logger

	// Metrics 为 nil 时不记录指标
	Metrics *metrics.Collector

	// StatementCache 为 nil 时不缓存预编译语句
	StatementCache *StatementCache

	// ClearWarnings 指定语句放回缓存前是否清除警告
	ClearWarnings bool

	// SlowQueryThreshold 是慢查询阈值，为负数时不记录慢查询
	SlowQueryThreshold time.Duration

	// LogStackTraceForSlowQuery 指定慢查询日志是否附带调用栈
	LogStackTraceForSlowQuery bool

	// LargeResultThreshold 是大结果集的行数阈值，为负数时不记录
	LargeResultThreshold int64

	// IncludeQueryParams 指定是否记录绑定的参数
	IncludeQueryParams bool

	// IsTransient 判断驱动错误是否不影响连接，为 nil 时使用 errclass.IsTransient
	IsTransient func(error) bool

	QueryObservers     []QueryObserver
	ResultSetObservers []ResultSetObserver

	// PoolName 返回日志中标识连接池的名称
	PoolName func() string
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Logger:               zap.NewNop(),
		SlowQueryThreshold:   3 * time.Second,
		LargeResultThreshold: 500,
		IncludeQueryParams:   true,
		IsTransient:          errclass.IsTransient,
	}
}

// normalize 补齐未设置的字段，不修改调用方的配置
func (c *Config) normalize() *Config {
	if c == nil {
		return DefaultConfig()
	}
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IsTransient == nil {
		cfg.IsTransient = errclass.IsTransient
	}
	return &cfg
}

func (c *Config) poolName() string {
	if c.PoolName == nil {
		return ""
	}
	return c.PoolName()
}
