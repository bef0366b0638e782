// Package config loads the YAML configuration of a data source and converts it
// into pool, data source and reporting options.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyerfyer/dbproxy/datasource"
	"github.com/fyerfyer/dbproxy/metrics"
	"github.com/fyerfyer/dbproxy/pool"
	"github.com/fyerfyer/dbproxy/pool/connlimit"
	"github.com/fyerfyer/dbproxy/proxy"
)

// Config is the top-level configuration.
type Config struct {
	Name   string       `yaml:"name"`
	Driver string       `yaml:"driver"`
	DSN    string       `yaml:"dsn"`
	Pool   PoolConfig   `yaml:"pool"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	Log    LogConfig    `yaml:"log"`
	Report ReportConfig `yaml:"report"`
	Health HealthConfig `yaml:"health"`
}

// PoolConfig configures the connection pool.
type PoolConfig struct {
	InitialSize        int           `yaml:"initial_size"`
	MaxIdle            int           `yaml:"max_idle"`
	MaxActive          int           `yaml:"max_active"`
	MaxIdleTime        time.Duration `yaml:"max_idle_time"`
	MaxLifetime        time.Duration `yaml:"max_lifetime"`
	IdleCheckFrequency time.Duration `yaml:"idle_check_frequency"`
	WaitTimeout        time.Duration `yaml:"wait_timeout"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	// MaxWaiters bounds the callers blocked on a full pool, 0 means unbounded.
	MaxWaiters int `yaml:"max_waiters"`
	// MaxRetries is the number of exponential-backoff retries after a wait timeout.
	MaxRetries int `yaml:"max_retries"`
	// CreateRate limits physical connection creation per second, 0 disables it.
	CreateRate         float64 `yaml:"create_rate"`
	CreateBurst        int     `yaml:"create_burst"`
	ConnectionTracking bool    `yaml:"connection_tracking"`
	TestOnBorrow       bool    `yaml:"test_on_borrow"`
	TestOnReturn       bool    `yaml:"test_on_return"`
}

// ProxyConfig configures statement caching and query instrumentation.
type ProxyConfig struct {
	StatementCacheSize int  `yaml:"statement_cache_size"`
	ClearWarnings      bool `yaml:"clear_warnings"`
	// SlowQueryThreshold is disabled when negative.
	SlowQueryThreshold        time.Duration `yaml:"slow_query_threshold"`
	LogStackTraceForSlowQuery bool          `yaml:"log_stack_trace_for_slow_query"`
	// LargeResultThreshold is disabled when negative.
	LargeResultThreshold int64 `yaml:"large_result_threshold"`
	IncludeQueryParams   bool  `yaml:"include_query_params"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ReportConfig configures the report sinks. An empty RedisAddr disables Redis.
type ReportConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	RedisKey    string `yaml:"redis_key"`
	MaxEntries  int64  `yaml:"max_entries"`
	AsyncBuffer int    `yaml:"async_buffer"`
}

// HealthConfig configures the gRPC health endpoint.
type HealthConfig struct {
	Listen   string        `yaml:"listen"`
	Service  string        `yaml:"service"`
	Interval time.Duration `yaml:"interval"`
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// Default returns the default configuration.
func Default() *Config {
	p := pool.DefaultOptions()
	pc := proxy.DefaultConfig()
	return &Config{
		Name: datasource.DefaultOptions().Name,
		Pool: PoolConfig{
			InitialSize:        p.InitialSize,
			MaxIdle:            p.MaxIdle,
			MaxActive:          p.MaxActive,
			MaxIdleTime:        p.MaxIdleTime,
			MaxLifetime:        p.MaxLifetime,
			IdleCheckFrequency: p.IdleCheckFrequency,
			WaitTimeout:        p.WaitTimeout,
			DialTimeout:        p.DialTimeout,
			MaxWaiters:         p.MaxWaiters,
			MaxRetries:         p.MaxRetries,
			CreateBurst:        1,
			TestOnBorrow:       p.TestOnBorrow,
			TestOnReturn:       p.TestOnReturn,
		},
		Proxy: ProxyConfig{
			StatementCacheSize:   100,
			SlowQueryThreshold:   pc.SlowQueryThreshold,
			LargeResultThreshold: pc.LargeResultThreshold,
			IncludeQueryParams:   pc.IncludeQueryParams,
		},
		Log: LogConfig{Level: "info"},
		Report: ReportConfig{
			RedisKey:    "dbproxy:reports",
			MaxEntries:  10000,
			AsyncBuffer: 1024,
		},
		Health: HealthConfig{
			Service:  "dbproxy",
			Interval: 10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults, substituting ${VAR} and
// ${VAR:-default} with environment values, and validates the result.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // 路径由调用方提供
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var envVar = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars 替换 ${VAR} 与 ${VAR:-default}
func substituteEnvVars(content string) string {
	return envVar.ReplaceAllStringFunc(content, func(m string) string {
		sub := envVar.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(sub[1]); ok && v != "" {
			return v
		}
		return sub[2]
	})
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return &ConfigError{Field: "name", Message: "cannot be empty"}
	case c.Pool.InitialSize < 0:
		return &ConfigError{Field: "pool.initial_size", Message: "must be non-negative"}
	case c.Pool.MaxIdle < 0:
		return &ConfigError{Field: "pool.max_idle", Message: "must be non-negative"}
	case c.Pool.MaxActive < 0:
		return &ConfigError{Field: "pool.max_active", Message: "must be non-negative"}
	case c.Pool.MaxActive > 0 && c.Pool.InitialSize > c.Pool.MaxActive:
		return &ConfigError{Field: "pool.initial_size", Message: "cannot exceed pool.max_active"}
	case c.Pool.MaxIdleTime < 0 || c.Pool.MaxLifetime < 0 || c.Pool.IdleCheckFrequency < 0:
		return &ConfigError{Field: "pool", Message: "durations must be non-negative"}
	case c.Pool.WaitTimeout < 0 || c.Pool.DialTimeout < 0:
		return &ConfigError{Field: "pool", Message: "timeouts must be non-negative"}
	case c.Pool.MaxWaiters < 0:
		return &ConfigError{Field: "pool.max_waiters", Message: "must be non-negative"}
	case c.Pool.MaxRetries < 0:
		return &ConfigError{Field: "pool.max_retries", Message: "must be non-negative"}
	case c.Pool.CreateRate < 0:
		return &ConfigError{Field: "pool.create_rate", Message: "must be non-negative"}
	case c.Pool.CreateRate > 0 && c.Pool.CreateBurst <= 0:
		return &ConfigError{Field: "pool.create_burst", Message: "must be greater than 0 when create_rate is set"}
	case c.Proxy.StatementCacheSize < 0:
		return &ConfigError{Field: "proxy.statement_cache_size", Message: "must be non-negative"}
	case c.Report.MaxEntries < 0:
		return &ConfigError{Field: "report.max_entries", Message: "must be non-negative"}
	case c.Report.RedisAddr != "" && c.Report.RedisKey == "":
		return &ConfigError{Field: "report.redis_key", Message: "cannot be empty when redis_addr is set"}
	case c.Health.Interval < 0:
		return &ConfigError{Field: "health.interval", Message: "must be non-negative"}
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Message: err.Error()}
	}
	return nil
}

// PoolOptions converts the pool section into pool options.
func (c *Config) PoolOptions() []pool.Option {
	p := c.Pool
	opts := []pool.Option{
		pool.WithInitialSize(p.InitialSize),
		pool.WithMaxIdle(p.MaxIdle),
		pool.WithMaxActive(p.MaxActive),
		pool.WithMaxIdleTime(p.MaxIdleTime),
		pool.WithMaxLifetime(p.MaxLifetime),
		pool.WithIdleCheckFrequency(p.IdleCheckFrequency),
		pool.WithWaitTimeout(p.WaitTimeout),
		pool.WithDialTimeout(p.DialTimeout),
		pool.WithMaxWaiters(p.MaxWaiters),
		pool.WithMaxRetries(p.MaxRetries),
		pool.WithConnectionTracking(p.ConnectionTracking),
		pool.WithTestOnBorrow(p.TestOnBorrow),
		pool.WithTestOnReturn(p.TestOnReturn),
	}
	if p.CreateRate > 0 {
		opts = append(opts, pool.WithCreateLimiter(
			connlimit.NewTokenBucketLimiter(p.CreateRate, p.CreateBurst, connlimit.WithMaxWaitTime(p.WaitTimeout))))
	}
	return opts
}

// DataSourceOptions converts the configuration into data source options.
func (c *Config) DataSourceOptions(logger *zap.Logger, m *metrics.Collector) []datasource.Option {
	px := c.Proxy
	return []datasource.Option{
		datasource.WithName(c.Name),
		datasource.WithPoolOptions(c.PoolOptions()...),
		datasource.WithStatementCacheSize(px.StatementCacheSize),
		datasource.WithClearWarnings(px.ClearWarnings),
		datasource.WithSlowQueryThreshold(px.SlowQueryThreshold),
		datasource.WithStackTraceForSlowQuery(px.LogStackTraceForSlowQuery),
		datasource.WithLargeResultThreshold(px.LargeResultThreshold),
		datasource.WithIncludeQueryParams(px.IncludeQueryParams),
		datasource.WithLogger(logger),
		datasource.WithMetrics(m),
	}
}
