package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/datasource"
	"github.com/fyerfyer/dbproxy/internal/fakedb"
	"github.com/fyerfyer/dbproxy/pool"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("DBPROXY_TEST_DSN", "postgres://app@db/app")
	path := writeFile(t, `
name: orders
driver: pgx
dsn: ${DBPROXY_TEST_DSN}
pool:
  max_active: 20
  wait_timeout: 3s
  create_rate: 5
  create_burst: 2
proxy:
  statement_cache_size: 50
  slow_query_threshold: -1ns
report:
  redis_addr: ${DBPROXY_TEST_REDIS:-localhost:6379}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, "postgres://app@db/app", cfg.DSN)
	assert.Equal(t, 20, cfg.Pool.MaxActive)
	assert.Equal(t, 3*time.Second, cfg.Pool.WaitTimeout)
	assert.Equal(t, 50, cfg.Proxy.StatementCacheSize)
	assert.Equal(t, -time.Nanosecond, cfg.Proxy.SlowQueryThreshold)
	assert.Equal(t, "localhost:6379", cfg.Report.RedisAddr)

	// 未出现在文件中的字段保留默认值
	def := Default()
	assert.Equal(t, def.Pool.MaxIdle, cfg.Pool.MaxIdle)
	assert.Equal(t, def.Proxy.LargeResultThreshold, cfg.Proxy.LargeResultThreshold)
	assert.Equal(t, "dbproxy:reports", cfg.Report.RedisKey)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "pool: [1, 2"))
	assert.ErrorContains(t, err, "failed to parse YAML")

	_, err = Load(writeFile(t, "pool:\n  max_active: -1\n"))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "pool.max_active", cfgErr.Field)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Name = "saved"
	cfg.Pool.MaxLifetime = 90 * time.Second
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"empty name", func(c *Config) { c.Name = "" }, "name"},
		{"initial above max", func(c *Config) { c.Pool.InitialSize = 5; c.Pool.MaxActive = 2 }, "pool.initial_size"},
		{"negative lifetime", func(c *Config) { c.Pool.MaxLifetime = -time.Second }, "pool"},
		{"negative waiters", func(c *Config) { c.Pool.MaxWaiters = -1 }, "pool.max_waiters"},
		{"negative retries", func(c *Config) { c.Pool.MaxRetries = -1 }, "pool.max_retries"},
		{"rate without burst", func(c *Config) { c.Pool.CreateRate = 1; c.Pool.CreateBurst = 0 }, "pool.create_burst"},
		{"negative cache", func(c *Config) { c.Proxy.StatementCacheSize = -1 }, "proxy.statement_cache_size"},
		{"redis without key", func(c *Config) { c.Report.RedisAddr = "x:1"; c.Report.RedisKey = "" }, "report.redis_key"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Contains(t, cfgErr.Error(), "config error in field "+tt.field)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestPoolOptions(t *testing.T) {
	path := writeFile(t, `
pool:
  max_waiters: 8
  max_retries: 2
  test_on_return: true
  connection_tracking: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	opts := pool.DefaultOptions()
	for _, option := range cfg.PoolOptions() {
		option(opts)
	}
	assert.Equal(t, 8, opts.MaxWaiters)
	assert.Equal(t, 2, opts.MaxRetries)
	assert.True(t, opts.TestOnReturn)
	assert.True(t, opts.ConnectionTracking)
	assert.NotNil(t, opts.RetryBackoff)
	assert.Nil(t, opts.CreateLimiter)

	cfg.Pool.CreateRate = 10
	cfg.Pool.CreateBurst = 1
	opts = pool.DefaultOptions()
	for _, option := range cfg.PoolOptions() {
		option(opts)
	}
	assert.NotNil(t, opts.CreateLimiter)
}

func TestDataSourceOptions(t *testing.T) {
	cfg := Default()
	cfg.Name = "cfg"
	cfg.Pool.MaxActive = 3
	cfg.Pool.IdleCheckFrequency = 0
	cfg.Pool.CreateRate = 100
	cfg.Proxy.StatementCacheSize = 7

	ds := datasource.New(fakedb.New(), cfg.DataSourceOptions(zap.NewNop(), nil)...)
	defer ds.Close(context.Background())

	assert.Equal(t, "cfg", ds.Name())
	assert.Equal(t, 3, ds.Stats().Pool.MaxActive)
	require.NotNil(t, ds.StatementCache())

	c, err := ds.Conn(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
