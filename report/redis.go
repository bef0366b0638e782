package report

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/proxy"
)

// ListClient 是 RedisSink 使用的 Redis 命令子集，*redis.Client 实现了它
type ListClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// RedisSinkOptions 定义 RedisSink 的配置
type RedisSinkOptions struct {
	// Key 是保存报告的列表键
	Key string

	// MaxEntries 是列表保留的最大条目数，为 0 时不截断
	MaxEntries int64

	// WriteTimeout 是单次写入的超时
	WriteTimeout time.Duration

	Logger *zap.Logger
}

// DefaultRedisSinkOptions 返回默认配置
func DefaultRedisSinkOptions() RedisSinkOptions {
	return RedisSinkOptions{
		Key:          "dbproxy:reports",
		MaxEntries:   10000,
		WriteTimeout: 500 * time.Millisecond,
		Logger:       zap.NewNop(),
	}
}

// RedisSink 把报告编码为 JSON 追加到 Redis 列表，并截断到最近的 MaxEntries 条
type RedisSink struct {
	client ListClient
	opts   RedisSinkOptions
	now    func() time.Time
}

var _ Observer = (*RedisSink)(nil)

// NewRedisSink 创建 Redis 报告接收器
func NewRedisSink(client ListClient, opts RedisSinkOptions) *RedisSink {
	if opts.Key == "" {
		opts.Key = DefaultRedisSinkOptions().Key
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisSink{client: client, opts: opts, now: time.Now}
}

// NewRedisClient 根据地址创建客户端
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func (s *RedisSink) OnQueryExecution(r proxy.QueryReport) {
	s.push(QueryEntry(r, s.now()))
}

func (s *RedisSink) OnResultSetRetrieval(r proxy.ResultSetReport) {
	s.push(ResultSetEntry(r, s.now()))
}

// Push 写入一条报告
func (s *RedisSink) Push(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.opts.Key, data).Err(); err != nil {
		return err
	}
	if s.opts.MaxEntries > 0 {
		return s.client.LTrim(ctx, s.opts.Key, -s.opts.MaxEntries, -1).Err()
	}
	return nil
}

func (s *RedisSink) push(e Entry) {
	ctx := context.Background()
	if s.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.WriteTimeout)
		defer cancel()
	}
	if err := s.Push(ctx, e); err != nil {
		s.opts.Logger.Debug("couldn't push report to redis",
			zap.String("key", s.opts.Key), zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
