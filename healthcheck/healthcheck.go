// Package healthcheck probes a data source periodically and publishes the
// result through the standard gRPC health checking protocol.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fyerfyer/dbproxy/proxy"
)

// ErrInvalidConnection 表示探测借到的连接未通过校验
var ErrInvalidConnection = errors.New("probe connection is not valid")

// Source 提供被探测的连接，datasource.DataSource 实现了它
type Source interface {
	Conn(ctx context.Context) (*proxy.Connection, error)
}

// Options 定义探测配置
type Options struct {
	// Service 是发布健康状态的服务名
	Service string

	// Interval 是探测间隔
	Interval time.Duration

	// Timeout 是单次探测的超时
	Timeout time.Duration

	Logger *zap.Logger
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Service:  "dbproxy",
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Logger:   zap.NewNop(),
	}
}

// Reporter 探测数据源并更新 gRPC 健康状态
type Reporter struct {
	src    Source
	server *health.Server
	opts   Options

	mu      sync.Mutex
	lastErr error
}

// NewReporter 创建健康状态报告者，初始状态为 NOT_SERVING
func NewReporter(src Source, opts Options) *Reporter {
	def := DefaultOptions()
	if opts.Service == "" {
		opts.Service = def.Service
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	r := &Reporter{
		src:    src,
		server: health.NewServer(),
		opts:   opts,
	}
	r.server.SetServingStatus(opts.Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Server 返回 gRPC 健康服务
func (r *Reporter) Server() *health.Server {
	return r.server
}

// Probe 借出一个连接、校验后立即归还
func (r *Reporter) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	c, err := r.src.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to take connection: %w", err)
	}
	defer c.Close()
	if !c.IsValid(ctx) {
		return ErrInvalidConnection
	}
	return nil
}

// Check 执行一次探测并发布结果
func (r *Reporter) Check(ctx context.Context) error {
	err := r.Probe(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	r.mu.Lock()
	changed := (err == nil) != (r.lastErr == nil)
	r.lastErr = err
	r.mu.Unlock()

	if changed {
		r.opts.Logger.Info("health status changed",
			zap.String("service", r.opts.Service), zap.Stringer("status", status), zap.Error(err))
	}
	r.server.SetServingStatus(r.opts.Service, status)
	return err
}

// LastError 返回最近一次探测的错误
func (r *Reporter) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Run 按间隔探测直到 ctx 结束，退出时把所有服务置为 NOT_SERVING
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	defer r.server.Shutdown()

	_ = r.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Check(ctx)
		}
	}
}

// Serve 在 lis 上提供 gRPC 健康服务，直到 ctx 结束
func (r *Reporter) Serve(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, r.server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// CheckRemote 查询远端健康服务的状态
func CheckRemote(ctx context.Context, target, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to create client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
