package report

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/proxy"
)

// Async 在单个后台协程中把报告转发给下游观察者
// 缓冲区满时丢弃报告，调用方不会被阻塞
type Async struct {
	next   Observer
	tasks  chan func()
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

var _ Observer = (*Async)(nil)

// NewAsync 创建异步观察者并启动工作协程
func NewAsync(next Observer, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		next:   next,
		tasks:  make(chan func(), buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for task := range a.tasks {
		a.safeRun(task)
	}
}

// safeRun 防止下游观察者的 panic 终止工作协程
func (a *Async) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("report observer panicked", zap.Any("panic", r))
		}
	}()
	task()
}

func (a *Async) submit(task func()) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.tasks <- task:
	default:
		a.dropped.Add(1)
	}
}

func (a *Async) OnQueryExecution(r proxy.QueryReport) {
	a.submit(func() { a.next.OnQueryExecution(r) })
}

func (a *Async) OnResultSetRetrieval(r proxy.ResultSetReport) {
	a.submit(func() { a.next.OnResultSetRetrieval(r) })
}

// Dropped 返回被丢弃的报告数
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close 停止接收报告并等待缓冲区中的报告处理完毕
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.tasks)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		if n := a.Dropped(); n > 0 {
			a.logger.Warn("reports dropped", zap.Uint64("count", n))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
