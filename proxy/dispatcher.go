package proxy

import (
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// dispatcher 是所有代理共用的拦截逻辑：关闭状态机、错误收集、父对象链
type dispatcher struct {
	kind   string
	closed atomic.Bool

	// errs 在一次借出的整个对象图中共享
	errs *ErrorCollector

	// parent 为 nil 表示顶层连接
	parent *dispatcher

	cfg *Config
}

func newDispatcher(kind string, errs *ErrorCollector, parent *dispatcher, cfg *Config) dispatcher {
	return dispatcher{kind: kind, errs: errs, parent: parent, cfg: cfg}
}

// isClosed 自身或任一祖先已关闭时返回 true
func (d *dispatcher) isClosed() bool {
	for p := d; p != nil; p = p.parent {
		if p.closed.Load() {
			return true
		}
	}
	return false
}

// markClosed 将关闭标志由 false 置为 true，只有第一次调用返回 true
func (d *dispatcher) markClosed() bool {
	return d.closed.CompareAndSwap(false, true)
}

// check 拒绝关闭后的受限调用，该错误不记录到收集器
func (d *dispatcher) check(c Call) error {
	if !c.Unrestricted() && d.isClosed() {
		return &closedError{kind: d.kind, call: c}
	}
	return nil
}

// record 记录驱动错误并原样返回
func (d *dispatcher) record(err error) error {
	if err != nil {
		d.cfg.Metrics.DriverError(d.errs.Add(err))
	}
	return err
}

func (d *dispatcher) do(c Call, fn func() error) error {
	if err := d.check(c); err != nil {
		return err
	}
	return d.record(fn())
}

// invoke 检查状态后转发调用，失败时记录错误
func invoke[T any](d *dispatcher, c Call, fn func() (T, error)) (T, error) {
	if err := d.check(c); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn()
	return v, d.record(err)
}

// children 记录尚未关闭的子对象，父对象关闭时一并关闭
type children struct {
	mu   sync.Mutex
	open map[io.Closer]struct{}
}

func (c *children) add(x io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		c.open = make(map[io.Closer]struct{})
	}
	c.open[x] = struct{}{}
}

func (c *children) remove(x io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, x)
}

func (c *children) closeAll(logger *zap.Logger) {
	c.mu.Lock()
	open := make([]io.Closer, 0, len(c.open))
	for x := range c.open {
		open = append(open, x)
	}
	c.open = nil
	c.mu.Unlock()

	for _, x := range open {
		if err := x.Close(); err != nil {
			logger.Debug("couldn't close child object", zap.Error(err))
		}
	}
}
