package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed 表示连接池已关闭
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolFull 表示空闲队列已满，归还的连接被销毁
	ErrPoolFull = errors.New("pool is full")

	// ErrConnectionTimeout 表示获取连接超时
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrTooManyWaiters 表示等待的调用者过多
	ErrTooManyWaiters = errors.New("too many waiters")

	// ErrInvalidConnection 表示持有者不属于该池
	ErrInvalidConnection = errors.New("invalid connection")
)

// ConnectionPool 实现池接口
type ConnectionPool struct {
	// 池配置选项
	opts *PoolOptions

	// 连接工厂，用于创建新的物理连接
	factory ConnectionFactory

	// 空闲持有者通道，关闭后置为 nil
	idle chan *Holder

	// 事件监听器
	eventListeners []EventListener

	// 当前版本号，新建的持有者以此为版本
	version atomic.Int64

	// 统计信息
	stats Stats

	// 关闭状态
	closed bool

	// 保护共享状态的互斥锁
	mu sync.RWMutex

	// 被取出的持有者
	taken sync.Map

	logger *zap.Logger
}

// NewPool 创建一个新的连接池
func NewPool(factory ConnectionFactory, options ...Option) Pool {
	return New(factory, options...)
}

// New 创建一个新的连接池并返回具体类型
func New(factory ConnectionFactory, options ...Option) *ConnectionPool {
	opts := DefaultOptions()
	for _, option := range options {
		option(opts)
	}

	p := &ConnectionPool{
		opts:           opts,
		factory:        factory,
		idle:           make(chan *Holder, opts.MaxIdle),
		eventListeners: opts.EventListeners,
		logger:         opts.Logger,
		stats: Stats{
			CreatedAt:   time.Now(),
			MaxActive:   opts.MaxActive,
			MaxIdleTime: opts.MaxIdleTime,
			MaxLifetime: opts.MaxLifetime,
		},
	}

	// 预创建初始连接
	for i := 0; i < opts.InitialSize; i++ {
		h, err := p.createHolder(context.Background())
		if err != nil {
			p.logger.Warn("failed to create initial connection", zap.Error(err))
			continue
		}
		// 通过 Put 让连接从取出状态转为空闲状态
		p.Put(h, nil)
	}

	// 启动后台清理过期连接的 goroutine
	if opts.IdleCheckFrequency > 0 {
		go p.startCleaner(opts.IdleCheckFrequency)
	}

	return p
}

// Get 从池中取出一个持有者或创建一个新的
func (p *ConnectionPool) Get(ctx context.Context) (*Holder, error) {
	p.mu.RLock()
	closed := p.closed
	idle := p.idle
	p.mu.RUnlock()

	if closed {
		return nil, ErrPoolClosed
	}

	// 首先尝试从空闲队列中获取
	select {
	case h, ok := <-idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.handleIdleHolder(ctx, h)
	default:
		return p.createOrWait(ctx)
	}
}

// handleIdleHolder 校验从空闲队列取出的持有者
func (p *ConnectionPool) handleIdleHolder(ctx context.Context, h *Holder) (*Holder, error) {
	// 过期、版本过旧或健康检查失败的连接直接销毁
	if p.expired(h, time.Now()) || (p.opts.TestOnBorrow && !h.IsAlive()) {
		p.destroy(h)
		p.updateStats(func(s *Stats) {
			s.Idle--
			s.Total--
		})
		return p.createOrWait(ctx)
	}

	p.checkout(ctx, h)
	p.updateStats(func(s *Stats) {
		s.Idle--
		s.Active++
		s.Acquired++
	})
	p.notifyEvent(EventGet, h)
	return h, nil
}

// createOrWait 创建新连接或等待空闲连接
func (p *ConnectionPool) createOrWait(ctx context.Context) (*Holder, error) {
	p.mu.RLock()
	maxActive := p.opts.MaxActive
	current := p.stats.Active + p.stats.Idle
	waiters := p.stats.Waiters
	maxWaiters := p.opts.MaxWaiters
	idle := p.idle
	p.mu.RUnlock()

	// 未达到最大连接数时直接创建
	if maxActive == 0 || current < maxActive {
		return p.createHolder(ctx)
	}

	if maxWaiters > 0 && waiters >= maxWaiters {
		return nil, ErrTooManyWaiters
	}

	p.updateStats(func(s *Stats) {
		s.Waiters++
	})
	defer p.updateStats(func(s *Stats) {
		s.Waiters--
	})

	var cancel context.CancelFunc
	if p.opts.WaitTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.opts.WaitTimeout)
		defer cancel()
	}

	select {
	case h, ok := <-idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.handleIdleHolder(ctx, h)
	case <-ctx.Done():
		p.updateStats(func(s *Stats) {
			s.Timeouts++
		})
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && p.opts.MaxRetries > 0 {
			if h, err := p.retry(ctx, maxActive); h != nil || err != nil {
				return h, err
			}
		}
		p.logTaken()
		return nil, ErrConnectionTimeout
	}
}

// retry 在等待超时后按退避策略重试
func (p *ConnectionPool) retry(ctx context.Context, maxActive int) (*Holder, error) {
	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if p.opts.RetryBackoff != nil {
			time.Sleep(p.opts.RetryBackoff(attempt))
		}

		p.mu.RLock()
		current := p.stats.Active + p.stats.Idle
		closed := p.closed
		idle := p.idle
		p.mu.RUnlock()

		if closed {
			return nil, ErrPoolClosed
		}
		if maxActive == 0 || current < maxActive {
			return p.createHolder(context.WithoutCancel(ctx))
		}

		select {
		case h, ok := <-idle:
			if ok {
				return p.handleIdleHolder(context.WithoutCancel(ctx), h)
			}
			return nil, ErrPoolClosed
		default:
		}
	}
	return nil, nil
}

// createHolder 创建一个新的物理连接并包装为持有者
func (p *ConnectionPool) createHolder(ctx context.Context) (*Holder, error) {
	if p.opts.CreateLimiter != nil {
		if err := p.opts.CreateLimiter.Wait(ctx); err != nil {
			p.updateStats(func(s *Stats) {
				s.Errors++
			})
			return nil, fmt.Errorf("connection creation throttled: %w", err)
		}
	}

	dialCtx := ctx
	if p.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.opts.DialTimeout)
		defer cancel()
	}

	conn, err := p.factory.Create(dialCtx)
	if err != nil {
		p.updateStats(func(s *Stats) {
			s.Errors++
		})
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	if p.opts.OnCreate != nil {
		if err := p.opts.OnCreate(conn); err != nil {
			conn.Close()
			p.updateStats(func(s *Stats) {
				s.Errors++
			})
			return nil, fmt.Errorf("OnCreate callback failed: %w", err)
		}
	}

	h := newHolder(conn, p, p.version.Load(), time.Now())
	p.checkout(ctx, h)
	p.updateStats(func(s *Stats) {
		s.Active++
		s.Total++
		s.Acquired++
	})

	p.notifyEvent(EventNew, h)
	p.notifyEvent(EventGet, h)
	return h, nil
}

// checkout 标记持有者为取出状态
func (p *ConnectionPool) checkout(ctx context.Context, h *Holder) {
	h.state = StateInUse
	if p.opts.ConnectionTracking {
		h.track(ctx, time.Now())
	}
	p.taken.Store(h, struct{}{})
}

// Put 将持有者归还到池中，err 不为 nil 时销毁物理连接
func (p *ConnectionPool) Put(h *Holder, err error) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	// 不属于本池的持有者直接关闭
	if h == nil || h.pool != p {
		if h != nil {
			h.conn.Close()
		}
		if closed {
			return ErrPoolClosed
		}
		return ErrInvalidConnection
	}

	if _, taken := p.taken.LoadAndDelete(h); !taken {
		// 重复归还，忽略
		return nil
	}
	if p.opts.ConnectionTracking {
		h.untrack()
	}

	stale := h.version < p.version.Load()
	if err != nil || stale || (p.opts.TestOnReturn && !h.IsAlive()) {
		if err != nil {
			p.logger.Debug("destroying connection on restore", zap.Stringer("holder", h), zap.Error(err))
		}
		p.destroyTaken(h)
		if closed {
			return ErrPoolClosed
		}
		return nil
	}

	if err := h.ResetState(); err != nil {
		p.logger.Debug("failed to reset connection state", zap.Stringer("holder", h), zap.Error(err))
		p.destroyTaken(h)
		if closed {
			return ErrPoolClosed
		}
		return nil
	}

	h.restoredTime = time.Now()
	h.state = StateIdle

	if closed {
		p.destroyTaken(h)
		return ErrPoolClosed
	}

	// 持有读锁发送，避免与 Shutdown 关闭通道竞争
	p.mu.RLock()
	if p.idle == nil {
		p.mu.RUnlock()
		p.destroyTaken(h)
		return ErrPoolClosed
	}
	select {
	case p.idle <- h:
		p.mu.RUnlock()
		p.updateStats(func(s *Stats) {
			s.Active--
			s.Idle++
			s.Released++
		})
		p.notifyEvent(EventPut, h)
		return nil
	default:
		p.mu.RUnlock()
		p.destroyTaken(h)
		return ErrPoolFull
	}
}

// Shutdown 优雅地关闭池
func (p *ConnectionPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	// 池不再提供连接，但仍然接受归还
	p.closed = true
	p.stats.Terminated = true
	idle := p.idle
	p.idle = nil
	close(idle)
	p.mu.Unlock()

	for h := range idle {
		p.destroy(h)
		p.updateStats(func(s *Stats) {
			s.Idle--
			s.Total--
		})
	}

	if p.Stats().Active == 0 {
		return nil
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 强制关闭仍被取出的连接
			p.taken.Range(func(k, _ interface{}) bool {
				h := k.(*Holder)
				if _, ok := p.taken.LoadAndDelete(h); ok {
					p.destroyTaken(h)
				}
				return true
			})
			return ctx.Err()
		case <-ticker.C:
			if p.Stats().Active == 0 {
				return nil
			}
		}
	}
}

// Stats 返回池的当前统计信息
func (p *ConnectionPool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.stats
	s.Version = p.version.Load()
	return s
}

// Version 返回当前版本号
func (p *ConnectionPool) Version() int64 {
	return p.version.Load()
}

// BumpVersion 使所有现有连接过期
func (p *ConnectionPool) BumpVersion() int64 {
	return p.version.Add(1)
}

// Taken 返回当前被取出的持有者快照
func (p *ConnectionPool) Taken() []*Holder {
	var holders []*Holder
	p.taken.Range(func(k, _ interface{}) bool {
		holders = append(holders, k.(*Holder))
		return true
	})
	return holders
}

// expired 判断持有者是否超过空闲时间、生命周期或版本过旧
func (p *ConnectionPool) expired(h *Holder, now time.Time) bool {
	return (p.opts.MaxIdleTime > 0 && now.Sub(h.restoredTime) > p.opts.MaxIdleTime) ||
		(p.opts.MaxLifetime > 0 && now.Sub(h.createdAt) > p.opts.MaxLifetime) ||
		h.version < p.version.Load()
}

// destroyTaken 销毁一个被取出的持有者并更新统计
func (p *ConnectionPool) destroyTaken(h *Holder) {
	p.destroy(h)
	p.updateStats(func(s *Stats) {
		s.Active--
		s.Total--
	})
}

// destroy 关闭物理连接
func (p *ConnectionPool) destroy(h *Holder) {
	h.state = StateClosed
	if p.opts.OnClose != nil {
		if err := p.opts.OnClose(h); err != nil {
			p.logger.Debug("OnClose callback failed", zap.Stringer("holder", h), zap.Error(err))
		}
	}
	if err := h.conn.Close(); err != nil {
		p.logger.Debug("couldn't close connection", zap.Stringer("holder", h), zap.Error(err))
	}
	p.updateStats(func(s *Stats) {
		s.Destroyed++
	})
	p.notifyEvent(EventClose, h)
}

// logTaken 在获取超时时输出被取出的连接，便于定位泄漏
func (p *ConnectionPool) logTaken() {
	if !p.opts.ConnectionTracking {
		return
	}
	now := time.Now()
	for _, h := range p.Taken() {
		p.logger.Warn("connection still taken",
			zap.Stringer("holder", h),
			zap.String("owner", h.Owner()),
			zap.Duration("held", now.Sub(h.TakenTime())),
			zap.String("location", h.Location()))
	}
}

// updateStats 更新统计信息
func (p *ConnectionPool) updateStats(updater func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	updater(&p.stats)
}

// notifyEvent 通知所有事件监听器
func (p *ConnectionPool) notifyEvent(event Event, h *Holder) {
	for _, listener := range p.eventListeners {
		listener.OnEvent(event, h)
	}
}

// startCleaner 开始清理过期连接的后台任务
func (p *ConnectionPool) startCleaner(frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()

		if closed {
			return
		}

		p.cleanIdleHolders()
	}
}

// cleanIdleHolders 清理过期的空闲连接
func (p *ConnectionPool) cleanIdleHolders() {
	p.mu.RLock()
	idle := p.idle
	p.mu.RUnlock()
	if idle == nil {
		return
	}

	idleCount := len(idle)
	if idleCount <= p.opts.MinEvictableIdle {
		return
	}

	var expired []*Holder
	now := time.Now()

scan:
	for i := 0; i < idleCount; i++ {
		select {
		case h, ok := <-idle:
			if !ok {
				break scan
			}
			if p.expired(h, now) {
				expired = append(expired, h)
				continue
			}
			// 未过期的连接放回空闲队列
			p.mu.RLock()
			requeued := false
			if p.idle != nil {
				select {
				case p.idle <- h:
					requeued = true
				default:
				}
			}
			p.mu.RUnlock()
			if !requeued {
				expired = append(expired, h)
			}
		default:
			break scan
		}
	}

	for _, h := range expired {
		p.destroy(h)
		p.updateStats(func(s *Stats) {
			s.Idle--
			s.Total--
		})
	}
}
