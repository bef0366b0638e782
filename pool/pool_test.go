package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/dbproxy/pool/connlimit"
)

// mockConnection 实现 Connection 接口，用于测试
type mockConnection struct {
	id       int
	closed   bool
	alive    bool
	resetErr error
	closeErr error
	mu       sync.RWMutex
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection already closed")
	}
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closed = true
	return nil
}

func (m *mockConnection) Raw() interface{} {
	return m.id
}

func (m *mockConnection) IsAlive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alive && !m.closed
}

func (m *mockConnection) ResetState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetErr
}

func (m *mockConnection) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// mockFactory 实现 ConnectionFactory 接口，用于测试
type mockFactory struct {
	counter      int32
	createErr    error
	createDelay  time.Duration
	createdConns map[int]*mockConnection
	mu           sync.Mutex
}

func (f *mockFactory) Create(ctx context.Context) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// 模拟建连延迟
	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.createErr != nil {
		return nil, f.createErr
	}

	count := atomic.AddInt32(&f.counter, 1)
	conn := &mockConnection{
		id:    int(count),
		alive: true,
	}

	if f.createdConns == nil {
		f.createdConns = make(map[int]*mockConnection)
	}
	f.createdConns[int(count)] = conn
	return conn, nil
}

func (f *mockFactory) conn(id int) *mockConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createdConns[id]
}

// mockEventListener 记录收到的事件
type mockEventListener struct {
	events []Event
	mu     sync.Mutex
}

func (l *mockEventListener) OnEvent(event Event, h *Holder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *mockEventListener) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestConnectionPool_BasicOperations(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory)
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.Raw())
	assert.Equal(t, int64(0), h.Version())
	assert.NotEmpty(t, h.ID().String())

	require.NoError(t, p.Put(h, nil))

	// 再次获取应该复用刚才归还的连接
	h2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h2.Raw())
	assert.Same(t, h, h2)

	require.NoError(t, h2.Close())
	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_Concurrency(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory, WithMaxActive(10), WithMaxIdle(5))

	var wg sync.WaitGroup
	clients := 50
	iterations := 10
	wg.Add(clients)

	var connIDs sync.Map
	var errCount int32

	for i := 0; i < clients; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				h, err := p.Get(context.Background())
				if err != nil {
					atomic.AddInt32(&errCount, 1)
					continue
				}
				connIDs.Store(h.Raw().(int), true)
				time.Sleep(time.Millisecond)
				// 空闲队列满时连接被销毁，返回 ErrPoolFull 属于正常情况
				if err := p.Put(h, nil); err != nil && !errors.Is(err, ErrPoolFull) {
					atomic.AddInt32(&errCount, 1)
				}
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Idle, 5)
	assert.LessOrEqual(t, stats.Total, 10)
	assert.Equal(t, int32(0), atomic.LoadInt32(&errCount))

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestConnectionPool_Timeout(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory, WithWaitTimeout(50*time.Millisecond), WithMaxActive(1))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)

	// 唯一的连接被占用时再次获取会超时
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Equal(t, int64(1), p.Stats().Timeouts)

	require.NoError(t, p.Put(h, nil))

	h, err = p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Put(h, nil))
	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_MaxLifetime(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory, WithMaxLifetime(50*time.Millisecond))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	id1 := h.Raw().(int)
	require.NoError(t, p.Put(h, nil))

	time.Sleep(100 * time.Millisecond)

	h, err = p.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id1, h.Raw().(int))
	assert.True(t, factory.conn(id1).isClosed())

	p.Put(h, nil)
	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_MaxIdleTime(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory, WithMaxIdleTime(50*time.Millisecond))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	id1 := h.Raw().(int)
	require.NoError(t, p.Put(h, nil))
	restored := h.RestoredTime()
	assert.False(t, restored.IsZero())

	time.Sleep(100 * time.Millisecond)

	h, err = p.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id1, h.Raw().(int))

	p.Put(h, nil)
	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_EventListener(t *testing.T) {
	factory := &mockFactory{}
	listener := &mockEventListener{}
	p := NewPool(factory, WithEventListener(listener))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Put(h, nil))

	assert.Equal(t, []Event{EventNew, EventGet, EventPut}, listener.snapshot())

	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, []Event{EventNew, EventGet, EventPut, EventClose}, listener.snapshot())
}

func TestConnectionPool_PutWithErrorDestroys(t *testing.T) {
	factory := &mockFactory{}
	var closed []interface{}
	p := NewPool(factory, WithOnClose(func(conn Connection) error {
		closed = append(closed, conn.Raw())
		return nil
	}))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Put(h, errors.New("broken pipe")))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(1), stats.Destroyed)
	assert.Equal(t, []interface{}{1}, closed)
	assert.True(t, factory.conn(1).isClosed())

	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_DoublePutIsIgnored(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory)
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Put(h, nil))
	require.NoError(t, p.Put(h, nil))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, int64(1), stats.Released)

	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_ForeignHolder(t *testing.T) {
	p1 := NewPool(&mockFactory{})
	p2 := NewPool(&mockFactory{})
	ctx := context.Background()

	h, err := p1.Get(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, p2.Put(h, nil), ErrInvalidConnection)
}

func TestConnectionPool_VersionBump(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory)
	ctx := context.Background()

	h1, err := p.Get(ctx)
	require.NoError(t, err)
	idle, err := p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Put(idle, nil))

	assert.Equal(t, int64(1), p.BumpVersion())

	// 旧版本的连接归还时被销毁
	require.NoError(t, p.Put(h1, nil))
	assert.True(t, factory.conn(h1.Raw().(int)).isClosed())

	// 空闲的旧版本连接在取出时被丢弃
	h2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h2.Version())
	assert.NotEqual(t, idle.Raw(), h2.Raw())
	assert.Equal(t, int64(1), p.Stats().Version)

	require.NoError(t, p.Put(h2, nil))
	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_ConnectionTracking(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory, WithConnectionTracking(true))
	ctx := WithOwner(context.Background(), "report-job")

	h, err := p.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, "report-job", h.Owner())
	assert.False(t, h.TakenTime().IsZero())
	assert.NotEmpty(t, h.Location())
	assert.Equal(t, []*Holder{h}, p.Taken())

	require.NoError(t, p.Put(h, nil))
	assert.Empty(t, h.Owner())
	assert.True(t, h.TakenTime().IsZero())
	assert.Empty(t, p.Taken())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestConnectionPool_NoTrackingByDefault(t *testing.T) {
	p := NewPool(&mockFactory{})
	h, err := p.Get(WithOwner(context.Background(), "job"))
	require.NoError(t, err)
	assert.Empty(t, h.Owner())
	assert.True(t, h.TakenTime().IsZero())
	require.NoError(t, p.Put(h, nil))
}

func TestConnectionPool_CreateLimiter(t *testing.T) {
	factory := &mockFactory{}
	limiter := connlimit.NewTokenBucketLimiter(0.01, 1, connlimit.WithMaxWaitTime(10*time.Millisecond))
	p := NewPool(factory, WithCreateLimiter(limiter))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)

	_, err = p.Get(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, int64(1), p.Stats().Errors)

	require.NoError(t, p.Put(h, nil))
}

func TestConnectionPool_CreateError(t *testing.T) {
	cause := errors.New("connection refused")
	p := NewPool(&mockFactory{createErr: cause})

	_, err := p.Get(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int64(1), p.Stats().Errors)
}

func TestConnectionPool_InitialConnections(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory, WithInitialSize(3))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 3, stats.Idle)
	assert.Equal(t, 3, stats.Total)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(3), p.Stats().Destroyed)
}

func TestConnectionPool_ClosedPool(t *testing.T) {
	p := NewPool(&mockFactory{})
	ctx := context.Background()
	require.NoError(t, p.Shutdown(ctx))

	_, err := p.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.Shutdown(ctx), ErrPoolClosed)
	assert.True(t, p.Stats().Terminated)
}

func TestConnectionPool_GracefulShutdown(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory)
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)

	putErr := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		putErr <- p.Put(h, nil)
	}()

	require.NoError(t, p.Shutdown(ctx))
	// 关闭后归还的连接被销毁
	assert.ErrorIs(t, <-putErr, ErrPoolClosed)
	assert.True(t, factory.conn(1).isClosed())
}

func TestConnectionPool_ShutdownTimeout(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory)

	_, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	// 连接一直未归还，超时后被强制关闭
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	assert.True(t, factory.conn(1).isClosed())
}

func TestConnectionPool_HealthCheckOnBorrow(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory,
		WithTestOnBorrow(true),
		WithHealthCheck(func(conn Connection) bool {
			return conn.Raw().(int)%2 == 0
		}))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.Raw())
	require.NoError(t, p.Put(h, nil))

	// 空闲连接 1 未通过检查，被替换为新连接
	h, err = p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Raw())
	require.NoError(t, p.Put(h, nil))
}

func TestConnectionPool_CleanExpiredHolders(t *testing.T) {
	factory := &mockFactory{}
	cp := New(factory, WithMaxIdleTime(20*time.Millisecond), WithMinEvictableIdle(0), WithIdleCheckFrequency(0))
	ctx := context.Background()

	holders := make([]*Holder, 3)
	for i := range holders {
		h, err := cp.Get(ctx)
		require.NoError(t, err)
		holders[i] = h
	}
	for _, h := range holders {
		require.NoError(t, cp.Put(h, nil))
	}

	time.Sleep(40 * time.Millisecond)
	cp.cleanIdleHolders()

	stats := cp.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(3), stats.Destroyed)
}

func (m *mockConnection) setAlive(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

func TestConnectionPool_MaxWaiters(t *testing.T) {
	p := NewPool(&mockFactory{}, WithMaxActive(1), WithMaxWaiters(1), WithWaitTimeout(time.Second))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)

	got := make(chan *Holder, 1)
	go func() {
		w, err := p.Get(ctx)
		assert.NoError(t, err)
		got <- w
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, 5*time.Millisecond)

	// 等待者已满时立即失败
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrTooManyWaiters)

	require.NoError(t, p.Put(h, nil))
	w := <-got
	assert.Same(t, h, w)
	require.NoError(t, p.Put(w, nil))
	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_CustomBackoff(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []int
	)
	backoff := func(attempt int) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, attempt)
		return 10 * time.Millisecond
	}
	p := NewPool(&mockFactory{},
		WithMaxActive(1),
		WithMaxRetries(3),
		WithRetryBackoff(backoff),
		WithWaitTimeout(50*time.Millisecond))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)

	// 所有重试都拿不到连接
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	require.NoError(t, p.Put(h, nil))
	require.NoError(t, p.Shutdown(ctx))
}

func TestConnectionPool_RetryPicksUpReturnedHolder(t *testing.T) {
	ctx := context.Background()
	var (
		p     *ConnectionPool
		taken *Holder
	)
	p = New(&mockFactory{},
		WithMaxActive(1),
		WithMaxRetries(2),
		WithIdleCheckFrequency(0),
		WithWaitTimeout(20*time.Millisecond),
		WithRetryBackoff(func(attempt int) time.Duration {
			// 第一次重试前归还连接
			if attempt == 1 {
				require.NoError(t, p.Put(taken, nil))
			}
			return time.Millisecond
		}))

	var err error
	taken, err = p.Get(ctx)
	require.NoError(t, err)

	h, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, taken, h)
	assert.Equal(t, int64(1), p.Stats().Timeouts)
	require.NoError(t, p.Put(h, nil))
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, ExponentialBackoff(1))
	assert.Equal(t, 400*time.Millisecond, ExponentialBackoff(2))
	assert.Equal(t, 800*time.Millisecond, ExponentialBackoff(3))
}

func TestConnectionPool_TestOnReturn(t *testing.T) {
	factory := &mockFactory{}
	p := NewPool(factory, WithTestOnReturn(true), WithTestOnBorrow(false))
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	factory.conn(1).setAlive(false)

	// 归还时检测失败的连接被销毁而不是放回空闲队列
	require.NoError(t, p.Put(h, nil))
	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(1), stats.Destroyed)
	assert.True(t, factory.conn(1).isClosed())

	h, err = p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Put(h, nil))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestConnectionPool_OnCreate(t *testing.T) {
	cause := errors.New("session init failed")
	var created []int
	factory := &mockFactory{}
	p := NewPool(factory, WithOnCreate(func(conn Connection) error {
		created = append(created, conn.Raw().(int))
		if len(created) == 1 {
			return cause
		}
		return nil
	}))
	ctx := context.Background()

	_, err := p.Get(ctx)
	require.ErrorIs(t, err, cause)
	assert.True(t, factory.conn(1).isClosed())
	assert.Equal(t, int64(1), p.Stats().Errors)
	assert.Equal(t, 0, p.Stats().Total)

	h, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Raw())
	assert.Equal(t, []int{1, 2}, created)
	require.NoError(t, p.Put(h, nil))
}
