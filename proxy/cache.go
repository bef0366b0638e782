package proxy

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/fyerfyer/dbproxy/metrics"
)

// State 是缓存语句的使用状态
type State int32

const (
	// StateAvailable 表示语句在缓存中等待被取用
	StateAvailable State = iota

	// StateInUse 表示语句正被某个调用方持有
	StateInUse

	// stateEvicted 表示语句已被移出缓存，持有者归还时直接关闭
	stateEvicted
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in_use"
	case stateEvicted:
		return "evicted"
	}
	return "unknown"
}

// StatementKey 标识一条可复用的预编译语句
// Conn 是原始连接，其动态类型必须可比较
type StatementKey struct {
	Conn  Conn
	Call  Call
	Query string
	Flags string
}

// NewStatementKey 构造缓存键
func NewStatementKey(conn Conn, call Call, query string, flags ...int) StatementKey {
	return StatementKey{Conn: conn, Call: call, Query: query, Flags: flagsKey(flags)}
}

func flagsKey(flags []int) string {
	if len(flags) == 0 {
		return ""
	}
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}

// StatementHolder 是从缓存取出的语句
// 未缓存的语句没有状态，归还时直接关闭
type StatementHolder struct {
	raw    Stmt
	key    StatementKey
	cached bool
	state  atomic.Int32
}

// Uncached 包装一个不受缓存管理的语句
func Uncached(raw Stmt) *StatementHolder {
	return &StatementHolder{raw: raw}
}

// Raw 返回原始语句
func (h *StatementHolder) Raw() Stmt {
	return h.raw
}

// Cached 报告语句是否在缓存中
func (h *StatementHolder) Cached() bool {
	return h.cached
}

// State 返回当前状态，未缓存的语句总是 StateInUse
func (h *StatementHolder) State() State {
	if !h.cached {
		return StateInUse
	}
	return State(h.state.Load())
}

// StatementCache 缓存预编译语句，同一个键同时最多只有一个持有者
type StatementCache struct {
	entries  *xsync.MapOf[StatementKey, *StatementHolder]
	capacity int
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// CacheOption 是语句缓存的配置选项
type CacheOption func(*StatementCache)

// WithCacheLogger 设置日志记录器
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *StatementCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheMetrics 设置指标收集器
func WithCacheMetrics(m *metrics.Collector) CacheOption {
	return func(c *StatementCache) {
		c.metrics = m
	}
}

// NewStatementCache 创建语句缓存，capacity 为 0 表示不限制条目数
// 缓存已满时新语句不再加入缓存
func NewStatementCache(capacity int, opts ...CacheOption) *StatementCache {
	c := &StatementCache{
		entries:  xsync.NewMapOf[StatementKey, *StatementHolder](),
		capacity: capacity,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCreate 取出 key 对应的缓存语句，不可用时用 create 创建新语句
// 从不阻塞等待其他持有者：已被占用或插入竞争失败时返回未缓存的语句
func (c *StatementCache) GetOrCreate(key StatementKey, create func() (Stmt, error)) (*StatementHolder, error) {
	h, ok := c.entries.Load(key)
	if ok && h.state.CompareAndSwap(int32(StateAvailable), int32(StateInUse)) {
		c.metrics.CacheHit()
		c.logger.Debug("using cached statement", zap.Stringer("call", key.Call), zap.String("query", key.Query))
		return h, nil
	}

	raw, err := create()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, internalError("driver returned a nil statement for %s", key.Call)
	}

	// 键已存在但被占用，或者缓存已满
	if ok || (c.capacity > 0 && c.entries.Size() >= c.capacity) {
		c.metrics.CacheUncached()
		return Uncached(raw), nil
	}

	h = &StatementHolder{raw: raw, key: key, cached: true}
	h.state.Store(int32(StateInUse))
	if _, loaded := c.entries.LoadOrStore(key, h); loaded {
		// 并发插入失败，新建的语句作为未缓存语句返回
		c.metrics.CacheUncached()
		return Uncached(raw), nil
	}
	c.metrics.CacheMiss()
	return h, nil
}

// Restore 将语句放回缓存供下一个调用方使用
// 未缓存或已被移除的语句直接关闭
func (c *StatementCache) Restore(h *StatementHolder, clearWarnings bool) {
	if !h.cached {
		c.closeRaw(h.raw)
		return
	}
	if clearWarnings {
		if err := h.raw.ClearWarnings(); err != nil {
			c.logger.Debug("couldn't clear statement warnings", zap.Error(err))
		}
	}
	if !h.state.CompareAndSwap(int32(StateInUse), int32(StateAvailable)) {
		c.closeRaw(h.raw)
	}
}

// Remove 移除原始语句对应的条目，无论其当前状态
// 返回是否找到该语句
func (c *StatementCache) Remove(raw Stmt) bool {
	removed := false
	c.entries.Range(func(key StatementKey, h *StatementHolder) bool {
		if h.raw != raw {
			return true
		}
		removed = c.evict(key, h)
		return false
	})
	return removed
}

// RemoveAll 移除某个原始连接的全部条目，在物理连接销毁时调用
// 返回移除的条目数
func (c *StatementCache) RemoveAll(conn Conn) int {
	n := 0
	c.entries.Range(func(key StatementKey, h *StatementHolder) bool {
		if key.Conn == conn && c.evict(key, h) {
			n++
		}
		return true
	})
	return n
}

// Clear 移除全部条目
func (c *StatementCache) Clear() int {
	n := 0
	c.entries.Range(func(key StatementKey, h *StatementHolder) bool {
		if c.evict(key, h) {
			n++
		}
		return true
	})
	return n
}

// Len 返回缓存条目数
func (c *StatementCache) Len() int {
	return c.entries.Size()
}

// Lookup 返回 key 对应的缓存语句，不改变其状态
func (c *StatementCache) Lookup(key StatementKey) (*StatementHolder, bool) {
	return c.entries.Load(key)
}

// evict 仅当条目仍是 h 时删除；空闲的语句立即关闭，被占用的由持有者归还时关闭
func (c *StatementCache) evict(key StatementKey, h *StatementHolder) bool {
	deleted := false
	c.entries.Compute(key, func(old *StatementHolder, loaded bool) (*StatementHolder, bool) {
		if !loaded || old != h {
			return old, !loaded
		}
		deleted = true
		return nil, true
	})
	if !deleted {
		return false
	}
	if State(h.state.Swap(int32(stateEvicted))) == StateAvailable {
		c.closeRaw(h.raw)
	}
	c.metrics.CacheEvictions(1)
	return true
}

func (c *StatementCache) closeRaw(raw Stmt) {
	if err := raw.Close(); err != nil {
		c.logger.Debug("couldn't close statement", zap.Error(err))
	}
}
