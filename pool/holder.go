package pool

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Holder 是池中保存的带版本的连接包装，记录连接的生命周期信息
type Holder struct {
	id        uuid.UUID
	conn      Connection
	pool      *ConnectionPool
	version   int64
	createdAt time.Time

	// restoredTime 只由持有者或池在空闲状态下修改
	restoredTime time.Time
	state        State

	// 以下字段仅在开启连接追踪时填充，诊断读取可能来自其他协程
	mu        sync.Mutex
	takenTime time.Time
	owner     string
	location  string
}

func newHolder(conn Connection, p *ConnectionPool, version int64, now time.Time) *Holder {
	return &Holder{
		id:           uuid.New(),
		conn:         conn,
		pool:         p,
		version:      version,
		createdAt:    now,
		restoredTime: now,
		state:        StateInUse,
	}
}

// ID 返回持有者的唯一标识
func (h *Holder) ID() uuid.UUID {
	return h.id
}

// Conn 返回被管理的物理连接
func (h *Holder) Conn() Connection {
	return h.conn
}

// Raw 返回底层连接对象
func (h *Holder) Raw() interface{} {
	return h.conn.Raw()
}

// Version 返回创建时池的版本号
func (h *Holder) Version() int64 {
	return h.version
}

// CreatedAt 返回物理连接的创建时间
func (h *Holder) CreatedAt() time.Time {
	return h.createdAt
}

// RestoredTime 返回最近一次归还到池中的时间
func (h *Holder) RestoredTime() time.Time {
	return h.restoredTime
}

// TakenTime 返回最近一次被取出的时间，未开启追踪时为零值
func (h *Holder) TakenTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.takenTime
}

// Owner 返回取出连接的调用方标识
func (h *Holder) Owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// Location 返回取出连接时的调用栈
func (h *Holder) Location() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location
}

// Close 将持有者归还到池中而不是直接关闭
func (h *Holder) Close() error {
	return h.pool.Put(h, nil)
}

// IsAlive 检查连接是否仍然可用，包括池的自定义健康检查
func (h *Holder) IsAlive() bool {
	alive := h.conn.IsAlive()
	if alive && h.pool.opts.HealthCheck != nil {
		alive = h.pool.opts.HealthCheck(h)
	}
	return alive
}

// ResetState 准备连接以供重用
func (h *Holder) ResetState() error {
	return h.conn.ResetState()
}

// String 用于日志输出
func (h *Holder) String() string {
	return fmt.Sprintf("holder(%s, v%d)", h.id, h.version)
}

func (h *Holder) track(ctx context.Context, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.takenTime = now
	h.owner = OwnerFromContext(ctx)
	h.location = callerStack(4)
}

func (h *Holder) untrack() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.takenTime = time.Time{}
	h.owner = ""
	h.location = ""
}

type ownerKey struct{}

// WithOwner 在上下文中标记取连接的调用方，用于泄漏追踪
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext 返回 WithOwner 设置的调用方标识
func OwnerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// callerStack 返回调用栈，跳过本包内部的帧
func callerStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "/dbproxy/pool.") {
			fmt.Fprintf(&b, "  at %s (%s:%d)\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
