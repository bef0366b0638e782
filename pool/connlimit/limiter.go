// Package connlimit throttles how fast a pool may open physical connections.
package connlimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrWaitTimeout 当等待创建许可超过最大等待时间时返回
	ErrWaitTimeout = errors.New("wait for connection creation permit timed out")
)

// Limiter gates the creation of physical connections.
type Limiter interface {
	// Allow reports whether a connection may be created right now, without waiting.
	Allow() bool

	// Wait blocks until a connection may be created or the context is done.
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 使用令牌桶算法限制建连速率
type TokenBucketLimiter struct {
	limiter     *rate.Limiter
	maxWaitTime time.Duration
}

// TokenBucketOption 是令牌桶限流器的配置选项
type TokenBucketOption func(*TokenBucketLimiter)

// WithMaxWaitTime 设置最大等待时间，为 0 时只受上下文限制
func WithMaxWaitTime(d time.Duration) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.maxWaitTime = d
	}
}

// NewTokenBucketLimiter 创建一个新的令牌桶限流器
// r 是每秒允许创建的连接数，burst 是允许的突发数
func NewTokenBucketLimiter(r float64, burst int, opts ...TokenBucketOption) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		limiter:     rate.NewLimiter(rate.Limit(r), burst),
		maxWaitTime: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Allow 立即检查是否允许创建
func (l *TokenBucketLimiter) Allow() bool {
	return l.limiter.Allow()
}

// Wait 等待直到允许创建或上下文结束
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	waitCtx := ctx
	if l.maxWaitTime > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWaitTime)
		defer cancel()
	}

	if err := l.limiter.Wait(waitCtx); err != nil {
		// 调用方的上下文优先，其余情况都是超出了最大等待时间
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.maxWaitTime > 0 {
			return ErrWaitTimeout
		}
		return err
	}
	return nil
}

// Unlimited 返回一个不做限制的限流器
func Unlimited() Limiter {
	return NewTokenBucketLimiter(float64(rate.Inf), 1, WithMaxWaitTime(0))
}
