package proxy

import (
	"sync"

	"github.com/fyerfyer/dbproxy/errclass"
)

// ErrorCollector 收集一次借出期间驱动抛出的错误
// 同一连接派生出的语句、结果集、元数据共享同一个实例
type ErrorCollector struct {
	mu          sync.Mutex
	errs        []error
	isTransient func(error) bool
}

// NewErrorCollector 创建收集器，isTransient 为 nil 时使用 errclass.IsTransient
func NewErrorCollector(isTransient func(error) bool) *ErrorCollector {
	if isTransient == nil {
		isTransient = errclass.IsTransient
	}
	return &ErrorCollector{isTransient: isTransient}
}

// Add 记录一个错误，返回该错误是否会导致物理连接被销毁
// 超时类、事务回滚类错误不影响连接本身，不记录
func (c *ErrorCollector) Add(err error) bool {
	if err == nil || c.isTransient(err) {
		return false
	}
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	return true
}

// Errors 返回已记录错误的副本
func (c *ErrorCollector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return append([]error(nil), c.errs...)
}

// Disqualified 报告是否记录过需要销毁连接的错误
func (c *ErrorCollector) Disqualified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs) > 0
}
