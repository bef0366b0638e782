package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed 表示在已关闭的代理上调用了受限方法
	ErrClosed = errors.New("operation on a closed resource")

	// ErrInternal 表示无法构造代理对象
	ErrInternal = errors.New("internal proxy error")
)

// closedError 记录被拒绝的调用
type closedError struct {
	kind string
	call Call
}

func (e *closedError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.kind, e.call, ErrClosed)
}

func (e *closedError) Unwrap() error {
	return ErrClosed
}

func internalError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
