package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyerfyer/dbproxy/errclass"
)

func TestErrorCollector_Classification(t *testing.T) {
	c := NewErrorCollector(nil)

	assert.False(t, c.Add(nil))
	assert.False(t, c.Add(context.DeadlineExceeded))
	assert.False(t, c.Add(errclass.MarkRollback(errors.New("deadlock detected"))))
	assert.False(t, c.Disqualified())
	assert.Nil(t, c.Errors())

	broken := errors.New("bad connection")
	assert.True(t, c.Add(broken))
	assert.True(t, c.Disqualified())
	assert.Equal(t, []error{broken}, c.Errors())

	// 返回的是副本
	errs := c.Errors()
	errs[0] = nil
	assert.Same(t, broken, c.Errors()[0])
}

func TestErrorCollector_CustomClassifier(t *testing.T) {
	ignored := errors.New("ignored")
	c := NewErrorCollector(func(err error) bool { return errors.Is(err, ignored) })

	assert.False(t, c.Add(fmt.Errorf("wrapped: %w", ignored)))
	assert.True(t, c.Add(context.DeadlineExceeded))
}

func TestErrorCollector_ConcurrentAdd(t *testing.T) {
	c := NewErrorCollector(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Add(fmt.Errorf("error %d", i))
		}(i)
	}
	wg.Wait()
	assert.Len(t, c.Errors(), 50)
}

func TestCall(t *testing.T) {
	assert.Equal(t, "prepareStatement", CallPrepareStatement.String())
	assert.Equal(t, "unknown", Call(-1).String())
	assert.Equal(t, "unknown", Call(1000).String())

	for _, c := range []Call{CallClose, CallAbort, CallIsClosed, CallIsValid} {
		assert.True(t, c.Unrestricted(), c.String())
	}
	for _, c := range []Call{CallParent, CallPrepareStatement, CallExec, CallNext, CallCancel} {
		assert.False(t, c.Unrestricted(), c.String())
	}
}

func TestFormatSQL(t *testing.T) {
	assert.Equal(t, "-- select 1", FormatSQL("select 1", nil))
	assert.Equal(t,
		"-- insert into t values (?, ?, ?, ?)\n-- Parameters:\n-- [NULL, \"a b\", <3 bytes>, 1.5]",
		FormatSQL("insert into t values (?, ?, ?, ?)", []any{nil, "a b", []byte("abc"), 1.5}))
}
