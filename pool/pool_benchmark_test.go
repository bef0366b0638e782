package pool

import (
	"context"
	"testing"
)

// 取出归还的基准测试
func BenchmarkConnectionPool_GetPut(b *testing.B) {
	factory := &mockFactory{}
	p := NewPool(factory, WithMaxIdle(50), WithMaxActive(100), WithTestOnBorrow(false))
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h, err := p.Get(ctx)
			if err != nil {
				b.Fatal(err)
			}
			p.Put(h, nil)
		}
	})

	p.Shutdown(ctx)
}

// 开启连接追踪后的基准测试
func BenchmarkConnectionPool_GetPutTracked(b *testing.B) {
	factory := &mockFactory{}
	p := NewPool(factory, WithMaxIdle(50), WithMaxActive(100), WithTestOnBorrow(false), WithConnectionTracking(true))
	ctx := WithOwner(context.Background(), "bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := p.Get(ctx)
		if err != nil {
			b.Fatal(err)
		}
		p.Put(h, nil)
	}

	p.Shutdown(ctx)
}
