package cache

import (
	"context"
	"testing"
	"time"
)

// BenchmarkInMemoryCache_Get_Hit benchmarks cache Get on a hit, which copies the checkpoint.
func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "chain", testBlock(10, "checkpoint"), time.Hour)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "chain")
	}
}

// BenchmarkInMemoryCache_Set benchmarks cache Set.
func BenchmarkInMemoryCache_Set(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	sb := testBlock(10, "checkpoint")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, "chain", sb, time.Hour)
	}
}
