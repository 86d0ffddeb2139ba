package cache

import (
	"testing"
	"time"
)

func BenchmarkLRU_Put(b *testing.B) {
	c := NewLRU[uint64, int](10000, time.Minute)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(uint64(i), i)
	}
}

func BenchmarkLRU_GetHit(b *testing.B) {
	c := NewLRU[uint64, int](10000, time.Minute)
	for i := 0; i < 10000; i++ {
		c.Put(uint64(i), i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(uint64(i % 10000))
	}
}

func BenchmarkLRU_GetParallel(b *testing.B) {
	c := NewLRU[uint64, int](10000, time.Minute)
	for i := 0; i < 10000; i++ {
		c.Put(uint64(i), i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var i uint64
		for pb.Next() {
			c.Get(i % 10000)
			i++
		}
	})
}
