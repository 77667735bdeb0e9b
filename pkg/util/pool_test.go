package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool_GetReturnsFullLength(t *testing.T) {
	bp := NewBufferPool(16)
	b := bp.Get()
	assert.Len(t, *b, 16)

	*b = (*b)[:3]
	bp.Put(b)
	again := bp.Get()
	assert.Len(t, *again, 16, "length is restored after a truncated buffer is returned")
}

func TestBufferPool_DefaultSize(t *testing.T) {
	bp := NewBufferPool(0)
	assert.Equal(t, DefaultBufferSize, bp.Size())
	assert.Len(t, *bp.Get(), DefaultBufferSize)
}

func TestBufferPool_PutDropsSmallBuffers(t *testing.T) {
	bp := NewBufferPool(8)
	small := make([]byte, 4)
	bp.Put(&small)
	bp.Put(nil)
	assert.Len(t, *bp.Get(), 8)
}

// BenchmarkBufferPool 对比池化和直接分配
func BenchmarkBufferPool(b *testing.B) {
	bp := NewBufferPool(DefaultBufferSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := bp.Get()
		bp.Put(buf)
	}
}

func BenchmarkBufferAlloc(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, DefaultBufferSize)
		_ = buf
	}
}
