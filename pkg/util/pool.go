package util

import (
	"sync"
)

// DefaultBufferSize 转发响应体时每次读取的块大小
const DefaultBufferSize = 32 * 1024

// BufferPool 复用固定大小的字节切片，避免每个请求都分配一块新的拷贝缓冲区
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool size <= 0 时使用 DefaultBufferSize
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size 缓冲区大小
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get 取出一块长度为 Size 的缓冲区
func (bp *BufferPool) Get() *[]byte {
	b := bp.pool.Get().(*[]byte)
	*b = (*b)[:bp.size]
	return b
}

// Put 归还缓冲区，容量不足的切片直接丢弃
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) < bp.size {
		return
	}
	bp.pool.Put(b)
}
