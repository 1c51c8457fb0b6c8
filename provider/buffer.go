package provider

import (
	"sync"
)

// BufferPool manages reusable chunk buffers so that every part of a large
// transfer does not allocate a fresh chunk.
type BufferPool struct {
	size int64
	pool sync.Pool
}

// NewBufferPool creates a BufferPool that allocates buffers of the given size.
// If size is <= 0, DefaultChunkSize is used.
func NewBufferPool(size int64) *BufferPool {
	size = chunkSize(size)
	return &BufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by the pool.
func (bp *BufferPool) Size() int64 {
	return bp.size
}

// Get retrieves a reusable buffer from the pool.
// The caller should defer calling Put on this buffer once finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the buffer to the pool so it can be reused.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil {
		bp.pool.Put(b)
	}
}

// pools holds one BufferPool per chunk size in use.
type pools struct {
	mu     sync.Mutex
	bySize map[int64]*BufferPool
}

func (p *pools) get(size int64) *BufferPool {
	size = chunkSize(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bySize == nil {
		p.bySize = make(map[int64]*BufferPool)
	}
	bp, ok := p.bySize[size]
	if !ok {
		bp = NewBufferPool(size)
		p.bySize[size] = bp
	}
	return bp
}
