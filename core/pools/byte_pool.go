package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for read scratch buffers
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Common buffer sizes for request reads
var defaultSizes = []int{
	512,
	2048,
	8192,
	32768,
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers, which
// must be ascending
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of length size. Sizes above the largest tier are
// allocated directly.
func (bp *BytePool) Get(size int) []byte {
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bp.hits.Add(1)
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}

	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a slice obtained from Get. Slices whose capacity matches no
// tier are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats returns how many Gets were served from a tier and how many fell
// through to a direct allocation
func (bp *BytePool) Stats() (hits, misses uint64) {
	return bp.hits.Load(), bp.misses.Load()
}
