package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for different size classes
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// Size tiers used for buffer chunks and socket read scratch space
var defaultSizes = []int{
	512,   // Small writes, prepend headroom
	4096,  // Default chunk
	16384, // Socket reads
	65536, // Bulk transfers
}

// DefaultChunkSize is the chunk size Buffer allocates when appending
const DefaultChunkSize = 4096

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers (ascending)
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

// Get returns a byte slice of length size. Its capacity is the size tier,
// so callers may extend it up to cap.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			buf := *bufPtr
			return buf[:size]
		}
	}

	// Size too large, allocate directly
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool. Slices whose capacity does not
// match a tier are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// BytePoolStats is a snapshot of pool usage
type BytePoolStats struct {
	TotalGets uint64
	TotalPuts uint64
	Misses    uint64
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		TotalGets: bp.gets.Load(),
		TotalPuts: bp.puts.Load(),
		Misses:    bp.misses.Load(),
	}
}

// Global byte pool instance
var globalBytePool = NewBytePool()

// GetBytes is a convenience function using the global pool
func GetBytes(size int) []byte {
	return globalBytePool.Get(size)
}

// PutBytes returns bytes to the global pool
func PutBytes(buf []byte) {
	globalBytePool.Put(buf)
}

// GlobalStats returns statistics of the global pool
func GlobalStats() BytePoolStats {
	return globalBytePool.Stats()
}
