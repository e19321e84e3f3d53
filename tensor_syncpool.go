package decoder

import (
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Attention needs a scratch row of scores for every (batch, head, query)
// triple it processes. For a decode step that is one row per head per step,
// thousands of short-lived slices over a generation. sync.Pool lets those
// rows be reused instead of handed to the GC.
//
// Pools are keyed by length: a decode step always asks for rows of exactly
// maxLen keys, so after the first step every Get is a cache hit.
//
// SYNC.POOL CHARACTERISTICS:
//
// 1. Thread-safe: the parallel attention workers share one pool
// 2. The GC may drop pooled buffers at any time
// 3. Buffers come back dirty; callers overwrite every element they read
//
// ===========================================================================

// scratchPool hands out []float64 buffers keyed by length.
type scratchPool struct {
	pools map[int]*sync.Pool
	mu    sync.RWMutex
}

// scratch is the pool shared by every model in the process.
var scratch = newScratchPool()

func newScratchPool() *scratchPool {
	return &scratchPool{
		pools: make(map[int]*sync.Pool),
	}
}

func (sp *scratchPool) poolForSize(size int) *sync.Pool {
	// Fast path: pool already exists
	sp.mu.RLock()
	pool, exists := sp.pools[size]
	sp.mu.RUnlock()

	if exists {
		return pool
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	// Double-check: another goroutine may have created it
	if pool, exists := sp.pools[size]; exists {
		return pool
	}

	pool = &sync.Pool{
		New: func() any {
			buf := make([]float64, size)
			return &buf
		},
	}

	sp.pools[size] = pool
	return pool
}

// get returns a buffer of exactly size elements with undefined contents.
func (sp *scratchPool) get(size int) *[]float64 {
	return sp.poolForSize(size).Get().(*[]float64)
}

// put returns buf to the pool for its length.
func (sp *scratchPool) put(buf *[]float64) {
	if buf == nil || len(*buf) == 0 {
		return
	}
	sp.poolForSize(len(*buf)).Put(buf)
}
