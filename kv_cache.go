package decoder

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// KV-caching is the key optimization for autoregressive generation. Without
// it, every new token recomputes keys and values for the entire prefix:
//
//   Generate token 1: compute K,V for position 0
//   Generate token 2: compute K,V for positions 0,1     (recomputes 0)
//   Generate token 3: compute K,V for positions 0,1,2   (recomputes 0,1)
//
// With a cache, each step computes K,V for the new positions only and
// appends them to preallocated buffers:
//
//   keys, values: [batch, maxLen, kvHeads, headDim], zero-filled
//   cursor:       number of filled positions, 0 <= cursor <= maxLen
//
// Attention reads the whole buffer and masks keys at or past the cursor,
// so the attended width is always maxLen and shapes never change between
// steps.
//
// The cache holds the un-repeated key/value heads. With grouped-query
// attention several query heads share one kv head; repeating happens after
// the cache read, so the cache is numAttentionHeads/numKeyValueHeads times
// smaller than it would be otherwise.
//
// STATES:
//
//   Uninitialized (zero value) --Init--> Initialized (cursor 0)
//   Initialized --Append(n)--> cursor += n
//
// An Append that fails (wrong shape, not enough room) leaves buffers and
// cursor untouched.
//
// ===========================================================================

// LayerCache is the key/value cache of one decoder layer.
type LayerCache struct {
	keys   *Tensor // [batch, maxLen, kvHeads, headDim]
	values *Tensor // [batch, maxLen, kvHeads, headDim]
	cursor int
}

// Init allocates zero-filled buffers and rewinds the cursor.
func (c *LayerCache) Init(batch, maxLen, kvHeads, headDim int, dtype DType) error {
	if batch <= 0 || maxLen <= 0 || kvHeads <= 0 || headDim <= 0 {
		return fmt.Errorf("%w: cache dimensions must be positive, got batch=%d maxLen=%d kvHeads=%d headDim=%d",
			ErrConfiguration, batch, maxLen, kvHeads, headDim)
	}

	c.keys = newTensor(dtype, batch, maxLen, kvHeads, headDim)
	c.values = newTensor(dtype, batch, maxLen, kvHeads, headDim)
	c.cursor = 0
	return nil
}

// Initialized reports whether Init has been called.
func (c *LayerCache) Initialized() bool {
	return c.keys != nil
}

// Cursor returns the number of filled positions.
func (c *LayerCache) Cursor() int {
	return c.cursor
}

// MaxLen returns the capacity in positions, or 0 when uninitialized.
func (c *LayerCache) MaxLen() int {
	if !c.Initialized() {
		return 0
	}
	return c.keys.shape[1]
}

// Keys returns the full key buffer including unfilled positions.
func (c *LayerCache) Keys() *Tensor {
	return c.keys
}

// Values returns the full value buffer including unfilled positions.
func (c *LayerCache) Values() *Tensor {
	return c.values
}

// Append writes newK and newV [batch, n, kvHeads, headDim] at the cursor
// and advances it by n.
func (c *LayerCache) Append(newK, newV *Tensor) error {
	if err := c.checkAppend(newK, newV); err != nil {
		return err
	}

	batch, maxLen := c.keys.shape[0], c.keys.shape[1]
	n := newK.shape[1]
	block := c.keys.shape[2] * c.keys.shape[3]
	dtype := c.keys.dtype

	for b := 0; b < batch; b++ {
		dst := (b*maxLen + c.cursor) * block
		src := b * n * block
		for i := 0; i < n*block; i++ {
			c.keys.data[dst+i] = dtype.Round(newK.data[src+i])
			c.values.data[dst+i] = dtype.Round(newV.data[src+i])
		}
	}

	c.cursor += n
	cacheAppendedTokens.Add(float64(n))
	return nil
}

// checkAppend validates an append without performing it: shape first,
// then capacity.
func (c *LayerCache) checkAppend(newK, newV *Tensor) error {
	if !c.Initialized() {
		return fmt.Errorf("%w: append to an uninitialized cache", ErrConfiguration)
	}

	want := c.keys.shape
	for _, t := range []*Tensor{newK, newV} {
		if len(t.shape) != 4 || t.shape[0] != want[0] || t.shape[2] != want[2] || t.shape[3] != want[3] {
			return fmt.Errorf("%w: cache expects [%d, n, %d, %d], got %v", ErrShapeMismatch, want[0], want[2], want[3], t.shape)
		}
	}
	if newK.shape[1] != newV.shape[1] {
		return fmt.Errorf("%w: %d new keys but %d new values", ErrShapeMismatch, newK.shape[1], newV.shape[1])
	}

	return c.checkCapacity(newK.shape[1])
}

func (c *LayerCache) checkCapacity(n int) error {
	if c.cursor+n > c.MaxLen() {
		return fmt.Errorf("%w: appending %d positions at cursor %d exceeds cache length %d", ErrCapacity, n, c.cursor, c.MaxLen())
	}
	return nil
}

// Cache is the per-session key/value state of every decoder layer.
//
// A Cache belongs to one session. Forward rejects a second caller while the
// first is still using it.
type Cache struct {
	id     uuid.UUID
	layers []*LayerCache
	inUse  atomic.Bool
}

func newCache(numLayers, batch, maxLen, kvHeads, headDim int, dtype DType) (*Cache, error) {
	c := &Cache{
		id:     uuid.New(),
		layers: make([]*LayerCache, numLayers),
	}
	for i := range c.layers {
		c.layers[i] = &LayerCache{}
		if err := c.layers[i].Init(batch, maxLen, kvHeads, headDim, dtype); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ID identifies the session in logs.
func (c *Cache) ID() uuid.UUID {
	return c.id
}

// NumLayers returns the number of layer caches.
func (c *Cache) NumLayers() int {
	return len(c.layers)
}

// Layer returns the cache of decoder layer i.
func (c *Cache) Layer(i int) *LayerCache {
	return c.layers[i]
}

// Cursor returns the number of filled positions. All layers advance
// together, so layer 0 speaks for the cache.
func (c *Cache) Cursor() int {
	return c.layers[0].cursor
}

// MaxLen returns the capacity in positions.
func (c *Cache) MaxLen() int {
	return c.layers[0].MaxLen()
}

// Batch returns the batch size the cache was built for.
func (c *Cache) Batch() int {
	return c.layers[0].keys.shape[0]
}

// Reset rewinds every layer so the cache can serve a new sequence. Stale
// contents are masked by the cursor and overwritten by later appends.
func (c *Cache) Reset() {
	for _, l := range c.layers {
		l.cursor = 0
	}
}

func (c *Cache) acquire() error {
	if !c.inUse.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: session %s", ErrCacheInUse, c.id)
	}
	return nil
}

func (c *Cache) release() {
	c.inUse.Store(false)
}
