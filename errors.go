package decoder

import "errors"

// Failures in this package are fatal to the call that produced them; nothing
// is retried internally. Callers match with errors.Is.
var (
	// ErrConfiguration indicates an invalid model configuration or a call
	// pattern the model cannot honor, such as a bad head split, an unknown
	// rope scaling method or a cache supplied without position ids.
	ErrConfiguration = errors.New("decoder: configuration error")

	// ErrCapacity indicates that a cache append, position lookup or mask
	// slice would run past its preallocated length. A session that hits
	// this must reinitialize its cache.
	ErrCapacity = errors.New("decoder: capacity exceeded")

	// ErrShapeMismatch indicates a runtime tensor whose shape disagrees with
	// what the cache or configuration expects.
	ErrShapeMismatch = errors.New("decoder: shape mismatch")

	// ErrCacheInUse indicates two callers tried to drive the same cache at
	// the same time.
	ErrCacheInUse = errors.New("decoder: cache in use by another call")
)
