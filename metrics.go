package decoder

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decoder_forward_total",
		Help: "Total number of forward calls",
	}, []string{"mode"})

	forwardFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decoder_forward_failed_total",
		Help: "Total number of forward calls that returned an error",
	}, []string{"reason"})

	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decoder_forward_duration_seconds",
		Help:    "Duration of forward calls",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"mode"})

	tokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_tokens_processed_total",
		Help: "Total number of input positions run through the model",
	})

	cacheAppendedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_kv_cache_appended_positions_total",
		Help: "Total number of positions appended to layer caches",
	})
)

// forward modes
const (
	modeFull        = "full"
	modeIncremental = "incremental"
)

// failureReason maps an error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrShapeMismatch):
		return "shape"
	case errors.Is(err, ErrCacheInUse):
		return "cache_in_use"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "other"
	}
}
