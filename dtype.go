package decoder

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Working Precision
// ===========================================================================
//
// A model runs with two precisions:
//
//   - the working dtype: activations, cache contents and matmul outputs
//   - the parameter dtype: how weights are stored
//
// Storage is always float64. A value "is" bfloat16 when it has been narrowed
// to bfloat16 (the top 16 bits of its float32 form) and widened back. Every
// kernel stays generic while still seeing the rounding a real half-precision
// run would see, which is what the incremental-vs-batch tolerance checks
// care about.
//
// Reductions that are sensitive to rounding (RMS norm variance, rotary
// angles, softmax) are computed in float64 and rounded once at the end.
//
// NUMERICAL RANGES:
//
//   float32   ±3.4×10^38   ~7 decimal digits
//   bfloat16  ±3.4×10^38   ~2-3 decimal digits (float32 exponent, 7-bit mantissa)
//   float16   ±65,504      ~3-4 decimal digits
//
// The attention bias for a masked position is the dtype's most negative
// finite value, so the bias never overflows to -Inf in any precision.
//
// ===========================================================================

// DType is a floating point precision.
type DType int

const (
	DTypeF32 DType = iota
	DTypeBF16
	DTypeF16
)

// bfloat16Min is -(2 - 2^-7) * 2^127.
const bfloat16Min = -3.3895313892515355e+38

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "float32"
	case DTypeBF16:
		return "bfloat16"
	case DTypeF16:
		return "float16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ParseDType accepts the canonical names and the short forms f32, bf16, f16.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "fp32", "":
		return DTypeF32, nil
	case "bfloat16", "bf16":
		return DTypeBF16, nil
	case "float16", "f16", "fp16", "half":
		return DTypeF16, nil
	default:
		return 0, fmt.Errorf("%w: unknown dtype %q", ErrConfiguration, s)
	}
}

// Round narrows v to d and widens it back to float64.
func (d DType) Round(v float64) float64 {
	switch d {
	case DTypeBF16:
		return float64(bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{float32(v)}))[0])
	case DTypeF16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	default:
		return float64(float32(v))
	}
}

// RoundSlice rounds every element of data to d in place.
func (d DType) RoundSlice(data []float64) {
	switch d {
	case DTypeBF16:
		f32s := make([]float32, len(data))
		for i, v := range data {
			f32s[i] = float32(v)
		}
		for i, v := range bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(f32s)) {
			data[i] = float64(v)
		}
	default:
		for i, v := range data {
			data[i] = d.Round(v)
		}
	}
}

// Min returns the most negative finite value of d.
func (d DType) Min() float64 {
	switch d {
	case DTypeBF16:
		return bfloat16Min
	case DTypeF16:
		return -65504
	default:
		return -math.MaxFloat32
	}
}

// Tolerance is the max abs difference accepted between two computations of
// the same quantity that differ only in evaluation order, such as a batch
// forward versus a step-by-step cached decode.
func (d DType) Tolerance() float64 {
	if d == DTypeF32 {
		return 1e-5
	}
	return 1e-3
}

func (d DType) valid() bool {
	return d >= DTypeF32 && d <= DTypeF16
}
