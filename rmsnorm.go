package decoder

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// RMSNorm (Root Mean Square Layer Normalization) scales each feature vector
// by the reciprocal of its root mean square. There is no mean subtraction
// and no bias.
//
// PAPER: "Root Mean Square Layer Normalization"
//        https://arxiv.org/abs/1910.07467
//
// MATHEMATICS:
//   y = x / sqrt(mean(x²) + ε) * scale
//
// PRECISION:
// The mean of squares is accumulated in float64 even when the model runs in
// bfloat16. Summing thousands of squared half-precision values in half
// precision loses most of the small contributions. The normalized value is
// rounded to the working dtype first, then multiplied by the scale (also in
// the working dtype), so a half-precision run matches what a framework that
// upcasts only the reduction would produce.
//
// ===========================================================================

// RMSNorm implements root mean square layer normalization over the last axis.
type RMSNorm struct {
	dim   int
	eps   float64
	scale *Tensor // [dim], initialised to ones
}

// NewRMSNorm creates an RMSNorm layer with unit scale.
func NewRMSNorm(dim int, eps float64, paramDType DType) *RMSNorm {
	return &RMSNorm{
		dim:   dim,
		eps:   eps,
		scale: newTensorOnes(paramDType, dim),
	}
}

// Scale returns the learned per-feature scale.
func (rms *RMSNorm) Scale() *Tensor {
	return rms.scale
}

// Forward normalizes x [..., dim] and returns a tensor of the same shape in
// dtype.
func (rms *RMSNorm) Forward(x *Tensor, dtype DType) *Tensor {
	features := x.shape[len(x.shape)-1]
	if features != rms.dim {
		panic(fmt.Sprintf("rmsnorm: last dimension %d, expected %d", features, rms.dim))
	}

	out := newTensor(dtype, x.shape...)
	rows := x.Size() / features

	scale := make([]float64, features)
	for j, g := range rms.scale.data {
		scale[j] = dtype.Round(g)
	}

	// Normalize each position independently
	for i := 0; i < rows; i++ {
		row := x.data[i*features : (i+1)*features]

		sumSquares := 0.0
		for _, v := range row {
			sumSquares += v * v
		}
		inv := 1 / math.Sqrt(sumSquares/float64(features)+rms.eps)

		for j, v := range row {
			normalized := dtype.Round(v * inv)
			out.data[i*features+j] = dtype.Round(normalized * scale[j])
		}
	}

	return out
}
