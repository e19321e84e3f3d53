package decoder

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense multi-dimensional array stored in row-major
// (C-contiguous) order.
//
// Values are held as float64 but always represent numbers of the tensor's
// DType: every operation that produces a Tensor rounds its result to that
// precision. Higher-precision intermediates (norm reductions, rotary math,
// softmax) happen in float64 before the final rounding.
//
// A Tensor may carry a placement annotation from a ShardingPlan. Placement
// is advisory metadata for a distributed executor and never changes values.
//
// Tensor is not safe for concurrent mutation. Tensors that are never mutated
// after construction (weights, frequency tables) may be shared freely.
type Tensor struct {
	data      []float64
	shape     []int
	dtype     DType
	placement PartitionSpec
}

// NewTensor creates a zero-filled float32 tensor with the given shape.
// Panics if shape is empty or has a non-positive dimension: shape errors in
// kernel code are programmer bugs, not runtime conditions.
func NewTensor(shape ...int) *Tensor {
	return newTensor(DTypeF32, shape...)
}

func newTensor(dtype DType, shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	return &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
		dtype: dtype,
	}
}

// NewTensorFromData creates a tensor of the given dtype holding a copy of
// data rounded to that precision. Panics if len(data) does not match shape.
func NewTensorFromData(dtype DType, data []float64, shape ...int) *Tensor {
	t := newTensor(dtype, shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	for i, v := range data {
		t.data[i] = dtype.Round(v)
	}
	return t
}

// newTensorNormal fills a tensor with samples from N(0, std²) drawn from rng.
func newTensorNormal(rng *rand.Rand, dtype DType, std float64, shape ...int) *Tensor {
	t := newTensor(dtype, shape...)
	for i := range t.data {
		t.data[i] = dtype.Round(rng.NormFloat64() * std)
	}
	return t
}

func newTensorOnes(dtype DType, shape ...int) *Tensor {
	t := newTensor(dtype, shape...)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// DType returns the precision the tensor's values are rounded to.
func (t *Tensor) DType() DType {
	return t.dtype
}

// Data returns the backing slice. It is not a copy; callers must not mutate
// it on tensors they do not own.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Placement returns the sharding annotation attached by a ShardingPlan, or
// nil when the tensor is unannotated.
func (t *Tensor) Placement() PartitionSpec {
	return t.placement
}

// WithPlacement returns a tensor sharing t's data with spec attached.
func (t *Tensor) WithPlacement(spec PartitionSpec) *Tensor {
	return &Tensor{data: t.data, shape: t.shape, dtype: t.dtype, placement: spec}
}

// At returns the element at the given indices. Panics on invalid indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set stores value, rounded to the tensor's dtype, at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = t.dtype.Round(value)
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// Clone creates a deep copy of the tensor, placement included.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		data:      append([]float64(nil), t.data...),
		shape:     append([]int(nil), t.shape...),
		dtype:     t.dtype,
		placement: t.placement,
	}
}

// Reshape returns a view of the tensor with a different shape. The element
// count must stay the same; the view shares data and drops any placement.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	return &Tensor{
		data:  t.data,
		shape: append([]int(nil), newShape...),
		dtype: t.dtype,
	}
}

// Cast returns a copy of t rounded to dtype.
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := &Tensor{
		data:  make([]float64, len(t.data)),
		shape: append([]int(nil), t.shape...),
		dtype: dtype,
	}
	for i, v := range t.data {
		out.data[i] = dtype.Round(v)
	}
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s)", t.shape, t.dtype)
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition in a's dtype.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := newTensor(a.dtype, a.shape...)
	for i := range out.data {
		out.data[i] = a.dtype.Round(a.data[i] + b.data[i])
	}
	return out
}

// Mul performs element-wise multiplication in a's dtype.
// Panics if shapes don't match.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := newTensor(a.dtype, a.shape...)
	for i := range out.data {
		out.data[i] = a.dtype.Round(a.data[i] * b.data[i])
	}
	return out
}

// MaxAbsDiff returns max_i |a_i - b_i|. Panics if shapes don't match.
func MaxAbsDiff(a, b *Tensor) float64 {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot compare shapes %v and %v", a.shape, b.shape))
	}

	var diff float64
	for i := range a.data {
		diff = math.Max(diff, math.Abs(a.data[i]-b.data[i]))
	}
	return diff
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// Activation is a pointwise nonlinearity.
type Activation func(float64) float64

// SiLU is x * sigmoid(x), also known as Swish.
func SiLU(x float64) float64 {
	return x / (1 + math.Exp(-x))
}

// GELU uses the tanh approximation:
// 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³))).
func GELU(x float64) float64 {
	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)
	return 0.5 * x * (1 + math.Tanh(sqrt2OverPi*(x+coeff*x*x*x)))
}

// ReLU is max(0, x).
func ReLU(x float64) float64 {
	return math.Max(0, x)
}

// activationByName resolves a configured activation kind.
func activationByName(name string) (Activation, error) {
	switch name {
	case "", "silu", "swish":
		return SiLU, nil
	case "gelu", "gelu_new":
		return GELU, nil
	case "relu":
		return ReLU, nil
	default:
		return nil, fmt.Errorf("%w: unknown activation %q", ErrConfiguration, name)
	}
}

// apply evaluates fn on every element of x, rounding to x's dtype.
func apply(x *Tensor, fn Activation) *Tensor {
	out := newTensor(x.dtype, x.shape...)
	for i, v := range x.data {
		out.data[i] = x.dtype.Round(fn(v))
	}
	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
