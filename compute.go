package decoder

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Two kinds of compute live here:
//
//  1. Dense matmul. Every projection in the model (q/k/v/o, gate/up/down,
//     lm_head) is a [rows, in] x [in, out] product. Rows are the flattened
//     (batch, seq) positions. The product runs on gonum's mat.Dense, which
//     wraps our row-major float64 storage without copying.
//
//  2. Independent blocks. Attention for one (batch, head) pair never touches
//     another pair's output, so those blocks are fanned out over a bounded
//     errgroup. Single-threaded mode runs the same closures in order, which
//     gives bit-identical results: parallelism never changes the reduction
//     order inside a block.
//
// ComputeConfig picks between the two modes at runtime. Small problems stay
// on one goroutine because spawning costs more than it saves.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of independent blocks.
	Parallel bool

	// NumWorkers caps concurrent goroutines. 0 means runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel is the minimum number of blocks before work is
	// fanned out.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 4,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel && c.numWorkers() > 1
}

// parallelFor calls fn(i) for i in [0, n). The first error cancels nothing
// already running but is the one returned.
func parallelFor(cfg ComputeConfig, n int, fn func(i int) error) error {
	if !cfg.shouldParallelize(n) {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(cfg.numWorkers())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}

// ===========================================================================
// MATMUL
// ===========================================================================

// MatMul computes a @ b for 2-D tensors and rounds the result to dtype.
// Panics on rank or inner-dimension mismatch.
func MatMul(a, b *Tensor, dtype DType) *Tensor {
	return matmul(a, b, false, dtype)
}

// matmul computes a @ b, or a @ bᵀ when transposeB is set, without
// materializing the transpose.
func matmul(a, b *Tensor, transposeB bool, dtype DType) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k := a.shape[0], a.shape[1]
	bRows, bCols := b.shape[0], b.shape[1]
	n := bCols
	if transposeB {
		bRows, n = bCols, bRows
	}
	if k != bRows {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul: %v @ %v (transposed=%v)", a.shape, b.shape, transposeB))
	}

	am := mat.NewDense(m, k, a.data)
	bm := mat.NewDense(b.shape[0], b.shape[1], weightData(b, dtype))

	out := newTensor(dtype, m, n)
	om := mat.NewDense(m, n, out.data)
	if transposeB {
		om.Mul(am, bm.T())
	} else {
		om.Mul(am, bm)
	}

	dtype.RoundSlice(out.data)
	return out
}

// weightData returns b's values as dtype sees them. Widening is exact, so
// only narrowing into a half-precision working dtype needs a rounded copy.
func weightData(b *Tensor, dtype DType) []float64 {
	if b.dtype == dtype || dtype == DTypeF32 {
		return b.data
	}
	data := append([]float64(nil), b.data...)
	dtype.RoundSlice(data)
	return data
}

// Linear is a bias-free dense projection. The kernel is stored [in, out];
// a transposed Linear holds an [out, in] tensor (the tied embedding table)
// and multiplies by its transpose.
type Linear struct {
	weight     *Tensor
	transposed bool
}

// newLinear creates an [in, out] projection initialised from N(0, std²).
func newLinear(ctx *initContext, in, out int) *Linear {
	return &Linear{weight: newTensorNormal(ctx.rng, ctx.paramDType, ctx.std, in, out)}
}

// InFeatures returns the size of the last input dimension.
func (l *Linear) InFeatures() int {
	if l.transposed {
		return l.weight.shape[1]
	}
	return l.weight.shape[0]
}

// OutFeatures returns the size of the last output dimension.
func (l *Linear) OutFeatures() int {
	if l.transposed {
		return l.weight.shape[0]
	}
	return l.weight.shape[1]
}

// Weight returns the tensor the projection multiplies by. For a tied head
// this is the embedding table itself.
func (l *Linear) Weight() *Tensor {
	return l.weight
}

// Forward projects the last dimension of x: [..., in] -> [..., out].
func (l *Linear) Forward(x *Tensor, dtype DType) *Tensor {
	in := x.shape[len(x.shape)-1]
	rows := x.Size() / in

	y := matmul(x.Reshape(rows, in), l.weight, l.transposed, dtype)

	outShape := append([]int(nil), x.shape...)
	outShape[len(outShape)-1] = l.OutFeatures()
	return y.Reshape(outShape...)
}
