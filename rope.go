package decoder

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// RoPE (Rotary Position Embeddings) rotates the query and key vectors by an
// angle proportional to their position instead of adding a learned position
// vector to the token embedding.
//
// PAPER: "RoFormer: Enhanced Transformer with Rotary Position Embedding"
//        https://arxiv.org/abs/2104.09864
//
// MATHEMATICS:
// For position m and channel pair (2i, 2i+1):
//   θ_i = base^(-2i/d)
//   [x0']   [cos mθ_i  -sin mθ_i] [x0]
//   [x1'] = [sin mθ_i   cos mθ_i] [x1]
//
// Q'·K' then depends only on the distance between the two positions.
//
// THE TABLE:
// cos(mθ_i) and sin(mθ_i) are precomputed once for m in [0, maxLen) and
// shared by every layer. Lookups are by position id, never by sequence
// index: a cached decode step at position 17 with a single query token
// must use row 17, and left-padded prompts start their real tokens at
// position 0 even though they sit further right in the batch.
//
// LONG CONTEXT SCALING:
//   linear:  m -> m / factor (positions are squeezed into the trained range)
//   dynamic: base is raised (NTK-aware) when the table is longer than the
//            trained context:
//            base' = base * ((factor*maxLen/orig) - (factor-1))^(d/(d-2))
//
// ===========================================================================

// FrequencyTable holds precomputed rotary angles for positions [0, Len()).
// It is immutable after construction and safe for concurrent use.
type FrequencyTable struct {
	maxLen int
	half   int
	cos    []float64 // [maxLen, half]
	sin    []float64 // [maxLen, half]
}

// BuildFrequencyTable precomputes rotary angles for headDim channels and
// maxLen positions.
func BuildFrequencyTable(headDim, maxLen int, theta float64, scaling *RopeScaling) (*FrequencyTable, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("%w: rotary head dim must be positive and even, got %d", ErrConfiguration, headDim)
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: rotary table length must be positive, got %d", ErrConfiguration, maxLen)
	}
	if err := scaling.validate(); err != nil {
		return nil, err
	}

	base := theta
	positionScale := 1.0
	if scaling != nil {
		switch scaling.Method {
		case "linear":
			positionScale = 1 / scaling.Factor
		case "dynamic":
			orig := scaling.OriginalMaxPositionEmbeddings
			if orig == 0 {
				orig = maxLen
			}
			if maxLen > orig {
				if headDim <= 2 {
					return nil, fmt.Errorf("%w: dynamic rope scaling needs head_dim > 2", ErrConfiguration)
				}
				d := float64(headDim)
				f := scaling.Factor
				base = theta * math.Pow(f*float64(maxLen)/float64(orig)-(f-1), d/(d-2))
			}
		}
	}

	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1 / math.Pow(base, float64(2*i)/float64(headDim))
	}

	ft := &FrequencyTable{
		maxLen: maxLen,
		half:   half,
		cos:    make([]float64, maxLen*half),
		sin:    make([]float64, maxLen*half),
	}
	for pos := 0; pos < maxLen; pos++ {
		m := float64(pos) * positionScale
		for i, f := range invFreq {
			angle := m * f
			ft.cos[pos*half+i] = math.Cos(angle)
			ft.sin[pos*half+i] = math.Sin(angle)
		}
	}

	return ft, nil
}

// Len returns the number of positions in the table.
func (ft *FrequencyTable) Len() int {
	return ft.maxLen
}

// At returns cos and sin of the angle for channel pair i at position pos.
func (ft *FrequencyTable) At(pos, i int) (cos, sin float64) {
	return ft.cos[pos*ft.half+i], ft.sin[pos*ft.half+i]
}

// ApplyRotary rotates q [B, S, Hq, D] and k [B, S, Hkv, D] by the angles of
// positionIDs [B][S] and rounds the results to dtype. The inputs are not
// modified.
func ApplyRotary(q, k *Tensor, table *FrequencyTable, positionIDs [][]int, dtype DType) (*Tensor, *Tensor, error) {
	if err := checkRotaryShape("query", q, table, positionIDs); err != nil {
		return nil, nil, err
	}
	if err := checkRotaryShape("key", k, table, positionIDs); err != nil {
		return nil, nil, err
	}
	if q.shape[0] != k.shape[0] || q.shape[1] != k.shape[1] {
		return nil, nil, fmt.Errorf("%w: query %v and key %v disagree on batch or sequence", ErrShapeMismatch, q.shape, k.shape)
	}

	for b, row := range positionIDs {
		for s, pos := range row {
			if pos < 0 || pos >= table.maxLen {
				return nil, nil, fmt.Errorf("%w: position id %d at [%d,%d] outside rotary table of length %d",
					ErrCapacity, pos, b, s, table.maxLen)
			}
		}
	}

	return rotate(q, table, positionIDs, dtype), rotate(k, table, positionIDs, dtype), nil
}

func checkRotaryShape(name string, x *Tensor, table *FrequencyTable, positionIDs [][]int) error {
	if len(x.shape) != 4 {
		return fmt.Errorf("%w: %s must be [batch, seq, heads, head_dim], got %v", ErrShapeMismatch, name, x.shape)
	}
	if x.shape[3] != 2*table.half {
		return fmt.Errorf("%w: %s head dim %d, rotary table built for %d", ErrShapeMismatch, name, x.shape[3], 2*table.half)
	}
	if len(positionIDs) != x.shape[0] {
		return fmt.Errorf("%w: %d position rows for batch %d", ErrShapeMismatch, len(positionIDs), x.shape[0])
	}
	for b, row := range positionIDs {
		if len(row) != x.shape[1] {
			return fmt.Errorf("%w: position row %d has %d entries for sequence length %d", ErrShapeMismatch, b, len(row), x.shape[1])
		}
	}
	return nil
}

func rotate(x *Tensor, table *FrequencyTable, positionIDs [][]int, dtype DType) *Tensor {
	batch, seqLen, heads, headDim := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	out := newTensor(dtype, x.shape...)

	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			pos := positionIDs[b][s]
			for h := 0; h < heads; h++ {
				off := ((b*seqLen+s)*heads + h) * headDim
				for i := 0; i < table.half; i++ {
					cos, sin := table.At(pos, i)
					x0 := x.data[off+2*i]
					x1 := x.data[off+2*i+1]
					out.data[off+2*i] = x0*cos - x1*sin
					out.data[off+2*i+1] = x0*sin + x1*cos
				}
			}
		}
	}

	dtype.RoundSlice(out.data)
	return out
}

// RepackRotaryHalves converts a query or key projection exported in the
// split-halves layout (rotating channel j with j+D/2, stored [out, in] as
// in Hugging Face checkpoints) into an [in, out] kernel whose channels are
// interleaved pairs (2j, 2j+1), the layout ApplyRotary rotates.
func RepackRotaryHalves(data []float64, out, in, heads int, dtype DType) (*Tensor, error) {
	if heads <= 0 || out%heads != 0 || (out/heads)%2 != 0 {
		return nil, fmt.Errorf("%w: cannot split %d output rows into %d rotary heads", ErrShapeMismatch, out, heads)
	}
	if len(data) != out*in {
		return nil, fmt.Errorf("%w: %d values for a [%d, %d] projection", ErrShapeMismatch, len(data), out, in)
	}

	n := tensor.New(tensor.WithShape(out, in), tensor.WithBacking(append([]float64(nil), data...)))
	if err := n.Reshape(heads, 2, out/heads/2, in); err != nil {
		return nil, err
	}

	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, err
	}

	if err := n.Reshape(out, in); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	// [out, in] -> [in, out]
	if err := n.T(1, 0); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	f64s, ok := n.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected repack backing %T", ErrShapeMismatch, n.Data())
	}
	return NewTensorFromData(dtype, f64s, in, out), nil
}
