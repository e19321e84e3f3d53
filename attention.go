package decoder

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Grouped-query attention (GQA): numHeads query heads share numKVHeads key
// and value heads. With numKVHeads == numHeads this is ordinary multi-head
// attention; with numKVHeads == 1 it is multi-query attention. Fewer kv
// heads mean fewer K/V projection weights and a proportionally smaller
// cache.
//
// PAPER: "GQA: Training Generalized Multi-Query Transformer Models from
//        Multi-Head Checkpoints" by Ainslie et al. (2023)
//        https://arxiv.org/abs/2305.13245
//
// ONE CALL, STEP BY STEP:
//
//   1. q = x @ Wq, k = x @ Wk, v = x @ Wv        [B, S, heads*D]
//   2. split heads                                [B, S, heads, D]
//   3. rotate q and k by their position ids
//   4. with a cache: append the new k, v and read back the whole buffer
//   5. repeat kv heads: query head h reads kv head h mod numKVHeads
//   6. mask = causal AND caller mask AND (key < cursor when cached)
//   7. weights = softmax(q·kᵀ/√D + bias), bias 0 or dtype.Min()
//   8. out = weights @ v, merge heads, @ Wo
//
// MASK GEOMETRY WITH A CACHE:
// The keys are the full cache buffer [0, maxLen). Query i of this call sits
// at absolute row cursorBefore+i, so the causal mask is sliced to rows
// [cursorBefore, cursorBefore+S). Keys at or beyond the cursor after the
// append are empty buffer slots and are always masked.
//
// A fully masked query row (a padding query) gets every score equal to the
// bias, so its softmax is uniform rather than NaN.
//
// PRECISION:
// Scores and softmax run in float64. The weights are rounded to float32
// whatever the working dtype; the weighted sum of V is rounded to it.
//
// ===========================================================================

// Attention is the grouped-query self-attention block of one layer.
type Attention struct {
	layer      int
	hidden     int
	numHeads   int
	numKVHeads int
	headDim    int
	dropout    float64

	q, k, v, o *Linear
}

func newAttention(ctx *initContext, cfg Config, layer int) (*Attention, error) {
	headDim := cfg.headDim()
	if headDim*cfg.NumAttentionHeads != cfg.HiddenSize {
		return nil, fmt.Errorf("%w: head_dim (%d) * num_attention_heads (%d) != hidden_size (%d)",
			ErrConfiguration, headDim, cfg.NumAttentionHeads, cfg.HiddenSize)
	}
	if cfg.NumKeyValueHeads <= 0 || cfg.NumAttentionHeads%cfg.NumKeyValueHeads != 0 {
		return nil, fmt.Errorf("%w: num_attention_heads (%d) must be a multiple of num_key_value_heads (%d)",
			ErrConfiguration, cfg.NumAttentionHeads, cfg.NumKeyValueHeads)
	}

	return &Attention{
		layer:      layer,
		hidden:     cfg.HiddenSize,
		numHeads:   cfg.NumAttentionHeads,
		numKVHeads: cfg.NumKeyValueHeads,
		headDim:    headDim,
		dropout:    cfg.AttentionDropout,
		q:          newLinear(ctx, cfg.HiddenSize, cfg.NumAttentionHeads*headDim),
		k:          newLinear(ctx, cfg.HiddenSize, cfg.NumKeyValueHeads*headDim),
		v:          newLinear(ctx, cfg.HiddenSize, cfg.NumKeyValueHeads*headDim),
		o:          newLinear(ctx, cfg.NumAttentionHeads*headDim, cfg.HiddenSize),
	}, nil
}

// layerArgs is everything a layer call needs besides its hidden state. The
// decoder layer forwards it to attention unchanged.
type layerArgs struct {
	table     *FrequencyTable
	causal    *CausalMask
	mask      [][]int // [batch][width], non-zero = valid
	positions [][]int // [batch][seq]
	cache     *LayerCache
	plan      *ShardingPlan
	dtype     DType
	compute   ComputeConfig
	train     bool
	seed      int64 // dropout seed for this layer call
}

func (a *Attention) activationName(what string) string {
	return fmt.Sprintf("model/layers/%d/self_attn/%s", a.layer, what)
}

// Forward returns the attention output [B, S, hidden] and the attention
// weights [B, heads, S, keyLen].
func (a *Attention) Forward(x *Tensor, args layerArgs) (*Tensor, *Tensor, error) {
	batch, seqLen := x.shape[0], x.shape[1]
	dtype := args.dtype

	q := args.plan.Annotate(a.activationName("query"), a.q.Forward(x, dtype))
	k := args.plan.Annotate(a.activationName("key"), a.k.Forward(x, dtype))
	v := args.plan.Annotate(a.activationName("value"), a.v.Forward(x, dtype))

	q = q.Reshape(batch, seqLen, a.numHeads, a.headDim)
	k = k.Reshape(batch, seqLen, a.numKVHeads, a.headDim)
	v = v.Reshape(batch, seqLen, a.numKVHeads, a.headDim)

	q, k, err := ApplyRotary(q, k, args.table, args.positions, dtype)
	if err != nil {
		return nil, nil, err
	}

	cursorBefore, keyLen := 0, seqLen
	if args.cache != nil {
		cursorBefore, keyLen = args.cache.Cursor(), args.cache.MaxLen()
	}
	causal, err := args.causal.Slice(cursorBefore, seqLen, keyLen)
	if err != nil {
		return nil, nil, err
	}

	keys, values := k, v
	cursorAfter := seqLen
	if args.cache != nil {
		if err := args.cache.Append(k, v); err != nil {
			return nil, nil, err
		}
		cursorAfter = args.cache.Cursor()
		keys, values = args.cache.Keys(), args.cache.Values()
	}

	keys = repeatKV(keys, a.numHeads/a.numKVHeads)
	values = repeatKV(values, a.numHeads/a.numKVHeads)

	weights := newTensor(DTypeF32, batch, a.numHeads, seqLen, keyLen)
	merged := newTensor(dtype, batch, seqLen, a.numHeads, a.headDim)

	scale := 1 / math.Sqrt(float64(a.headDim))
	minBias := dtype.Min()
	dropout := args.train && a.dropout > 0

	err = parallelFor(args.compute, batch*a.numHeads, func(bh int) error {
		b, h := bh/a.numHeads, bh%a.numHeads

		var rng *rand.Rand
		if dropout {
			rng = rand.New(rand.NewSource(args.seed + int64(bh)))
		}

		buf := scratch.get(keyLen)
		defer scratch.put(buf)
		probs := *buf

		for i := 0; i < seqLen; i++ {
			qOff := ((b*seqLen+i)*a.numHeads + h) * a.headDim
			qRow := q.data[qOff : qOff+a.headDim]

			maxScore := math.Inf(-1)
			for j := 0; j < keyLen; j++ {
				allowed := causal[i][j] && j < cursorAfter && callerAllows(args.mask[b], j)

				kOff := ((b*keyLen+j)*a.numHeads + h) * a.headDim
				score := 0.0
				for d, qv := range qRow {
					score += qv * keys.data[kOff+d]
				}
				score *= scale
				if !allowed {
					score += minBias
				}

				probs[j] = score
				maxScore = math.Max(maxScore, score)
			}

			sum := 0.0
			for j := range probs {
				probs[j] = math.Exp(probs[j] - maxScore)
				sum += probs[j]
			}

			wOff := ((b*a.numHeads+h)*seqLen + i) * keyLen
			for j := range probs {
				p := probs[j] / sum
				if dropout {
					if rng.Float64() < a.dropout {
						p = 0
					} else {
						p /= 1 - a.dropout
					}
				}
				weights.data[wOff+j] = DTypeF32.Round(p)
			}

			oOff := ((b*seqLen+i)*a.numHeads + h) * a.headDim
			for d := 0; d < a.headDim; d++ {
				acc := 0.0
				for j := 0; j < keyLen; j++ {
					w := weights.data[wOff+j]
					if w == 0 {
						continue
					}
					acc += w * values.data[((b*keyLen+j)*a.numHeads+h)*a.headDim+d]
				}
				merged.data[oOff+d] = dtype.Round(acc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	weights = args.plan.Annotate(a.activationName("attn_weights"), weights)

	out := a.o.Forward(merged.Reshape(batch, seqLen, a.numHeads*a.headDim), dtype)
	return out, weights, nil
}

// callerAllows reports whether a caller mask row admits key j. Keys past
// the end of the row are not governed by it.
func callerAllows(row []int, j int) bool {
	return j >= len(row) || row[j] != 0
}

// repeatKV expands [B, L, kvHeads, D] to [B, L, kvHeads*nRep, D] by tiling
// the kv heads, so head h of the result is kv head h mod kvHeads.
func repeatKV(x *Tensor, nRep int) *Tensor {
	if nRep == 1 {
		return x
	}

	batch, length, kvHeads, headDim := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	out := newTensor(x.dtype, batch, length, kvHeads*nRep, headDim)

	block := kvHeads * headDim
	for bl := 0; bl < batch*length; bl++ {
		src := x.data[bl*block : (bl+1)*block]
		for r := 0; r < nRep; r++ {
			copy(out.data[(bl*nRep+r)*block:], src)
		}
	}
	return out
}

// CausalMask is the lower-triangular mask of a model: row i (a query at
// absolute position i) admits keys 0..i. It is never materialized; Slice
// produces the window a call needs.
type CausalMask struct {
	size int
}

// NewCausalMask returns a size x size causal mask.
func NewCausalMask(size int) *CausalMask {
	return &CausalMask{size: size}
}

// Len returns the side of the mask.
func (m *CausalMask) Len() int {
	return m.size
}

// Slice returns rows [rowStart, rowStart+rows) and columns [0, cols).
func (m *CausalMask) Slice(rowStart, rows, cols int) ([][]bool, error) {
	if rowStart < 0 || rowStart+rows > m.size || cols > m.size {
		return nil, fmt.Errorf("%w: causal mask window rows [%d,%d) x %d keys outside mask of size %d",
			ErrCapacity, rowStart, rowStart+rows, cols, m.size)
	}

	window := make([][]bool, rows)
	for i := range window {
		window[i] = make([]bool, cols)
		for j := range window[i] {
			window[i][j] = j <= rowStart+i
		}
	}
	return window, nil
}
