package decoder

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyConfig is the smallest grouped-query setup: two query heads sharing
// one kv head of width 4.
func tinyConfig() Config {
	return Config{
		VocabSize:             32,
		HiddenSize:            8,
		IntermediateSize:      16,
		NumLayers:             2,
		NumAttentionHeads:     2,
		NumKeyValueHeads:      1,
		HeadDim:               4,
		RopeTheta:             10000,
		MaxPositionEmbeddings: 32,
		CausalMaskLength:      32,
		RMSNormEps:            1e-6,
		HiddenAct:             "silu",
		CheckpointPolicy:      PolicyNone,
		InitializerRange:      0.2,
		Seed:                  42,
	}
}

func newTestModel(t *testing.T, cfg Config, dtype DType) *Model {
	t.Helper()
	m, err := NewModel(cfg, dtype, DTypeF32, ProfileBalanced)
	require.NoError(t, err)
	return m
}

// logitsRow returns logits[b, s, :].
func logitsRow(logits *Tensor, b, s int) []float64 {
	seqLen, vocab := logits.shape[1], logits.shape[2]
	off := (b*seqLen + s) * vocab
	return logits.data[off : off+vocab]
}

func maxRowDiff(a, b []float64) float64 {
	var diff float64
	for i := range a {
		diff = math.Max(diff, math.Abs(a[i]-b[i]))
	}
	return diff
}

// TestModelForwardShapes runs the tiny config end to end
func TestModelForwardShapes(t *testing.T) {
	cfg := tinyConfig()
	m := newTestModel(t, cfg, DTypeF32)

	out, err := m.Forward(ForwardInput{
		InputIDs:            [][]int{{1, 2, 3, 4, 5}, {6, 7, 8, 9, 10}},
		CollectHiddenStates: true,
		CollectAttentions:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5, 32}, out.Logits.Shape())
	assert.Equal(t, DTypeF32, out.Logits.DType())
	assert.Nil(t, out.Cache)
	assert.Nil(t, out.Recompute)

	require.Len(t, out.HiddenStates, cfg.NumLayers+1)
	for _, h := range out.HiddenStates {
		assert.Equal(t, []int{2, 5, 8}, h.Shape())
	}

	require.Len(t, out.Attentions, cfg.NumLayers)
	for _, w := range out.Attentions {
		require.Equal(t, []int{2, 2, 5, 5}, w.Shape())
		for b := 0; b < 2; b++ {
			for h := 0; h < 2; h++ {
				for i := 0; i < 5; i++ {
					sum := 0.0
					for j := 0; j < 5; j++ {
						p := w.At(b, h, i, j)
						if j > i {
							assert.Equal(t, 0.0, p, "future key %d visible to query %d", j, i)
						}
						sum += p
					}
					assert.InDelta(t, 1.0, sum, 1e-5)
				}
			}
		}
	}

	for _, v := range out.Logits.Data() {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

// TestIncrementalMatchesFull checks that a prefill followed by one token at
// a time through the cache reproduces the full forward pass.
func TestIncrementalMatchesFull(t *testing.T) {
	tokens := [][]int{
		{3, 14, 15, 9, 26, 5, 3, 5},
		{2, 7, 18, 28, 1, 8, 28, 4},
	}
	const prefill = 3

	for _, dtype := range []DType{DTypeF32, DTypeBF16, DTypeF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			m := newTestModel(t, tinyConfig(), dtype)

			full, err := m.Forward(ForwardInput{InputIDs: tokens})
			require.NoError(t, err)

			prompt := [][]int{tokens[0][:prefill], tokens[1][:prefill]}
			st, err := m.PrepareGeneration(prompt, nil, 10)
			require.NoError(t, err)

			pos := 0
			for pos < len(tokens[0]) {
				out, err := m.Forward(st.Input())
				require.NoError(t, err)
				assert.Same(t, st.Cache, out.Cache)

				n := len(st.InputIDs[0])
				for i := 0; i < n; i++ {
					for b := range tokens {
						diff := maxRowDiff(logitsRow(full.Logits, b, pos+i), logitsRow(out.Logits, b, i))
						assert.LessOrEqual(t, diff, dtype.Tolerance(), "batch %d position %d", b, pos+i)
					}
				}
				pos += n
				assert.Equal(t, pos, st.Cache.Cursor())

				if pos < len(tokens[0]) {
					require.NoError(t, st.Advance([]int{tokens[0][pos], tokens[1][pos]}))
				}
			}
		})
	}
}

// TestChunkedPrefillMatchesFull feeds the sequence through the cache in
// uneven chunks.
func TestChunkedPrefillMatchesFull(t *testing.T) {
	m := newTestModel(t, tinyConfig(), DTypeF32)
	tokens := []int{1, 2, 3, 4, 5, 6, 7}

	full, err := m.Forward(ForwardInput{InputIDs: [][]int{tokens}})
	require.NoError(t, err)

	cache, err := m.InitCache(1, 7)
	require.NoError(t, err)

	pos := 0
	for _, n := range []int{2, 3, 2} {
		positions := make([]int, n)
		for i := range positions {
			positions[i] = pos + i
		}
		out, err := m.Forward(ForwardInput{
			InputIDs:    [][]int{tokens[pos : pos+n]},
			PositionIDs: [][]int{positions},
			Cache:       cache,
		})
		require.NoError(t, err)

		for i := 0; i < n; i++ {
			diff := maxRowDiff(logitsRow(full.Logits, 0, pos+i), logitsRow(out.Logits, 0, i))
			assert.LessOrEqual(t, diff, DTypeF32.Tolerance())
		}
		pos += n
	}
}

// TestCausality checks that changing later tokens never changes the logits
// of earlier positions.
func TestCausality(t *testing.T) {
	m := newTestModel(t, tinyConfig(), DTypeF32)

	a, err := m.Forward(ForwardInput{InputIDs: [][]int{{1, 2, 3, 4, 5, 6}}})
	require.NoError(t, err)
	b, err := m.Forward(ForwardInput{InputIDs: [][]int{{1, 2, 3, 30, 31, 0}}})
	require.NoError(t, err)

	for s := 0; s < 3; s++ {
		assert.Equal(t, logitsRow(a.Logits, 0, s), logitsRow(b.Logits, 0, s), "position %d", s)
	}
	assert.NotEqual(t, logitsRow(a.Logits, 0, 4), logitsRow(b.Logits, 0, 4))
}

// TestGroupedQueryMatchesDuplicatedHeads checks that a grouped-query model
// equals a full multi-head model whose kv heads are copies following the
// same head-to-group assignment.
func TestGroupedQueryMatchesDuplicatedHeads(t *testing.T) {
	gqaCfg := tinyConfig()
	gqaCfg.NumAttentionHeads, gqaCfg.NumKeyValueHeads, gqaCfg.HiddenSize = 4, 2, 16
	gqa := newTestModel(t, gqaCfg, DTypeF32)

	mhaCfg := gqaCfg
	mhaCfg.NumKeyValueHeads = 4
	mha := newTestModel(t, mhaCfg, DTypeF32)

	headDim, kvHeads, heads := gqaCfg.HeadDim, gqaCfg.NumKeyValueHeads, gqaCfg.NumAttentionHeads
	for _, p := range gqa.NamedParameters() {
		data := p.Tensor.Data()

		var kv bool
		for i := 0; i < gqaCfg.NumLayers; i++ {
			kv = kv || p.Name == fmt.Sprintf("model/layers/%d/self_attn/k_proj/kernel", i) ||
				p.Name == fmt.Sprintf("model/layers/%d/self_attn/v_proj/kernel", i)
		}
		if kv {
			// [hidden, kvHeads*D] -> [hidden, heads*D]; head h reads kv head h mod kvHeads.
			rows := p.Tensor.shape[0]
			tiled := make([]float64, 0, rows*heads*headDim)
			for r := 0; r < rows; r++ {
				for h := 0; h < heads; h++ {
					src := r*kvHeads*headDim + (h%kvHeads)*headDim
					tiled = append(tiled, data[src:src+headDim]...)
				}
			}
			data = tiled
		}
		require.NoError(t, mha.SetParameter(p.Name, data), p.Name)
	}

	in := ForwardInput{InputIDs: [][]int{{4, 8, 15, 16, 23, 31}}}
	want, err := gqa.Forward(in)
	require.NoError(t, err)
	got, err := mha.Forward(in)
	require.NoError(t, err)

	assert.LessOrEqual(t, MaxAbsDiff(want.Logits, got.Logits), 1e-6)
}

func TestLeftPaddingMatchesUnpadded(t *testing.T) {
	m := newTestModel(t, tinyConfig(), DTypeF32)

	plain, err := m.Forward(ForwardInput{InputIDs: [][]int{{5, 6, 7}}})
	require.NoError(t, err)

	st, err := m.PrepareGeneration([][]int{{0, 0, 5, 6, 7}}, [][]int{{0, 0, 1, 1, 1}}, 8)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 0, 0, 1, 2}}, st.PositionIDs)

	padded, err := m.Forward(st.Input())
	require.NoError(t, err)

	for s := 0; s < 3; s++ {
		diff := maxRowDiff(logitsRow(plain.Logits, 0, s), logitsRow(padded.Logits, 0, s+2))
		assert.LessOrEqual(t, diff, DTypeF32.Tolerance(), "position %d", s)
	}
}

func TestTiedEmbeddings(t *testing.T) {
	cfg := tinyConfig()
	cfg.TieWordEmbeddings = true
	m := newTestModel(t, cfg, DTypeF32)

	assert.Same(t, m.Embedding(), m.LMHead().Weight())
	assert.Equal(t, cfg.VocabSize, m.LMHead().OutFeatures())
	assert.Equal(t, cfg.HiddenSize, m.LMHead().InFeatures())

	_, ok := m.Parameter("lm_head/kernel")
	assert.False(t, ok)

	before, err := m.Forward(ForwardInput{InputIDs: [][]int{{1, 2}}})
	require.NoError(t, err)

	// Zeroing one embedding row zeroes that vocabulary entry's logits.
	emb := m.Embedding().Clone()
	for d := 0; d < cfg.HiddenSize; d++ {
		emb.data[9*cfg.HiddenSize+d] = 0
	}
	require.NoError(t, m.SetParameter("model/embed_tokens/embedding", emb.Data()))

	after, err := m.Forward(ForwardInput{InputIDs: [][]int{{1, 2}}})
	require.NoError(t, err)
	for s := 0; s < 2; s++ {
		assert.NotEqual(t, 0.0, logitsRow(before.Logits, 0, s)[9])
		assert.Equal(t, 0.0, logitsRow(after.Logits, 0, s)[9])
	}

	untied := newTestModel(t, tinyConfig(), DTypeF32)
	assert.NotSame(t, untied.Embedding(), untied.LMHead().Weight())
}

func TestForwardInputErrors(t *testing.T) {
	m := newTestModel(t, tinyConfig(), DTypeF32)
	cache, err := m.InitCache(1, 8)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   ForwardInput
		want error
	}{
		{"empty", ForwardInput{}, ErrShapeMismatch},
		{"ragged", ForwardInput{InputIDs: [][]int{{1, 2}, {3}}}, ErrShapeMismatch},
		{"token out of range", ForwardInput{InputIDs: [][]int{{1, 32}}}, ErrShapeMismatch},
		{"negative token", ForwardInput{InputIDs: [][]int{{-1}}}, ErrShapeMismatch},
		{"mask width", ForwardInput{InputIDs: [][]int{{1, 2}}, AttentionMask: [][]int{{1, 1, 1}}}, ErrShapeMismatch},
		{"mask rows", ForwardInput{InputIDs: [][]int{{1, 2}}, AttentionMask: [][]int{{1, 1}, {1, 1}}}, ErrShapeMismatch},
		{"position rows", ForwardInput{InputIDs: [][]int{{1, 2}}, PositionIDs: [][]int{{0}}}, ErrShapeMismatch},
		{"position past table", ForwardInput{InputIDs: [][]int{{1, 2}}, PositionIDs: [][]int{{0, 32}}}, ErrCapacity},
		{"cache without positions", ForwardInput{InputIDs: [][]int{{1}}, Cache: cache}, ErrConfiguration},
		{"cache batch", ForwardInput{InputIDs: [][]int{{1}, {2}}, PositionIDs: [][]int{{0}, {0}}, Cache: cache}, ErrShapeMismatch},
		{"cache mask too wide", ForwardInput{InputIDs: [][]int{{1}}, PositionIDs: [][]int{{0}}, AttentionMask: [][]int{make([]int, 9)}, Cache: cache}, ErrShapeMismatch},
		{"train without rng", ForwardInput{InputIDs: [][]int{{1}}, Train: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Forward(tt.in)
			if tt.want == nil {
				assert.NoError(t, err, "no dropout configured")
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, cache.Cursor())
		})
	}
}

func TestSequenceLongerThanCausalMask(t *testing.T) {
	cfg := tinyConfig()
	cfg.CausalMaskLength = 4
	m := newTestModel(t, cfg, DTypeF32)

	_, err := m.Forward(ForwardInput{InputIDs: [][]int{{1, 2, 3, 4, 5}}})
	assert.ErrorIs(t, err, ErrCapacity)

	_, err = m.InitCache(1, 5)
	assert.ErrorIs(t, err, ErrConfiguration)
}

// TestCacheOverflowLeavesCacheUntouched checks that a call that would
// overflow fails before any layer writes to the cache.
func TestCacheOverflowLeavesCacheUntouched(t *testing.T) {
	m := newTestModel(t, tinyConfig(), DTypeF32)
	st, err := m.PrepareGeneration([][]int{{1, 2, 3}}, nil, 4)
	require.NoError(t, err)
	_, err = m.Forward(st.Input())
	require.NoError(t, err)

	snapshot := make([][]float64, m.NumLayers())
	for i := range snapshot {
		snapshot[i] = append([]float64(nil), st.Cache.Layer(i).Keys().Data()...)
	}

	_, err = m.Forward(ForwardInput{
		InputIDs:    [][]int{{4, 5}},
		PositionIDs: [][]int{{3, 4}},
		Cache:       st.Cache,
	})
	require.ErrorIs(t, err, ErrCapacity)

	for i := range snapshot {
		assert.Equal(t, 3, st.Cache.Layer(i).Cursor())
		assert.Equal(t, snapshot[i], st.Cache.Layer(i).Keys().Data())
	}

	// The last slot is still usable.
	require.NoError(t, st.Advance([]int{4}))
	_, err = m.Forward(st.Input())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Cache.Cursor())
}

func TestCacheInUse(t *testing.T) {
	m := newTestModel(t, tinyConfig(), DTypeF32)
	st, err := m.PrepareGeneration([][]int{{1, 2}}, nil, 4)
	require.NoError(t, err)

	require.NoError(t, st.Cache.acquire())
	_, err = m.Forward(st.Input())
	assert.ErrorIs(t, err, ErrCacheInUse)
	assert.Equal(t, 0, st.Cache.Cursor())

	st.Cache.release()
	_, err = m.Forward(st.Input())
	assert.NoError(t, err)
}

// TestConcurrentSessions runs independent sessions against one model.
func TestConcurrentSessions(t *testing.T) {
	m := newTestModel(t, tinyConfig(), DTypeF32)
	prompts := [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 11, 12}}

	want := make([]*Tensor, len(prompts))
	for i, p := range prompts {
		out, err := m.Forward(ForwardInput{InputIDs: [][]int{p}})
		require.NoError(t, err)
		want[i] = out.Logits
	}

	got := make([]*Tensor, len(prompts))
	errs := make([]error, len(prompts))
	var wg sync.WaitGroup
	for i, p := range prompts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := m.PrepareGeneration([][]int{p}, nil, 8)
			if err != nil {
				errs[i] = err
				return
			}
			out, err := m.Forward(st.Input())
			if err != nil {
				errs[i] = err
				return
			}
			got[i] = out.Logits
		}()
	}
	wg.Wait()

	for i := range prompts {
		require.NoError(t, errs[i])
		assert.LessOrEqual(t, MaxAbsDiff(want[i], got[i]), DTypeF32.Tolerance())
	}
}

func TestComputeConfigDoesNotChangeResults(t *testing.T) {
	cfg := tinyConfig()
	parallel, err := NewModel(cfg, DTypeF32, DTypeF32, ProfileBalanced,
		WithComputeConfig(ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 1}))
	require.NoError(t, err)
	serial, err := NewModel(cfg, DTypeF32, DTypeF32, ProfileBalanced, WithComputeConfig(SingleThreadedConfig()))
	require.NoError(t, err)

	in := ForwardInput{InputIDs: [][]int{{1, 2, 3, 4}, {5, 6, 7, 8}}}
	a, err := parallel.Forward(in)
	require.NoError(t, err)
	b, err := serial.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, a.Logits.Data(), b.Logits.Data())
}

func TestAttentionDropout(t *testing.T) {
	cfg := tinyConfig()
	cfg.AttentionDropout = 0.5
	m := newTestModel(t, cfg, DTypeF32)
	ids := [][]int{{1, 2, 3, 4, 5}}

	_, err := m.Forward(ForwardInput{InputIDs: ids, Train: true})
	assert.ErrorIs(t, err, ErrConfiguration)

	eval1, err := m.Forward(ForwardInput{InputIDs: ids})
	require.NoError(t, err)
	eval2, err := m.Forward(ForwardInput{InputIDs: ids, Rng: rand.New(rand.NewSource(1))})
	require.NoError(t, err)
	assert.Equal(t, eval1.Logits.Data(), eval2.Logits.Data(), "dropout is off outside training")

	train := func(seed int64) *ForwardOutput {
		out, err := m.Forward(ForwardInput{InputIDs: ids, Train: true, Rng: rand.New(rand.NewSource(seed)), CollectAttentions: true})
		require.NoError(t, err)
		return out
	}
	a, b := train(7), train(7)
	assert.Equal(t, a.Logits.Data(), b.Logits.Data())
	assert.NotEqual(t, eval1.Logits.Data(), a.Logits.Data())

	dropped := 0
	for _, w := range a.Attentions {
		for h := 0; h < 2; h++ {
			for i := 0; i < 5; i++ {
				for j := 0; j <= i; j++ {
					if w.At(0, h, i, j) == 0 {
						dropped++
					}
				}
			}
		}
	}
	assert.Positive(t, dropped)
}

func TestHalfPrecisionParameters(t *testing.T) {
	m, err := NewModel(tinyConfig(), DTypeF32, DTypeBF16, ProfileBalanced)
	require.NoError(t, err)
	assert.Equal(t, DTypeBF16, m.ParamDType())

	for _, p := range m.NamedParameters() {
		assert.Equal(t, DTypeBF16, p.Tensor.DType(), p.Name)
		for _, v := range p.Tensor.Data() {
			require.Equal(t, DTypeBF16.Round(v), v, p.Name)
		}
	}

	out, err := m.Forward(ForwardInput{InputIDs: [][]int{{1, 2, 3}}})
	require.NoError(t, err)
	assert.Equal(t, DTypeF32, out.Logits.DType())
}

func TestNewModelErrors(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumKeyValueHeads = 3
	_, err := NewModel(cfg, DTypeF32, DTypeF32, ProfileBalanced)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewModel(tinyConfig(), DType(7), DTypeF32, ProfileBalanced)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewModel(tinyConfig(), DTypeF32, DTypeF32, "unknown")
	assert.ErrorIs(t, err, ErrConfiguration)

	mesh, err := ParseMesh("data=2")
	require.NoError(t, err)
	_, err = NewModel(tinyConfig(), DTypeF32, DTypeF32, ProfileBalanced, WithMesh(mesh))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestModelDeterministicInit(t *testing.T) {
	a := newTestModel(t, tinyConfig(), DTypeF32)
	b := newTestModel(t, tinyConfig(), DTypeF32)
	assert.Equal(t, a.Embedding().Data(), b.Embedding().Data())

	cfg := tinyConfig()
	cfg.Seed = 43
	c := newTestModel(t, cfg, DTypeF32)
	assert.NotEqual(t, a.Embedding().Data(), c.Embedding().Data())

	assert.Equal(t, 2, a.NumLayers())
	assert.Equal(t, 32, a.FrequencyTable().Len())
	assert.Equal(t, 32, a.CausalMask().Len())
	assert.Equal(t, PolicyNone, a.RecomputePolicy().Name())
	assert.Equal(t, tinyConfig(), a.Config())
}
