package decoder

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/scttfrdmn/local-decoder-model/internal/logutil"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file assembles the decoder-only language model:
//
//   tokens -> embed -> [DecoderLayer x N] -> RMSNorm -> lm_head -> logits
//
// Each DecoderLayer is pre-norm with two residual branches:
//
//   h   = x + Attention(RMSNorm(x))
//   out = h + FeedForward(RMSNorm(h))
//
// Everything shared by the layers is built once in NewModel and never
// mutated afterwards: the rotary FrequencyTable, the CausalMask, the
// ShardingPlan and all weights. Forward is therefore safe to call from many
// goroutines at once. Per-session state lives only in a Cache, which the
// caller owns and passes in.
//
// TWO WAYS TO CALL FORWARD:
//
//   Full:         no cache. Keys are this call's positions only. Position
//                 ids default to 0..S-1.
//   Incremental:  with a cache. New keys are appended and attention reads
//                 the whole buffer. Position ids are required, because
//                 only the caller knows where in the sequence it is.
//
// Running a prompt in one full call, or as a prefill plus one token at a
// time through a cache, gives the same logits up to dtype rounding.
//
// VALIDATION ORDER:
// Every check that can fail (shapes, token range, mask width, capacity)
// runs before layer 0 touches the cache, so a failed call leaves a cache
// exactly as it found it.
//
// ===========================================================================

// initContext carries weight initialisation settings.
type initContext struct {
	rng        *rand.Rand
	paramDType DType
	std        float64
}

// DecoderLayer is one pre-norm transformer block.
type DecoderLayer struct {
	index     int
	inputNorm *RMSNorm
	attn      *Attention
	postNorm  *RMSNorm
	mlp       *FeedForward
}

func newDecoderLayer(ctx *initContext, cfg Config, index int, act Activation) (*DecoderLayer, error) {
	attn, err := newAttention(ctx, cfg, index)
	if err != nil {
		return nil, err
	}

	return &DecoderLayer{
		index:     index,
		inputNorm: NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps, ctx.paramDType),
		attn:      attn,
		postNorm:  NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps, ctx.paramDType),
		mlp:       newFeedForward(ctx, cfg.HiddenSize, cfg.IntermediateSize, act),
	}, nil
}

func (l *DecoderLayer) name() string {
	return fmt.Sprintf("model/layers/%d", l.index)
}

// Forward returns the layer output and the attention weights. When tape is
// non-nil the parts its policy names are recorded as checkpoint segments.
func (l *DecoderLayer) Forward(x *Tensor, args layerArgs, tape *RecomputeTape) (*Tensor, *Tensor, error) {
	outs, err := tape.run(PartLayer, l.name(), func(in ...*Tensor) ([]*Tensor, error) {
		return l.forward(in[0], args, tape)
	}, x)
	if err != nil {
		return nil, nil, err
	}
	return outs[0], outs[1], nil
}

func (l *DecoderLayer) forward(x *Tensor, args layerArgs, tape *RecomputeTape) ([]*Tensor, error) {
	attnOuts, err := tape.run(PartAttention, l.name()+"/self_attn", func(in ...*Tensor) ([]*Tensor, error) {
		out, weights, err := l.attn.Forward(l.inputNorm.Forward(in[0], args.dtype), args)
		if err != nil {
			return nil, err
		}
		return []*Tensor{Add(in[0], out), weights}, nil
	}, x)
	if err != nil {
		return nil, err
	}

	h := attnOuts[0]
	out := Add(h, l.mlp.Forward(l.postNorm.Forward(h, args.dtype), args.dtype))
	return []*Tensor{out, attnOuts[1]}, nil
}

// DecoderStack runs the decoder layers in order and applies the final norm.
type DecoderStack struct {
	layers []*DecoderLayer
	norm   *RMSNorm
	table  *FrequencyTable
	causal *CausalMask
	policy RecomputePolicy
}

type stackOutput struct {
	hidden       *Tensor
	hiddenStates []*Tensor
	attentions   []*Tensor
	tape         *RecomputeTape
}

type stackOptions struct {
	cache         *Cache
	collectHidden bool
	collectAttn   bool
	seeds         []int64 // one dropout seed per layer, nil outside training
}

// Forward runs x through every layer. args is shared by all layers; the
// per-layer cache and dropout seed are filled in here.
func (s *DecoderStack) Forward(x *Tensor, args layerArgs, opts stackOptions) (stackOutput, error) {
	var out stackOutput

	// Recording segments that append to a cache would replay the append.
	if opts.cache == nil && s.policy.Name() != PolicyNone {
		out.tape = newRecomputeTape(s.policy)
	}

	hidden := x
	for i, layer := range s.layers {
		if opts.collectHidden {
			out.hiddenStates = append(out.hiddenStates, hidden)
		}

		largs := args
		largs.table, largs.causal = s.table, s.causal
		if opts.cache != nil {
			largs.cache = opts.cache.Layer(i)
		}
		if opts.seeds != nil {
			largs.seed = opts.seeds[i]
		}

		logutil.Trace("decoder layer", "layer", i, "shape", hidden.shape, "cached", opts.cache != nil)

		var weights *Tensor
		var err error
		hidden, weights, err = layer.Forward(hidden, largs, out.tape)
		if err != nil {
			return stackOutput{}, fmt.Errorf("layer %d: %w", i, err)
		}

		if opts.collectAttn {
			out.attentions = append(out.attentions, weights)
		}
	}

	out.hidden = s.norm.Forward(hidden, args.dtype)
	if opts.collectHidden {
		out.hiddenStates = append(out.hiddenStates, out.hidden)
	}
	return out, nil
}

// ===========================================================================
// MODEL
// ===========================================================================

// Model is a decoder-only causal language model.
type Model struct {
	cfg        Config
	dtype      DType
	paramDType DType
	plan       *ShardingPlan
	compute    ComputeConfig

	embed  *Tensor // [vocab, hidden]
	stack  *DecoderStack
	lmHead *Linear
}

type modelOptions struct {
	mesh    Mesh
	compute ComputeConfig
}

// Option configures NewModel.
type Option func(*modelOptions)

// WithMesh validates the sharding plan against mesh instead of the
// single-device default.
func WithMesh(mesh Mesh) Option {
	return func(o *modelOptions) {
		o.mesh = mesh
	}
}

// WithComputeConfig sets how attention work is scheduled.
func WithComputeConfig(cfg ComputeConfig) Option {
	return func(o *modelOptions) {
		o.compute = cfg
	}
}

// NewModel builds a model with randomly initialised weights. dtype is the
// working precision of activations and caches, paramDType the storage
// precision of weights. profile names a built-in sharding profile.
func NewModel(cfg Config, dtype, paramDType DType, profile string, opts ...Option) (*Model, error) {
	o := modelOptions{
		mesh:    DefaultMesh(),
		compute: DefaultComputeConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !dtype.valid() || !paramDType.valid() {
		return nil, fmt.Errorf("%w: unsupported dtype %s/%s", ErrConfiguration, dtype, paramDType)
	}

	plan, err := NewShardingPlan(profile, o.mesh)
	if err != nil {
		return nil, err
	}

	act, err := activationByName(cfg.HiddenAct)
	if err != nil {
		return nil, err
	}
	policy, err := policyByName(cfg.CheckpointPolicy)
	if err != nil {
		return nil, err
	}

	table, err := BuildFrequencyTable(cfg.headDim(), cfg.MaxPositionEmbeddings, cfg.RopeTheta, cfg.RopeScaling)
	if err != nil {
		return nil, err
	}

	std := cfg.InitializerRange
	if std == 0 {
		std = 0.02
	}
	ctx := &initContext{
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		paramDType: paramDType,
		std:        std,
	}

	m := &Model{
		cfg:        cfg,
		dtype:      dtype,
		paramDType: paramDType,
		plan:       plan,
		compute:    o.compute,
		embed:      newTensorNormal(ctx.rng, paramDType, std, cfg.VocabSize, cfg.HiddenSize),
		stack: &DecoderStack{
			layers: make([]*DecoderLayer, cfg.NumLayers),
			norm:   NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps, paramDType),
			table:  table,
			causal: NewCausalMask(cfg.causalMaskLength()),
			policy: policy,
		},
	}

	for i := range m.stack.layers {
		if m.stack.layers[i], err = newDecoderLayer(ctx, cfg, i, act); err != nil {
			return nil, err
		}
	}

	if cfg.TieWordEmbeddings {
		m.lmHead = &Linear{weight: m.embed, transposed: true}
	} else {
		m.lmHead = newLinear(ctx, cfg.HiddenSize, cfg.VocabSize)
	}

	slog.Debug("decoder model created",
		"layers", cfg.NumLayers,
		"hidden", cfg.HiddenSize,
		"heads", cfg.NumAttentionHeads,
		"kv_heads", cfg.NumKeyValueHeads,
		"dtype", dtype,
		"param_dtype", paramDType,
		"sharding", plan.Profile(),
		"checkpoint", policy.Name(),
		"tied", cfg.TieWordEmbeddings)

	return m, nil
}

// Config returns the configuration the model was built from.
func (m *Model) Config() Config { return m.cfg }

// DType returns the working precision.
func (m *Model) DType() DType { return m.dtype }

// ParamDType returns the weight storage precision.
func (m *Model) ParamDType() DType { return m.paramDType }

// ShardingPlan returns the plan used to annotate parameters and activations.
func (m *Model) ShardingPlan() *ShardingPlan { return m.plan }

// FrequencyTable returns the rotary table shared by all layers.
func (m *Model) FrequencyTable() *FrequencyTable { return m.stack.table }

// CausalMask returns the causal mask shared by all layers.
func (m *Model) CausalMask() *CausalMask { return m.stack.causal }

// RecomputePolicy returns the recomputation strategy chosen at construction.
func (m *Model) RecomputePolicy() RecomputePolicy { return m.stack.policy }

// NumLayers returns the number of decoder layers.
func (m *Model) NumLayers() int { return len(m.stack.layers) }

// Embedding returns the token embedding table [vocab, hidden].
func (m *Model) Embedding() *Tensor { return m.embed }

// LMHead returns the output projection. With tied embeddings its weight is
// the embedding table itself.
func (m *Model) LMHead() *Linear { return m.lmHead }

// InitCache builds an empty cache for batch sequences of up to maxLen
// positions.
func (m *Model) InitCache(batch, maxLen int) (*Cache, error) {
	if maxLen > m.stack.causal.Len() {
		return nil, fmt.Errorf("%w: cache length %d exceeds causal mask length %d", ErrConfiguration, maxLen, m.stack.causal.Len())
	}

	cache, err := newCache(len(m.stack.layers), batch, maxLen, m.cfg.NumKeyValueHeads, m.cfg.headDim(), m.dtype)
	if err != nil {
		return nil, err
	}

	slog.Debug("kv cache initialized", "session", cache.ID(), "batch", batch, "max_len", maxLen, "layers", len(m.stack.layers))
	return cache, nil
}

// ForwardInput is one Forward call.
type ForwardInput struct {
	// InputIDs is [batch][seq]; every row has the same length.
	InputIDs [][]int

	// AttentionMask is [batch][width] with non-zero meaning valid. Without
	// a cache width must equal seq; with a cache it must cover at least the
	// filled positions after this call and at most the cache length. nil
	// means all valid.
	AttentionMask [][]int

	// PositionIDs is [batch][seq]. Optional without a cache (0..seq-1),
	// required with one.
	PositionIDs [][]int

	// Cache, when set, is appended to and attended over.
	Cache *Cache

	CollectHiddenStates bool
	CollectAttentions   bool

	// Train enables attention dropout, drawing layer seeds from Rng.
	Train bool
	Rng   *rand.Rand
}

// ForwardOutput is the result of a Forward call.
type ForwardOutput struct {
	// Logits is [batch, seq, vocab] in the working dtype.
	Logits *Tensor

	// HiddenStates holds the input of every layer followed by the final
	// normalized state (NumLayers+1 entries) when requested.
	HiddenStates []*Tensor

	// Attentions holds each layer's weights [batch, heads, seq, keys] when
	// requested.
	Attentions []*Tensor

	// Cache is the cache passed in, now advanced by seq positions.
	Cache *Cache

	// Recompute lists the segments recorded under the model's recompute
	// policy. nil for incremental calls or the "none" policy.
	Recompute *RecomputeTape
}

// Forward runs the model on a batch of token ids.
func (m *Model) Forward(in ForwardInput) (out *ForwardOutput, err error) {
	start := time.Now()
	mode := modeFull
	if in.Cache != nil {
		mode = modeIncremental
	}
	defer func() {
		if err != nil {
			forwardFailed.WithLabelValues(failureReason(err)).Inc()
			return
		}
		forwardTotal.WithLabelValues(mode).Inc()
		forwardDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	batch, seqLen, err := m.checkInputIDs(in.InputIDs)
	if err != nil {
		return nil, err
	}

	if in.Cache != nil {
		if err := in.Cache.acquire(); err != nil {
			return nil, err
		}
		defer in.Cache.release()
	}

	positions, err := m.positionIDs(in, batch, seqLen)
	if err != nil {
		return nil, err
	}
	mask, err := m.attentionMask(in, batch, seqLen)
	if err != nil {
		return nil, err
	}
	if err := m.checkCapacity(in.Cache, seqLen); err != nil {
		return nil, err
	}

	var seeds []int64
	if in.Train && m.cfg.AttentionDropout > 0 {
		if in.Rng == nil {
			return nil, fmt.Errorf("%w: training with attention dropout needs an Rng", ErrConfiguration)
		}
		seeds = make([]int64, len(m.stack.layers))
		for i := range seeds {
			seeds[i] = in.Rng.Int63()
		}
	}

	args := layerArgs{
		mask:      mask,
		positions: positions,
		plan:      m.plan,
		dtype:     m.dtype,
		compute:   m.compute,
		train:     in.Train,
	}

	res, err := m.stack.Forward(m.embedTokens(in.InputIDs), args, stackOptions{
		cache:         in.Cache,
		collectHidden: in.CollectHiddenStates,
		collectAttn:   in.CollectAttentions,
		seeds:         seeds,
	})
	if err != nil {
		return nil, err
	}

	tokensProcessed.Add(float64(batch * seqLen))
	return &ForwardOutput{
		Logits:       m.lmHead.Forward(res.hidden, m.dtype),
		HiddenStates: res.hiddenStates,
		Attentions:   res.attentions,
		Cache:        in.Cache,
		Recompute:    res.tape,
	}, nil
}

func (m *Model) checkInputIDs(ids [][]int) (batch, seqLen int, err error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: input ids must be a non-empty [batch][seq] matrix", ErrShapeMismatch)
	}

	batch, seqLen = len(ids), len(ids[0])
	for b, row := range ids {
		if len(row) != seqLen {
			return 0, 0, fmt.Errorf("%w: input row %d has %d tokens, row 0 has %d", ErrShapeMismatch, b, len(row), seqLen)
		}
		for s, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				return 0, 0, fmt.Errorf("%w: token %d at [%d,%d] outside vocabulary of %d", ErrShapeMismatch, id, b, s, m.cfg.VocabSize)
			}
		}
	}
	return batch, seqLen, nil
}

func (m *Model) positionIDs(in ForwardInput, batch, seqLen int) ([][]int, error) {
	if in.PositionIDs == nil {
		if in.Cache != nil {
			return nil, fmt.Errorf("%w: position ids are required with a cache", ErrConfiguration)
		}
		positions := make([][]int, batch)
		for b := range positions {
			positions[b] = make([]int, seqLen)
			for s := range positions[b] {
				positions[b][s] = s
			}
		}
		return positions, nil
	}

	if len(in.PositionIDs) != batch {
		return nil, fmt.Errorf("%w: %d position rows for batch %d", ErrShapeMismatch, len(in.PositionIDs), batch)
	}
	for b, row := range in.PositionIDs {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: position row %d has %d entries for sequence length %d", ErrShapeMismatch, b, len(row), seqLen)
		}
		for s, pos := range row {
			if pos < 0 || pos >= m.stack.table.Len() {
				return nil, fmt.Errorf("%w: position id %d at [%d,%d] outside rotary table of length %d",
					ErrCapacity, pos, b, s, m.stack.table.Len())
			}
		}
	}
	return in.PositionIDs, nil
}

func (m *Model) attentionMask(in ForwardInput, batch, seqLen int) ([][]int, error) {
	minWidth, maxWidth := seqLen, seqLen
	if in.Cache != nil {
		if in.Cache.NumLayers() != len(m.stack.layers) || in.Cache.Batch() != batch {
			return nil, fmt.Errorf("%w: cache built for %d layers x batch %d, model has %d layers, input batch %d",
				ErrShapeMismatch, in.Cache.NumLayers(), in.Cache.Batch(), len(m.stack.layers), batch)
		}
		minWidth, maxWidth = in.Cache.Cursor()+seqLen, in.Cache.MaxLen()
	}

	if in.AttentionMask == nil {
		mask := make([][]int, batch)
		for b := range mask {
			mask[b] = make([]int, maxWidth)
			for j := range mask[b] {
				mask[b][j] = 1
			}
		}
		return mask, nil
	}

	if len(in.AttentionMask) != batch {
		return nil, fmt.Errorf("%w: %d attention mask rows for batch %d", ErrShapeMismatch, len(in.AttentionMask), batch)
	}
	width := len(in.AttentionMask[0])
	for b, row := range in.AttentionMask {
		if len(row) != width {
			return nil, fmt.Errorf("%w: attention mask row %d has width %d, row 0 has %d", ErrShapeMismatch, b, len(row), width)
		}
	}
	if in.Cache == nil && width != seqLen {
		return nil, fmt.Errorf("%w: attention mask width %d, sequence length %d", ErrShapeMismatch, width, seqLen)
	}
	// A mask narrower than the filled cache cannot describe the keys;
	// wider than the cache there are no keys to describe. Capacity is
	// checked separately.
	if in.Cache != nil && width > maxWidth {
		return nil, fmt.Errorf("%w: attention mask width %d exceeds cache length %d", ErrShapeMismatch, width, maxWidth)
	}
	if in.Cache != nil && width < minWidth && minWidth <= maxWidth {
		return nil, fmt.Errorf("%w: attention mask width %d does not cover %d filled positions", ErrShapeMismatch, width, minWidth)
	}
	return in.AttentionMask, nil
}

func (m *Model) checkCapacity(cache *Cache, seqLen int) error {
	if cache == nil {
		if seqLen > m.stack.causal.Len() {
			return fmt.Errorf("%w: sequence length %d exceeds causal mask length %d", ErrCapacity, seqLen, m.stack.causal.Len())
		}
		return nil
	}

	for i := 0; i < cache.NumLayers(); i++ {
		l := cache.Layer(i)
		if !l.Initialized() {
			return fmt.Errorf("%w: layer %d cache is not initialized", ErrConfiguration, i)
		}
		if err := l.checkCapacity(seqLen); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

// embedTokens gathers embedding rows into [batch, seq, hidden] in the
// working dtype.
func (m *Model) embedTokens(ids [][]int) *Tensor {
	batch, seqLen, hidden := len(ids), len(ids[0]), m.cfg.HiddenSize
	out := newTensor(m.dtype, batch, seqLen, hidden)

	for b, row := range ids {
		for s, id := range row {
			dst := out.data[(b*seqLen+s)*hidden : (b*seqLen+s+1)*hidden]
			copy(dst, m.embed.data[id*hidden:(id+1)*hidden])
		}
	}
	m.dtype.RoundSlice(out.data)
	return out
}
