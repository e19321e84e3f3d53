package decoder

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The feed-forward block is a gated linear unit. Standard transformer FFN:
//
//   FFN(x) = act(x @ W1) @ W2
//
// Gated variant (SwiGLU when act is SiLU):
//
//   FFN(x) = (act(x @ W_gate) ⊙ (x @ W_up)) @ W_down
//
// The gate path decides how much of each up-projected feature passes
// through. There are three projections instead of two, so the intermediate
// size is usually about 2/3 of the 4x a plain FFN would use to keep the
// parameter count comparable.
//
// PAPER: "GLU Variants Improve Transformer" by Noam Shazeer (2020)
//        https://arxiv.org/abs/2002.05202
//
// No biases, as in LLaMA-family models.
//
// ===========================================================================

// FeedForward is the gated MLP of a decoder layer.
type FeedForward struct {
	gate *Linear // (hidden, intermediate)
	up   *Linear // (hidden, intermediate)
	down *Linear // (intermediate, hidden)
	act  Activation
}

func newFeedForward(ctx *initContext, hidden, intermediate int, act Activation) *FeedForward {
	return &FeedForward{
		gate: newLinear(ctx, hidden, intermediate),
		up:   newLinear(ctx, hidden, intermediate),
		down: newLinear(ctx, intermediate, hidden),
		act:  act,
	}
}

// Forward maps x [batch, seq, hidden] to [batch, seq, hidden].
func (ff *FeedForward) Forward(x *Tensor, dtype DType) *Tensor {
	// Gate path: act(x @ W_gate)
	gate := apply(ff.gate.Forward(x, dtype), ff.act)

	// Up path: x @ W_up
	up := ff.up.Forward(x, dtype)

	// Element-wise gating, then back to the hidden size
	return ff.down.Forward(Mul(gate, up), dtype)
}
