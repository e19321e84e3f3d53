package decoder

import "fmt"

// ===========================================================================
// WHAT'S GOING ON HERE: Activation Recomputation
// ===========================================================================
//
// Training keeps every intermediate activation alive for the backward pass.
// For a deep stack that is O(layers × batch × seq × hidden) memory.
// Recomputation (gradient checkpointing) keeps only segment boundary inputs
// and recomputes the rest when the backward pass asks for it:
//
//   Standard:    [x0] -> L1 -> [x1] -> L2 -> [x2] -> L3 -> [x3]   (all kept)
//   Checkpoint:  [x0] -> L1 ->  x1  -> L2 ->  x2  -> L3 -> [x3]
//                        ^ recomputed from x0 on demand
//
// PAPER: "Training Deep Nets with Sublinear Memory Cost" by Chen et al. (2016)
//        https://arxiv.org/abs/1604.06174
//
// POLICIES:
//
//   none                      nothing is recorded, layers run directly
//   recompute-all             each whole decoder layer is one segment
//   recompute-attention-only  only the attention sub-block (norm, attention,
//                             residual) is a segment; the MLP runs directly
//
// A policy never changes forward values. Segments capture the layer's
// dropout seed, so replaying one reproduces its outputs bit for bit.
//
// Calls that write to a KV cache do not record anything: replaying such a
// segment would append the same keys to the cache a second time.
//
// ===========================================================================

// Recompute policy names.
const (
	PolicyNone                   = "none"
	PolicyRecomputeAll           = "recompute-all"
	PolicyRecomputeAttentionOnly = "recompute-attention-only"
)

// LayerPart identifies a piece of a decoder layer a policy may checkpoint.
type LayerPart int

const (
	PartLayer LayerPart = iota
	PartAttention
)

// RecomputePolicy decides which parts of a decoder layer are recorded as
// checkpoint segments.
type RecomputePolicy interface {
	Name() string
	Checkpoints(part LayerPart) bool
}

type noRecompute struct{}

func (noRecompute) Name() string                { return PolicyNone }
func (noRecompute) Checkpoints(LayerPart) bool { return false }

type recomputeAll struct{}

func (recomputeAll) Name() string                     { return PolicyRecomputeAll }
func (recomputeAll) Checkpoints(part LayerPart) bool { return part == PartLayer }

type recomputeAttention struct{}

func (recomputeAttention) Name() string                     { return PolicyRecomputeAttentionOnly }
func (recomputeAttention) Checkpoints(part LayerPart) bool { return part == PartAttention }

// policyByName resolves a configured policy. The flax-style names
// everything_saveable and nothing_saveable are accepted as aliases.
func policyByName(name string) (RecomputePolicy, error) {
	switch name {
	case "", PolicyNone, "everything_saveable":
		return noRecompute{}, nil
	case PolicyRecomputeAll, "nothing_saveable":
		return recomputeAll{}, nil
	case PolicyRecomputeAttentionOnly:
		return recomputeAttention{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint policy %q", ErrConfiguration, name)
	}
}

// CheckpointFunction is a recomputable forward computation.
type CheckpointFunction func(inputs ...*Tensor) ([]*Tensor, error)

// CheckpointSegment is one recomputable piece of the forward pass.
type CheckpointSegment struct {
	// Name identifies the segment, such as "model/layers/3/self_attn".
	Name string

	// Forward is the function to execute for the forward pass
	Forward CheckpointFunction

	// Inputs are the checkpoint boundary inputs (saved for recomputation)
	Inputs []*Tensor

	// Outputs are only set after RecomputeForward
	Outputs []*Tensor

	// Recomputed indicates whether Outputs are current
	Recomputed bool
}

// NewCheckpointSegment creates a segment around forward.
func NewCheckpointSegment(name string, forward CheckpointFunction) *CheckpointSegment {
	return &CheckpointSegment{
		Name:    name,
		Forward: forward,
	}
}

// RunForward saves inputs and runs the forward function. The outputs are
// returned to the caller but not kept.
func (cs *CheckpointSegment) RunForward(inputs ...*Tensor) ([]*Tensor, error) {
	// The saved inputs are the only thing kept in memory.
	cs.Inputs = make([]*Tensor, len(inputs))
	copy(cs.Inputs, inputs)

	outputs, err := cs.Forward(inputs...)
	if err != nil {
		return nil, err
	}

	cs.Outputs = nil
	return outputs, nil
}

// RecomputeForward reruns the forward function on the saved inputs. The
// result is kept until ClearOutputs.
func (cs *CheckpointSegment) RecomputeForward() ([]*Tensor, error) {
	if cs.Recomputed {
		return cs.Outputs, nil
	}

	outputs, err := cs.Forward(cs.Inputs...)
	if err != nil {
		return nil, err
	}

	cs.Outputs = outputs
	cs.Recomputed = true
	return cs.Outputs, nil
}

// ClearOutputs drops recomputed outputs.
func (cs *CheckpointSegment) ClearOutputs() {
	cs.Outputs = nil
	cs.Recomputed = false
}

// RecomputeTape collects the segments recorded by one forward call, in
// execution order.
type RecomputeTape struct {
	policy   RecomputePolicy
	segments []*CheckpointSegment
}

func newRecomputeTape(policy RecomputePolicy) *RecomputeTape {
	return &RecomputeTape{policy: policy}
}

// Policy returns the policy that produced the tape.
func (t *RecomputeTape) Policy() RecomputePolicy {
	return t.policy
}

// Len returns the number of recorded segments.
func (t *RecomputeTape) Len() int {
	return len(t.segments)
}

// Segment returns the i-th recorded segment.
func (t *RecomputeTape) Segment(i int) *CheckpointSegment {
	return t.segments[i]
}

// Replay recomputes segment i from its saved inputs.
func (t *RecomputeTape) Replay(i int) ([]*Tensor, error) {
	if i < 0 || i >= len(t.segments) {
		return nil, fmt.Errorf("recompute tape: segment %d out of range [0,%d)", i, len(t.segments))
	}
	seg := t.segments[i]
	seg.ClearOutputs()
	return seg.RecomputeForward()
}

// run executes forward as a recorded segment when the policy checkpoints
// part, and directly otherwise. A nil tape always runs directly.
func (t *RecomputeTape) run(part LayerPart, name string, forward CheckpointFunction, inputs ...*Tensor) ([]*Tensor, error) {
	if t == nil || !t.policy.Checkpoints(part) {
		return forward(inputs...)
	}

	seg := NewCheckpointSegment(name, forward)
	outputs, err := seg.RunForward(inputs...)
	if err != nil {
		return nil, err
	}
	t.segments = append(t.segments, seg)
	return outputs, nil
}
