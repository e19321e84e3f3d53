package decoder

import "fmt"

// GenerationState carries the inputs of the next Forward call in a decode
// loop. Choosing the next token from the logits is up to the caller.
//
//	st, err := model.PrepareGeneration(prompt, nil, 64)
//	...
//	for step := 0; step < n; step++ {
//		out, err := model.Forward(st.Input())
//		...
//		if err := st.Advance(pick(out.Logits)); err != nil {
//			...
//		}
//	}
type GenerationState struct {
	Cache *Cache

	// InputIDs is [batch][seq]: the prompt first, then one token per row.
	InputIDs [][]int

	// AttentionMask is [batch][maxLen]: the prompt mask followed by ones.
	AttentionMask [][]int

	// PositionIDs is [batch][seq], aligned with InputIDs.
	PositionIDs [][]int
}

// PrepareGeneration allocates a cache of maxLen positions and builds the
// prefill inputs for prompt. With a promptMask, position ids count only the
// valid tokens (cumulative sum of the mask minus one, never below zero), so
// a left-padded row starts its real tokens at position 0.
func (m *Model) PrepareGeneration(prompt [][]int, promptMask [][]int, maxLen int) (*GenerationState, error) {
	batch, seqLen, err := m.checkInputIDs(prompt)
	if err != nil {
		return nil, err
	}
	if seqLen > maxLen {
		return nil, fmt.Errorf("%w: prompt of %d tokens does not fit in %d positions", ErrCapacity, seqLen, maxLen)
	}
	if promptMask != nil {
		if len(promptMask) != batch {
			return nil, fmt.Errorf("%w: %d prompt mask rows for batch %d", ErrShapeMismatch, len(promptMask), batch)
		}
		for b, row := range promptMask {
			if len(row) != seqLen {
				return nil, fmt.Errorf("%w: prompt mask row %d has width %d, prompt has %d tokens", ErrShapeMismatch, b, len(row), seqLen)
			}
		}
	}

	cache, err := m.InitCache(batch, maxLen)
	if err != nil {
		return nil, err
	}

	st := &GenerationState{
		Cache:         cache,
		InputIDs:      prompt,
		AttentionMask: make([][]int, batch),
		PositionIDs:   make([][]int, batch),
	}
	for b := 0; b < batch; b++ {
		st.AttentionMask[b] = make([]int, maxLen)
		for j := range st.AttentionMask[b] {
			st.AttentionMask[b][j] = 1
		}

		st.PositionIDs[b] = make([]int, seqLen)
		if promptMask == nil {
			for s := range st.PositionIDs[b] {
				st.PositionIDs[b][s] = s
			}
			continue
		}

		copy(st.AttentionMask[b], promptMask[b])
		count := 0
		for s, v := range promptMask[b] {
			if v != 0 {
				count++
			}
			st.PositionIDs[b][s] = max(count-1, 0)
		}
	}
	return st, nil
}

// Input returns the ForwardInput for the current step.
func (st *GenerationState) Input() ForwardInput {
	return ForwardInput{
		InputIDs:      st.InputIDs,
		AttentionMask: st.AttentionMask,
		PositionIDs:   st.PositionIDs,
		Cache:         st.Cache,
	}
}

// Advance sets up a decode step for one new token per row. Each row's
// position is one past its last position.
func (st *GenerationState) Advance(next []int) error {
	if len(next) != len(st.PositionIDs) {
		return fmt.Errorf("%w: %d next tokens for batch %d", ErrShapeMismatch, len(next), len(st.PositionIDs))
	}

	ids := make([][]int, len(next))
	positions := make([][]int, len(next))
	for b, tok := range next {
		last := st.PositionIDs[b][len(st.PositionIDs[b])-1]
		ids[b] = []int{tok}
		positions[b] = []int{last + 1}
	}
	st.InputIDs, st.PositionIDs = ids, positions
	return nil
}
