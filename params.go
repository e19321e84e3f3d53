package decoder

import (
	"fmt"
)

// NamedParameter is a weight and its slash-separated path, such as
// "model/layers/0/self_attn/q_proj/kernel".
type NamedParameter struct {
	Name   string
	Tensor *Tensor
}

// NamedParameters lists every distinct weight tensor in a fixed order:
// embedding, then each layer, then the final norm and lm_head. A tied head
// shares the embedding tensor and is not listed separately.
func (m *Model) NamedParameters() []NamedParameter {
	params := []NamedParameter{
		{"model/embed_tokens/embedding", m.embed},
	}

	for i, l := range m.stack.layers {
		prefix := fmt.Sprintf("model/layers/%d/", i)
		params = append(params,
			NamedParameter{prefix + "self_attn/q_proj/kernel", l.attn.q.weight},
			NamedParameter{prefix + "self_attn/k_proj/kernel", l.attn.k.weight},
			NamedParameter{prefix + "self_attn/v_proj/kernel", l.attn.v.weight},
			NamedParameter{prefix + "self_attn/o_proj/kernel", l.attn.o.weight},
			NamedParameter{prefix + "mlp/gate_proj/kernel", l.mlp.gate.weight},
			NamedParameter{prefix + "mlp/up_proj/kernel", l.mlp.up.weight},
			NamedParameter{prefix + "mlp/down_proj/kernel", l.mlp.down.weight},
			NamedParameter{prefix + "input_layernorm/kernel", l.inputNorm.scale},
			NamedParameter{prefix + "post_attention_layernorm/kernel", l.postNorm.scale},
		)
	}

	params = append(params, NamedParameter{"model/norm/kernel", m.stack.norm.scale})
	if !m.cfg.TieWordEmbeddings {
		params = append(params, NamedParameter{"lm_head/kernel", m.lmHead.weight})
	}
	return params
}

// ActivationNames lists the names of the activations the model annotates
// during Forward.
func (m *Model) ActivationNames() []string {
	var names []string
	for _, l := range m.stack.layers {
		for _, what := range []string{"query", "key", "value", "attn_weights"} {
			names = append(names, l.attn.activationName(what))
		}
	}
	return names
}

// NumParameters returns the total number of weight values.
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.NamedParameters() {
		n += p.Tensor.Size()
	}
	return n
}

// Parameter returns the weight called name.
func (m *Model) Parameter(name string) (*Tensor, bool) {
	for _, p := range m.NamedParameters() {
		if p.Name == name {
			return p.Tensor, true
		}
	}
	return nil, false
}

// SetParameter overwrites the weight called name with data in row-major
// order, rounded to the parameter dtype. It must not race with Forward.
func (m *Model) SetParameter(name string, data []float64) error {
	t, ok := m.Parameter(name)
	if !ok {
		return fmt.Errorf("%w: unknown parameter %q", ErrConfiguration, name)
	}
	if len(data) != t.Size() {
		return fmt.Errorf("%w: parameter %s has shape %v, got %d values", ErrShapeMismatch, name, t.shape, len(data))
	}

	for i, v := range data {
		t.data[i] = t.dtype.Round(v)
	}
	return nil
}

// AnnotatedParameters returns the parameters with the sharding plan's
// placement attached.
func (m *Model) AnnotatedParameters() []NamedParameter {
	params := m.NamedParameters()
	for i, p := range params {
		params[i].Tensor = m.plan.Annotate(p.Name, p.Tensor)
	}
	return params
}
