package decoder

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds hyperparameters for the decoder model.
//
// JSON names follow the usual Hugging Face config.json keys so an existing
// model config can be loaded as-is; unknown keys are ignored.
type Config struct {
	VocabSize         int `json:"vocab_size"`
	HiddenSize        int `json:"hidden_size"`
	IntermediateSize  int `json:"intermediate_size"`
	NumLayers         int `json:"num_hidden_layers"`
	NumAttentionHeads int `json:"num_attention_heads"`
	NumKeyValueHeads  int `json:"num_key_value_heads"`

	// HeadDim defaults to HiddenSize / NumAttentionHeads when zero.
	HeadDim int `json:"head_dim"`

	RopeTheta   float64      `json:"rope_theta"`
	RopeScaling *RopeScaling `json:"rope_scaling,omitempty"`

	// MaxPositionEmbeddings is the length of the rotary frequency table:
	// the largest position id plus one.
	MaxPositionEmbeddings int `json:"max_position_embeddings"`

	// CausalMaskLength is the side of the precomputed causal mask and
	// bounds both a cache's capacity and a cache-free sequence length.
	// Defaults to MaxPositionEmbeddings when zero.
	CausalMaskLength int `json:"causal_mask_length"`

	RMSNormEps       float64 `json:"rms_norm_eps"`
	HiddenAct        string  `json:"hidden_act"`
	AttentionDropout float64 `json:"attention_dropout"`

	// CheckpointPolicy names the recomputation strategy for cache-free
	// calls: "none", "recompute-all" or "recompute-attention-only".
	CheckpointPolicy string `json:"gradient_checkpointing"`

	TieWordEmbeddings bool    `json:"tie_word_embeddings"`
	InitializerRange  float64 `json:"initializer_range"`

	// Seed drives weight initialisation.
	Seed int64 `json:"seed"`
}

// RopeScaling selects how rotary frequencies are stretched for contexts
// longer than the model was trained on.
type RopeScaling struct {
	// Method is "linear" or "dynamic". Empty or "none" disables scaling.
	Method string  `json:"type"`
	Factor float64 `json:"factor"`

	// OriginalMaxPositionEmbeddings is the trained context length used by
	// the dynamic method. Defaults to the table length when zero.
	OriginalMaxPositionEmbeddings int `json:"original_max_position_embeddings,omitempty"`
}

// DefaultConfig returns a small grouped-query configuration for testing.
func DefaultConfig() Config {
	return Config{
		VocabSize:             256,
		HiddenSize:            64,
		IntermediateSize:      172,
		NumLayers:             2,
		NumAttentionHeads:     4,
		NumKeyValueHeads:      2,
		RopeTheta:             10000,
		MaxPositionEmbeddings: 512,
		CausalMaskLength:      512,
		RMSNormEps:            1e-6,
		HiddenAct:             "silu",
		CheckpointPolicy:      PolicyNone,
		InitializerRange:      0.02,
	}
}

// LoadConfig reads a JSON config file. Missing fields keep the values from
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c Config) headDim() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	if c.NumAttentionHeads <= 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}

func (c Config) causalMaskLength() int {
	if c.CausalMaskLength > 0 {
		return c.CausalMaskLength
	}
	return c.MaxPositionEmbeddings
}

func (c Config) numKeyValueGroups() int {
	return c.NumAttentionHeads / c.NumKeyValueHeads
}

// Validate reports the first problem that would make the model unusable.
// All failures wrap ErrConfiguration.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden_size", c.HiddenSize},
		{"intermediate_size", c.IntermediateSize},
		{"num_hidden_layers", c.NumLayers},
		{"num_attention_heads", c.NumAttentionHeads},
		{"num_key_value_heads", c.NumKeyValueHeads},
		{"max_position_embeddings", c.MaxPositionEmbeddings},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, p.name, p.value)
		}
	}
	if c.CausalMaskLength < 0 {
		return fmt.Errorf("%w: causal_mask_length must not be negative, got %d", ErrConfiguration, c.CausalMaskLength)
	}

	headDim := c.headDim()
	if headDim*c.NumAttentionHeads != c.HiddenSize {
		return fmt.Errorf("%w: head_dim (%d) * num_attention_heads (%d) != hidden_size (%d)",
			ErrConfiguration, headDim, c.NumAttentionHeads, c.HiddenSize)
	}
	if headDim%2 != 0 {
		return fmt.Errorf("%w: head_dim must be even for rotary encoding, got %d", ErrConfiguration, headDim)
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("%w: num_attention_heads (%d) must be a multiple of num_key_value_heads (%d)",
			ErrConfiguration, c.NumAttentionHeads, c.NumKeyValueHeads)
	}

	if c.RopeTheta <= 0 {
		return fmt.Errorf("%w: rope_theta must be positive, got %g", ErrConfiguration, c.RopeTheta)
	}
	if err := c.RopeScaling.validate(); err != nil {
		return err
	}

	if c.RMSNormEps < 0 {
		return fmt.Errorf("%w: rms_norm_eps must not be negative, got %g", ErrConfiguration, c.RMSNormEps)
	}
	if _, err := activationByName(c.HiddenAct); err != nil {
		return err
	}
	if c.AttentionDropout < 0 || c.AttentionDropout >= 1 {
		return fmt.Errorf("%w: attention_dropout must be in [0, 1), got %g", ErrConfiguration, c.AttentionDropout)
	}
	if _, err := policyByName(c.CheckpointPolicy); err != nil {
		return err
	}
	return nil
}

func (s *RopeScaling) validate() error {
	if s == nil {
		return nil
	}
	switch s.Method {
	case "", "none":
		return nil
	case "linear", "dynamic":
		if s.Factor <= 0 {
			return fmt.Errorf("%w: rope scaling factor must be positive, got %g", ErrConfiguration, s.Factor)
		}
		if s.OriginalMaxPositionEmbeddings < 0 {
			return fmt.Errorf("%w: original_max_position_embeddings must not be negative", ErrConfiguration)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown rope scaling method %q", ErrConfiguration, s.Method)
	}
}
