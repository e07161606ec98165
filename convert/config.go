package convert

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Dolomite layer block kinds.
const (
	sequenceMixerAttention = "softmax_attention"
	sequenceMixerMamba2    = "mamba2"

	mlpTypeMoE = "MoE"
)

// dolomiteConfig mirrors the source config.json. Layer-level settings live
// in per-layer block arrays whose entries are heterogeneous objects keyed by
// sequence_mixer_type and mlp_type.
type dolomiteConfig struct {
	ModelType             string         `json:"model_type"`
	VocabSize             uint32         `json:"vocab_size"`
	MaxPositionEmbeddings uint32         `json:"max_position_embeddings"`
	HiddenSize            uint32         `json:"hidden_size"`
	NumLayers             uint32         `json:"num_layers"`
	LayerNormEpsilon      float32        `json:"layer_norm_epsilon"`
	NormalizationFunction string         `json:"normalization_function"`
	PositionEmbeddingType string         `json:"position_embedding_type"`
	InitMethod            string         `json:"init_method"`
	InitializerRange      float32        `json:"initializer_range"`
	UseCache              bool           `json:"use_cache"`
	TieWordEmbeddings     bool           `json:"tie_word_embeddings"`
	RopeTheta             float32        `json:"rope_theta"`
	RopeScaling           map[string]any `json:"rope_scaling,omitempty"`
	RouterAuxLossCoef     float32        `json:"router_aux_loss_coef"`
	BOSTokenID            *int32         `json:"bos_token_id"`
	EOSTokenID            *int32         `json:"eos_token_id"`
	PadTokenID            *int32         `json:"pad_token_id"`
	EmbeddingMultiplier   *float32       `json:"m_emb,omitempty"`
	ResidualMultiplier    *float32       `json:"m_residual,omitempty"`
	WidthMultiplier       *float32       `json:"m_width,omitempty"`

	SequenceMixerBlocks []map[string]any `json:"sequence_mixer_blocks"`
	MLPBlocks           []map[string]any `json:"mlp_blocks"`
}

type sequenceMixerBlock struct {
	SequenceMixerType string `mapstructure:"sequence_mixer_type"`
	AddBias           bool   `mapstructure:"add_bias"`

	// softmax_attention
	NumAttentionHeads   uint32   `mapstructure:"num_attention_heads"`
	NumKeyValueHeads    uint32   `mapstructure:"num_key_value_heads"`
	AttentionMultiplier *float32 `mapstructure:"attention_multiplier"`
	Dropout             float32  `mapstructure:"dropout"`

	// mamba2
	NumGroups      uint32 `mapstructure:"num_groups"`
	NumHeads       uint32 `mapstructure:"num_heads"`
	StateSize      uint32 `mapstructure:"state_size"`
	ConvKernelSize uint32 `mapstructure:"conv_kernel_size"`
	ChunkSize      uint32 `mapstructure:"chunk_size"`
	UseConvBias    bool   `mapstructure:"use_conv_bias"`
}

type mlpBlock struct {
	MLPType                string  `mapstructure:"mlp_type"`
	ActivationFunction     string  `mapstructure:"activation_function"`
	AddBias                bool    `mapstructure:"add_bias"`
	IntermediateSize       uint32  `mapstructure:"intermediate_size"`
	SharedIntermediateSize *uint32 `mapstructure:"shared_intermediate_size"`
	NumExperts             uint32  `mapstructure:"num_experts"`
	NumExpertsPerTok       uint32  `mapstructure:"num_experts_per_tok"`
}

// decodeBlock decodes one heterogeneous config block. JSON numbers arrive
// as float64 so decoding is weakly typed.
func decodeBlock[T any](m map[string]any) (T, error) {
	var block T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &block,
	})
	if err != nil {
		return block, err
	}

	if err := decoder.Decode(m); err != nil {
		return block, err
	}

	return block, nil
}

func (c *dolomiteConfig) sequenceMixers() ([]sequenceMixerBlock, error) {
	if n := len(c.SequenceMixerBlocks); uint32(n) != c.NumLayers {
		return nil, fmt.Errorf("config has %d sequence_mixer_blocks for %d layers", n, c.NumLayers)
	}

	blocks := make([]sequenceMixerBlock, len(c.SequenceMixerBlocks))
	for i, m := range c.SequenceMixerBlocks {
		block, err := decodeBlock[sequenceMixerBlock](m)
		if err != nil {
			return nil, fmt.Errorf("sequence_mixer_blocks[%d]: %w", i, err)
		}

		switch block.SequenceMixerType {
		case sequenceMixerAttention, sequenceMixerMamba2:
		default:
			return nil, fmt.Errorf("sequence_mixer_blocks[%d]: unsupported sequence_mixer_type %q", i, block.SequenceMixerType)
		}

		blocks[i] = block
	}

	return blocks, nil
}

func (c *dolomiteConfig) mlps() ([]mlpBlock, error) {
	if n := len(c.MLPBlocks); uint32(n) != c.NumLayers {
		return nil, fmt.Errorf("config has %d mlp_blocks for %d layers", n, c.NumLayers)
	}

	blocks := make([]mlpBlock, len(c.MLPBlocks))
	for i, m := range c.MLPBlocks {
		block, err := decodeBlock[mlpBlock](m)
		if err != nil {
			return nil, fmt.Errorf("mlp_blocks[%d]: %w", i, err)
		}
		blocks[i] = block
	}

	return blocks, nil
}

// layerTypes maps per-layer sequence mixer kinds to the flat layer_types
// array of the target schema: mamba2 layers use the hybrid mamba cache, so
// they are declared plain "mamba".
func layerTypes(blocks []sequenceMixerBlock) []string {
	out := make([]string, len(blocks))
	for i, block := range blocks {
		switch block.SequenceMixerType {
		case sequenceMixerMamba2:
			out[i] = layerTypeMamba
		case sequenceMixerAttention:
			out[i] = layerTypeAttention
		}
	}
	return out
}

// uniform returns the single value shared by all blocks for a field, or an
// error naming the field when the blocks disagree.
func uniform[T comparable](field string, vals []T) (T, error) {
	var zero T
	if len(vals) == 0 {
		return zero, fmt.Errorf("no blocks provide %s", field)
	}

	for _, v := range vals[1:] {
		if v != vals[0] {
			return zero, fmt.Errorf("%s is not equal for all blocks: %v != %v", field, v, vals[0])
		}
	}

	return vals[0], nil
}

func pick[B, T any](blocks []B, fn func(B) T) []T {
	out := make([]T, len(blocks))
	for i, b := range blocks {
		out[i] = fn(b)
	}
	return out
}
