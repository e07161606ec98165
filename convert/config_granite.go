package convert

import (
	"fmt"
)

const graniteArchitecture = "GraniteMoeHybridForCausalLM"

// Target layer_types values.
const (
	layerTypeMamba     = "mamba"
	layerTypeAttention = "attention"
)

// graniteConfig mirrors the GraniteMoeHybrid config.json: one flat object
// of scalars plus a per-layer layer_types array.
type graniteConfig struct {
	Architectures          []string       `json:"architectures"`
	ModelType              string         `json:"model_type"`
	VocabSize              uint32         `json:"vocab_size"`
	MaxPositionEmbeddings  uint32         `json:"max_position_embeddings"`
	HiddenSize             uint32         `json:"hidden_size"`
	NumHiddenLayers        uint32         `json:"num_hidden_layers"`
	NumAttentionHeads      uint32         `json:"num_attention_heads"`
	NumKeyValueHeads       uint32         `json:"num_key_value_heads"`
	IntermediateSize       uint32         `json:"intermediate_size"`
	SharedIntermediateSize uint32         `json:"shared_intermediate_size"`
	HiddenAct              string         `json:"hidden_act"`
	RMSNormEps             float32        `json:"rms_norm_eps"`
	UseCache               bool           `json:"use_cache"`
	AttentionBias          bool           `json:"attention_bias"`
	AttentionDropout       float32        `json:"attention_dropout"`
	AttentionMultiplier    *float32       `json:"attention_multiplier,omitempty"`
	TieWordEmbeddings      bool           `json:"tie_word_embeddings"`
	InitializerRange       float32        `json:"initializer_range"`
	RopeTheta              float32        `json:"rope_theta"`
	RopeScaling            map[string]any `json:"rope_scaling"`
	NumLocalExperts        uint32         `json:"num_local_experts"`
	NumExpertsPerTok       uint32         `json:"num_experts_per_tok"`
	RouterAuxLossCoef      float32        `json:"router_aux_loss_coef"`
	BOSTokenID             *int32         `json:"bos_token_id"`
	EOSTokenID             *int32         `json:"eos_token_id"`
	PadTokenID             *int32         `json:"pad_token_id"`
	EmbeddingMultiplier    float32        `json:"embedding_multiplier"`
	ResidualMultiplier     float32        `json:"residual_multiplier"`
	LogitsScaling          float32        `json:"logits_scaling"`
	MambaNGroups           uint32         `json:"mamba_n_groups"`
	MambaNHeads            uint32         `json:"mamba_n_heads"`
	MambaDState            uint32         `json:"mamba_d_state"`
	MambaDConv             uint32         `json:"mamba_d_conv"`
	MambaChunkSize         uint32         `json:"mamba_chunk_size"`
	MambaConvBias          bool           `json:"mamba_conv_bias"`
	MambaProjBias          bool           `json:"mamba_proj_bias"`
	LayerTypes             []string       `json:"layer_types"`

	// carried through for tooling that understands the source schema
	NormalizationFunction string `json:"normalization_function,omitempty"`
	PositionEmbeddingType string `json:"position_embedding_type,omitempty"`
	InitMethod            string `json:"init_method,omitempty"`
}

// generationConfig is the generation_config.json written alongside the
// model, derived from the model config's special token ids.
type generationConfig struct {
	FromModelConfig bool   `json:"_from_model_config"`
	BOSTokenID      *int32 `json:"bos_token_id,omitempty"`
	EOSTokenID      *int32 `json:"eos_token_id,omitempty"`
	PadTokenID      *int32 `json:"pad_token_id,omitempty"`
}

// uniformPtr is uniform over optional fields: all blocks must either omit
// the field or agree on its value.
func uniformPtr[T comparable](field string, vals []*T) (*T, error) {
	var first *T
	for _, v := range vals {
		if v == nil {
			continue
		}
		if first == nil {
			first = v
		} else if *v != *first {
			var zero *T
			return zero, fmt.Errorf("%s is not equal for all blocks: %v != %v", field, *v, *first)
		}
	}

	if first != nil && len(vals) > 0 {
		for _, v := range vals {
			if v == nil {
				return nil, fmt.Errorf("%s is set on some blocks but not all", field)
			}
		}
	}

	return first, nil
}

func orDefault(v *float32, def float32) float32 {
	if v == nil {
		return def
	}
	return *v
}

// exportConfig maps a validated Dolomite config onto the GraniteMoeHybrid
// schema. Attention fields must be uniform across attention blocks, mamba
// fields across mamba2 blocks, and MoE fields across all mlp blocks.
func exportConfig(c *dolomiteConfig) (*graniteConfig, error) {
	if c.NormalizationFunction != "rmsnorm" {
		return nil, fmt.Errorf("unsupported normalization_function %q, only rmsnorm converts", c.NormalizationFunction)
	}

	mixers, err := c.sequenceMixers()
	if err != nil {
		return nil, err
	}

	mlps, err := c.mlps()
	if err != nil {
		return nil, err
	}

	var attention, mamba []sequenceMixerBlock
	for _, block := range mixers {
		if block.AddBias {
			return nil, fmt.Errorf("sequence mixer blocks with add_bias are not supported")
		}
		switch block.SequenceMixerType {
		case sequenceMixerAttention:
			attention = append(attention, block)
		case sequenceMixerMamba2:
			mamba = append(mamba, block)
		}
	}

	for _, block := range mlps {
		switch {
		case block.AddBias:
			return nil, fmt.Errorf("mlp blocks with add_bias are not supported")
		case block.ActivationFunction != "swiglu":
			return nil, fmt.Errorf("unsupported activation_function %q, only swiglu converts", block.ActivationFunction)
		case block.MLPType != mlpTypeMoE:
			return nil, fmt.Errorf("unsupported mlp_type %q, only MoE converts", block.MLPType)
		}
	}

	gc := graniteConfig{
		Architectures:         []string{graniteArchitecture},
		ModelType:             "granitemoehybrid",
		VocabSize:             c.VocabSize,
		MaxPositionEmbeddings: c.MaxPositionEmbeddings,
		HiddenSize:            c.HiddenSize,
		NumHiddenLayers:       c.NumLayers,
		HiddenAct:             "silu",
		RMSNormEps:            c.LayerNormEpsilon,
		UseCache:              c.UseCache,
		TieWordEmbeddings:     c.TieWordEmbeddings,
		InitializerRange:      c.InitializerRange,
		RopeTheta:             c.RopeTheta,
		RopeScaling:           c.RopeScaling,
		RouterAuxLossCoef:     c.RouterAuxLossCoef,
		BOSTokenID:            c.BOSTokenID,
		EOSTokenID:            c.EOSTokenID,
		PadTokenID:            c.PadTokenID,
		EmbeddingMultiplier:   orDefault(c.EmbeddingMultiplier, 1),
		ResidualMultiplier:    orDefault(c.ResidualMultiplier, 1),
		LogitsScaling:         orDefault(c.WidthMultiplier, 1),
		LayerTypes:            layerTypes(mixers),
		NormalizationFunction: c.NormalizationFunction,
		PositionEmbeddingType: c.PositionEmbeddingType,
		InitMethod:            c.InitMethod,
	}

	if len(attention) > 0 {
		if gc.NumAttentionHeads, err = uniform("num_attention_heads",
			pick(attention, func(b sequenceMixerBlock) uint32 { return b.NumAttentionHeads })); err != nil {
			return nil, err
		}

		if gc.NumKeyValueHeads, err = uniform("num_key_value_heads",
			pick(attention, func(b sequenceMixerBlock) uint32 { return b.NumKeyValueHeads })); err != nil {
			return nil, err
		}

		if gc.AttentionDropout, err = uniform("dropout",
			pick(attention, func(b sequenceMixerBlock) float32 { return b.Dropout })); err != nil {
			return nil, err
		}

		if gc.AttentionMultiplier, err = uniformPtr("attention_multiplier",
			pick(attention, func(b sequenceMixerBlock) *float32 { return b.AttentionMultiplier })); err != nil {
			return nil, err
		}

		if _, err := attentionHeadType(gc.NumAttentionHeads, gc.NumKeyValueHeads); err != nil {
			return nil, err
		}

		if c.HiddenSize%gc.NumAttentionHeads != 0 {
			return nil, fmt.Errorf("hidden_size (%d) must be divisible by num_attention_heads (%d)", c.HiddenSize, gc.NumAttentionHeads)
		}
	}

	if len(mamba) > 0 {
		if gc.MambaNGroups, err = uniform("num_groups",
			pick(mamba, func(b sequenceMixerBlock) uint32 { return b.NumGroups })); err != nil {
			return nil, err
		}

		if gc.MambaNHeads, err = uniform("num_heads",
			pick(mamba, func(b sequenceMixerBlock) uint32 { return b.NumHeads })); err != nil {
			return nil, err
		}

		if gc.MambaDState, err = uniform("state_size",
			pick(mamba, func(b sequenceMixerBlock) uint32 { return b.StateSize })); err != nil {
			return nil, err
		}

		if gc.MambaDConv, err = uniform("conv_kernel_size",
			pick(mamba, func(b sequenceMixerBlock) uint32 { return b.ConvKernelSize })); err != nil {
			return nil, err
		}

		if gc.MambaChunkSize, err = uniform("chunk_size",
			pick(mamba, func(b sequenceMixerBlock) uint32 { return b.ChunkSize })); err != nil {
			return nil, err
		}

		if gc.MambaConvBias, err = uniform("use_conv_bias",
			pick(mamba, func(b sequenceMixerBlock) bool { return b.UseConvBias })); err != nil {
			return nil, err
		}
	}

	if gc.NumLocalExperts, err = uniform("num_experts",
		pick(mlps, func(b mlpBlock) uint32 { return b.NumExperts })); err != nil {
		return nil, err
	}

	if gc.NumExpertsPerTok, err = uniform("num_experts_per_tok",
		pick(mlps, func(b mlpBlock) uint32 { return b.NumExpertsPerTok })); err != nil {
		return nil, err
	}

	if gc.IntermediateSize, err = uniform("intermediate_size",
		pick(mlps, func(b mlpBlock) uint32 { return b.IntermediateSize })); err != nil {
		return nil, err
	}

	shared, err := uniformPtr("shared_intermediate_size",
		pick(mlps, func(b mlpBlock) *uint32 { return b.SharedIntermediateSize }))
	if err != nil {
		return nil, err
	}
	if shared != nil {
		gc.SharedIntermediateSize = *shared
	}

	return &gc, nil
}

// importConfig rebuilds a Dolomite config from the flat GraniteMoeHybrid
// schema, expanding the uniform scalars back into per-layer block arrays.
func importConfig(c *graniteConfig) (*dolomiteConfig, error) {
	if n := len(c.LayerTypes); uint32(n) != c.NumHiddenLayers {
		return nil, fmt.Errorf("config has %d layer_types for %d layers", n, c.NumHiddenLayers)
	}

	if c.AttentionBias || c.MambaProjBias {
		return nil, fmt.Errorf("projection biases are not supported")
	}

	dc := dolomiteConfig{
		ModelType:             "gpt_dolomite",
		VocabSize:             c.VocabSize,
		MaxPositionEmbeddings: c.MaxPositionEmbeddings,
		HiddenSize:            c.HiddenSize,
		NumLayers:             c.NumHiddenLayers,
		LayerNormEpsilon:      c.RMSNormEps,
		NormalizationFunction: "rmsnorm",
		PositionEmbeddingType: c.PositionEmbeddingType,
		InitMethod:            c.InitMethod,
		InitializerRange:      c.InitializerRange,
		UseCache:              c.UseCache,
		TieWordEmbeddings:     c.TieWordEmbeddings,
		RopeTheta:             c.RopeTheta,
		RopeScaling:           c.RopeScaling,
		RouterAuxLossCoef:     c.RouterAuxLossCoef,
		BOSTokenID:            c.BOSTokenID,
		EOSTokenID:            c.EOSTokenID,
		PadTokenID:            c.PadTokenID,
	}

	if c.PositionEmbeddingType == "" {
		dc.PositionEmbeddingType = "rope"
	}

	if c.EmbeddingMultiplier != 1 {
		dc.EmbeddingMultiplier = ptr(c.EmbeddingMultiplier)
	}
	if c.ResidualMultiplier != 1 {
		dc.ResidualMultiplier = ptr(c.ResidualMultiplier)
	}
	if c.LogitsScaling != 1 {
		dc.WidthMultiplier = ptr(c.LogitsScaling)
	}

	for i, layerType := range c.LayerTypes {
		var mixer map[string]any
		switch layerType {
		case layerTypeAttention:
			mixer = map[string]any{
				"sequence_mixer_type": sequenceMixerAttention,
				"add_bias":            false,
				"num_attention_heads": c.NumAttentionHeads,
				"num_key_value_heads": c.NumKeyValueHeads,
				"dropout":             c.AttentionDropout,
			}
			if c.AttentionMultiplier != nil {
				mixer["attention_multiplier"] = *c.AttentionMultiplier
			}
		case layerTypeMamba:
			mixer = map[string]any{
				"sequence_mixer_type": sequenceMixerMamba2,
				"add_bias":            false,
				"num_groups":          c.MambaNGroups,
				"num_heads":           c.MambaNHeads,
				"state_size":          c.MambaDState,
				"conv_kernel_size":    c.MambaDConv,
				"chunk_size":          c.MambaChunkSize,
				"use_conv_bias":       c.MambaConvBias,
			}
		default:
			return nil, fmt.Errorf("layer_types[%d]: unsupported layer type %q", i, layerType)
		}

		mlp := map[string]any{
			"mlp_type":            mlpTypeMoE,
			"activation_function": "swiglu",
			"add_bias":            false,
			"intermediate_size":   c.IntermediateSize,
			"num_experts":         c.NumLocalExperts,
			"num_experts_per_tok": c.NumExpertsPerTok,
		}
		if c.SharedIntermediateSize > 0 {
			mlp["shared_intermediate_size"] = c.SharedIntermediateSize
		}

		dc.SequenceMixerBlocks = append(dc.SequenceMixerBlocks, mixer)
		dc.MLPBlocks = append(dc.MLPBlocks, mlp)
	}

	return &dc, nil
}

func ptr[T any](v T) *T {
	return &v
}
