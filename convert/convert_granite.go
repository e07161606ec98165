package convert

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Ssukriti/dolomite-engine/fs/safetensors"
)

// graniteModel converts a Dolomite checkpoint to the GraniteMoeHybrid
// layout: tensors are renamed, the fused attention projection is split per
// head layout, and the GLU weight halves are reordered.
type graniteModel struct {
	dolomiteConfig

	outType string
}

func (m *graniteModel) Config() (*graniteConfig, error) {
	return exportConfig(&m.dolomiteConfig)
}

func (m *graniteModel) Replacements() []string {
	return []string{
		"transformer.wte", "model.embed_tokens",
		"transformer.ln_f", "model.norm",
		"transformer.h.", "model.layers.",
		".ln_1.", ".input_layernorm.",
		".ln_2.", ".post_attention_layernorm.",
		"mlp_block.gate", "block_sparse_moe.router.layer",
		"mlp_block.c_fc_shared", "shared_mlp.input_linear",
		"mlp_block.c_proj_shared", "shared_mlp.output_linear",
		"mlp_block.c_fc", "block_sparse_moe.input_linear",
		"mlp_block.c_proj", "block_sparse_moe.output_linear",
		"sequence_mixer.conv1d", "mamba.conv1d",
		"sequence_mixer.in_proj", "mamba.in_proj",
		"sequence_mixer.dt_bias", "mamba.dt_bias",
		"sequence_mixer.A_log", "mamba.A_log",
		"sequence_mixer.D", "mamba.D",
		"sequence_mixer.out_proj", "mamba.out_proj",
		"sequence_mixer.norm", "mamba.norm",
		// c_attn stays fused under this name until Tensors splits it
		"sequence_mixer.c_attn", "self_attn.c_attn",
		"sequence_mixer.c_proj", "self_attn.o_proj",
	}
}

func (m *graniteModel) dtypeFor(t Tensor) string {
	if m.outType != "" {
		return m.outType
	}
	return t.DType()
}

func (m *graniteModel) Tensors(ts []Tensor) ([]*safetensors.Tensor, error) {
	gc, err := m.Config()
	if err != nil {
		return nil, err
	}

	var headDim uint64
	if gc.NumAttentionHeads > 0 {
		headDim = uint64(gc.HiddenSize / gc.NumAttentionHeads)
	}

	expected := expectedGraniteTensors(gc)

	var out []*safetensors.Tensor
	for _, t := range ts {
		name := t.Name()
		switch {
		case strings.HasSuffix(name, ".self_attn.c_attn.weight"):
			if gc.NumAttentionHeads == 0 {
				return nil, fmt.Errorf("%s: found attention tensor but config declares no attention layers", name)
			}

			qkv, err := splitQKV(t, uint64(gc.NumAttentionHeads), uint64(gc.NumKeyValueHeads), headDim, m.dtypeFor(t))
			if err != nil {
				return nil, err
			}
			out = append(out, qkv...)
		case strings.HasSuffix(name, ".self_attn.c_attn.bias"):
			return nil, fmt.Errorf("%s: biased attention projections are not supported", name)
		case strings.HasSuffix(name, ".block_sparse_moe.input_linear.weight"):
			// [num_experts, 2*intermediate, hidden], halves stacked on dim 1
			t.SetRepacker(swapGLUHalves(1))
			out = append(out, &safetensors.Tensor{
				Name:     name,
				DType:    m.dtypeFor(t),
				Shape:    slices.Clone(t.Shape()),
				WriterTo: t,
			})
		case strings.HasSuffix(name, ".shared_mlp.input_linear.weight"):
			t.SetRepacker(swapGLUHalves(0))
			out = append(out, &safetensors.Tensor{
				Name:     name,
				DType:    m.dtypeFor(t),
				Shape:    slices.Clone(t.Shape()),
				WriterTo: t,
			})
		default:
			if _, ok := expected[name]; !ok && name != "lm_head.weight" {
				slog.Warn("skipping unrecognized tensor", "name", name)
				continue
			}

			out = append(out, &safetensors.Tensor{
				Name:     name,
				DType:    m.dtypeFor(t),
				Shape:    slices.Clone(t.Shape()),
				WriterTo: t,
			})
		}
	}

	if err := verifyTensors(expected, out); err != nil {
		return nil, err
	}

	return out, nil
}

// expectedGraniteTensors lists every tensor the target layout requires for
// the given config. lm_head.weight is intentionally absent: it only exists
// for untied embeddings and is copied through when found.
func expectedGraniteTensors(gc *graniteConfig) map[string]struct{} {
	expected := map[string]struct{}{
		"model.embed_tokens.weight": {},
		"model.norm.weight":         {},
	}

	for i, layerType := range gc.LayerTypes {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		for _, suffix := range []string{
			"input_layernorm.weight",
			"post_attention_layernorm.weight",
			"block_sparse_moe.router.layer.weight",
			"block_sparse_moe.input_linear.weight",
			"block_sparse_moe.output_linear.weight",
		} {
			expected[prefix+suffix] = struct{}{}
		}

		switch layerType {
		case layerTypeAttention:
			for _, suffix := range []string{
				"self_attn.q_proj.weight",
				"self_attn.k_proj.weight",
				"self_attn.v_proj.weight",
				"self_attn.o_proj.weight",
			} {
				expected[prefix+suffix] = struct{}{}
			}
		case layerTypeMamba:
			suffixes := []string{
				"mamba.conv1d.weight",
				"mamba.in_proj.weight",
				"mamba.dt_bias",
				"mamba.A_log",
				"mamba.D",
				"mamba.out_proj.weight",
				"mamba.norm.weight",
			}
			if gc.MambaConvBias {
				suffixes = append(suffixes, "mamba.conv1d.bias")
			}
			for _, suffix := range suffixes {
				expected[prefix+suffix] = struct{}{}
			}
		}

		if gc.SharedIntermediateSize > 0 {
			expected[prefix+"shared_mlp.input_linear.weight"] = struct{}{}
			expected[prefix+"shared_mlp.output_linear.weight"] = struct{}{}
		}
	}

	return expected
}

func verifyTensors(expected map[string]struct{}, out []*safetensors.Tensor) error {
	seen := make(map[string]struct{}, len(out))
	for _, t := range out {
		seen[t.Name] = struct{}{}
	}

	var missing []string
	for name := range expected {
		if _, ok := seen[name]; !ok {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("checkpoint is missing tensors: %s", strings.Join(missing, ", "))
	}

	return nil
}
