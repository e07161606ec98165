package convert

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Ssukriti/dolomite-engine/fs/safetensors"
)

// dolomiteModel converts a GraniteMoeHybrid checkpoint back to the Dolomite
// layout. It is the exact inverse of graniteModel: separate q/k/v
// projections are interleaved into the fused c_attn tensor and the GLU
// half swap, being its own inverse, is applied again.
type dolomiteModel struct {
	graniteConfig

	outType string
}

func (m *dolomiteModel) Config() (*dolomiteConfig, error) {
	return importConfig(&m.graniteConfig)
}

func (m *dolomiteModel) Replacements() []string {
	return []string{
		"model.embed_tokens", "transformer.wte",
		"model.layers.", "transformer.h.",
		"model.norm", "transformer.ln_f",
		".input_layernorm.", ".ln_1.",
		".post_attention_layernorm.", ".ln_2.",
		"block_sparse_moe.router.layer", "mlp_block.gate",
		"block_sparse_moe.input_linear", "mlp_block.c_fc",
		"block_sparse_moe.output_linear", "mlp_block.c_proj",
		"shared_mlp.input_linear", "mlp_block.c_fc_shared",
		"shared_mlp.output_linear", "mlp_block.c_proj_shared",
		"mamba.", "sequence_mixer.",
		"self_attn.o_proj", "sequence_mixer.c_proj",
		"self_attn.", "sequence_mixer.",
	}
}

func (m *dolomiteModel) dtypeFor(t Tensor) string {
	if m.outType != "" {
		return m.outType
	}
	return t.DType()
}

func (m *dolomiteModel) Tensors(ts []Tensor) ([]*safetensors.Tensor, error) {
	dc, err := m.Config()
	if err != nil {
		return nil, err
	}

	var headDim uint64
	if m.NumAttentionHeads > 0 {
		if _, err := attentionHeadType(m.NumAttentionHeads, m.NumKeyValueHeads); err != nil {
			return nil, err
		}
		if m.HiddenSize%m.NumAttentionHeads != 0 {
			return nil, fmt.Errorf("hidden_size (%d) must be divisible by num_attention_heads (%d)", m.HiddenSize, m.NumAttentionHeads)
		}
		headDim = uint64(m.HiddenSize / m.NumAttentionHeads)
	}

	expected := expectedDolomiteTensors(dc)

	// q/k/v are fused per layer, so collect them before emitting
	type qkv struct {
		q, k, v Tensor
	}
	projections := make(map[string]*qkv)

	var out []*safetensors.Tensor
	for _, t := range ts {
		name := t.Name()
		switch {
		case strings.HasSuffix(name, ".sequence_mixer.q_proj.weight"),
			strings.HasSuffix(name, ".sequence_mixer.k_proj.weight"),
			strings.HasSuffix(name, ".sequence_mixer.v_proj.weight"):
			prefix := name[:strings.LastIndex(name, ".sequence_mixer.")]
			p, ok := projections[prefix]
			if !ok {
				p = &qkv{}
				projections[prefix] = p
			}

			switch {
			case strings.HasSuffix(name, "q_proj.weight"):
				p.q = t
			case strings.HasSuffix(name, "k_proj.weight"):
				p.k = t
			default:
				p.v = t
			}
		case strings.HasSuffix(name, ".mlp_block.c_fc.weight"):
			t.SetRepacker(swapGLUHalves(1))
			out = append(out, &safetensors.Tensor{
				Name:     name,
				DType:    m.dtypeFor(t),
				Shape:    slices.Clone(t.Shape()),
				WriterTo: t,
			})
		case strings.HasSuffix(name, ".mlp_block.c_fc_shared.weight"):
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

	if len(projections) > 0 && m.NumAttentionHeads == 0 {
		return nil, fmt.Errorf("found attention tensors but config declares no attention layers")
	}

	prefixes := make([]string, 0, len(projections))
	for prefix := range projections {
		prefixes = append(prefixes, prefix)
	}
	slices.Sort(prefixes)

	for _, prefix := range prefixes {
		p := projections[prefix]
		if p.q == nil || p.k == nil || p.v == nil {
			return nil, fmt.Errorf("%s: incomplete attention projections, need all of q_proj, k_proj and v_proj", prefix)
		}

		fused, err := fuseQKV(p.q, p.k, p.v, uint64(m.NumAttentionHeads), uint64(m.NumKeyValueHeads), headDim, m.dtypeFor(p.q))
		if err != nil {
			return nil, err
		}
		out = append(out, fused)
	}

	if err := verifyTensors(expected, out); err != nil {
		return nil, err
	}

	return out, nil
}

func expectedDolomiteTensors(dc *dolomiteConfig) map[string]struct{} {
	expected := map[string]struct{}{
		"transformer.wte.weight":  {},
		"transformer.ln_f.weight": {},
	}

	mixers, err := dc.sequenceMixers()
	if err != nil {
		// importConfig builds the blocks, so they always decode
		return expected
	}

	mlps, _ := dc.mlps()

	for i, mixer := range mixers {
		prefix := fmt.Sprintf("transformer.h.%d.", i)
		for _, suffix := range []string{
			"ln_1.weight",
			"ln_2.weight",
			"mlp_block.gate.weight",
			"mlp_block.c_fc.weight",
			"mlp_block.c_proj.weight",
		} {
			expected[prefix+suffix] = struct{}{}
		}

		switch mixer.SequenceMixerType {
		case sequenceMixerAttention:
			expected[prefix+"sequence_mixer.c_attn.weight"] = struct{}{}
			expected[prefix+"sequence_mixer.c_proj.weight"] = struct{}{}
		case sequenceMixerMamba2:
			suffixes := []string{
				"sequence_mixer.conv1d.weight",
				"sequence_mixer.in_proj.weight",
				"sequence_mixer.dt_bias",
				"sequence_mixer.A_log",
				"sequence_mixer.D",
				"sequence_mixer.out_proj.weight",
				"sequence_mixer.norm.weight",
			}
			if mixer.UseConvBias {
				suffixes = append(suffixes, "sequence_mixer.conv1d.bias")
			}
			for _, suffix := range suffixes {
				expected[prefix+suffix] = struct{}{}
			}
		}

		if i < len(mlps) && mlps[i].SharedIntermediateSize != nil && *mlps[i].SharedIntermediateSize > 0 {
			expected[prefix+"mlp_block.c_fc_shared.weight"] = struct{}{}
			expected[prefix+"mlp_block.c_proj_shared.weight"] = struct{}{}
		}
	}

	return expected
}
