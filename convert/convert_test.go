package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Ssukriti/dolomite-engine/fs/safetensors"
)

type fakeTensor struct {
	name  string
	shape []uint64
	dtype string
	data  []float32
	repacker
}

func (t *fakeTensor) Name() string {
	return t.name
}

func (t *fakeTensor) Shape() []uint64 {
	return t.shape
}

func (t *fakeTensor) DType() string {
	if t.dtype == "" {
		return "F32"
	}
	return t.dtype
}

func (t *fakeTensor) Clone() Tensor {
	return &fakeTensor{
		name:  t.name,
		shape: slices.Clone(t.shape),
		dtype: t.dtype,
		data:  t.data,
	}
}

func (t *fakeTensor) SetRepacker(fn repacker) {
	t.repacker = fn
}

func (t *fakeTensor) WriteTo(w io.Writer) (int64, error) {
	f32s := t.data
	if t.repacker != nil {
		var err error
		f32s, err = t.repacker(t.name, f32s, t.shape)
		if err != nil {
			return 0, err
		}
	}
	return 0, binary.Write(w, binary.LittleEndian, f32s)
}

func readTensorData(t *testing.T, tensor *safetensors.Tensor) []float32 {
	t.Helper()

	var b bytes.Buffer
	if _, err := tensor.WriteTo(&b); err != nil {
		t.Fatal(err)
	}

	values := make([]float32, tensor.Elements())
	if err := binary.Read(&b, binary.LittleEndian, &values); err != nil {
		t.Fatal(err)
	}

	return values
}

func iota32(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

// dolomite test fixture: two layers, layer 0 attention (mha), layer 1
// mamba2, 2 experts with a shared expert, tied embeddings
const testDolomiteConfig = `{
	"model_type": "gpt_dolomite",
	"vocab_size": 8,
	"max_position_embeddings": 32,
	"hidden_size": 4,
	"num_layers": 2,
	"layer_norm_epsilon": 1e-5,
	"normalization_function": "rmsnorm",
	"position_embedding_type": "rope",
	"init_method": "normal",
	"initializer_range": 0.02,
	"use_cache": true,
	"tie_word_embeddings": true,
	"rope_theta": 10000,
	"router_aux_loss_coef": 0.001,
	"bos_token_id": 0,
	"eos_token_id": 1,
	"pad_token_id": 1,
	"m_emb": 12,
	"m_residual": 0.22,
	"m_width": 10,
	"sequence_mixer_blocks": [
		{
			"sequence_mixer_type": "softmax_attention",
			"add_bias": false,
			"num_attention_heads": 2,
			"num_key_value_heads": 2,
			"attention_multiplier": 0.5,
			"dropout": 0
		},
		{
			"sequence_mixer_type": "mamba2",
			"add_bias": false,
			"num_groups": 1,
			"num_heads": 2,
			"state_size": 2,
			"conv_kernel_size": 2,
			"chunk_size": 4,
			"use_conv_bias": true
		}
	],
	"mlp_blocks": [
		{
			"mlp_type": "MoE",
			"activation_function": "swiglu",
			"add_bias": false,
			"intermediate_size": 2,
			"shared_intermediate_size": 2,
			"num_experts": 2,
			"num_experts_per_tok": 2
		},
		{
			"mlp_type": "MoE",
			"activation_function": "swiglu",
			"add_bias": false,
			"intermediate_size": 2,
			"shared_intermediate_size": 2,
			"num_experts": 2,
			"num_experts_per_tok": 2
		}
	]
}`

func testDolomiteTensors() map[string]*fakeTensor {
	shapes := map[string][]uint64{
		"transformer.wte.weight":  {8, 4},
		"transformer.ln_f.weight": {4},

		"transformer.h.0.ln_1.weight":                  {4},
		"transformer.h.0.ln_2.weight":                  {4},
		"transformer.h.0.sequence_mixer.c_attn.weight": {12, 4},
		"transformer.h.0.sequence_mixer.c_proj.weight": {4, 4},

		"transformer.h.1.ln_1.weight":                    {4},
		"transformer.h.1.ln_2.weight":                    {4},
		"transformer.h.1.sequence_mixer.conv1d.weight":   {8, 1, 2},
		"transformer.h.1.sequence_mixer.conv1d.bias":     {8},
		"transformer.h.1.sequence_mixer.in_proj.weight":  {14, 4},
		"transformer.h.1.sequence_mixer.dt_bias":         {2},
		"transformer.h.1.sequence_mixer.A_log":           {2},
		"transformer.h.1.sequence_mixer.D":               {2},
		"transformer.h.1.sequence_mixer.out_proj.weight": {4, 4},
		"transformer.h.1.sequence_mixer.norm.weight":     {4},
	}

	for i := range 2 {
		prefix := "transformer.h." + string(rune('0'+i)) + "."
		shapes[prefix+"mlp_block.gate.weight"] = []uint64{2, 4}
		shapes[prefix+"mlp_block.c_fc.weight"] = []uint64{2, 4, 4}
		shapes[prefix+"mlp_block.c_proj.weight"] = []uint64{2, 4, 2}
		shapes[prefix+"mlp_block.c_fc_shared.weight"] = []uint64{4, 4}
		shapes[prefix+"mlp_block.c_proj_shared.weight"] = []uint64{4, 2}
	}

	ts := make(map[string]*fakeTensor, len(shapes))
	for name, shape := range shapes {
		n := 1
		for _, d := range shape {
			n *= int(d)
		}
		ts[name] = &fakeTensor{name: name, shape: shape, data: iota32(n)}
	}
	return ts
}

func writeTestCheckpoint(t *testing.T, dir, config string, ts map[string]*fakeTensor) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	shard := make([]*fakeTensor, 0, len(ts))
	for _, tt := range ts {
		shard = append(shard, tt)
	}

	writeShard(t, filepath.Join(dir, "model.safetensors"), shard)
}

func writeShard(t *testing.T, path string, ts []*fakeTensor) {
	t.Helper()

	var sts []*safetensors.Tensor
	for _, tt := range ts {
		sts = append(sts, &safetensors.Tensor{
			Name:     tt.name,
			DType:    "F32",
			Shape:    tt.shape,
			WriterTo: tt,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := safetensors.Write(f, sts); err != nil {
		t.Fatal(err)
	}
}

func readCheckpoint(t *testing.T, dir string) map[string]Tensor {
	t.Helper()

	ts, err := parseSafetensors(strings.NewReplacer(), filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}

	out := make(map[string]Tensor, len(ts))
	for _, tensor := range ts {
		out[tensor.Name()] = tensor
	}
	return out
}

func TestExport(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	source := testDolomiteTensors()
	writeTestCheckpoint(t, in, testDolomiteConfig, source)

	if err := Export(in, out, Options{}); err != nil {
		t.Fatal(err)
	}

	converted := readCheckpoint(t, out)

	want := []string{
		"model.embed_tokens.weight",
		"model.norm.weight",
		"model.layers.0.input_layernorm.weight",
		"model.layers.0.post_attention_layernorm.weight",
		"model.layers.0.self_attn.q_proj.weight",
		"model.layers.0.self_attn.k_proj.weight",
		"model.layers.0.self_attn.v_proj.weight",
		"model.layers.0.self_attn.o_proj.weight",
		"model.layers.0.block_sparse_moe.router.layer.weight",
		"model.layers.0.block_sparse_moe.input_linear.weight",
		"model.layers.0.block_sparse_moe.output_linear.weight",
		"model.layers.0.shared_mlp.input_linear.weight",
		"model.layers.0.shared_mlp.output_linear.weight",
		"model.layers.1.input_layernorm.weight",
		"model.layers.1.post_attention_layernorm.weight",
		"model.layers.1.mamba.conv1d.weight",
		"model.layers.1.mamba.conv1d.bias",
		"model.layers.1.mamba.in_proj.weight",
		"model.layers.1.mamba.dt_bias",
		"model.layers.1.mamba.A_log",
		"model.layers.1.mamba.D",
		"model.layers.1.mamba.out_proj.weight",
		"model.layers.1.mamba.norm.weight",
		"model.layers.1.block_sparse_moe.router.layer.weight",
		"model.layers.1.block_sparse_moe.input_linear.weight",
		"model.layers.1.block_sparse_moe.output_linear.weight",
		"model.layers.1.shared_mlp.input_linear.weight",
		"model.layers.1.shared_mlp.output_linear.weight",
	}

	if len(converted) != len(want) {
		t.Errorf("converted %d tensors, want %d", len(converted), len(want))
	}

	for _, name := range want {
		if _, ok := converted[name]; !ok {
			t.Errorf("missing tensor %q", name)
		}
	}

	// mha split: c_attn rows are [q0 k0 v0 q1 k1 v1] with head_dim 2
	fused, err := tensorFloats(source["transformer.h.0.sequence_mixer.c_attn.weight"])
	if err != nil {
		t.Fatal(err)
	}

	rows := func(idx ...int) []float32 {
		var out []float32
		for _, i := range idx {
			out = append(out, fused[i*4:(i+1)*4]...)
		}
		return out
	}

	for name, wantData := range map[string][]float32{
		"model.layers.0.self_attn.q_proj.weight": rows(0, 1, 6, 7),
		"model.layers.0.self_attn.k_proj.weight": rows(2, 3, 8, 9),
		"model.layers.0.self_attn.v_proj.weight": rows(4, 5, 10, 11),
	} {
		got, err := tensorFloats(converted[name])
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(got, wantData) {
			t.Errorf("%s = %v, want %v", name, got, wantData)
		}
	}

	// GLU swap on dim 1 of the [2, 4, 4] expert tensor: within each
	// expert the two row halves exchange places
	got, err := tensorFloats(converted["model.layers.0.block_sparse_moe.input_linear.weight"])
	if err != nil {
		t.Fatal(err)
	}

	src, err := tensorFloats(source["transformer.h.0.mlp_block.c_fc.weight"])
	if err != nil {
		t.Fatal(err)
	}

	var wantGLU []float32
	for e := range 2 {
		expert := src[e*16 : (e+1)*16]
		wantGLU = append(wantGLU, expert[8:]...)
		wantGLU = append(wantGLU, expert[:8]...)
	}

	if !slices.Equal(got, wantGLU) {
		t.Errorf("input_linear = %v, want %v", got, wantGLU)
	}

	// shared expert swaps on dim 0 of the [4, 4] weight
	got, err = tensorFloats(converted["model.layers.0.shared_mlp.input_linear.weight"])
	if err != nil {
		t.Fatal(err)
	}

	src, err = tensorFloats(source["transformer.h.0.mlp_block.c_fc_shared.weight"])
	if err != nil {
		t.Fatal(err)
	}

	wantShared := append(slices.Clone(src[8:]), src[:8]...)
	if !slices.Equal(got, wantShared) {
		t.Errorf("shared_mlp.input_linear = %v, want %v", got, wantShared)
	}

	var gc graniteConfig
	bts, err := os.ReadFile(filepath.Join(out, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(bts, &gc); err != nil {
		t.Fatal(err)
	}

	if got, want := gc.ModelType, "granitemoehybrid"; got != want {
		t.Errorf("model_type = %q, want %q", got, want)
	}
	if got, want := gc.LayerTypes, []string{"attention", "mamba"}; !slices.Equal(got, want) {
		t.Errorf("layer_types = %v, want %v", got, want)
	}
	if got, want := gc.EmbeddingMultiplier, float32(12); got != want {
		t.Errorf("embedding_multiplier = %v, want %v", got, want)
	}
	if got, want := gc.LogitsScaling, float32(10); got != want {
		t.Errorf("logits_scaling = %v, want %v", got, want)
	}
	if got, want := gc.MambaDConv, uint32(2); got != want {
		t.Errorf("mamba_d_conv = %v, want %v", got, want)
	}

	var genConfig generationConfig
	bts, err = os.ReadFile(filepath.Join(out, "generation_config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(bts, &genConfig); err != nil {
		t.Fatal(err)
	}

	if genConfig.BOSTokenID == nil || *genConfig.BOSTokenID != 0 {
		t.Errorf("generation config bos_token_id = %v, want 0", genConfig.BOSTokenID)
	}
	if genConfig.EOSTokenID == nil || *genConfig.EOSTokenID != 1 {
		t.Errorf("generation config eos_token_id = %v, want 1", genConfig.EOSTokenID)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	in, mid, back := t.TempDir(), t.TempDir(), t.TempDir()
	source := testDolomiteTensors()
	writeTestCheckpoint(t, in, testDolomiteConfig, source)

	if err := Export(in, mid, Options{}); err != nil {
		t.Fatal(err)
	}

	if err := Import(mid, back, Options{}); err != nil {
		t.Fatal(err)
	}

	restored := readCheckpoint(t, back)
	if len(restored) != len(source) {
		t.Errorf("restored %d tensors, want %d", len(restored), len(source))
	}

	for name, tensor := range source {
		got, ok := restored[name]
		if !ok {
			t.Errorf("missing tensor %q", name)
			continue
		}

		if !slices.Equal(got.Shape(), tensor.shape) {
			t.Errorf("%s shape = %v, want %v", name, got.Shape(), tensor.shape)
			continue
		}

		gotData, err := tensorFloats(got)
		if err != nil {
			t.Fatal(err)
		}

		if !slices.Equal(gotData, tensor.data) {
			t.Errorf("%s data = %v, want %v", name, gotData, tensor.data)
		}
	}
}

func TestExportShardedInput(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	source := testDolomiteTensors()

	if err := os.WriteFile(filepath.Join(in, "config.json"), []byte(testDolomiteConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	names := make([]string, 0, len(source))
	for name := range source {
		names = append(names, name)
	}
	slices.Sort(names)

	var shards [2][]*fakeTensor
	for i, name := range names {
		shards[i%2] = append(shards[i%2], source[name])
	}

	writeShard(t, filepath.Join(in, "model-00001-of-00002.safetensors"), shards[0])
	writeShard(t, filepath.Join(in, "model-00002-of-00002.safetensors"), shards[1])

	if err := Export(in, out, Options{}); err != nil {
		t.Fatal(err)
	}

	converted := readCheckpoint(t, out)
	if got, want := len(converted), 28; got != want {
		t.Errorf("converted %d tensors, want %d", got, want)
	}

	got, err := tensorFloats(converted["model.embed_tokens.weight"])
	if err != nil {
		t.Fatal(err)
	}
	if want := source["transformer.wte.weight"].data; !slices.Equal(got, want) {
		t.Errorf("model.embed_tokens.weight = %v, want %v", got, want)
	}
}

func TestParseSafetensorsShardedDuplicate(t *testing.T) {
	in := t.TempDir()
	wte := &fakeTensor{name: "transformer.wte.weight", shape: []uint64{2, 2}, data: iota32(4)}

	p1 := filepath.Join(in, "model-00001-of-00002.safetensors")
	p2 := filepath.Join(in, "model-00002-of-00002.safetensors")
	writeShard(t, p1, []*fakeTensor{wte})
	writeShard(t, p2, []*fakeTensor{wte})

	_, err := parseSafetensors(strings.NewReplacer(), p1, p2)
	if err == nil {
		t.Fatal("expected error for tensor duplicated across shards")
	}
	if !strings.Contains(err.Error(), "transformer.wte.weight") {
		t.Errorf("error %q does not name the duplicated tensor", err)
	}
}

func TestExportRejectsForeignConfig(t *testing.T) {
	in := t.TempDir()
	writeTestCheckpoint(t, in, `{"model_type": "llama"}`, nil)

	if err := Export(in, t.TempDir(), Options{}); err == nil {
		t.Fatal("expected error for non-dolomite config")
	}
}

func TestExportMissingTensors(t *testing.T) {
	in := t.TempDir()
	source := testDolomiteTensors()
	delete(source, "transformer.h.1.sequence_mixer.A_log")
	writeTestCheckpoint(t, in, testDolomiteConfig, source)

	err := Export(in, t.TempDir(), Options{})
	if err == nil {
		t.Fatal("expected error for missing tensor")
	}
	if !strings.Contains(err.Error(), "model.layers.1.mamba.A_log") {
		t.Errorf("error %q does not name the missing tensor", err)
	}
}

func TestExportOutType(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeTestCheckpoint(t, in, testDolomiteConfig, testDolomiteTensors())

	if err := Export(in, out, Options{OutType: "bf16"}); err != nil {
		t.Fatal(err)
	}

	for name, tensor := range readCheckpoint(t, out) {
		if tensor.DType() != "BF16" {
			t.Errorf("%s dtype = %s, want BF16", name, tensor.DType())
		}
	}

	if err := Export(in, t.TempDir(), Options{OutType: "q4"}); err == nil {
		t.Fatal("expected error for unsupported out type")
	}
}
