// Package convert maps hybrid mixture-of-experts transformer checkpoints
// between the Dolomite layout and the GraniteMoeHybrid layout published by
// the downstream ecosystem. The conversion is a deterministic renaming of
// tensors and config fields with two reshapes: attention QKV projections
// are split or fused according to the head layout, and the stacked halves
// of gated-linear-unit weights swap places.
package convert

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Ssukriti/dolomite-engine/fs/safetensors"
)

// Options control output encoding.
type Options struct {
	// OutType selects the storage type of written tensors: "auto" (keep
	// each tensor's source type), "f32", "f16" or "bf16".
	OutType string
}

func (o Options) resolve() (string, error) {
	switch strings.ToLower(o.OutType) {
	case "", "auto":
		return "", nil
	case "f32":
		return safetensors.DTypeF32, nil
	case "f16":
		return safetensors.DTypeF16, nil
	case "bf16":
		return safetensors.DTypeBF16, nil
	default:
		return "", fmt.Errorf("unsupported output type %q", o.OutType)
	}
}

type archProbe struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
}

// Export converts a Dolomite checkpoint directory into a GraniteMoeHybrid
// checkpoint at outDir: model.safetensors, config.json,
// generation_config.json, and any tokenizer artifacts found alongside the
// source.
func Export(dir, outDir string, opts Options) error {
	outType, err := opts.resolve()
	if err != nil {
		return err
	}

	bts, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return err
	}

	var probe archProbe
	if err := json.Unmarshal(bts, &probe); err != nil {
		return err
	}

	if probe.ModelType != "" && probe.ModelType != "gpt_dolomite" {
		return fmt.Errorf("unsupported source model_type %q", probe.ModelType)
	}

	conv := graniteModel{outType: outType}
	if err := json.Unmarshal(bts, &conv.dolomiteConfig); err != nil {
		return err
	}

	gc, err := conv.Config()
	if err != nil {
		return err
	}

	ts, err := parseTensors(dir, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return err
	}

	out, err := conv.Tensors(ts)
	if err != nil {
		return err
	}

	checkVocabSize(dir, gc.VocabSize)

	if err := writeCheckpoint(outDir, out, gc, &generationConfig{
		FromModelConfig: true,
		BOSTokenID:      gc.BOSTokenID,
		EOSTokenID:      gc.EOSTokenID,
		PadTokenID:      gc.PadTokenID,
	}); err != nil {
		return err
	}

	if err := copyTokenizer(dir, outDir); err != nil {
		return err
	}

	slog.Info("exported checkpoint", "layers", gc.NumHiddenLayers, "tensors", len(out), "path", outDir)
	return nil
}

// Import converts a GraniteMoeHybrid checkpoint directory back into the
// Dolomite layout at outDir.
func Import(dir, outDir string, opts Options) error {
	outType, err := opts.resolve()
	if err != nil {
		return err
	}

	bts, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return err
	}

	var probe archProbe
	if err := json.Unmarshal(bts, &probe); err != nil {
		return err
	}

	if probe.ModelType != "granitemoehybrid" && !slices.Contains(probe.Architectures, graniteArchitecture) {
		return fmt.Errorf("unsupported source architecture %v", probe.Architectures)
	}

	conv := dolomiteModel{outType: outType}
	if err := json.Unmarshal(bts, &conv.graniteConfig); err != nil {
		return err
	}

	dc, err := conv.Config()
	if err != nil {
		return err
	}

	ts, err := parseTensors(dir, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return err
	}

	out, err := conv.Tensors(ts)
	if err != nil {
		return err
	}

	checkVocabSize(dir, dc.VocabSize)

	if err := writeCheckpoint(outDir, out, dc, &generationConfig{
		FromModelConfig: true,
		BOSTokenID:      dc.BOSTokenID,
		EOSTokenID:      dc.EOSTokenID,
		PadTokenID:      dc.PadTokenID,
	}); err != nil {
		return err
	}

	if err := copyTokenizer(dir, outDir); err != nil {
		return err
	}

	slog.Info("imported checkpoint", "layers", dc.NumLayers, "tensors", len(out), "path", outDir)
	return nil
}

// ListTensors reads the checkpoint in dir without renaming, for inspection.
func ListTensors(dir string) ([]Tensor, error) {
	return parseTensors(dir, strings.NewReplacer())
}

func writeCheckpoint(outDir string, ts []*safetensors.Tensor, config any, generation *generationConfig) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(outDir, "model.safetensors"))
	if err != nil {
		return err
	}
	defer f.Close()

	if err := safetensors.Write(f, ts); err != nil {
		return err
	}

	if err := writeJSON(outDir, "config.json", config); err != nil {
		return err
	}

	return writeJSON(outDir, "generation_config.json", generation)
}

func writeJSON(dir, name string, v any) error {
	bts, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, name), append(bts, '\n'), 0o644)
}
