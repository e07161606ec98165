package convert

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// tokenizerFiles are the artifacts carried over verbatim. Conversion does
// not touch the tokenizer, so whatever serialization the source uses works
// unchanged on the target side.
var tokenizerFiles = []string{
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"tokenizer.model",
	"vocab.json",
	"merges.txt",
	"added_tokens.json",
}

// copyTokenizer copies tokenizer artifacts from dir to outDir. Missing
// files are skipped: a checkpoint without a bundled tokenizer is still a
// valid conversion input.
func copyTokenizer(dir, outDir string) error {
	for _, name := range tokenizerFiles {
		src, err := os.Open(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("tokenizer artifact not found", "name", name)
			continue
		} else if err != nil {
			return err
		}

		dst, err := os.Create(filepath.Join(outDir, name))
		if err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}

		slog.Debug("copied tokenizer artifact", "name", name)
	}

	return nil
}

// checkVocabSize compares the config vocab size against the vocabulary in
// tokenizer.json when one is bundled. A mismatch is worth flagging but not
// fatal: embedding rows, not the tokenizer, are authoritative.
func checkVocabSize(dir string, vocabSize uint32) {
	bts, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return
	}

	var t struct {
		AddedTokens []struct {
			Content string `json:"content"`
		} `json:"added_tokens"`
		Model struct {
			Vocab map[string]int32 `json:"vocab"`
		} `json:"model"`
	}

	if err := json.Unmarshal(bts, &t); err != nil {
		slog.Warn("could not parse tokenizer.json", "error", err)
		return
	}

	n := len(t.Model.Vocab)
	for _, added := range t.AddedTokens {
		if _, ok := t.Model.Vocab[added.Content]; !ok {
			n++
		}
	}

	switch {
	case n == 0:
		// tokenizer.model or other non-JSON vocab, nothing to compare
	case uint32(n) != vocabSize:
		slog.Warn("tokenizer vocabulary does not match config", "vocab_size", vocabSize, "tokens", n)
	default:
		slog.Debug("vocabulary", "size", n)
	}
}
