package convert

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
)

// Tensor is a lazily-read tensor from a source checkpoint. WriteTo decodes
// the stored data to little-endian float32, applying the repacker if one is
// set.
type Tensor interface {
	Name() string
	Shape() []uint64
	DType() string
	Clone() Tensor
	SetRepacker(repacker)
	WriteTo(io.Writer) (int64, error)
}

type tensorBase struct {
	name  string
	shape []uint64
	dtype string
	repacker
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []uint64 {
	return t.shape
}

func (t tensorBase) DType() string {
	return t.dtype
}

func (t *tensorBase) SetRepacker(fn repacker) {
	t.repacker = fn
}

// repacker transforms decoded float32 data before it is written out. It
// receives the tensor name and the shape of the source tensor, not the
// shape declared for the output.
type repacker func(string, []float32, []uint64) ([]float32, error)

func parseTensors(d string, replacer *strings.Replacer) ([]Tensor, error) {
	patterns := []struct {
		glob string
		fn   func(*strings.Replacer, ...string) ([]Tensor, error)
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
		{"pytorch_model-*-of-*.bin", parseTorch},
		{"pytorch_model.bin", parseTorch},
	}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(d, pattern.glob))
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			return pattern.fn(replacer, matches...)
		}
	}

	return nil, errors.New("no safetensors or pytorch checkpoint found")
}
