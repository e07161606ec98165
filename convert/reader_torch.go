package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

func parseTorch(replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		pt, err := pytorch.Load(p)
		if err != nil {
			return nil, err
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected pickle payload %T", p, pt)
		}

		for _, k := range dict.Keys() {
			t, ok := dict.MustGet(k).(*pytorch.Tensor)
			if !ok {
				continue
			}

			var shape []uint64
			for _, dim := range t.Size {
				shape = append(shape, uint64(dim))
			}

			dtype, err := torchDType(t.Source)
			if err != nil {
				return nil, fmt.Errorf("%s: tensor %q: %w", p, k, err)
			}

			ts = append(ts, torch{
				storage: t.Source,
				tensorBase: &tensorBase{
					name:  replacer.Replace(k.(string)),
					shape: shape,
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

func torchDType(s pytorch.StorageInterface) (string, error) {
	switch s.(type) {
	case *pytorch.FloatStorage, *pytorch.DoubleStorage:
		return "F32", nil
	case *pytorch.HalfStorage:
		return "F16", nil
	default:
		return "", fmt.Errorf("unsupported torch storage %T", s)
	}
}

type torch struct {
	storage pytorch.StorageInterface
	*tensorBase
}

func (t torch) Clone() Tensor {
	return torch{
		storage: t.storage,
		tensorBase: &tensorBase{
			name:  t.name,
			shape: slices.Clone(t.shape),
			dtype: t.dtype,
		},
	}
}

func (t torch) WriteTo(w io.Writer) (int64, error) {
	var f32s []float32
	switch s := t.storage.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.DoubleStorage:
		f32s = make([]float32, len(s.Data))
		for i, f64 := range s.Data {
			f32s[i] = float32(f64)
		}
	default:
		return 0, fmt.Errorf("unsupported torch storage %T", t.storage)
	}

	if t.repacker != nil {
		var err error
		f32s, err = t.repacker(t.Name(), f32s, t.Shape())
		if err != nil {
			return 0, err
		}
	}

	return 0, binary.Write(w, binary.LittleEndian, f32s)
}
