// Package safetensors writes checkpoint files in the safetensors format:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype, shape and data offsets, then the raw tensor data.
package safetensors

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

// DTypeSize returns the storage size in bytes of a single element.
func DTypeSize(dtype string) (int64, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// Tensor describes a single named tensor to be written. WriterTo is expected
// to produce the tensor data as little-endian float32 regardless of DType;
// Write re-encodes to DType as needed.
type Tensor struct {
	Name  string
	DType string
	Shape []uint64

	io.WriterTo
}

func (t Tensor) Elements() uint64 {
	var n uint64 = 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Tensor) Size() (int64, error) {
	width, err := DTypeSize(t.DType)
	if err != nil {
		return 0, err
	}
	return int64(t.Elements()) * width, nil
}

type tensorMetadata struct {
	DType   string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Write writes tensors to ws in name order. The header carries a
// __metadata__ entry marking the file as a pytorch-style checkpoint so
// downstream loaders treat it like one saved by the reference tooling.
func Write(ws io.WriteSeeker, ts []*Tensor) error {
	ts = slices.Clone(ts)
	slices.SortFunc(ts, func(a, b *Tensor) int {
		return cmp.Compare(a.Name, b.Name)
	})

	header := make(map[string]json.RawMessage, len(ts)+1)
	header["__metadata__"] = json.RawMessage(`{"format":"pt"}`)

	var offset int64
	for _, t := range ts {
		if len(t.Shape) == 0 {
			return fmt.Errorf("tensor %q has no shape", t.Name)
		}

		size, err := t.Size()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}

		if _, ok := header[t.Name]; ok {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}

		bts, err := json.Marshal(tensorMetadata{
			DType:   t.DType,
			Shape:   t.Shape,
			Offsets: [2]int64{offset, offset + size},
		})
		if err != nil {
			return err
		}

		header[t.Name] = bts
		offset += size
	}

	headerData, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// pad the header with spaces so the data section is 8-byte aligned
	if pad := len(headerData) % 8; pad != 0 {
		headerData = append(headerData, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(ws, binary.LittleEndian, uint64(len(headerData))); err != nil {
		return err
	}

	if _, err := ws.Write(headerData); err != nil {
		return err
	}

	dataStart, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var want int64
	for _, t := range ts {
		if err := writeTensor(ws, t); err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}

		size, err := t.Size()
		if err != nil {
			return err
		}
		want += size

		pos, err := ws.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}

		if pos-dataStart != want {
			return fmt.Errorf("tensor %q: wrote %d bytes, expected %d", t.Name, pos-dataStart-(want-size), size)
		}
	}

	return nil
}

func writeTensor(w io.Writer, t *Tensor) error {
	if t.DType == DTypeF32 {
		_, err := t.WriteTo(w)
		return err
	}

	var b bytes.Buffer
	if _, err := t.WriteTo(&b); err != nil {
		return err
	}

	f32s := make([]float32, t.Elements())
	if err := binary.Read(&b, binary.LittleEndian, &f32s); err != nil {
		return err
	}

	switch t.DType {
	case DTypeF16:
		u16s := make([]uint16, len(f32s))
		for i := range f32s {
			u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}
		return binary.Write(w, binary.LittleEndian, u16s)
	case DTypeBF16:
		_, err := w.Write(bfloat16.EncodeFloat32(f32s))
		return err
	default:
		return fmt.Errorf("unsupported dtype %q", t.DType)
	}
}
