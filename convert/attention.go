package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/Ssukriti/dolomite-engine/fs/safetensors"
)

// Attention head layouts. They determine how query, key and value rows are
// interleaved inside a fused attention projection: MHA stores [q, k, v] per
// head, GQA stores [group queries, k, v] per key-value group, and MQA stores
// all queries followed by the single k and v head. All three are the
// group-wise layout with group sizes heads/kvHeads.
const (
	attentionHeadTypeMHA = "mha"
	attentionHeadTypeGQA = "gqa"
	attentionHeadTypeMQA = "mqa"
)

func attentionHeadType(heads, kvHeads uint32) (string, error) {
	switch {
	case heads == 0 || kvHeads == 0:
		return "", fmt.Errorf("invalid head counts: %d heads, %d key-value heads", heads, kvHeads)
	case heads%kvHeads != 0:
		return "", fmt.Errorf("num_attention_heads (%d) must be divisible by num_key_value_heads (%d)", heads, kvHeads)
	case heads == kvHeads:
		return attentionHeadTypeMHA, nil
	case kvHeads == 1:
		return attentionHeadTypeMQA, nil
	default:
		return attentionHeadTypeGQA, nil
	}
}

// splitQKV splits a fused interleaved attention projection into separate
// query, key and value tensors named by replacing "c_attn" in the source
// name with q_proj, k_proj and v_proj.
func splitQKV(t Tensor, heads, kvHeads, headDim uint64, dtype string) ([]*safetensors.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s: fused attention projection must be 2-D, got %v", t.Name(), shape)
	}

	qPerGroup := heads / kvHeads
	groupRows := (qPerGroup + 2) * headDim
	cols := shape[1]

	if shape[0] != kvHeads*groupRows {
		return nil, fmt.Errorf("%s: expected %d rows for %d heads and %d key-value heads, got %d",
			t.Name(), kvHeads*groupRows, heads, kvHeads, shape[0])
	}

	splits := []struct {
		replacement string
		start, end  uint64
	}{
		{"q_proj", 0, qPerGroup * headDim},
		{"k_proj", qPerGroup * headDim, (qPerGroup + 1) * headDim},
		{"v_proj", (qPerGroup + 1) * headDim, groupRows},
	}

	var out []*safetensors.Tensor
	for _, split := range splits {
		tt := t.Clone()
		tt.SetRepacker(sliceGroupRows(int(kvHeads), int(groupRows), int(split.start), int(split.end)))

		out = append(out, &safetensors.Tensor{
			Name:     strings.Replace(t.Name(), "c_attn", split.replacement, 1),
			DType:    dtype,
			Shape:    []uint64{kvHeads * (split.end - split.start), cols},
			WriterTo: tt,
		})
	}

	return out, nil
}

// sliceGroupRows returns a repacker that views a 2-D weight as
// [groups, groupRows, cols] and keeps rows [start, end) of every group.
func sliceGroupRows(groups, groupRows, start, end int) repacker {
	return func(name string, data []float32, shape []uint64) ([]float32, error) {
		cols := int(shape[len(shape)-1])
		if len(data) != groups*groupRows*cols {
			return nil, fmt.Errorf("%s: data has %d elements, expected %d", name, len(data), groups*groupRows*cols)
		}

		var tt tensor.Tensor = tensor.New(tensor.WithShape(groups, groupRows, cols), tensor.WithBacking(data))
		tt, err := tt.Slice(nil, tensor.S(start, end), nil)
		if err != nil {
			return nil, err
		}

		tt = tensor.Materialize(tt)
		if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
			return nil, err
		}

		return native.VectorF32(tt.(*tensor.Dense))
	}
}

// fusedQKV interleaves separate query, key and value projections back into
// a single group-wise fused tensor.
type fusedQKV struct {
	q, k, v Tensor

	kvHeads   uint64
	qPerGroup uint64
	headDim   uint64
}

// fuseQKV builds the fused counterpart of separate q/k/v projections. The
// fused name replaces "q_proj" in the query tensor's name with "c_attn".
func fuseQKV(q, k, v Tensor, heads, kvHeads, headDim uint64, dtype string) (*safetensors.Tensor, error) {
	qShape, kShape, vShape := q.Shape(), k.Shape(), v.Shape()
	if len(qShape) != 2 || len(kShape) != 2 || len(vShape) != 2 {
		return nil, fmt.Errorf("%s: attention projections must be 2-D", q.Name())
	}

	if qShape[0] != heads*headDim || kShape[0] != kvHeads*headDim || vShape[0] != kvHeads*headDim {
		return nil, fmt.Errorf("%s: projection rows %d/%d/%d do not match %d heads and %d key-value heads of dim %d",
			q.Name(), qShape[0], kShape[0], vShape[0], heads, kvHeads, headDim)
	}

	if qShape[1] != kShape[1] || qShape[1] != vShape[1] {
		return nil, fmt.Errorf("%s: projection columns %d/%d/%d differ", q.Name(), qShape[1], kShape[1], vShape[1])
	}

	return &safetensors.Tensor{
		Name:  strings.Replace(q.Name(), "q_proj", "c_attn", 1),
		DType: dtype,
		Shape: []uint64{(heads + 2*kvHeads) * headDim, qShape[1]},
		WriterTo: fusedQKV{
			q:         q,
			k:         k,
			v:         v,
			kvHeads:   kvHeads,
			qPerGroup: heads / kvHeads,
			headDim:   headDim,
		},
	}, nil
}

func (f fusedQKV) WriteTo(w io.Writer) (int64, error) {
	qs, err := tensorFloats(f.q)
	if err != nil {
		return 0, err
	}

	ks, err := tensorFloats(f.k)
	if err != nil {
		return 0, err
	}

	vs, err := tensorFloats(f.v)
	if err != nil {
		return 0, err
	}

	cols := int(f.q.Shape()[1])
	qGroup := int(f.qPerGroup*f.headDim) * cols
	kvGroup := int(f.headDim) * cols

	out := make([]float32, 0, len(qs)+len(ks)+len(vs))
	for g := 0; g < int(f.kvHeads); g++ {
		out = append(out, qs[g*qGroup:(g+1)*qGroup]...)
		out = append(out, ks[g*kvGroup:(g+1)*kvGroup]...)
		out = append(out, vs[g*kvGroup:(g+1)*kvGroup]...)
	}

	return 0, binary.Write(w, binary.LittleEndian, out)
}
