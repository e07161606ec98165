package convert

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// swapGLUHalves returns a repacker that swaps the two stacked halves of a
// gated-linear-unit projection along dim. The fused weight stores the up
// and gate projections as consecutive chunks; the target layout expects
// them in the opposite order. Applying the repacker twice is the identity.
func swapGLUHalves(dim int) repacker {
	return func(name string, data []float32, shape []uint64) ([]float32, error) {
		dims := make([]int, len(shape))
		for i := range shape {
			dims[i] = int(shape[i])
		}

		if dim >= len(dims) || dims[dim]%2 != 0 {
			return nil, fmt.Errorf("%s: cannot split dim %d of %v in two", name, dim, dims)
		}

		// flatten the leading dims so the swap happens within each
		// leading slice (per expert for the 3-D MoE weight)
		outer := 1
		for _, d := range dims[:dim] {
			outer *= d
		}
		inner := 1
		for _, d := range dims[dim+1:] {
			inner *= d
		}

		half := dims[dim] / 2
		var tt tensor.Tensor = tensor.New(tensor.WithShape(outer, dims[dim], inner), tensor.WithBacking(data))

		halves := make([][]float32, 2)
		for i, s := range []tensor.Slice{tensor.S(0, half), tensor.S(half, dims[dim])} {
			sliced, err := tt.Slice(nil, s, nil)
			if err != nil {
				return nil, err
			}

			materialized := tensor.Materialize(sliced)
			if err := materialized.Reshape(materialized.Shape().TotalSize()); err != nil {
				return nil, err
			}

			halves[i], err = native.VectorF32(materialized.(*tensor.Dense))
			if err != nil {
				return nil, err
			}
		}

		out := make([]float32, 0, len(data))
		chunk := half * inner
		for o := 0; o < outer; o++ {
			out = append(out, halves[1][o*chunk:(o+1)*chunk]...)
			out = append(out, halves[0][o*chunk:(o+1)*chunk]...)
		}

		return out, nil
	}
}

// tensorFloats reads a tensor's data through its WriteTo path, returning
// the decoded (and repacked, if set) float32 values.
func tensorFloats(t Tensor) ([]float32, error) {
	var b bytes.Buffer
	if _, err := t.WriteTo(&b); err != nil {
		return nil, err
	}

	f32s := make([]float32, b.Len()/4)
	if err := binary.Read(&b, binary.LittleEndian, &f32s); err != nil {
		return nil, err
	}

	return f32s, nil
}
