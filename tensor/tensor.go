// Package tensor implements the quantized tensor store (spec.md §4.A),
// the logical Tensor view, and the pre-allocated workspace (§4.C) that
// the rest of the engine borrows scratch buffers from.
//
// Nothing in this package allocates on the decode hot path: Tensor is a
// view, never an owner, and Workspace hands out slices of buffers it
// sized once at session construction.
package tensor

import "fmt"

// MaxDims is the maximum rank a Tensor view supports (spec.md §3).
const MaxDims = 4

// Tensor is a strided row-major view over a borrowed float32 buffer.
// It never owns Data, the backing array lives in a Workspace or a
// KV cache for the duration the view is read or written.
type Tensor struct {
	Data    []float32
	Shape   [MaxDims]int
	Strides [MaxDims]int
	NDim    int
}

// View constructs a row-major Tensor over buf using dims (the unused
// trailing Shape slots stay zero). len(buf) must be >= the product of
// dims; this is checked once here rather than on every element access.
func View(buf []float32, dims ...int) (Tensor, error) {
	if len(dims) == 0 || len(dims) > MaxDims {
		return Tensor{}, fmt.Errorf("tensor: rank %d out of range [1,%d]", len(dims), MaxDims)
	}
	n := 1
	for _, d := range dims {
		if d <= 0 {
			return Tensor{}, fmt.Errorf("tensor: non-positive dimension %d in %v", d, dims)
		}
		n *= d
	}
	if len(buf) < n {
		return Tensor{}, fmt.Errorf("tensor: buffer len %d smaller than shape product %d", len(buf), n)
	}
	var t Tensor
	t.Data = buf[:n]
	t.NDim = len(dims)
	copy(t.Shape[:t.NDim], dims)
	stride := 1
	for i := t.NDim - 1; i >= 0; i-- {
		t.Strides[i] = stride
		stride *= t.Shape[i]
	}
	return t, nil
}

// Len returns the number of elements the view covers.
func (t Tensor) Len() int {
	if t.NDim == 0 {
		return 0
	}
	n := 1
	for i := 0; i < t.NDim; i++ {
		n *= t.Shape[i]
	}
	return n
}

// Row returns a 1-D sub-view over the last dimension at the given
// leading indices, e.g. for a (H, T, Dh) tensor, Row(h, t) returns the
// Dh-length row. len(idx) must equal NDim-1.
func (t Tensor) Row(idx ...int) []float32 {
	if len(idx) != t.NDim-1 {
		panic(fmt.Sprintf("tensor: Row wants %d indices, got %d", t.NDim-1, len(idx)))
	}
	off := 0
	for i, v := range idx {
		off += v * t.Strides[i]
	}
	width := t.Shape[t.NDim-1]
	return t.Data[off : off+width]
}

// ViewWithStrides builds a Tensor over buf using explicit shape and
// strides, for callers whose physical layout isn't plain row-major
// (e.g. the KV cache stores time-major for a contiguous valid-prefix
// read view, but presents a logical (H,T,Dh) shape). The last
// dimension's stride must be 1, Row relies on that to return a
// contiguous slice.
func ViewWithStrides(buf []float32, shape, strides [MaxDims]int, ndim int) (Tensor, error) {
	if ndim <= 0 || ndim > MaxDims {
		return Tensor{}, fmt.Errorf("tensor: rank %d out of range [1,%d]", ndim, MaxDims)
	}
	if strides[ndim-1] != 1 {
		return Tensor{}, fmt.Errorf("tensor: last-dimension stride must be 1, got %d", strides[ndim-1])
	}
	return Tensor{Data: buf, Shape: shape, Strides: strides, NDim: ndim}, nil
}

// Reshape returns a new view over the same backing buffer with a
// different shape of equal element count. Used by attention to present
// a (T, D) activation as (H, T, Dh) without copying.
func (t Tensor) Reshape(dims ...int) (Tensor, error) {
	return View(t.Data, dims...)
}
