// Package tensor provides the dense float32 arrays handed to the downstream
// training loop. Storage is row-major: the last axis varies fastest.
package tensor

import (
	"fmt"
)

// Tensor is a dense N-dimensional float32 array.
type Tensor struct {
	shape []int
	Data  []float32
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	return &Tensor{shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), Data: data}, nil
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dim returns the size of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Bytes returns the storage size in bytes.
func (t *Tensor) Bytes() uint64 { return uint64(len(t.Data)) * 4 }

// Strides returns the element stride of each axis.
func (t *Tensor) Strides() []int {
	return strides(t.shape)
}

// Offset returns the flat position of the element at idx.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d for shape %v", len(idx), t.shape))
	}
	off := 0
	for i, s := range strides(t.shape) {
		if idx[i] < 0 || idx[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off += idx[i] * s
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 { return t.Data[t.Offset(idx...)] }

// Set stores v at idx.
func (t *Tensor) Set(v float32, idx ...int) { t.Data[t.Offset(idx...)] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.shape...)
	copy(out.Data, t.Data)
	return out
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("stack: no tensors")
	}
	shape := ts[0].shape
	out := New(append([]int{len(ts)}, shape...)...)
	n := numel(shape)
	for i, t := range ts {
		if !t.SameShape(ts[0]) {
			return nil, fmt.Errorf("stack: tensor %d has shape %v, want %v", i, t.shape, shape)
		}
		copy(out.Data[i*n:(i+1)*n], t.Data)
	}
	return out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}
