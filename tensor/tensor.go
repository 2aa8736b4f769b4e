// Package tensor provides the dense float32 tensor used by the CPU engine.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a row-major float32 array with a shape. 4D tensors are NCHW.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New wraps data with shape. The data length must match the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	n := Numel(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros allocates a zero-filled tensor
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, Numel(shape))}
}

// ZerosLike allocates a zero-filled tensor with t's shape
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

// Numel returns the number of elements for shape
func Numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the number of elements
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone deep-copies the tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data}
}

// Dims4 returns batch, channels, height and width of a 4D tensor
func (t *Tensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: Dims4 on shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// Dims2 returns rows and columns of a 2D tensor
func (t *Tensor) Dims2() (rows, cols int) {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("tensor: Dims2 on shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1]
}

// SameShape reports whether both tensors have identical shapes
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// AddInPlace adds o element-wise into t
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, o.Shape)
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
	return nil
}

// Reshape returns a view of t with a new shape of equal size
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Numel(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v to %v", t.Shape, shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// Sample returns the slice holding batch item i
func (t *Tensor) Sample(i int) []float32 {
	per := len(t.Data) / t.Shape[0]
	return t.Data[i*per : (i+1)*per]
}

// AllFinite reports whether no element is NaN or Inf
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
