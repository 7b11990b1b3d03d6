// Package tensor holds the dense, row-major arrays produced by scene
// extraction. An Array carries its element type and shape alongside a typed
// backing slice so it can be written to an array container without
// reflection.
package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// DType names an element type. Values match NumPy dtype names.
type DType string

const (
	Float32 DType = "float32"
	Int32   DType = "int32"
	Bool    DType = "bool"
)

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Bool:
		return 1
	default:
		return 0
	}
}

// Array is a dense row-major array.
type Array struct {
	dtype DType
	shape []int
	f32   []float32
	i32   []int32
	b     []bool
}

// NewFloat32 returns a zeroed float32 array.
func NewFloat32(shape ...int) *Array {
	return &Array{dtype: Float32, shape: slices.Clone(shape), f32: make([]float32, numel(shape))}
}

// NewInt32 returns a zeroed int32 array.
func NewInt32(shape ...int) *Array {
	return &Array{dtype: Int32, shape: slices.Clone(shape), i32: make([]int32, numel(shape))}
}

// NewBool returns an all-false bool array.
func NewBool(shape ...int) *Array {
	return &Array{dtype: Bool, shape: slices.Clone(shape), b: make([]bool, numel(shape))}
}

// New returns a zeroed array of the given type.
func New(dtype DType, shape ...int) (*Array, error) {
	switch dtype {
	case Float32:
		return NewFloat32(shape...), nil
	case Int32:
		return NewInt32(shape...), nil
	case Bool:
		return NewBool(shape...), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// DType returns the element type.
func (a *Array) DType() DType { return a.dtype }

// Shape returns a copy of the shape.
func (a *Array) Shape() []int { return slices.Clone(a.shape) }

// Len returns the number of elements.
func (a *Array) Len() int { return numel(a.shape) }

// Float32s returns the backing slice of a float32 array, nil otherwise.
func (a *Array) Float32s() []float32 { return a.f32 }

// Int32s returns the backing slice of an int32 array, nil otherwise.
func (a *Array) Int32s() []int32 { return a.i32 }

// Bools returns the backing slice of a bool array, nil otherwise.
func (a *Array) Bools() []bool { return a.b }

// Offset returns the flat index of the element at idx. idx may address a
// prefix of the dimensions, in which case the offset of the first element of
// that sub-array is returned.
func (a *Array) Offset(idx ...int) int {
	if len(idx) > len(a.shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d-d array", len(idx), len(a.shape)))
	}
	off := 0
	for i, d := range a.shape {
		off *= d
		if i < len(idx) {
			if idx[i] < 0 || idx[i] >= d {
				panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, a.shape))
			}
			off += idx[i]
		}
	}
	return off
}

// NBytes returns the size of the raw little-endian payload.
func (a *Array) NBytes() int { return a.Len() * a.dtype.Size() }

// WriteTo writes the elements in little-endian byte order.
func (a *Array) WriteTo(w io.Writer) (int64, error) {
	var err error
	switch a.dtype {
	case Float32:
		err = binary.Write(w, binary.LittleEndian, a.f32)
	case Int32:
		err = binary.Write(w, binary.LittleEndian, a.i32)
	case Bool:
		err = binary.Write(w, binary.LittleEndian, a.b)
	default:
		err = fmt.Errorf("unsupported dtype %q", a.dtype)
	}
	if err != nil {
		return 0, err
	}
	return int64(a.NBytes()), nil
}

// Read reads an array of the given type and shape in little-endian order.
func Read(r io.Reader, dtype DType, shape []int) (*Array, error) {
	a, err := New(dtype, shape...)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		err = binary.Read(r, binary.LittleEndian, a.f32)
	case Int32:
		err = binary.Read(r, binary.LittleEndian, a.i32)
	case Bool:
		err = binary.Read(r, binary.LittleEndian, a.b)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s%v: %w", dtype, shape, err)
	}
	return a, nil
}

// Equal reports whether two arrays have the same type, shape and contents.
func Equal(a, b *Array) bool {
	if a.dtype != b.dtype || !slices.Equal(a.shape, b.shape) {
		return false
	}
	return slices.Equal(a.f32, b.f32) && slices.Equal(a.i32, b.i32) && slices.Equal(a.b, b.b)
}
