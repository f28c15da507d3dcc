// Package tensor provides the minimal numeric array used for model parameters,
// losses and gradients: a dense row-major buffer with a shape and a data type.
package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrNotScalar is returned when a scalar is extracted from a tensor
	// that holds more than one element.
	ErrNotScalar = errors.New("tensor: not a scalar")

	// ErrShape is returned for malformed shapes or data/shape mismatches.
	ErrShape = errors.New("tensor: invalid shape")

	// ErrNonFinite is returned when a reduction produces NaN or ±Inf.
	ErrNonFinite = errors.New("tensor: non-finite value")
)

// DataType represents the element type a tensor is viewed as.
type DataType int

// Supported data types.
const (
	Float64 DataType = iota
	Float32
)

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Tensor is a dense numeric array. Elements are stored as float64; a Float32
// tensor holds values that are exactly representable as float32.
type Tensor struct {
	dtype DataType
	shape Shape
	data  []float64
}

// New creates a tensor over a copy of data. The shape must describe exactly
// len(data) elements.
func New(data []float64, shape Shape, dtype DataType) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrShape, shape, shape.NumElements(), len(data))
	}
	t := &Tensor{
		dtype: dtype,
		shape: shape.Clone(),
		data:  make([]float64, len(data)),
	}
	copy(t.data, data)
	if dtype == Float32 {
		roundFloat32(t.data)
	}
	return t, nil
}

// FromFloat64s creates a one-dimensional Float64 tensor.
func FromFloat64s(data []float64) *Tensor {
	t, err := New(data, Shape{len(data)}, Float64)
	if err != nil {
		// Only an empty slice can fail here.
		return &Tensor{dtype: Float64, shape: Shape{0}}
	}
	return t
}

// Scalar creates a rank-0 tensor holding v.
func Scalar(v float64, dtype DataType) *Tensor {
	t := &Tensor{dtype: dtype, shape: Shape{}, data: []float64{v}}
	if dtype == Float32 {
		roundFloat32(t.data)
	}
	return t
}

// DType returns the tensor's data type.
func (t *Tensor) DType() DataType { return t.dtype }

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape.Clone() }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data returns a copy of the elements in row-major order.
func (t *Tensor) Data() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

// ToDType converts the tensor to another data type. Converting to Float32
// rounds every element to the nearest float32.
func (t *Tensor) ToDType(dtype DataType) *Tensor {
	out := &Tensor{dtype: dtype, shape: t.shape.Clone(), data: t.Data()}
	if dtype == Float32 {
		roundFloat32(out.data)
	}
	return out
}

// ToFloat64 extracts the value of a single-element tensor.
func (t *Tensor) ToFloat64() (float64, error) {
	if !t.shape.IsScalar() || len(t.data) != 1 {
		return 0, fmt.Errorf("%w: shape %v", ErrNotScalar, t.shape)
	}
	return t.data[0], nil
}

// ToFloat32 extracts the value of a single-element tensor as float32.
func (t *Tensor) ToFloat32() (float32, error) {
	v, err := t.ToFloat64()
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// SumSquares reduces over all dimensions to a scalar holding the sum of the
// squared elements. The result keeps the tensor's data type.
func (t *Tensor) SumSquares() (*Tensor, error) {
	if len(t.data) == 0 {
		return nil, fmt.Errorf("%w: cannot reduce empty tensor", ErrShape)
	}
	sum := floats.Dot(t.data, t.data)
	if t.dtype == Float32 {
		sum = float64(float32(sum))
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: sum of squares is %v", ErrNonFinite, sum)
	}
	return Scalar(sum, t.dtype), nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %v)", t.dtype, t.shape)
}

func roundFloat32(data []float64) {
	for i, v := range data {
		data[i] = float64(float32(v))
	}
}
