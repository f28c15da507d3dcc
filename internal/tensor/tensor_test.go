package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ShapeMismatch(t *testing.T) {
	_, err := New([]float64{1, 2, 3}, Shape{2, 2}, Float64)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShape)

	_, err = New(nil, Shape{0}, Float64)
	assert.ErrorIs(t, err, ErrShape)
}

func TestNew_CopiesData(t *testing.T) {
	data := []float64{1, 2}
	tt, err := New(data, Shape{2}, Float64)
	require.NoError(t, err)

	data[0] = 100
	assert.Equal(t, []float64{1, 2}, tt.Data())
}

func TestScalarExtraction(t *testing.T) {
	s := Scalar(2.5, Float64)
	v, err := s.ToFloat64()
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	// A [1,1] tensor still holds a single element.
	one, err := New([]float64{7}, Shape{1, 1}, Float64)
	require.NoError(t, err)
	v, err = one.ToFloat64()
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
}

func TestScalarExtraction_NotScalar(t *testing.T) {
	tt := FromFloat64s([]float64{1, 2})

	_, err := tt.ToFloat64()
	assert.ErrorIs(t, err, ErrNotScalar)

	_, err = tt.ToFloat32()
	assert.ErrorIs(t, err, ErrNotScalar)
}

func TestToDType_Float32Rounds(t *testing.T) {
	tt := Scalar(0.1, Float64)
	f32 := tt.ToDType(Float32)

	assert.Equal(t, Float32, f32.DType())
	v, err := f32.ToFloat64()
	require.NoError(t, err)
	assert.Equal(t, float64(float32(0.1)), v)

	// Original untouched.
	orig, _ := tt.ToFloat64()
	assert.Equal(t, 0.1, orig)
}

func TestSumSquares(t *testing.T) {
	tt, err := New([]float64{1, 2, 3, 4}, Shape{2, 2}, Float64)
	require.NoError(t, err)

	sum, err := tt.SumSquares()
	require.NoError(t, err)
	assert.True(t, sum.Shape().IsScalar())

	v, err := sum.ToFloat64()
	require.NoError(t, err)
	assert.InDelta(t, 30.0, v, 1e-12)
}

func TestSumSquares_Empty(t *testing.T) {
	_, err := FromFloat64s(nil).SumSquares()
	assert.ErrorIs(t, err, ErrShape)
}

func TestSumSquares_Overflow(t *testing.T) {
	_, err := FromFloat64s([]float64{math.MaxFloat64, math.MaxFloat64}).SumSquares()
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = FromFloat64s([]float64{math.NaN()}).SumSquares()
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestDataTypeString(t *testing.T) {
	assert.Equal(t, "float32", Float32.String())
	assert.Equal(t, "float64", Float64.String())
	assert.Equal(t, "unknown", DataType(42).String())
}
