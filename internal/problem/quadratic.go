package problem

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// Quadratic is ½ Σ aᵢ(xᵢ - cᵢ)² with curvatures aᵢ = 1..dim, so the
// condition number grows with the dimension.
type Quadratic struct {
	vars   *tensor.VarMap
	x      *tensor.Var
	a, c   []float64
	lo, hi float64
}

// NewQuadratic draws the center and the starting point from spec.Seed.
func NewQuadratic(spec Spec) (*Quadratic, error) {
	if err := spec.validate(1); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))

	q := &Quadratic{
		a:  make([]float64, spec.Dim),
		c:  make([]float64, spec.Dim),
		lo: -5,
		hi: 5,
	}
	for i := range q.a {
		q.a[i] = float64(i + 1)
		q.c[i] = 2*rng.Float64() - 1
	}

	q.vars = tensor.NewVarMap()
	x, err := q.vars.GetOrInit("x", tensor.Shape{spec.Dim}, func(int) float64 {
		return q.lo + (q.hi-q.lo)*rng.Float64()
	})
	if err != nil {
		return nil, err
	}
	q.x = x
	return q, nil
}

func (q *Quadratic) Name() string         { return "quadratic" }
func (q *Quadratic) Vars() *tensor.VarMap { return q.vars }

// Center returns a copy of the minimizer.
func (q *Quadratic) Center() []float64 {
	out := make([]float64, len(q.c))
	copy(out, q.c)
	return out
}

func (q *Quadratic) Loss() (*tensor.Tensor, error) {
	x := q.x.Values()
	floats.Sub(x, q.c)
	var f float64
	for i, d := range x {
		f += 0.5 * q.a[i] * d * d
	}
	return tensor.Scalar(f, tensor.Float64), nil
}

func (q *Quadratic) Gradients() ([]*tensor.Tensor, error) {
	g := q.x.Values()
	floats.Sub(g, q.c)
	floats.Mul(g, q.a)
	return []*tensor.Tensor{tensor.FromFloat64s(g)}, nil
}

// TestEval returns the largest coordinate error ‖x - c‖∞.
func (q *Quadratic) TestEval() (float64, error) {
	return floats.Distance(q.x.Values(), q.c, math.Inf(1)), nil
}

func (q *Quadratic) Bounds() (lower, upper []float64) {
	return box(len(q.c), q.lo, q.hi)
}
