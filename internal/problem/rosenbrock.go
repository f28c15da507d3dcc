package problem

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize/functions"

	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// Rosenbrock is the extended Rosenbrock function. Its minimum is 0 at
// (1, ..., 1).
type Rosenbrock struct {
	vars *tensor.VarMap
	x    *tensor.Var
	fn   functions.ExtendedRosenbrock
	ones []float64
}

// NewRosenbrock starts from the classic point (-1.2, 1, -1.2, 1, ...).
func NewRosenbrock(spec Spec) (*Rosenbrock, error) {
	if err := spec.validate(2); err != nil {
		return nil, err
	}
	vm := tensor.NewVarMap()
	x, err := vm.GetOrInit("x", tensor.Shape{spec.Dim}, func(i int) float64 {
		if i%2 == 0 {
			return -1.2
		}
		return 1
	})
	if err != nil {
		return nil, err
	}
	ones := make([]float64, spec.Dim)
	for i := range ones {
		ones[i] = 1
	}
	return &Rosenbrock{vars: vm, x: x, ones: ones}, nil
}

func (r *Rosenbrock) Name() string         { return "rosenbrock" }
func (r *Rosenbrock) Vars() *tensor.VarMap { return r.vars }

func (r *Rosenbrock) Loss() (*tensor.Tensor, error) {
	return tensor.Scalar(r.fn.Func(r.x.Values()), tensor.Float64), nil
}

func (r *Rosenbrock) Gradients() ([]*tensor.Tensor, error) {
	x := r.x.Values()
	g := make([]float64, len(x))
	r.fn.Grad(g, x)
	return []*tensor.Tensor{tensor.FromFloat64s(g)}, nil
}

// TestEval returns the Euclidean distance to the known minimum.
func (r *Rosenbrock) TestEval() (float64, error) {
	return floats.Distance(r.x.Values(), r.ones, 2), nil
}

func (r *Rosenbrock) Bounds() (lower, upper []float64) {
	return box(len(r.ones), -2, 2)
}
