package problem

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// Linear is least-squares regression, loss = ‖Xw + b - y‖² / 2n + ½λ‖θ‖².
type Linear struct {
	*affine
}

// NewLinear builds a regression problem with Gaussian label noise.
func NewLinear(spec Spec) (*Linear, error) {
	a, err := newAffine(spec, func(z float64, rng *rand.Rand) float64 {
		return z + 0.05*rng.NormFloat64()
	})
	if err != nil {
		return nil, err
	}
	return &Linear{a}, nil
}

func (l *Linear) Name() string { return "linear" }

func (l *Linear) residual(x *mat.Dense, y *mat.VecDense) *mat.VecDense {
	r := l.predict(x)
	r.SubVec(r, y)
	return r
}

func (l *Linear) Loss() (*tensor.Tensor, error) {
	r := l.residual(l.data.trainX, l.data.trainY)
	pen, err := l.penaltyTerm()
	if err != nil {
		return nil, err
	}
	f := mat.Dot(r, r)/(2*float64(r.Len())) + pen
	return tensor.Scalar(f, tensor.Float64), nil
}

func (l *Linear) Gradients() ([]*tensor.Tensor, error) {
	return l.grads(l.residual(l.data.trainX, l.data.trainY)), nil
}

// TestEval returns the mean squared error on the held-out rows.
func (l *Linear) TestEval() (float64, error) {
	r := l.residual(l.data.testX, l.data.testY)
	return mat.Dot(r, r) / float64(r.Len()), nil
}
