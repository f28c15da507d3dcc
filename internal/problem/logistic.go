package problem

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// Logistic is binary logistic regression with mean cross-entropy loss and an
// L2 penalty. With separable data and λ = 0 the minimum is at infinity, so
// callers usually set a small penalty.
type Logistic struct {
	*affine
}

// NewLogistic labels rows by the sign of a noisy hidden score.
func NewLogistic(spec Spec) (*Logistic, error) {
	a, err := newAffine(spec, func(z float64, rng *rand.Rand) float64 {
		if z+0.25*rng.NormFloat64() > 0 {
			return 1
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	return &Logistic{a}, nil
}

func (l *Logistic) Name() string { return "logistic" }

func (l *Logistic) Loss() (*tensor.Tensor, error) {
	z := l.predict(l.data.trainX)
	var f float64
	for i := 0; i < z.Len(); i++ {
		zi := z.AtVec(i)
		f += softplus(zi) - l.data.trainY.AtVec(i)*zi
	}
	f /= float64(z.Len())

	pen, err := l.penaltyTerm()
	if err != nil {
		return nil, err
	}
	return tensor.Scalar(f+pen, tensor.Float64), nil
}

func (l *Logistic) Gradients() ([]*tensor.Tensor, error) {
	z := l.predict(l.data.trainX)
	r := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		r.SetVec(i, sigmoid(z.AtVec(i))-l.data.trainY.AtVec(i))
	}
	return l.grads(r), nil
}

// TestEval returns the classification accuracy on the held-out rows.
func (l *Logistic) TestEval() (float64, error) {
	z := l.predict(l.data.testX)
	correct := 0
	for i := 0; i < z.Len(); i++ {
		pred := 0.0
		if z.AtVec(i) > 0 {
			pred = 1
		}
		if pred == l.data.testY.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(z.Len()), nil
}

// softplus is log(1 + eᶻ) without overflow.
func softplus(z float64) float64 {
	return math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
