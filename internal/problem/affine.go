package problem

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ciresnave/candle-bhop/internal/tensor"
	"github.com/ciresnave/candle-bhop/internal/train"
)

// dataset is a seeded synthetic design split 3:1 into train and test rows.
type dataset struct {
	trainX, testX *mat.Dense
	trainY, testY *mat.VecDense
}

const trueBias = 0.5

// synthesize draws standard normal features and a hidden weight vector, and
// labels each row with label(x·w + bias).
func synthesize(spec Spec, label func(z float64, rng *rand.Rand) float64) (*dataset, error) {
	n := spec.Samples
	if n == 0 {
		n = DefaultSamples
	}
	if n < 4 {
		return nil, fmt.Errorf("%w: need at least 4 samples, got %d", ErrInvalidSpec, n)
	}
	rng := rand.New(rand.NewSource(spec.Seed))

	w := make([]float64, spec.Dim)
	for i := range w {
		w[i] = rng.NormFloat64()
	}

	nTest := n / 4
	nTrain := n - nTest
	x := make([]float64, n*spec.Dim)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		row := x[i*spec.Dim : (i+1)*spec.Dim]
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		y[i] = label(floats.Dot(row, w)+trueBias, rng)
	}

	return &dataset{
		trainX: mat.NewDense(nTrain, spec.Dim, x[:nTrain*spec.Dim]),
		trainY: mat.NewVecDense(nTrain, y[:nTrain]),
		testX:  mat.NewDense(nTest, spec.Dim, x[nTrain*spec.Dim:]),
		testY:  mat.NewVecDense(nTest, y[nTrain:]),
	}, nil
}

// affine is the shared z = Xw + b model behind the data problems.
type affine struct {
	vars    *tensor.VarMap
	w, b    *tensor.Var
	data    *dataset
	penalty float64
}

func newAffine(spec Spec, label func(z float64, rng *rand.Rand) float64) (*affine, error) {
	if err := spec.validate(1); err != nil {
		return nil, err
	}
	data, err := synthesize(spec, label)
	if err != nil {
		return nil, err
	}

	vm := tensor.NewVarMap()
	w, err := vm.GetOrInit("w", tensor.Shape{spec.Dim}, nil)
	if err != nil {
		return nil, err
	}
	b, err := vm.GetOrInit("b", tensor.Shape{1}, nil)
	if err != nil {
		return nil, err
	}
	return &affine{vars: vm, w: w, b: b, data: data, penalty: spec.Penalty}, nil
}

func (a *affine) Vars() *tensor.VarMap { return a.vars }

func (a *affine) Bounds() (lower, upper []float64) {
	return box(a.vars.Len(), -10, 10)
}

// predict returns Xw + b.
func (a *affine) predict(x *mat.Dense) *mat.VecDense {
	w := mat.NewVecDense(a.w.Len(), a.w.Values())
	b := a.b.Values()[0]

	var z mat.VecDense
	z.MulVec(x, w)
	for i := 0; i < z.Len(); i++ {
		z.SetVec(i, z.AtVec(i)+b)
	}
	return &z
}

// penaltyTerm is ½λ‖θ‖² over every parameter, bias included.
func (a *affine) penaltyTerm() (float64, error) {
	if a.penalty == 0 {
		return 0, nil
	}
	sq, err := train.L2Norm(a.vars.AllVars())
	if err != nil {
		return 0, err
	}
	return 0.5 * a.penalty * sq, nil
}

// grads maps r = dLoss_i/dz_i (one entry per training row) to the mean
// gradients of w and b, plus the penalty term.
func (a *affine) grads(r *mat.VecDense) []*tensor.Tensor {
	n := float64(r.Len())

	var gw mat.VecDense
	gw.MulVec(a.data.trainX.T(), r)
	gradW := make([]float64, gw.Len())
	for i := range gradW {
		gradW[i] = gw.AtVec(i) / n
	}
	floats.AddScaled(gradW, a.penalty, a.w.Values())

	gradB := mat.Sum(r)/n + a.penalty*a.b.Values()[0]
	return []*tensor.Tensor{tensor.FromFloat64s(gradW), tensor.FromFloat64s([]float64{gradB})}
}
