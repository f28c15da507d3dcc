package problem

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/tensor"
	"github.com/ciresnave/candle-bhop/internal/train"
)

func lossOf(t *testing.T, p Problem) float64 {
	t.Helper()
	l, err := p.Loss()
	require.NoError(t, err)
	f, err := l.ToFloat64()
	require.NoError(t, err)
	return f
}

// checkGradients compares analytic gradients with central differences at
// the problem's current parameters.
func checkGradients(t *testing.T, p Problem) {
	t.Helper()
	const h = 1e-6

	grads, err := p.Gradients()
	require.NoError(t, err)
	vars := p.Vars().AllVars()
	require.Len(t, grads, len(vars))

	for vi, v := range vars {
		analytic := grads[vi].Data()
		orig := v.Values()
		for i := range orig {
			x := append([]float64(nil), orig...)
			x[i] = orig[i] + h
			require.NoError(t, v.Set(x))
			fp := lossOf(t, p)
			x[i] = orig[i] - h
			require.NoError(t, v.Set(x))
			fm := lossOf(t, p)
			require.NoError(t, v.Set(orig))

			numeric := (fp - fm) / (2 * h)
			assert.InDelta(t, numeric, analytic[i], 1e-4*(1+abs(numeric)), "%s[%d]", v.Name(), i)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// perturb moves every parameter off its initial value so gradient checks
// do not run at a degenerate point.
func perturb(t *testing.T, p Problem) {
	t.Helper()
	for _, v := range p.Vars().AllVars() {
		x := v.Values()
		for i := range x {
			x[i] += 0.1 * float64(i+1)
		}
		require.NoError(t, v.Set(x))
	}
}

func TestGradients(t *testing.T) {
	specs := map[string]Spec{
		"rosenbrock": {Dim: 4},
		"quadratic":  {Dim: 5, Seed: 3},
		"linear":     {Dim: 3, Seed: 1, Samples: 40, Penalty: 0.1},
		"logistic":   {Dim: 3, Seed: 2, Samples: 40, Penalty: 0.01},
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, spec)
			require.NoError(t, err)
			assert.Equal(t, name, p.Name())
			perturb(t, p)
			checkGradients(t, p)
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New("himmelblau", Spec{Dim: 2})
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = New("rosenbrock", Spec{Dim: 1})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = New("linear", Spec{Dim: 2, Samples: 3})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = New("logistic", Spec{Dim: 2, Penalty: -1})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"linear", "logistic", "quadratic", "rosenbrock"}, Names())
}

func TestBoundsMatchParameterCount(t *testing.T) {
	for _, name := range Names() {
		p, err := New(name, Spec{Dim: 3, Seed: 1})
		require.NoError(t, err)
		lower, upper := p.Bounds()
		assert.Len(t, lower, p.Vars().Len(), name)
		assert.Len(t, upper, p.Vars().Len(), name)
	}
}

func TestQuadratic_Deterministic(t *testing.T) {
	a, err := NewQuadratic(Spec{Dim: 4, Seed: 9})
	require.NoError(t, err)
	b, err := NewQuadratic(Spec{Dim: 4, Seed: 9})
	require.NoError(t, err)
	assert.Equal(t, a.Center(), b.Center())
	assert.Equal(t, a.x.Values(), b.x.Values())
}

func TestRosenbrock_Minimum(t *testing.T) {
	r, err := NewRosenbrock(Spec{Dim: 3})
	require.NoError(t, err)
	require.NoError(t, r.x.Set([]float64{1, 1, 1}))
	assert.Equal(t, 0.0, lossOf(t, r))

	dist, err := r.TestEval()
	require.NoError(t, err)
	assert.Equal(t, 0.0, dist)
}

func TestLinear_PenaltyUsesSquaredNorm(t *testing.T) {
	plain, err := NewLinear(Spec{Dim: 2, Seed: 4, Samples: 20})
	require.NoError(t, err)
	pen, err := NewLinear(Spec{Dim: 2, Seed: 4, Samples: 20, Penalty: 2})
	require.NoError(t, err)

	require.NoError(t, plain.w.Set([]float64{3, 4}))
	require.NoError(t, pen.w.Set([]float64{3, 4}))
	// ½·2·(3² + 4² + 0²) = 25
	assert.InDelta(t, 25, lossOf(t, pen)-lossOf(t, plain), 1e-12)
}

func quiet() train.Option {
	return train.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSolve(t *testing.T) {
	cfg := opt.DefaultConfig()
	cfg.LineSearch = opt.LineSearchMoreThuente

	t.Run("rosenbrock", func(t *testing.T) {
		p, err := NewRosenbrock(Spec{Dim: 2})
		require.NoError(t, err)
		res, err := train.Run(context.Background(), p, p.Vars().AllVars(), cfg, 500, quiet())
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.InDelta(t, 0, res.Loss, 1e-6)
		assert.InDeltaSlice(t, []float64{1, 1}, p.x.Values(), 1e-2)
	})

	t.Run("linear recovers bias", func(t *testing.T) {
		p, err := NewLinear(Spec{Dim: 4, Seed: 11})
		require.NoError(t, err)
		res, err := train.Run(context.Background(), p, p.Vars().AllVars(), cfg, 200, quiet())
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.InDelta(t, trueBias, p.b.Values()[0], 0.05)
		assert.Less(t, res.TestMetric, 0.01)
	})

	t.Run("logistic", func(t *testing.T) {
		p, err := NewLogistic(Spec{Dim: 3, Seed: 5, Penalty: 1e-3})
		require.NoError(t, err)
		res, err := train.Run(context.Background(), p, p.Vars().AllVars(), cfg, 200, quiet())
		require.NoError(t, err)
		assert.Less(t, res.Loss, res.InitialLoss)
		assert.Greater(t, res.TestMetric, 0.8)
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	p, err := New("logistic", Spec{Dim: 2, Seed: 1})
	require.NoError(t, err)
	perturb(t, p)
	snap := p.Vars().Snapshot()
	before := lossOf(t, p)

	q, err := New("logistic", Spec{Dim: 2, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, q.Vars().Restore(snap))
	assert.Equal(t, before, lossOf(t, q))
	assert.Equal(t, tensor.TotalLen(p.Vars().AllVars()), 3)
}
