package train

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciresnave/candle-bhop/internal/model"
	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// fakeModel returns a fixed initial loss and counts calls.
type fakeModel struct {
	loss       float64
	lossErr    error
	metric     float64
	metricErr  error
	lossCalls  int
	metricCall int
}

func (m *fakeModel) Loss() (*tensor.Tensor, error) {
	m.lossCalls++
	if m.lossErr != nil {
		return nil, m.lossErr
	}
	return tensor.Scalar(m.loss, tensor.Float64), nil
}

func (m *fakeModel) TestEval() (float64, error) {
	m.metricCall++
	return m.metric, m.metricErr
}

type scripted struct {
	outcome opt.Outcome
	err     error
}

// scriptedStepper replays a fixed sequence of outcomes and records the loss
// it was handed on each call.
type scriptedStepper struct {
	script []scripted
	seen   []float64
}

func (s *scriptedStepper) BackwardStep(loss *tensor.Tensor) (opt.Outcome, error) {
	f, _ := loss.ToFloat64()
	s.seen = append(s.seen, f)
	i := len(s.seen) - 1
	if i >= len(s.script) {
		return opt.Outcome{}, errors.New("script exhausted")
	}
	return s.script[i].outcome, s.script[i].err
}

func stepped(loss float64, evals int) scripted {
	return scripted{outcome: opt.Stepped(tensor.Scalar(loss, tensor.Float64), evals)}
}

func convergedAt(loss float64, evals int) scripted {
	return scripted{outcome: opt.Converged(tensor.Scalar(loss, tensor.Float64), evals)}
}

func withStepper(s opt.Stepper) Option {
	return WithFactory(func([]*tensor.Var, opt.Config, model.Model) (opt.Stepper, error) {
		return s, nil
	})
}

func oneVar() []*tensor.Var {
	return []*tensor.Var{tensor.NewVar("w", tensor.FromFloat64s([]float64{1, 2}))}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRun_ZeroStepsReturnsInitialLoss(t *testing.T) {
	m := &fakeModel{loss: 7.5, metric: 0.25}
	s := &scriptedStepper{}

	res, err := Run(context.Background(), m, oneVar(), opt.DefaultConfig(), 0, withStepper(s), WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, 7.5, res.Loss)
	assert.Equal(t, 7.5, res.InitialLoss)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.FnEvals)
	assert.Equal(t, 0, res.Steps)
	assert.Empty(t, s.seen)
	assert.Equal(t, 1, m.lossCalls)
}

func TestRun_ConvergedOnFirstStep(t *testing.T) {
	m := &fakeModel{loss: 3, metric: 0.5}
	s := &scriptedStepper{script: []scripted{
		convergedAt(2, 5),
		stepped(1, 1),
		stepped(0.5, 1),
	}}

	var events []StepEvent
	res, err := Run(context.Background(), m, oneVar(), opt.DefaultConfig(), 10,
		withStepper(s), WithLogger(quietLogger()),
		WithObserver(func(e StepEvent) { events = append(events, e) }))
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Steps)
	assert.Len(t, s.seen, 1)
	assert.Equal(t, 1+5, res.FnEvals)
	assert.Equal(t, 2.0, res.Loss)
	assert.Equal(t, 0.5, res.TestMetric)

	// One metric evaluation for the step itself, none after the loop.
	assert.Equal(t, 1, m.metricCall)
	assert.Equal(t, 1, m.lossCalls)

	require.Len(t, events, 1)
	assert.True(t, events[0].Converged)
	assert.Equal(t, 0, events[0].Step)
}

func TestRun_StopsAtConvergence(t *testing.T) {
	m := &fakeModel{loss: 10, metric: 0.9}
	s := &scriptedStepper{script: []scripted{
		stepped(8, 3),
		stepped(5, 2),
		convergedAt(4, 4),
		stepped(1, 1),
	}}

	var events []StepEvent
	res, err := Run(context.Background(), m, oneVar(), opt.DefaultConfig(), 10,
		withStepper(s), WithLogger(quietLogger()),
		WithObserver(func(e StepEvent) { events = append(events, e) }))
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 4.0, res.Loss)
	assert.Equal(t, 1+3+2+4, res.FnEvals)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 0.9, res.TestMetric)

	// Each step sees the loss produced by the one before it.
	assert.Equal(t, []float64{10, 8, 5}, s.seen)

	require.Len(t, events, 3)
	assert.Equal(t, []int{4, 6, 10}, []int{events[0].FnEvals, events[1].FnEvals, events[2].FnEvals})
	assert.False(t, events[1].Converged)
	assert.True(t, events[2].Converged)
	assert.Equal(t, 2, events[2].Step)
}

func TestRun_BudgetExhaustedIsNotAnError(t *testing.T) {
	m := &fakeModel{loss: 10, metric: 0.5}
	s := &scriptedStepper{script: []scripted{stepped(9, 1), stepped(8, 2), stepped(7, 1)}}

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	res, err := Run(context.Background(), m, oneVar(), opt.DefaultConfig(), 3, withStepper(s), WithLogger(log))
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.Equal(t, 7.0, res.Loss)
	assert.Equal(t, 5, res.FnEvals)
	assert.Equal(t, 3, res.Steps)
	assert.Contains(t, buf.String(), "level=WARN msg=\"did not converge\" fn_evals=5")
	assert.Contains(t, buf.String(), "msg=\"initial loss\" loss=10")
	// Test metric: once per step plus the final report.
	assert.Equal(t, 4, m.metricCall)
}

func TestRun_StepFailure(t *testing.T) {
	cause := errors.New("line search exploded")
	m := &fakeModel{loss: 3}
	s := &scriptedStepper{script: []scripted{stepped(2, 1), {err: cause}}}

	res, err := Run(context.Background(), m, oneVar(), opt.DefaultConfig(), 5, withStepper(s), WithLogger(quietLogger()))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrStep)
	assert.ErrorIs(t, err, cause)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Step)
	assert.EqualError(t, err, "train: step 1 failed: line search exploded")
}

func TestRun_InitialLossFailure(t *testing.T) {
	cause := errors.New("forward pass failed")
	m := &fakeModel{lossErr: cause}
	factoryCalled := false
	f := func([]*tensor.Var, opt.Config, model.Model) (opt.Stepper, error) {
		factoryCalled = true
		return &scriptedStepper{}, nil
	}

	_, err := Run(context.Background(), m, oneVar(), opt.DefaultConfig(), 5, WithFactory(f), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrEvaluation)
	assert.ErrorIs(t, err, cause)
	assert.False(t, factoryCalled)
}

func TestRun_InitErrors(t *testing.T) {
	ctx := context.Background()
	log := WithLogger(quietLogger())

	t.Run("factory", func(t *testing.T) {
		f := func([]*tensor.Var, opt.Config, model.Model) (opt.Stepper, error) {
			return nil, errors.New("bad history size")
		}
		_, err := Run(ctx, &fakeModel{}, oneVar(), opt.DefaultConfig(), 5, WithFactory(f), log)
		assert.ErrorIs(t, err, ErrOptimizerInit)
	})

	t.Run("negative steps", func(t *testing.T) {
		_, err := Run(ctx, &fakeModel{}, oneVar(), opt.DefaultConfig(), -1, log)
		assert.ErrorIs(t, err, ErrOptimizerInit)
	})

	t.Run("no vars", func(t *testing.T) {
		_, err := Run(ctx, &fakeModel{}, nil, opt.DefaultConfig(), 5, log)
		assert.ErrorIs(t, err, ErrOptimizerInit)
	})

	t.Run("default optimizer needs gradients", func(t *testing.T) {
		_, err := Run(ctx, &fakeModel{}, oneVar(), opt.DefaultConfig(), 5, log)
		assert.ErrorIs(t, err, ErrOptimizerInit)
		assert.ErrorIs(t, err, opt.ErrNotDifferentiable)
	})
}

func TestRun_TestMetricFailure(t *testing.T) {
	m := &fakeModel{loss: 1, metricErr: errors.New("no test set")}
	s := &scriptedStepper{script: []scripted{stepped(0.5, 1)}}

	_, err := Run(context.Background(), m, oneVar(), opt.DefaultConfig(), 5, withStepper(s), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrEvaluation)
}

func TestRun_NonScalarLoss(t *testing.T) {
	s := &scriptedStepper{script: []scripted{
		{outcome: opt.Stepped(tensor.FromFloat64s([]float64{1, 2}), 1)},
	}}
	_, err := Run(context.Background(), &fakeModel{loss: 1}, oneVar(), opt.DefaultConfig(), 5, withStepper(s), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrNumeric)
	assert.ErrorIs(t, err, tensor.ErrNotScalar)
}

func TestRun_CanceledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &scriptedStepper{script: []scripted{stepped(2, 1), stepped(1, 1), stepped(0.5, 1)}}

	_, err := Run(ctx, &fakeModel{loss: 3}, oneVar(), opt.DefaultConfig(), 3,
		withStepper(s), WithLogger(quietLogger()),
		WithObserver(func(e StepEvent) {
			if e.Step == 0 {
				cancel()
			}
		}))
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, s.seen, 1)
}

// sphere is ½|x - c|², exercised through the real L-BFGS stepper.
type sphere struct {
	x *tensor.Var
	c []float64
}

func (s *sphere) Loss() (*tensor.Tensor, error) {
	var f float64
	for i, v := range s.x.Values() {
		d := v - s.c[i]
		f += 0.5 * d * d
	}
	return tensor.Scalar(f, tensor.Float64), nil
}

func (s *sphere) Gradients() ([]*tensor.Tensor, error) {
	xs := s.x.Values()
	g := make([]float64, len(xs))
	for i, v := range xs {
		g[i] = v - s.c[i]
	}
	return []*tensor.Tensor{tensor.FromFloat64s(g)}, nil
}

func (s *sphere) TestEval() (float64, error) { return 1, nil }

func TestRun_LBFGSConverges(t *testing.T) {
	x := tensor.NewVar("x", tensor.FromFloat64s([]float64{3, -2, 0.5}))
	m := &sphere{x: x, c: []float64{1, 1, 1}}
	cfg := opt.DefaultConfig()
	cfg.LineSearch = opt.LineSearchMoreThuente

	res, err := Run(context.Background(), m, []*tensor.Var{x}, cfg, 50, WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Less(t, res.Loss, res.InitialLoss)
	assert.InDelta(t, 0, res.Loss, 1e-10)
	assert.Greater(t, res.FnEvals, res.Steps)
	for i, v := range x.Values() {
		assert.InDelta(t, 1, v, 1e-5, "x[%d]", i)
	}
}

func TestRun_ScriptedThreeStepConvergence(t *testing.T) {
	s := &scriptedStepper{script: []scripted{
		stepped(0.8, 2),
		stepped(0.5, 3),
		convergedAt(0.4, 1),
	}}

	res, err := Run(context.Background(), &fakeModel{loss: 1}, oneVar(), opt.DefaultConfig(), 10,
		withStepper(s), WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 7, res.FnEvals)
	assert.Equal(t, 0.4, res.Loss)
	assert.Len(t, s.seen, 3)
}
