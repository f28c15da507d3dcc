// Package train drives quasi-Newton optimization runs: a fixed-budget loop
// around an optimizer's step primitive, with convergence detection and
// function-evaluation accounting.
package train

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ciresnave/candle-bhop/internal/model"
	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// Result is the outcome of a successful run. A run that exhausts its budget
// is still successful; Converged tells the two apart.
type Result struct {
	Loss        float64 `json:"loss"`
	InitialLoss float64 `json:"initialLoss"`
	Converged   bool    `json:"converged"`
	FnEvals     int     `json:"fnEvals"`
	Steps       int     `json:"steps"`
	TestMetric  float64 `json:"testMetric"`
}

// StepEvent describes one completed step.
type StepEvent struct {
	Step       int
	Loss       float64
	Evals      int // evaluations consumed by this step
	FnEvals    int // running total, including the initial evaluation
	Converged  bool
	TestMetric float64
}

// Observer receives a StepEvent after every successful step. Observers run
// on the driver's goroutine and must not touch the parameters.
type Observer func(StepEvent)

type options struct {
	logger   *slog.Logger
	observer Observer
	factory  opt.Factory
}

// Option configures Run.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers a per-step observer.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithFactory replaces the optimizer constructor. The default builds an
// opt.LBFGS.
func WithFactory(f opt.Factory) Option {
	return func(o *options) { o.factory = f }
}

func newLBFGS(vars []*tensor.Var, cfg opt.Config, m model.Model) (opt.Stepper, error) {
	s, err := opt.NewLBFGS(vars, cfg, m)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run optimizes vars for at most maxSteps steps and returns the final loss.
//
// The initial loss counts as one function evaluation; every step adds the
// evaluations it reports. A Converged outcome ends the loop at once. The
// context is only checked between steps: a step in progress always
// completes. Any error aborts the run and no partial result is returned.
func Run(ctx context.Context, m model.Model, vars []*tensor.Var, cfg opt.Config, maxSteps int, opts ...Option) (*Result, error) {
	o := options{logger: slog.Default(), factory: newLBFGS}
	for _, apply := range opts {
		apply(&o)
	}
	log := o.logger

	if maxSteps < 0 {
		return nil, fmt.Errorf("%w: max steps must be >= 0, got %d", ErrOptimizerInit, maxSteps)
	}

	loss, err := m.Loss()
	if err != nil {
		return nil, fmt.Errorf("%w: initial loss: %w", ErrEvaluation, err)
	}
	initial, err := toFloat64(loss)
	if err != nil {
		return nil, err
	}
	log.Info("initial loss", "loss", initial)

	if len(vars) == 0 {
		return nil, fmt.Errorf("%w: empty parameter set", ErrOptimizerInit)
	}
	stepper, err := o.factory(vars, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOptimizerInit, err)
	}

	res := &Result{InitialLoss: initial}
	fnEvals := 1
	converged := false

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w before step %d: %w", ErrCanceled, step, err)
		}

		out, err := stepper.BackwardStep(loss)
		res.Steps++
		if err != nil {
			return nil, &StepError{Step: step, Err: err}
		}
		if out.Loss == nil {
			return nil, &StepError{Step: step, Err: fmt.Errorf("%v outcome without a loss", out.Kind)}
		}

		newLoss, err := toFloat64(out.Loss)
		if err != nil {
			return nil, err
		}
		metric, err := m.TestEval()
		if err != nil {
			return nil, fmt.Errorf("%w: test metric at step %d: %w", ErrEvaluation, step, err)
		}

		switch out.Kind {
		case opt.KindConverged:
			log.Info("step", "step", step, "loss", newLoss, "test_metric", metric)
			fnEvals += out.Evals
			loss = out.Loss
			converged = true
			res.TestMetric = metric
			log.Info("converged", "fn_evals", fnEvals)
		case opt.KindStepped:
			loss32, err := toFloat32(out.Loss)
			if err != nil {
				return nil, err
			}
			log.Debug("step", "step", step, "loss", loss32, "test_acc", fmt.Sprintf("%5.2f", metric))
			fnEvals += out.Evals
			loss = out.Loss
		default:
			return nil, &StepError{Step: step, Err: fmt.Errorf("unknown outcome %v", out.Kind)}
		}

		if o.observer != nil {
			o.observer(StepEvent{
				Step:       step,
				Loss:       newLoss,
				Evals:      out.Evals,
				FnEvals:    fnEvals,
				Converged:  converged,
				TestMetric: metric,
			})
		}
		if converged {
			break
		}
	}

	if !converged {
		metric, err := m.TestEval()
		if err != nil {
			return nil, fmt.Errorf("%w: final test metric: %w", ErrEvaluation, err)
		}
		res.TestMetric = metric
		log.Info("test metric", "test_acc", fmt.Sprintf("%5.2f", metric))
		log.Warn("did not converge", "fn_evals", fnEvals)
	}

	final, err := toFloat64(loss)
	if err != nil {
		return nil, err
	}
	log.Info("finished", "loss", final, "fn_evals", fnEvals)

	res.Loss = final
	res.Converged = converged
	res.FnEvals = fnEvals
	return res, nil
}

func toFloat64(t *tensor.Tensor) (float64, error) {
	v, err := t.ToDType(tensor.Float64).ToFloat64()
	if err != nil {
		return 0, fmt.Errorf("%w: loss: %w", ErrNumeric, err)
	}
	return v, nil
}

func toFloat32(t *tensor.Tensor) (float32, error) {
	v, err := t.ToDType(tensor.Float32).ToFloat32()
	if err != nil {
		return 0, fmt.Errorf("%w: loss: %w", ErrNumeric, err)
	}
	return v, nil
}
