package opt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/ciresnave/candle-bhop/internal/model"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

var (
	// ErrNotDifferentiable is returned when the model cannot report gradients.
	ErrNotDifferentiable = errors.New("opt: model does not provide gradients")

	// ErrDimensionMismatch is returned when gradients do not line up with the
	// parameter set.
	ErrDimensionMismatch = errors.New("opt: dimension mismatch")

	// ErrNonFinite is returned when a loss or gradient contains NaN or ±Inf.
	ErrNonFinite = errors.New("opt: non-finite value")
)

// minCurvature guards the L-BFGS update against pairs with s·y ≈ 0.
const minCurvature = 1e-16

// LBFGS is a limited-memory BFGS stepper. Search directions come from
// gonum's two-loop recursion; step lengths from the configured line search.
// Trial points are written straight into the parameter tensors.
type LBFGS struct {
	cfg   Config
	vars  []*tensor.Var
	model model.Differentiable

	dir *optimize.LBFGS

	x, g     []float64 // accepted point and its gradient
	haveGrad bool
	started  bool

	d      []float64 // search direction
	prevX  []float64
	prevG  []float64
	trialX []float64
	trialG []float64
}

type trial struct {
	x    []float64
	g    []float64
	f    float64
	loss *tensor.Tensor
}

// NewLBFGS binds an L-BFGS stepper to vars. The model must implement
// model.Differentiable.
func NewLBFGS(vars []*tensor.Var, cfg Config, m model.Model) (*LBFGS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("%w: empty parameter set", ErrDimensionMismatch)
	}
	dm, ok := m.(model.Differentiable)
	if !ok {
		return nil, ErrNotDifferentiable
	}
	n := tensor.TotalLen(vars)
	if n == 0 {
		return nil, fmt.Errorf("%w: parameters hold no elements", ErrDimensionMismatch)
	}

	l := &LBFGS{
		cfg:    cfg,
		vars:   vars,
		model:  dm,
		dir:    &optimize.LBFGS{Store: cfg.HistorySize},
		x:      make([]float64, n),
		g:      make([]float64, n),
		d:      make([]float64, n),
		prevX:  make([]float64, n),
		prevG:  make([]float64, n),
		trialX: make([]float64, n),
		trialG: make([]float64, n),
	}
	tensor.Flatten(l.x, vars)
	return l, nil
}

// BackwardStep takes one quasi-Newton step from the current parameters.
// loss must be the loss at the current parameters.
func (l *LBFGS) BackwardStep(loss *tensor.Tensor) (Outcome, error) {
	f, err := loss.ToFloat64()
	if err != nil {
		return Outcome{}, fmt.Errorf("opt: loss: %w", err)
	}
	if !isFinite(f) {
		return Outcome{}, fmt.Errorf("%w: loss is %v", ErrNonFinite, f)
	}

	if !l.haveGrad {
		tensor.Flatten(l.x, l.vars)
		if err := l.gradient(l.x, l.g); err != nil {
			return Outcome{}, err
		}
		l.haveGrad = true
	}

	if l.cfg.GradConv.Met(l.g) {
		return Converged(loss, 1), nil
	}

	projGrad, scale := l.direction(f)
	if !(projGrad < 0) {
		// A zero gradient that slipped past a zero tolerance.
		return Converged(loss, 1), nil
	}

	copy(l.prevX, l.x)
	copy(l.prevG, l.g)

	step := l.cfg.LR * scale
	accepted, evals, err := l.lineSearch(f, projGrad, step)
	if err != nil {
		return Outcome{}, err
	}
	if accepted == nil {
		// No trial point decreased the loss: nothing left to gain.
		if err := tensor.Unflatten(l.vars, l.x); err != nil {
			return Outcome{}, err
		}
		return Converged(loss, evals), nil
	}

	copy(l.x, accepted.x)
	copy(l.g, accepted.g)
	if err := tensor.Unflatten(l.vars, l.x); err != nil {
		return Outcome{}, err
	}

	floats.SubTo(l.trialX, l.x, l.prevX)
	if l.cfg.StepConv.Met(l.trialX) || l.cfg.GradConv.Met(l.g) {
		return Converged(accepted.loss, evals), nil
	}
	return Stepped(accepted.loss, evals), nil
}

// direction fills l.d with the next search direction and returns the
// directional derivative g·d and the initial step length along d. The
// curvature history is reset whenever the update would be ill-conditioned or
// the direction is not a descent one; a reset direction is steepest descent
// scaled to unit length.
func (l *LBFGS) direction(f float64) (projGrad, step float64) {
	loc := &optimize.Location{X: l.x, F: f, Gradient: l.g}

	if l.started {
		floats.SubTo(l.trialX, l.x, l.prevX)
		floats.SubTo(l.trialG, l.g, l.prevG)
		if floats.Dot(l.trialX, l.trialG) > minCurvature {
			step = l.dir.NextDirection(loc, l.d)
			if pg := floats.Dot(l.g, l.d); pg < 0 && isFinite(pg) {
				return pg, step
			}
		}
	}

	step = l.dir.InitDirection(loc, l.d)
	l.started = true
	return floats.Dot(l.g, l.d), step
}

// lineSearch returns the accepted trial, or nil when no evaluated point
// improved on f.
func (l *LBFGS) lineSearch(f, projGrad, step float64) (*trial, int, error) {
	if l.cfg.LineSearch == LineSearchNone {
		t, err := l.evaluateAt(step)
		if err != nil {
			return nil, 1, err
		}
		return t, 1, nil
	}

	ls := l.newLinesearcher()
	ls.Init(f, projGrad, step)

	var best *trial
	evals := 0
	for evals < l.cfg.MaxLineSearchEvals {
		t, err := l.evaluateAt(step)
		evals++
		if err != nil {
			return nil, evals, err
		}
		if t.f < f && (best == nil || t.f < best.f) {
			best = t
		}

		op, next, err := ls.Iterate(t.f, floats.Dot(t.g, l.d))
		if err != nil {
			break
		}
		// A major iteration accepts the point just evaluated.
		if op == optimize.MajorIteration {
			return t, evals, nil
		}
		step = next
	}
	return best, evals, nil
}

func (l *LBFGS) newLinesearcher() optimize.Linesearcher {
	switch l.cfg.LineSearch {
	case LineSearchBacktracking:
		return &optimize.Backtracking{}
	case LineSearchBisection:
		return &optimize.Bisection{}
	default:
		return &optimize.MoreThuente{}
	}
}

// evaluateAt moves the parameters to x + step*d and evaluates there.
func (l *LBFGS) evaluateAt(step float64) (*trial, error) {
	floats.AddScaledTo(l.trialX, l.x, step, l.d)
	if err := tensor.Unflatten(l.vars, l.trialX); err != nil {
		return nil, err
	}

	loss, err := l.model.Loss()
	if err != nil {
		return nil, fmt.Errorf("opt: loss: %w", err)
	}
	f, err := loss.ToFloat64()
	if err != nil {
		return nil, fmt.Errorf("opt: loss: %w", err)
	}
	if !isFinite(f) {
		return nil, fmt.Errorf("%w: loss is %v at step %g", ErrNonFinite, f, step)
	}
	if err := l.gradient(l.trialX, l.trialG); err != nil {
		return nil, err
	}

	t := &trial{
		x:    make([]float64, len(l.trialX)),
		g:    make([]float64, len(l.trialG)),
		f:    f,
		loss: loss,
	}
	copy(t.x, l.trialX)
	copy(t.g, l.trialG)
	return t, nil
}

// gradient writes the flattened gradient at x (already loaded into the vars)
// into dst, including weight decay.
func (l *LBFGS) gradient(x, dst []float64) error {
	grads, err := l.model.Gradients()
	if err != nil {
		return fmt.Errorf("opt: gradients: %w", err)
	}
	if len(grads) != len(l.vars) {
		return fmt.Errorf("%w: %d gradients for %d parameters", ErrDimensionMismatch, len(grads), len(l.vars))
	}

	off := 0
	for i, gt := range grads {
		if gt.Len() != l.vars[i].Len() {
			return fmt.Errorf("%w: gradient of %q has %d elements, want %d",
				ErrDimensionMismatch, l.vars[i].Name(), gt.Len(), l.vars[i].Len())
		}
		off += copy(dst[off:], gt.Data())
	}

	if l.cfg.WeightDecay > 0 {
		floats.AddScaled(dst, l.cfg.WeightDecay, x)
	}
	if floats.HasNaN(dst) {
		return fmt.Errorf("%w: gradient contains NaN", ErrNonFinite)
	}
	for _, v := range dst {
		if math.IsInf(v, 0) {
			return fmt.Errorf("%w: gradient contains Inf", ErrNonFinite)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
