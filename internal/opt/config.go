// Package opt provides the quasi-Newton step primitive used by the training
// driver, and a global search used to pick starting points.
package opt

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("opt: invalid config")

// LineSearch selects how the step length along a search direction is chosen.
type LineSearch string

const (
	// LineSearchNone takes the step lr * direction without searching.
	LineSearchNone LineSearch = "none"
	// LineSearchBacktracking shrinks the step until the Armijo condition holds.
	LineSearchBacktracking LineSearch = "backtracking"
	// LineSearchMoreThuente finds a step satisfying the strong Wolfe conditions.
	LineSearchMoreThuente LineSearch = "more-thuente"
	// LineSearchBisection brackets a step satisfying the strong Wolfe conditions.
	LineSearchBisection LineSearch = "bisection"
)

// CriterionKind names a convergence test.
type CriterionKind string

const (
	// MinForce converges when every gradient component is below Tol.
	MinForce CriterionKind = "min-force"
	// RMSForce converges when the RMS of the gradient is below Tol.
	RMSForce CriterionKind = "rms-force"
	// MinStep converges when every parameter moved less than Tol.
	MinStep CriterionKind = "min-step"
	// RMSStep converges when the RMS parameter change is below Tol.
	RMSStep CriterionKind = "rms-step"
)

// Criterion is a convergence test with its tolerance.
type Criterion struct {
	Kind CriterionKind `json:"kind" yaml:"kind"`
	Tol  float64       `json:"tol" yaml:"tol"`
}

// Met reports whether v (a gradient or a parameter change) satisfies c.
func (c Criterion) Met(v []float64) bool {
	if len(v) == 0 {
		return true
	}
	switch c.Kind {
	case MinForce, MinStep:
		for _, x := range v {
			if math.Abs(x) >= c.Tol {
				return false
			}
		}
		return true
	case RMSForce, RMSStep:
		var sum float64
		for _, x := range v {
			sum += x * x
		}
		return math.Sqrt(sum/float64(len(v))) < c.Tol
	default:
		return false
	}
}

// Config holds the L-BFGS hyperparameters.
type Config struct {
	// LR scales the initial step along every search direction.
	LR float64 `json:"lr" yaml:"lr"`
	// HistorySize is the number of correction pairs kept.
	HistorySize int `json:"historySize" yaml:"history_size"`
	// LineSearch selects the step-length strategy.
	LineSearch LineSearch `json:"lineSearch" yaml:"line_search"`
	// MaxLineSearchEvals bounds the evaluations spent in one line search.
	MaxLineSearchEvals int `json:"maxLineSearchEvals" yaml:"max_line_search_evals"`
	// GradConv is tested on the gradient before and after each step.
	GradConv Criterion `json:"gradConv" yaml:"grad_conv"`
	// StepConv is tested on the parameter change of each step.
	StepConv Criterion `json:"stepConv" yaml:"step_conv"`
	// WeightDecay adds WeightDecay * x to the gradient. Zero disables it.
	WeightDecay float64 `json:"weightDecay,omitempty" yaml:"weight_decay"`
}

// DefaultConfig returns the defaults: unit learning rate, 100 history pairs,
// no line search, min-force 1e-7 and min-step 1e-9.
func DefaultConfig() Config {
	return Config{
		LR:                 1.0,
		HistorySize:        100,
		LineSearch:         LineSearchNone,
		MaxLineSearchEvals: 20,
		GradConv:           Criterion{Kind: MinForce, Tol: 1e-7},
		StepConv:           Criterion{Kind: MinStep, Tol: 1e-9},
	}
}

// Validate checks every field.
func (c Config) Validate() error {
	if !(c.LR > 0) || math.IsInf(c.LR, 0) {
		return fmt.Errorf("%w: lr must be positive and finite, got %v", ErrInvalidConfig, c.LR)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("%w: history size must be positive, got %d", ErrInvalidConfig, c.HistorySize)
	}
	switch c.LineSearch {
	case LineSearchNone, LineSearchBacktracking, LineSearchMoreThuente, LineSearchBisection:
	default:
		return fmt.Errorf("%w: unknown line search %q", ErrInvalidConfig, c.LineSearch)
	}
	if c.MaxLineSearchEvals <= 0 {
		return fmt.Errorf("%w: max line search evals must be positive, got %d", ErrInvalidConfig, c.MaxLineSearchEvals)
	}
	switch c.GradConv.Kind {
	case MinForce, RMSForce:
	default:
		return fmt.Errorf("%w: gradient criterion must be %s or %s, got %q", ErrInvalidConfig, MinForce, RMSForce, c.GradConv.Kind)
	}
	switch c.StepConv.Kind {
	case MinStep, RMSStep:
	default:
		return fmt.Errorf("%w: step criterion must be %s or %s, got %q", ErrInvalidConfig, MinStep, RMSStep, c.StepConv.Kind)
	}
	if c.GradConv.Tol < 0 || c.StepConv.Tol < 0 {
		return fmt.Errorf("%w: tolerances must be non-negative", ErrInvalidConfig)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight decay must be non-negative, got %v", ErrInvalidConfig, c.WeightDecay)
	}
	return nil
}
