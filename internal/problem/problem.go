// Package problem provides differentiable demo models the driver can be
// pointed at from the CLI and the job server.
package problem

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ciresnave/candle-bhop/internal/model"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// ErrUnknown is returned by New for an unregistered problem name.
var ErrUnknown = errors.New("problem: unknown problem")

// ErrInvalidSpec is returned when a Spec cannot describe the problem.
var ErrInvalidSpec = errors.New("problem: invalid spec")

// Spec sizes and seeds a problem instance.
type Spec struct {
	Dim     int     `json:"dim" yaml:"dim"`
	Seed    int64   `json:"seed" yaml:"seed"`
	Samples int     `json:"samples,omitempty" yaml:"samples,omitempty"` // data problems only
	Penalty float64 `json:"penalty,omitempty" yaml:"penalty,omitempty"` // L2 strength, data problems only
}

// DefaultSamples is used by data problems when Spec.Samples is zero.
const DefaultSamples = 200

// Problem is a differentiable model that owns its parameters.
type Problem interface {
	model.Differentiable
	model.Bounded

	Name() string
	Vars() *tensor.VarMap
}

type constructor func(Spec) (Problem, error)

var registry = map[string]constructor{
	"rosenbrock": func(s Spec) (Problem, error) { return NewRosenbrock(s) },
	"quadratic":  func(s Spec) (Problem, error) { return NewQuadratic(s) },
	"linear":     func(s Spec) (Problem, error) { return NewLinear(s) },
	"logistic":   func(s Spec) (Problem, error) { return NewLogistic(s) },
}

// New builds the named problem.
func New(name string, spec Spec) (Problem, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknown, name, Names())
	}
	return ctor(spec)
}

// Names lists the registered problems in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Spec) validate(minDim int) error {
	if s.Dim < minDim {
		return fmt.Errorf("%w: dim must be >= %d, got %d", ErrInvalidSpec, minDim, s.Dim)
	}
	if s.Samples < 0 {
		return fmt.Errorf("%w: samples must be >= 0, got %d", ErrInvalidSpec, s.Samples)
	}
	if s.Penalty < 0 {
		return fmt.Errorf("%w: penalty must be >= 0, got %g", ErrInvalidSpec, s.Penalty)
	}
	return nil
}

func box(n int, lo, hi float64) (lower, upper []float64) {
	lower = make([]float64, n)
	upper = make([]float64, n)
	for i := range lower {
		lower[i] = lo
		upper[i] = hi
	}
	return lower, upper
}
