// Package model defines the capabilities the optimization driver needs from
// a model. Models own their parameters; the driver only borrows them.
package model

import "github.com/ciresnave/candle-bhop/internal/tensor"

// Model is anything that can report its current loss and a secondary
// diagnostic metric.
type Model interface {
	// Loss recomputes the scalar loss from the current parameter values.
	Loss() (*tensor.Tensor, error)

	// TestEval returns a diagnostic metric (e.g. held-out accuracy) that is
	// independent of the optimization objective.
	TestEval() (float64, error)
}

// Differentiable is a Model that can also report the gradient of its loss.
type Differentiable interface {
	Model

	// Gradients returns d(loss)/d(var) for every parameter, in the order of
	// the model's parameter set, at the current parameter values.
	Gradients() ([]*tensor.Tensor, error)
}

// Bounded is implemented by models that define a box around the region
// worth searching. Both slices hold one entry per scalar parameter.
type Bounded interface {
	Bounds() (lower, upper []float64)
}
