package opt

import (
	"fmt"

	"github.com/ciresnave/candle-bhop/internal/model"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// Kind tags the two possible results of a step.
type Kind int

const (
	// KindStepped means one admissible step was taken and the loop may continue.
	KindStepped Kind = iota + 1
	// KindConverged means no further progress is possible.
	KindConverged
)

func (k Kind) String() string {
	switch k {
	case KindStepped:
		return "stepped"
	case KindConverged:
		return "converged"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is the result of a single optimizer step. Both kinds carry the new
// loss and the number of additional function evaluations the step consumed.
type Outcome struct {
	Kind  Kind
	Loss  *tensor.Tensor
	Evals int
}

// Stepped builds a KindStepped outcome.
func Stepped(loss *tensor.Tensor, evals int) Outcome {
	return Outcome{Kind: KindStepped, Loss: loss, Evals: evals}
}

// Converged builds a KindConverged outcome.
func Converged(loss *tensor.Tensor, evals int) Outcome {
	return Outcome{Kind: KindConverged, Loss: loss, Evals: evals}
}

// Stepper is a stateful optimizer bound to a parameter set. BackwardStep
// takes the loss at the current parameters, moves them, and reports what
// happened.
type Stepper interface {
	BackwardStep(loss *tensor.Tensor) (Outcome, error)
}

// Factory constructs a Stepper for one run.
type Factory func(vars []*tensor.Var, cfg Config, m model.Model) (Stepper, error)

// Searcher is a derivative-free global optimizer over a box, used to pick a
// starting point before the quasi-Newton run.
type Searcher interface {
	// Search minimizes eval over [lower, upper] in dim dimensions and returns
	// the best position and its cost.
	Search(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error)
}
