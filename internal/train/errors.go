package train

import (
	"errors"
	"fmt"
)

var (
	// ErrEvaluation means the model's loss or test metric could not be computed.
	ErrEvaluation = errors.New("train: evaluation failed")

	// ErrOptimizerInit means the optimizer could not be constructed.
	ErrOptimizerInit = errors.New("train: optimizer init failed")

	// ErrStep means an optimizer step failed. Returned errors are *StepError.
	ErrStep = errors.New("train: step failed")

	// ErrNumeric means a tensor reduction or dtype conversion failed.
	ErrNumeric = errors.New("train: numeric failure")

	// ErrCanceled means the run's context was done between two steps.
	ErrCanceled = errors.New("train: canceled")
)

// StepError reports the iteration at which a step failed.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("train: step %d failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStep) match any StepError.
func (e *StepError) Is(target error) bool {
	return target == ErrStep
}
