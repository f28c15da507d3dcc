package store

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/problem"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// JobConfig describes one optimization run. It lives here rather than in the
// server package so checkpoints can embed it.
type JobConfig struct {
	Problem      string `json:"problem" yaml:"problem"`
	problem.Spec `yaml:",inline"`

	Steps int `json:"steps" yaml:"steps"`

	// Warm start runs a mayfly search over the problem's bounds first.
	WarmStart      bool `json:"warmStart,omitempty" yaml:"warm_start,omitempty"`
	WarmStartIters int  `json:"warmStartIters,omitempty" yaml:"warm_start_iters,omitempty"`
	WarmStartPop   int  `json:"warmStartPop,omitempty" yaml:"warm_start_pop,omitempty"`

	Optimizer opt.Config `json:"optimizer" yaml:"optimizer"`

	CheckpointInterval int `json:"checkpointInterval,omitempty" yaml:"checkpoint_interval,omitempty"` // seconds, 0 = disabled
}

// Validate checks the fields a run cannot start without.
func (c JobConfig) Validate() error {
	if c.Problem == "" {
		return &ValidationError{Field: "Problem", Reason: "cannot be empty"}
	}
	if c.Dim <= 0 {
		return &ValidationError{Field: "Dim", Reason: "must be positive"}
	}
	if c.Steps < 0 {
		return &ValidationError{Field: "Steps", Reason: "cannot be negative"}
	}
	if c.WarmStart && c.WarmStartPop < opt.MinMayflyPopulation {
		return &ValidationError{Field: "WarmStartPop", Reason: fmt.Sprintf("must be >= %d", opt.MinMayflyPopulation)}
	}
	if c.CheckpointInterval < 0 {
		return &ValidationError{Field: "CheckpointInterval", Reason: "cannot be negative"}
	}
	if err := c.Optimizer.Validate(); err != nil {
		return &ValidationError{Field: "Optimizer", Reason: err.Error()}
	}
	return nil
}

// Checkpoint is the persisted state of a run: the parameters at the last
// accepted step plus enough bookkeeping to report on it.
//
// Only parameters are saved. L-BFGS curvature history is not, so a resumed
// run starts a fresh optimizer from the saved point.
type Checkpoint struct {
	JobID       string               `json:"jobId"`
	Params      []tensor.VarSnapshot `json:"params"`
	Loss        float64              `json:"loss"`
	InitialLoss float64              `json:"initialLoss"`
	Step        int                  `json:"step"`
	FnEvals     int                  `json:"fnEvals"`
	Converged   bool                 `json:"converged"`
	Timestamp   time.Time            `json:"timestamp"`
	Config      JobConfig            `json:"config"`
}

// CheckpointInfo is the listing view of a checkpoint, without parameters.
type CheckpointInfo struct {
	JobID     string    `json:"jobId"`
	Problem   string    `json:"problem"`
	Dim       int       `json:"dim"`
	Loss      float64   `json:"loss"`
	Step      int       `json:"step"`
	FnEvals   int       `json:"fnEvals"`
	Converged bool      `json:"converged"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCheckpoint stamps a checkpoint with the current time.
func NewCheckpoint(jobID string, params []tensor.VarSnapshot, loss, initialLoss float64, step, fnEvals int, converged bool, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:       jobID,
		Params:      params,
		Loss:        loss,
		InitialLoss: initialLoss,
		Step:        step,
		FnEvals:     fnEvals,
		Converged:   converged,
		Timestamp:   time.Now(),
		Config:      config,
	}
}

// ToInfo drops the parameters.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:     c.JobID,
		Problem:   c.Config.Problem,
		Dim:       c.Config.Dim,
		Loss:      c.Loss,
		Step:      c.Step,
		FnEvals:   c.FnEvals,
		Converged: c.Converged,
		Timestamp: c.Timestamp,
	}
}

// Validate checks that the checkpoint is internally consistent.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if len(c.Params) == 0 {
		return &ValidationError{Field: "Params", Reason: "cannot be empty"}
	}
	for i, p := range c.Params {
		field := fmt.Sprintf("Params[%d]", i)
		if p.Name == "" {
			return &ValidationError{Field: field, Reason: "has no name"}
		}
		if err := p.Shape.Validate(); err != nil {
			return &ValidationError{Field: field, Reason: err.Error()}
		}
		if p.Shape.NumElements() != len(p.Data) {
			return &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("shape %v needs %d values, got %d", p.Shape, p.Shape.NumElements(), len(p.Data)),
			}
		}
		for _, v := range p.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &ValidationError{Field: field, Reason: "contains non-finite values"}
			}
		}
	}
	if math.IsNaN(c.Loss) || math.IsInf(c.Loss, 0) {
		return &ValidationError{Field: "Loss", Reason: "must be finite"}
	}
	if c.Step < 0 {
		return &ValidationError{Field: "Step", Reason: "cannot be negative"}
	}
	if c.FnEvals < 1 {
		return &ValidationError{Field: "FnEvals", Reason: "must count the initial evaluation"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if err := c.Config.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Field: "Config." + ve.Field, Reason: ve.Reason}
		}
		return err
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible reports whether the checkpoint's parameters fit a run with
// config. Problem and dimension fix the parameter shapes; everything else
// may change between runs.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.Problem != config.Problem {
		return &CompatibilityError{
			Field:    "Problem",
			Expected: c.Config.Problem,
			Actual:   config.Problem,
		}
	}
	if c.Config.Dim != config.Dim {
		return &CompatibilityError{
			Field:    "Dim",
			Expected: fmt.Sprintf("%d", c.Config.Dim),
			Actual:   fmt.Sprintf("%d", config.Dim),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
