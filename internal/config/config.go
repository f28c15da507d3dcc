// Package config loads run descriptions from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/problem"
	"github.com/ciresnave/candle-bhop/internal/store"
)

// Defaults applied before a file or request is read.
const (
	DefaultProblem        = "rosenbrock"
	DefaultDim            = 2
	DefaultSteps          = 100
	DefaultWarmStartIters = 50
	DefaultWarmStartPop   = 20
)

// Default returns a complete job description that file values and request
// bodies are layered on top of.
func Default() store.JobConfig {
	return store.JobConfig{
		Problem:        DefaultProblem,
		Spec:           problem.Spec{Dim: DefaultDim, Seed: 42},
		Steps:          DefaultSteps,
		WarmStartIters: DefaultWarmStartIters,
		WarmStartPop:   DefaultWarmStartPop,
		Optimizer:      opt.DefaultConfig(),
	}
}

// Load reads a YAML job description from path.
func Load(path string) (store.JobConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.JobConfig{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return store.JobConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML over Default(). Unknown keys are rejected and the result
// is validated.
func Decode(r io.Reader) (store.JobConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return store.JobConfig{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return store.JobConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return store.JobConfig{}, err
	}
	return cfg, nil
}

// Validate checks cfg, including that the problem is registered.
func Validate(cfg store.JobConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !slices.Contains(problem.Names(), cfg.Problem) {
		return fmt.Errorf("%w: %q (available: %v)", problem.ErrUnknown, cfg.Problem, problem.Names())
	}
	return nil
}
