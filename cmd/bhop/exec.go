package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/problem"
	"github.com/ciresnave/candle-bhop/internal/store"
	"github.com/ciresnave/candle-bhop/internal/tensor"
	"github.com/ciresnave/candle-bhop/internal/train"
)

// localRun describes one in-process optimization.
type localRun struct {
	jobID  string
	config store.JobConfig

	// store persists the final checkpoint (and the trace if enabled); nil
	// keeps everything in memory.
	store       *store.FSStore
	trace       bool
	traceParams bool

	// resume continues from a checkpoint instead of the problem's start.
	resume *store.Checkpoint
}

// runSummary is what a local run reports. Counters include resumed steps.
type runSummary struct {
	JobID       string               `json:"jobId"`
	Problem     string               `json:"problem"`
	InitialLoss float64              `json:"initialLoss"`
	Loss        float64              `json:"loss"`
	Converged   bool                 `json:"converged"`
	Step        int                  `json:"step"`
	FnEvals     int                  `json:"fnEvals"`
	TestMetric  float64              `json:"testMetric"`
	Elapsed     time.Duration        `json:"elapsed"`
	Params      []tensor.VarSnapshot `json:"params"`
}

// execute runs the optimization to completion, cancellation or failure. A
// cancelled run still checkpoints its last accepted step.
func execute(ctx context.Context, r localRun) (*runSummary, error) {
	cfg := r.config
	log := slog.Default().With("job_id", r.jobID)

	p, err := problem.New(cfg.Problem, cfg.Spec)
	if err != nil {
		return nil, err
	}
	vars := p.Vars().AllVars()

	stepBase, evalBase := 0, 0
	initialLoss := 0.0
	if r.resume != nil {
		if err := r.resume.IsCompatible(cfg); err != nil {
			return nil, err
		}
		if err := p.Vars().Restore(r.resume.Params); err != nil {
			return nil, fmt.Errorf("failed to restore checkpoint params: %w", err)
		}
		stepBase, evalBase = r.resume.Step, r.resume.FnEvals
		initialLoss = r.resume.InitialLoss
		if cfg.Steps <= stepBase {
			// Nothing left to run; report the checkpoint as it stands.
			return checkpointSummary(r.resume), nil
		}
		log.Info("Resuming from checkpoint", "step", stepBase, "loss", r.resume.Loss)
	} else if cfg.WarmStart {
		lower, upper := p.Bounds()
		searcher := opt.NewMayfly(cfg.WarmStartIters, cfg.WarmStartPop, cfg.Seed)
		loss, err := train.WarmStart(p, vars, lower, upper, searcher)
		if err != nil {
			return nil, err
		}
		log.Info("Warm start finished", "loss", loss, "iters", cfg.WarmStartIters, "pop", cfg.WarmStartPop)
	}

	if r.resume == nil {
		// Recorded up front so a cancelled run can still checkpoint it.
		loss, err := p.Loss()
		if err != nil {
			return nil, fmt.Errorf("initial loss: %w", err)
		}
		if initialLoss, err = loss.ToFloat64(); err != nil {
			return nil, fmt.Errorf("initial loss: %w", err)
		}
	}

	var trace *store.TraceWriter
	if r.store != nil && r.trace {
		trace, err = store.NewTraceWriter(r.store.BaseDir(), r.jobID, r.resume != nil)
		if err != nil {
			return nil, err
		}
		defer trace.Close()
	}

	var last *train.StepEvent
	observe := func(ev train.StepEvent) {
		last = &ev
		if trace == nil {
			return
		}
		entry := store.TraceEntry{
			Step:       stepBase + ev.Step + 1,
			Loss:       ev.Loss,
			Evals:      ev.Evals,
			FnEvals:    evalBase + ev.FnEvals,
			Converged:  ev.Converged,
			TestMetric: ev.TestMetric,
			Timestamp:  time.Now(),
		}
		if r.traceParams {
			entry.Params = make([]float64, tensor.TotalLen(vars))
			tensor.Flatten(entry.Params, vars)
		}
		if err := trace.Write(entry); err != nil {
			log.Warn("Failed to write trace entry", "error", err)
		}
	}

	start := time.Now()
	steps := max(cfg.Steps-stepBase, 0)
	res, runErr := train.Run(ctx, p, vars, cfg.Optimizer, steps,
		train.WithLogger(log),
		train.WithObserver(observe),
	)
	elapsed := time.Since(start)

	if trace != nil {
		if err := trace.Flush(); err != nil {
			log.Warn("Failed to flush trace", "error", err)
		}
	}

	if runErr != nil {
		if errors.Is(runErr, train.ErrCanceled) && last != nil && r.store != nil {
			cp := store.NewCheckpoint(r.jobID, p.Vars().Snapshot(), last.Loss, initialLoss,
				stepBase+last.Step+1, evalBase+last.FnEvals, false, cfg)
			if err := r.store.SaveCheckpoint(r.jobID, cp); err != nil {
				log.Error("Failed to save checkpoint", "error", err)
			} else {
				log.Info("Checkpoint saved", "step", cp.Step, "loss", cp.Loss)
			}
		}
		return nil, runErr
	}

	summary := &runSummary{
		JobID:       r.jobID,
		Problem:     cfg.Problem,
		InitialLoss: initialLoss,
		Loss:        res.Loss,
		Converged:   res.Converged,
		Step:        stepBase + res.Steps,
		FnEvals:     evalBase + res.FnEvals,
		TestMetric:  res.TestMetric,
		Elapsed:     elapsed,
		Params:      p.Vars().Snapshot(),
	}

	if r.store != nil && summary.Step > 0 {
		cp := store.NewCheckpoint(r.jobID, summary.Params, summary.Loss, summary.InitialLoss,
			summary.Step, summary.FnEvals, summary.Converged, cfg)
		if err := r.store.SaveCheckpoint(r.jobID, cp); err != nil {
			return summary, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		log.Info("Checkpoint saved", "dir", r.store.BaseDir(), "step", cp.Step)
	}
	return summary, nil
}

// checkpointSummary reports a checkpoint without running anything.
func checkpointSummary(cp *store.Checkpoint) *runSummary {
	return &runSummary{
		JobID:       cp.JobID,
		Problem:     cp.Config.Problem,
		InitialLoss: cp.InitialLoss,
		Loss:        cp.Loss,
		Converged:   cp.Converged,
		Step:        cp.Step,
		FnEvals:     cp.FnEvals,
		Params:      cp.Params,
	}
}
