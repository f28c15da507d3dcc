package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/problem"
	"github.com/ciresnave/candle-bhop/internal/store"
	"github.com/ciresnave/candle-bhop/internal/train"
)

// runJob executes an optimization job in the background.
// If checkpointStore is not nil, a final checkpoint is saved and, when the
// job has checkpointInterval > 0, periodic ones too. traceDir, when not
// empty, receives the job's trace.jsonl.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, traceDir string, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cfg := job.Config
	resumed := job.Params != nil
	log := slog.Default().With("job_id", jobID)

	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	log.Info("Starting job", "problem", cfg.Problem, "dim", cfg.Dim, "steps", cfg.Steps, "resumed_from", job.ResumedFrom)

	p, err := problem.New(cfg.Problem, cfg.Spec)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}
	if resumed {
		if err := p.Vars().Restore(job.Params); err != nil {
			err = fmt.Errorf("failed to restore checkpoint params: %w", err)
			markJobFailed(jm, jobID, err)
			return err
		}
	}
	vars := p.Vars().AllVars()

	// Counters continue from the checkpoint on resume. Steps is the budget
	// of the whole run, resumed parts included.
	stepBase, evalBase := job.ResumedFrom, job.FnEvals
	steps := max(cfg.Steps-stepBase, 0)
	if resumed && steps == 0 {
		// The checkpoint already holds the final state; leave it untouched.
		log.Warn("Step budget already spent", "steps", cfg.Steps, "checkpoint_step", stepBase)
		markJobCompleted(jm, jobID, 0)
		return nil
	}

	if cfg.WarmStart && !resumed {
		lower, upper := p.Bounds()
		searcher := opt.NewMayfly(cfg.WarmStartIters, cfg.WarmStartPop, cfg.Seed)
		loss, err := train.WarmStart(p, vars, lower, upper, searcher)
		if err != nil {
			markJobFailed(jm, jobID, err)
			return err
		}
		log.Info("Warm start finished", "loss", loss)
	}

	if !resumed {
		initial, err := evalLoss(p)
		if err != nil {
			markJobFailed(jm, jobID, err)
			return err
		}
		jm.UpdateJob(jobID, func(j *Job) {
			j.InitialLoss = initial
			j.Loss = initial
		})
	}

	var trace *store.TraceWriter
	if traceDir != "" {
		trace, err = store.NewTraceWriter(traceDir, jobID, resumed)
		if err != nil {
			markJobFailed(jm, jobID, err)
			return err
		}
	}
	closeTrace := func() {
		if trace == nil {
			return
		}
		if err := trace.Close(); err != nil {
			log.Warn("Failed to close trace", "error", err)
		}
		trace = nil
	}
	defer closeTrace()

	observe := func(ev train.StepEvent) {
		params := p.Vars().Snapshot()
		jm.UpdateJob(jobID, func(j *Job) {
			j.Step = stepBase + ev.Step + 1
			j.FnEvals = evalBase + ev.FnEvals
			j.Loss = ev.Loss
			j.Converged = ev.Converged
			j.TestMetric = ev.TestMetric
			j.Params = params
		})
		if trace != nil {
			err := trace.Write(store.TraceEntry{
				Step:       stepBase + ev.Step + 1,
				Loss:       ev.Loss,
				Evals:      ev.Evals,
				FnEvals:    evalBase + ev.FnEvals,
				Converged:  ev.Converged,
				TestMetric: ev.TestMetric,
				Timestamp:  time.Now(),
			})
			if err != nil {
				log.Warn("Failed to write trace entry", "error", err)
			}
		}
	}

	start := time.Now()

	progressDone := make(chan struct{})
	checkpointDone := make(chan struct{})
	var monitors sync.WaitGroup
	monitors.Add(1)
	go func() {
		defer monitors.Done()
		monitorProgress(ctx, jm, jobID, start, evalBase, progressDone)
	}()
	if checkpointStore != nil && cfg.CheckpointInterval > 0 {
		monitors.Add(1)
		go func() {
			defer monitors.Done()
			monitorCheckpoints(ctx, jm, checkpointStore, trace, jobID, checkpointDone)
		}()
	}

	result, runErr := train.Run(ctx, p, vars, cfg.Optimizer, steps,
		train.WithLogger(log),
		train.WithObserver(observe),
	)

	close(progressDone)
	close(checkpointDone)
	monitors.Wait()
	elapsed := time.Since(start)
	// Trace and checkpoint are complete before the job reports a final state.
	closeTrace()

	if runErr != nil {
		if errors.Is(runErr, train.ErrCanceled) {
			finalCheckpoint(jm, checkpointStore, jobID)
			markJobCancelled(jm, jobID)
			return runErr
		}
		markJobFailed(jm, jobID, runErr)
		return runErr
	}

	params := p.Vars().Snapshot()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.Params = params
		j.Loss = result.Loss
		j.Converged = result.Converged
		j.TestMetric = result.TestMetric
		j.FnEvals = evalBase + result.FnEvals
	})
	if err != nil {
		return err
	}
	finalCheckpoint(jm, checkpointStore, jobID)

	evalsPerSec := evalsPerSecond(result.FnEvals, elapsed)
	log.Info("Job completed",
		"elapsed", elapsed,
		"initial_loss", result.InitialLoss,
		"loss", result.Loss,
		"converged", result.Converged,
		"fn_evals", result.FnEvals,
		"evals_per_second", evalsPerSec,
	)
	markJobCompleted(jm, jobID, evalsPerSec)
	return nil
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, startTime time.Time, evalBase int, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // Throttle to 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			rate := evalsPerSecond(job.FnEvals-evalBase, time.Since(startTime))
			jm.broadcaster.Broadcast(progressEvent(job, rate))
		}
	}
}

// markJobCompleted marks a job as completed and sends the final event
func markJobCompleted(jm *JobManager, jobID string, evalsPerSec float64) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(progressEvent(job, evalsPerSec))
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(progressEvent(job, 0))
	}
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(progressEvent(job, 0))
	}
}

// monitorCheckpoints periodically saves checkpoints during optimization
func monitorCheckpoints(ctx context.Context, jm *JobManager, checkpointStore store.Store, trace *store.TraceWriter, jobID string, done chan struct{}) {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}

	interval := time.Duration(job.Config.CheckpointInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(jm, checkpointStore, trace, jobID); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}
}

func finalCheckpoint(jm *JobManager, checkpointStore store.Store, jobID string) {
	if checkpointStore == nil {
		return
	}
	if err := saveCheckpoint(jm, checkpointStore, nil, jobID); err != nil {
		slog.Error("Failed to save final checkpoint", "job_id", jobID, "error", err)
	}
}

// saveCheckpoint saves a checkpoint for the given job. The trace is flushed
// first so it never lags behind the checkpoint.
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, trace *store.TraceWriter, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	// Nothing to resume from before the first step
	if len(job.Params) == 0 || job.Step == 0 {
		slog.Debug("Skipping checkpoint, no step taken yet", "job_id", jobID)
		return nil
	}

	if trace != nil {
		if err := trace.Flush(); err != nil {
			slog.Warn("Failed to flush trace", "job_id", jobID, "error", err)
		}
	}

	checkpoint := store.NewCheckpoint(
		jobID,
		job.Params,
		job.Loss,
		job.InitialLoss,
		job.Step,
		job.FnEvals,
		job.Converged,
		job.Config,
	)
	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved",
		"job_id", jobID,
		"step", job.Step,
		"loss", job.Loss,
	)
	return nil
}

// evalLoss evaluates the problem's loss as a float64.
func evalLoss(p problem.Problem) (float64, error) {
	loss, err := p.Loss()
	if err != nil {
		return 0, fmt.Errorf("initial loss: %w", err)
	}
	return loss.ToFloat64()
}
