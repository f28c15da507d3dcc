package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ciresnave/candle-bhop/internal/store"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Finished reports whether the state is terminal.
func (s JobState) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
	// ErrJobNotFound is returned for an unknown job ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
)

// JobConfig is an alias to avoid duplication with store.JobConfig
type JobConfig = store.JobConfig

// Job is an optimization run and its latest progress.
type Job struct {
	ID          string               `json:"id"`
	State       JobState             `json:"state"`
	Config      JobConfig            `json:"config"`
	Params      []tensor.VarSnapshot `json:"params,omitempty"`
	Loss        float64              `json:"loss"`
	InitialLoss float64              `json:"initialLoss"`
	Step        int                  `json:"step"` // steps completed, including earlier runs when resumed
	FnEvals     int                  `json:"fnEvals"`
	Converged   bool                 `json:"converged"`
	TestMetric  float64              `json:"testMetric"`
	ResumedFrom int                  `json:"resumedFrom,omitempty"` // steps inherited from a checkpoint
	StartTime   time.Time            `json:"startTime"`
	EndTime     *time.Time           `json:"endTime,omitempty"`
	Error       string               `json:"error,omitempty"`

	cancel context.CancelFunc
}

// clone copies the job so it can be read without holding the manager lock.
func (j *Job) clone() *Job {
	c := *j
	c.cancel = nil
	if j.Params != nil {
		c.Params = make([]tensor.VarSnapshot, len(j.Params))
		for i, p := range j.Params {
			c.Params[i] = tensor.VarSnapshot{
				Name:  p.Name,
				Shape: p.Shape.Clone(),
				Data:  append([]float64(nil), p.Data...),
			}
		}
	}
	if j.EndTime != nil {
		end := *j.EndTime
		c.EndTime = &end
	}
	return &c
}

// Elapsed is the run time so far, or the total once finished.
func (j *Job) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

// JobManager manages the lifecycle of jobs. Jobs handed out are copies.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job with a fresh ID.
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}
	jm.jobs[job.ID] = job
	return job.clone()
}

// ResumeJob registers a pending job that continues from cp under the same
// ID. config replaces the checkpoint's config and must be compatible with it.
func (jm *JobManager) ResumeJob(cp *store.Checkpoint, config JobConfig) (*Job, error) {
	if err := cp.IsCompatible(config); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if existing, ok := jm.jobs[cp.JobID]; ok && !existing.State.Finished() {
		return nil, fmt.Errorf("job %s is still %s", cp.JobID, existing.State)
	}
	job := &Job{
		ID:          cp.JobID,
		State:       StatePending,
		Config:      config,
		Params:      cp.Params,
		Loss:        cp.Loss,
		InitialLoss: cp.InitialLoss,
		Step:        cp.Step,
		FnEvals:     cp.FnEvals,
		Converged:   cp.Converged,
		ResumedFrom: cp.Step,
		StartTime:   time.Now(),
	}
	jm.jobs[job.ID] = job
	// Drop the previous run's final event so streams don't end at once.
	jm.broadcaster.CleanupJob(job.ID)
	return job.clone(), nil
}

// GetJob retrieves a copy of a job by ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.clone(), true
}

// ListJobs returns copies of all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	updateFn(job)
	return nil
}

// setCancel records how to stop a job's run.
func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.UpdateJob(id, func(j *Job) { j.cancel = cancel })
}

// CancelJob asks a pending or running job to stop. The driver notices
// between steps.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.Finished() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.State)
	}
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job.clone())
		}
	}
	return runningJobs
}
