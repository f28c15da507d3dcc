package server

import (
	"net/http"

	"github.com/ciresnave/candle-bhop/internal/ui"
)

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Only handle exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	jobs := s.jobManager.ListJobs()
	jobItems := make([]ui.JobListItem, len(jobs))
	for i, job := range jobs {
		jobItems[i] = jobListItem(job)
	}

	if err := ui.JobList(jobItems).Render(r.Context(), w); err != nil {
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
}

func jobListItem(job *Job) ui.JobListItem {
	return ui.JobListItem{
		ID:          job.ID,
		State:       string(job.State),
		Problem:     job.Config.Problem,
		Dim:         job.Config.Dim,
		LineSearch:  string(job.Config.Optimizer.LineSearch),
		Step:        job.Step,
		FnEvals:     job.FnEvals,
		Loss:        job.Loss,
		InitialLoss: job.InitialLoss,
		TestMetric:  job.TestMetric,
		Converged:   job.Converged,
		StartTime:   job.StartTime,
		EndTime:     job.EndTime,
		Error:       job.Error,
	}
}
