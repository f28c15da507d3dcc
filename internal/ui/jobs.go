// Package ui renders the server's HTML pages. The markup lives in .templ
// files; run "templ generate" after editing them.
package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobListItem is one row of the job table.
type JobListItem struct {
	ID          string
	State       string
	Problem     string
	Dim         int
	LineSearch  string
	Step        int
	FnEvals     int
	Loss        float64
	InitialLoss float64
	TestMetric  float64
	Converged   bool
	StartTime   time.Time
	EndTime     *time.Time
	Error       string
}

// Elapsed is the run time so far, or the total once finished.
func (j JobListItem) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

func badgeClass(state string) string {
	switch state {
	case "running":
		return "badge badge-running"
	case "completed":
		return "badge badge-completed"
	case "failed":
		return "badge badge-failed"
	case "cancelled":
		return "badge badge-cancelled"
	default:
		return "badge badge-pending"
	}
}

func stateLabel(state string) string {
	if state == "" {
		return "Pending"
	}
	return strings.ToUpper(state[:1]) + state[1:]
}

func statusText(j JobListItem) string {
	if j.Converged {
		return stateLabel(j.State) + " (converged)"
	}
	return stateLabel(j.State)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func itoa(n int) string { return strconv.Itoa(n) }

func formatLoss(v float64) string { return fmt.Sprintf("%.6g", v) }

func formatMetric(v float64) string { return fmt.Sprintf("%.4g", v) }
