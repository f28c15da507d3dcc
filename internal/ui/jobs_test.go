package ui

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobList_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JobList(nil).Render(context.Background(), &buf))
	assert.Contains(t, buf.String(), "No jobs yet.")
	assert.NotContains(t, buf.String(), "<table>")
}

func TestJobList_Rows(t *testing.T) {
	end := time.Now()
	items := []JobListItem{
		{
			ID: "0123456789abcdef", State: "completed", Problem: "rosenbrock", Dim: 2,
			LineSearch: "more-thuente", Step: 31, FnEvals: 44, Loss: 1.5e-12, InitialLoss: 24.2,
			Converged: true, StartTime: end.Add(-2 * time.Second), EndTime: &end,
		},
		{ID: "job-2", State: "failed", Problem: "linear", Error: "<boom>", StartTime: end},
	}

	var buf bytes.Buffer
	require.NoError(t, JobList(items).Render(context.Background(), &buf))
	html := buf.String()

	assert.Contains(t, html, `<tr id="job-0123456789abcdef">`)
	assert.Contains(t, html, "<code>01234567</code>")
	assert.Contains(t, html, "Completed (converged)")
	assert.Contains(t, html, "rosenbrock (dim 2)")
	assert.Contains(t, html, ">44<")
	assert.Contains(t, html, "2s")
	assert.Contains(t, html, "badge-failed")
	assert.Contains(t, html, "&lt;boom&gt;")
	assert.NotContains(t, html, "<boom>")
}

func TestStateLabel(t *testing.T) {
	assert.Equal(t, "Running", stateLabel("running"))
	assert.Equal(t, "Pending", stateLabel(""))
}

func TestJobList_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := JobList([]JobListItem{{ID: "job-1"}}).Render(ctx, &buf)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Completed (converged)", statusText(JobListItem{State: "completed", Converged: true}))
	assert.Equal(t, "Failed", statusText(JobListItem{State: "failed"}))
}
