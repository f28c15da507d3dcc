package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ciresnave/candle-bhop/internal/store"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the server's status response.
type jobStatus struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	Config      store.JobConfig `json:"config"`
	Loss        float64         `json:"loss"`
	InitialLoss float64         `json:"initialLoss"`
	Step        int             `json:"step"`
	FnEvals     int             `json:"fnEvals"`
	Converged   bool            `json:"converged"`
	TestMetric  float64         `json:"testMetric"`
	ResumedFrom int             `json:"resumedFrom"`
	Elapsed     float64         `json:"elapsed"`
	EvalsPerSec float64         `json:"evalsPerSec"`
	Error       string          `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if len(args) == 0 {
		return listJobs(w, fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(w, fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func listJobs(w io.Writer, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned error: %s", readError(resp.Body))
	}

	var jobs []jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATE\tPROBLEM\tSTEP\tEVALS\tLOSS")
	for _, job := range jobs {
		state := job.State
		if job.Converged {
			state += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%d\t%d\t%d\t%.6g\n",
			job.ID, state, job.Config.Problem, job.Config.Dim, job.Step, job.FnEvals, job.Loss)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d job(s), * = converged\n", len(jobs))
	return nil
}

func getJobStatus(w io.Writer, url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned error: %s", readError(resp.Body))
	}

	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	fmt.Fprintln(w)

	cfg := status.Config
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Problem: %s (dim %d, seed %d)\n", cfg.Problem, cfg.Dim, cfg.Seed)
	fmt.Fprintf(w, "  Steps: %d\n", cfg.Steps)
	fmt.Fprintf(w, "  Line search: %s, history %d, lr %g\n", cfg.Optimizer.LineSearch, cfg.Optimizer.HistorySize, cfg.Optimizer.LR)
	if cfg.WarmStart {
		fmt.Fprintf(w, "  Warm start: %d iterations, population %d\n", cfg.WarmStartIters, cfg.WarmStartPop)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Step: %d", status.Step)
	if status.ResumedFrom > 0 {
		fmt.Fprintf(w, " (resumed from %d)", status.ResumedFrom)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Function evaluations: %d\n", status.FnEvals)
	fmt.Fprintf(w, "  Loss: %.6g -> %.6g\n", status.InitialLoss, status.Loss)
	fmt.Fprintf(w, "  Converged: %v\n", status.Converged)
	fmt.Fprintf(w, "  Test metric: %.4g\n", status.TestMetric)

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.EvalsPerSec > 0 {
		fmt.Fprintf(w, "  Throughput: %.0f evals/sec\n", status.EvalsPerSec)
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}
	return nil
}
