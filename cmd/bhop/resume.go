package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ciresnave/candle-bhop/internal/config"
	"github.com/ciresnave/candle-bhop/internal/store"
)

var (
	resumeDataDir string
	resumeSteps   int
	resumeTrace   bool
	resumeServer  string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume an optimization from its checkpoint",
	Long: `Continues a run from the parameters saved in its checkpoint. The optimizer
starts fresh from that point: curvature history is not saved.

--steps is the budget of the whole run, so it must exceed the checkpoint's
step count for any work to happen. With --server the job is resumed on a
running server instead of locally.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	resumeCmd.Flags().IntVar(&resumeSteps, "steps", 0, "New step budget (0 = keep the checkpoint's)")
	resumeCmd.Flags().BoolVar(&resumeTrace, "trace", false, "Append to the job's trace.jsonl")
	resumeCmd.Flags().StringVar(&resumeServer, "server", "", "Resume on this server instead of locally")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]
	if resumeServer != "" {
		return resumeRemote(cmd.OutOrStdout(), resumeServer, id, resumeSteps)
	}

	fs, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	cp, err := fs.LoadCheckpoint(id)
	if err != nil {
		return err
	}

	cfg := cp.Config
	if resumeSteps > 0 {
		cfg.Steps = resumeSteps
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if cp.Converged {
		slog.Warn("Checkpoint already converged", "job_id", id, "loss", cp.Loss)
	}
	if cfg.Steps <= cp.Step {
		slog.Warn("Step budget already spent", "job_id", id, "steps", cfg.Steps, "checkpoint_step", cp.Step)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := execute(ctx, localRun{
		jobID:  id,
		config: cfg,
		store:  fs,
		trace:  resumeTrace,
		resume: cp,
	})
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), summary)
}

// resumeRemote asks a server to resume the job from its own checkpoint store.
func resumeRemote(w io.Writer, serverURL, id string, steps int) error {
	var body io.Reader = http.NoBody
	if steps > 0 {
		data, err := json.Marshal(map[string]int{"steps": steps})
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/api/v1/checkpoints/%s/resume", serverURL, id)
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server returned %s: %s", resp.Status, readError(resp.Body))
	}

	var job struct {
		ID          string `json:"id"`
		State       string `json:"state"`
		ResumedFrom int    `json:"resumedFrom"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Fprintf(w, "Resumed job %s from step %d (%s)\n", job.ID, job.ResumedFrom, job.State)
	return nil
}

// readError extracts the message from a JSON error body, or returns the body.
func readError(r io.Reader) string {
	data, _ := io.ReadAll(r)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(data))
}
