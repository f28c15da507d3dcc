package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ciresnave/candle-bhop/internal/config"
	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/store"
)

var (
	configPath  string
	problemName string
	dim         int
	seed        int64
	samples     int
	penalty     float64
	steps       int

	lr             float64
	historySize    int
	lineSearch     string
	lineSearchMax  int
	gradTol        float64
	stepTol        float64
	weightDecay    float64
	warmStart      bool
	warmStartIters int
	warmStartPop   int

	dataDir     string
	jobID       string
	traceRun    bool
	traceParams bool
	outPath     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single optimization",
	Long: `Runs L-BFGS on one of the built-in problems and prints the result.

Settings come from --config (YAML) when given, then from any flags set
explicitly on the command line. With --data-dir the final state is saved
as a checkpoint that "bhop resume" can continue. Ctrl-C stops the run
between two steps and still saves the checkpoint.`,
	RunE: runOptimization,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	def := config.Default()
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML run description")
	f.StringVar(&problemName, "problem", def.Problem, "Problem: rosenbrock, quadratic, linear, logistic")
	f.IntVar(&dim, "dim", def.Dim, "Problem dimension")
	f.Int64Var(&seed, "seed", def.Seed, "Random seed for data and warm start")
	f.IntVar(&samples, "samples", 0, "Samples for the regression problems (0 = default)")
	f.Float64Var(&penalty, "penalty", 0, "L2 penalty for the regression problems")
	f.IntVar(&steps, "steps", def.Steps, "Maximum optimizer steps")

	f.Float64Var(&lr, "lr", def.Optimizer.LR, "Initial step scale")
	f.IntVar(&historySize, "history", def.Optimizer.HistorySize, "L-BFGS history size")
	f.StringVar(&lineSearch, "line-search", string(def.Optimizer.LineSearch), "Line search: none, backtracking, more-thuente, bisection")
	f.IntVar(&lineSearchMax, "line-search-evals", def.Optimizer.MaxLineSearchEvals, "Maximum evaluations per line search")
	f.Float64Var(&gradTol, "grad-tol", def.Optimizer.GradConv.Tol, "Gradient convergence tolerance")
	f.Float64Var(&stepTol, "step-tol", def.Optimizer.StepConv.Tol, "Step convergence tolerance")
	f.Float64Var(&weightDecay, "weight-decay", 0, "Weight decay added to the gradient")
	f.BoolVar(&warmStart, "warm-start", false, "Run a mayfly search before L-BFGS")
	f.IntVar(&warmStartIters, "warm-iters", def.WarmStartIters, "Mayfly iterations")
	f.IntVar(&warmStartPop, "warm-pop", def.WarmStartPop, "Mayfly population size")

	f.StringVar(&dataDir, "data-dir", "", "Directory for checkpoints and traces (empty = none)")
	f.StringVar(&jobID, "job-id", "", "Job ID for checkpoints (default: random UUID)")
	f.BoolVar(&traceRun, "trace", false, "Write a per-step trace.jsonl (needs --data-dir)")
	f.BoolVar(&traceParams, "trace-params", false, "Include parameters in every trace entry")
	f.StringVar(&outPath, "out", "", "Write the result as JSON to this file")
}

// buildRunConfig layers explicitly set flags over the config file or the
// defaults, then validates.
func buildRunConfig(cmd *cobra.Command) (store.JobConfig, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return store.JobConfig{}, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("problem", func() { cfg.Problem = problemName })
	set("dim", func() { cfg.Dim = dim })
	set("seed", func() { cfg.Seed = seed })
	set("samples", func() { cfg.Samples = samples })
	set("penalty", func() { cfg.Penalty = penalty })
	set("steps", func() { cfg.Steps = steps })
	set("lr", func() { cfg.Optimizer.LR = lr })
	set("history", func() { cfg.Optimizer.HistorySize = historySize })
	set("line-search", func() { cfg.Optimizer.LineSearch = opt.LineSearch(lineSearch) })
	set("line-search-evals", func() { cfg.Optimizer.MaxLineSearchEvals = lineSearchMax })
	set("grad-tol", func() { cfg.Optimizer.GradConv.Tol = gradTol })
	set("step-tol", func() { cfg.Optimizer.StepConv.Tol = stepTol })
	set("weight-decay", func() { cfg.Optimizer.WeightDecay = weightDecay })
	set("warm-start", func() { cfg.WarmStart = warmStart })
	set("warm-iters", func() { cfg.WarmStartIters = warmStartIters })
	set("warm-pop", func() { cfg.WarmStartPop = warmStartPop })

	if err := config.Validate(cfg); err != nil {
		return store.JobConfig{}, err
	}
	return cfg, nil
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, err := buildRunConfig(cmd)
	if err != nil {
		return err
	}
	if traceRun && dataDir == "" {
		return fmt.Errorf("--trace needs --data-dir")
	}

	run := localRun{
		jobID:       jobID,
		config:      cfg,
		trace:       traceRun,
		traceParams: traceParams,
	}
	if run.jobID == "" {
		run.jobID = uuid.New().String()
	}
	if dataDir != "" {
		if run.store, err = store.NewFSStore(dataDir); err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	}

	slog.Info("Starting optimization",
		"job_id", run.jobID,
		"problem", cfg.Problem,
		"dim", cfg.Dim,
		"steps", cfg.Steps,
		"line_search", cfg.Optimizer.LineSearch,
		"warm_start", cfg.WarmStart,
	)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := execute(ctx, run)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), summary)
}

// report prints the summary and writes --out if requested.
func report(w io.Writer, s *runSummary) error {
	status := "did not converge"
	if s.Converged {
		status = "converged"
	}
	fmt.Fprintf(w, "%s: loss %.6g -> %.6g, %s after %d steps (%d evaluations, %s), test metric %.4g\n",
		s.JobID, s.InitialLoss, s.Loss, status, s.Step, s.FnEvals, s.Elapsed.Round(time.Millisecond), s.TestMetric)

	if outPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	fmt.Fprintf(w, "Wrote %s\n", outPath)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
