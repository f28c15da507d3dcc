package store

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ciresnave/candle-bhop/internal/opt"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

func TestCheckpoint_JSONShape(t *testing.T) {
	cp := createTestCheckpoint("json-job")

	data, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	// Spec fields are flattened into the config object.
	for _, key := range []string{`"jobId"`, `"params"`, `"fnEvals"`, `"problem":"linear"`, `"dim":2`, `"seed":42`, `"optimizer"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Serialized checkpoint missing %s: %s", key, data)
		}
	}
}

func TestJobConfig_YAML(t *testing.T) {
	src := `
problem: logistic
dim: 5
seed: 7
penalty: 0.01
steps: 250
warm_start: true
warm_start_pop: 30
optimizer:
  lr: 1
  history_size: 10
  line_search: more-thuente
  max_line_search_evals: 25
  grad_conv: {kind: rms-force, tol: 1.0e-6}
  step_conv: {kind: min-step, tol: 1.0e-9}
`
	var cfg JobConfig
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if cfg.Problem != "logistic" || cfg.Dim != 5 || cfg.Seed != 7 || cfg.Penalty != 0.01 {
		t.Errorf("Unexpected problem fields: %+v", cfg)
	}
	if !cfg.WarmStart || cfg.WarmStartPop != 30 || cfg.Steps != 250 {
		t.Errorf("Unexpected run fields: %+v", cfg)
	}
	if cfg.Optimizer.LineSearch != opt.LineSearchMoreThuente || cfg.Optimizer.GradConv.Kind != opt.RMSForce {
		t.Errorf("Unexpected optimizer: %+v", cfg.Optimizer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestCheckpoint_Validate_Valid(t *testing.T) {
	if err := createTestCheckpoint("ok").Validate(); err != nil {
		t.Fatalf("Expected valid checkpoint, got %v", err)
	}
}

func TestCheckpoint_Validate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Checkpoint)
		field  string
	}{
		{"empty job id", func(c *Checkpoint) { c.JobID = "" }, "JobID"},
		{"no params", func(c *Checkpoint) { c.Params = nil }, "Params"},
		{"unnamed param", func(c *Checkpoint) { c.Params[0].Name = "" }, "Params[0]"},
		{"short data", func(c *Checkpoint) { c.Params[1].Data = nil }, "Params[1]"},
		{"zero dim", func(c *Checkpoint) { c.Params[1].Shape = tensor.Shape{0} }, "Params[1]"},
		{"nan param", func(c *Checkpoint) { c.Params[0].Data[1] = math.NaN() }, "Params[0]"},
		{"inf loss", func(c *Checkpoint) { c.Loss = math.Inf(1) }, "Loss"},
		{"negative step", func(c *Checkpoint) { c.Step = -1 }, "Step"},
		{"no evals", func(c *Checkpoint) { c.FnEvals = 0 }, "FnEvals"},
		{"zero time", func(c *Checkpoint) { c.Timestamp = time.Time{} }, "Timestamp"},
		{"no problem", func(c *Checkpoint) { c.Config.Problem = "" }, "Config.Problem"},
		{"no dim", func(c *Checkpoint) { c.Config.Dim = 0 }, "Config.Dim"},
		{"small warm start", func(c *Checkpoint) { c.Config.WarmStart = true; c.Config.WarmStartPop = 5 }, "Config.WarmStartPop"},
		{"bad optimizer", func(c *Checkpoint) { c.Config.Optimizer.HistorySize = 0 }, "Config.Optimizer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := createTestCheckpoint("bad")
			tt.mutate(cp)

			var ve *ValidationError
			if err := cp.Validate(); !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestCheckpoint_IsCompatible(t *testing.T) {
	cp := createTestCheckpoint("compat")

	same := testJobConfig()
	same.Steps = 5000
	same.Seed = 99
	same.Optimizer.LineSearch = opt.LineSearchBacktracking
	if err := cp.IsCompatible(same); err != nil {
		t.Errorf("Expected compatible, got %v", err)
	}

	other := testJobConfig()
	other.Problem = "logistic"
	var ce *CompatibilityError
	if err := cp.IsCompatible(other); !errors.As(err, &ce) || ce.Field != "Problem" {
		t.Errorf("Expected Problem mismatch, got %v", err)
	}

	wider := testJobConfig()
	wider.Dim = 3
	err := cp.IsCompatible(wider)
	if !errors.As(err, &ce) || ce.Field != "Dim" {
		t.Fatalf("Expected Dim mismatch, got %v", err)
	}
	if err.Error() != "compatibility error: Dim mismatch (expected 2, got 3)" {
		t.Errorf("Unexpected message: %s", err)
	}
}

func TestCheckpointInfo_FromCheckpoint(t *testing.T) {
	cp := createTestCheckpoint("info")
	cp.Converged = true

	info := cp.ToInfo()
	if info.JobID != "info" || info.Problem != "linear" || info.Dim != 2 {
		t.Errorf("Unexpected identity fields: %+v", info)
	}
	if info.Loss != cp.Loss || info.Step != cp.Step || info.FnEvals != cp.FnEvals || !info.Converged {
		t.Errorf("Unexpected progress fields: %+v", info)
	}
	if !info.Timestamp.Equal(cp.Timestamp) {
		t.Errorf("Timestamp mismatch")
	}
}

func TestNewCheckpoint(t *testing.T) {
	before := time.Now()
	params := []tensor.VarSnapshot{{Name: "x", Shape: tensor.Shape{1}, Data: []float64{1}}}
	cp := NewCheckpoint("new", params, 0.5, 2.0, 3, 7, false, testJobConfig())

	if cp.Timestamp.Before(before) {
		t.Error("Timestamp should be set to now")
	}
	if cp.Loss != 0.5 || cp.InitialLoss != 2.0 || cp.Step != 3 || cp.FnEvals != 7 {
		t.Errorf("Unexpected fields: %+v", cp)
	}
}
