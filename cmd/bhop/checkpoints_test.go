package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ciresnave/candle-bhop/internal/config"
	"github.com/ciresnave/candle-bhop/internal/store"
	"github.com/ciresnave/candle-bhop/internal/tensor"
)

func testCheckpoint(jobID string, step int) *store.Checkpoint {
	params := []tensor.VarSnapshot{{Name: "x", Shape: tensor.Shape{2}, Data: []float64{0.5, 0.25}}}
	return store.NewCheckpoint(jobID, params, 0.3, 24.2, step, step*2+1, false, config.Default())
}

// withDataDir points the checkpoints commands at dir for one test.
func withDataDir(t *testing.T, dir string) {
	t.Helper()
	original := checkpointDataDir
	checkpointDataDir = dir
	t.Cleanup(func() { checkpointDataDir = original })
}

func testCommand(in string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(in))
	return cmd, &out
}

func TestSelectCheckpointsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 0, 7)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	ids := map[string]bool{}
	for _, info := range toDelete {
		ids[info.JobID] = true
	}
	if !ids["job1"] || !ids["job4"] {
		t.Error("Expected job1 and job4 to be selected for deletion")
	}
}

func TestSelectCheckpointsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 2, 0)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	ids := map[string]bool{}
	for _, info := range toDelete {
		ids[info.JobID] = true
	}
	if !ids["job4"] || !ids["job1"] {
		t.Error("Expected job4 and job1 to be selected for deletion (oldest)")
	}
}

func TestSelectCheckpointsForDeletion_Combined(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
		{JobID: "job5", Timestamp: now.AddDate(0, 0, -2)},
	}

	// Both policies pick job1 and job4; each must appear once.
	toDelete := selectCheckpointsForDeletion(infos, 3, 7)

	if len(toDelete) != 2 {
		t.Errorf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
}

func TestSelectCheckpointsForDeletion_NothingToDo(t *testing.T) {
	infos := []store.CheckpointInfo{{JobID: "job1", Timestamp: time.Now()}}

	if got := selectCheckpointsForDeletion(infos, 5, 7); len(got) != 0 {
		t.Errorf("Expected nothing to delete, got %d", len(got))
	}
}

func TestGetDirSize(t *testing.T) {
	tmpDir := t.TempDir()

	content := []byte("Hello, World!")
	if err := os.WriteFile(filepath.Join(tmpDir, "test.txt"), content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	size, err := getDirSize(tmpDir)
	if err != nil {
		t.Fatalf("getDirSize failed: %v", err)
	}
	if size < int64(len(content)) {
		t.Errorf("Expected size >= %d, got %d", len(content), size)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func TestCheckpointsListCommand_NoCheckpoints(t *testing.T) {
	withDataDir(t, t.TempDir())
	cmd, out := testCommand("")

	if err := runListCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "No checkpoints found") {
		t.Errorf("Unexpected output: %q", out.String())
	}
}

func TestCheckpointsListCommand_WithCheckpoints(t *testing.T) {
	tmpDir := t.TempDir()
	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := checkpointStore.SaveCheckpoint("test-job-id", testCheckpoint("test-job-id", 10)); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	withDataDir(t, tmpDir)
	cmd, out := testCommand("")

	if err := runListCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "test-job-id") || !strings.Contains(text, "rosenbrock/2") {
		t.Errorf("Listing should show the job and problem, got:\n%s", text)
	}
	if !strings.Contains(text, "Total checkpoints: 1") {
		t.Errorf("Listing should show the total, got:\n%s", text)
	}
}

func TestCheckpointsShowCommand(t *testing.T) {
	tmpDir := t.TempDir()
	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := checkpointStore.SaveCheckpoint("job-1", testCheckpoint("job-1", 7)); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	withDataDir(t, tmpDir)
	cmd, out := testCommand("")

	if err := runShowCheckpoint(cmd, []string{"job-1"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "Step: 7 of 100") {
		t.Errorf("Expected step line, got:\n%s", text)
	}
	if !strings.Contains(text, "x [2]") {
		t.Errorf("Expected param line, got:\n%s", text)
	}

	if err := runShowCheckpoint(cmd, []string{"missing"}); err == nil {
		t.Error("Expected error for a missing checkpoint")
	}
}

func TestCheckpointsCleanCommand_NoFlags(t *testing.T) {
	withDataDir(t, t.TempDir())
	keepLast = 0
	olderThanDays = 0

	cmd, _ := testCommand("")
	if err := runCleanCheckpoints(cmd, nil); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestCheckpointsCleanCommand_WithForce(t *testing.T) {
	tmpDir := t.TempDir()
	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	old := testCheckpoint("old-job", 10)
	old.Timestamp = time.Now().AddDate(0, 0, -30)
	if err := checkpointStore.SaveCheckpoint("old-job", old); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	if err := checkpointStore.SaveCheckpoint("new-job", testCheckpoint("new-job", 10)); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	withDataDir(t, tmpDir)
	keepLast = 0
	olderThanDays = 7
	forceClean = true
	t.Cleanup(func() { olderThanDays, forceClean = 0, false })

	cmd, _ := testCommand("")
	if err := runCleanCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := checkpointStore.LoadCheckpoint("old-job"); err == nil {
		t.Error("Expected old checkpoint to be deleted")
	}
	if _, err := checkpointStore.LoadCheckpoint("new-job"); err != nil {
		t.Errorf("Recent checkpoint should survive: %v", err)
	}
}

func TestCheckpointsCleanCommand_Declined(t *testing.T) {
	tmpDir := t.TempDir()
	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := checkpointStore.SaveCheckpoint(id, testCheckpoint(id, 1)); err != nil {
			t.Fatalf("Failed to save checkpoint: %v", err)
		}
	}

	withDataDir(t, tmpDir)
	keepLast = 1
	olderThanDays = 0
	forceClean = false
	t.Cleanup(func() { keepLast = 0 })

	cmd, out := testCommand("n\n")
	if err := runCleanCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("Expected abort, got:\n%s", out.String())
	}
	infos, _ := checkpointStore.ListCheckpoints()
	if len(infos) != 2 {
		t.Errorf("Nothing should be deleted, %d checkpoints left", len(infos))
	}
}
