package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/harness"
)

// isolate points the loader at an empty directory and clears the wandb
// environment.
func isolate(t *testing.T) string {
	dir := t.TempDir()
	for _, key := range []string{config.EnvWandbEntity, config.EnvWandbProject, config.EnvWandbMode, config.EnvWandbDir} {
		t.Setenv(key, "")
	}
	t.Setenv(config.EnvWandbDir, filepath.Join(dir, "wandb"))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestSettingsCommand(t *testing.T) {
	dir := isolate(t)
	t.Setenv(config.EnvWandbEntity, "acme")
	t.Setenv(config.EnvWandbProject, "evals")

	out, err := execute(t, "settings", "--working-dir", dir)
	require.NoError(t, err)

	var settings config.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &settings))
	assert.Equal(t, "acme", settings.Weave.Entity)
	assert.Equal(t, "evals", settings.Models.Project)
	assert.True(t, settings.Weave.Enabled)
	assert.Equal(t, filepath.Join(dir, "wandb"), settings.WandbDir)
}

func TestSettingsCommand_ConfigurationError(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "settings", "--working-dir", dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, inspectwandb.ErrWandbNotInitialized)
}

func TestSettingsCommand_InvalidLogLevel(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "settings", "--working-dir", dir, "--log-level", "loud")
	assert.Error(t, err)
}

func writeEvents(t *testing.T, dir string, events ...harness.Event) string {
	path := filepath.Join(dir, "events.jsonl")
	var buf bytes.Buffer
	for _, e := range events {
		require.NoError(t, harness.EncodeEvent(&buf, e))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestReplayCommand(t *testing.T) {
	dir := isolate(t)
	t.Setenv(config.EnvWandbEntity, "acme")
	t.Setenv(config.EnvWandbProject, "evals")

	path := writeEvents(t, dir,
		harness.RunStart{RunID: "run-1"},
		harness.TaskStart{RunID: "run-1", EvalID: "eval-1", Spec: harness.EvalSpec{Task: "gsm8k", Model: "openai/gpt-4o"}},
		harness.SampleEnd{RunID: "run-1", EvalID: "eval-1", SampleID: "1", Sample: harness.EvalSample{
			Scores: map[string]harness.Score{"match": {Value: "C"}},
		}},
		harness.TaskEnd{RunID: "run-1", EvalID: "eval-1"},
		harness.RunEnd{RunID: "run-1"},
	)
	runDir := filepath.Join(dir, "runs")

	out, err := execute(t, "replay", path,
		"--working-dir", dir,
		"--tracker", "file",
		"--run-dir", runDir,
		"--otel",
	)
	require.NoError(t, err)

	assert.Contains(t, out, "replayed 5 of 5 events")
	assert.Contains(t, out, "gsm8k")
	assert.Contains(t, out, "Evaluation.predict_and_score")
	assert.FileExists(t, filepath.Join(runDir, "run-run-1", "history.jsonl"))
}

func TestReplayCommand_FailureEndsRun(t *testing.T) {
	dir := isolate(t)
	t.Setenv(config.EnvWandbEntity, "acme")
	t.Setenv(config.EnvWandbProject, "evals")

	path := writeEvents(t, dir,
		harness.RunStart{RunID: "run-1"},
		harness.TaskStart{RunID: "run-1", EvalID: "eval-1", Spec: harness.EvalSpec{Task: "gsm8k", Model: "openai/gpt-4o"}},
		harness.SampleEnd{RunID: "run-1", EvalID: "eval-1", SampleID: "1", Sample: harness.EvalSample{
			Scores: map[string]harness.Score{"match": {Value: []any{1.0, 2.0}}},
		}},
		harness.TaskEnd{RunID: "run-1", EvalID: "eval-1"},
		harness.RunEnd{RunID: "run-1"},
	)
	runDir := filepath.Join(dir, "runs")

	out, err := execute(t, "replay", path,
		"--working-dir", dir,
		"--tracker", "file",
		"--run-dir", runDir,
		"--otel",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, inspectwandb.ErrInvalidScoreShape)
	assert.Contains(t, err.Error(), "event 3 (sample_end)")

	assert.Contains(t, out, "replayed 2 of 5 events")
	assert.Contains(t, out, "gsm8k Error", "evaluation finished with the failure")
	assert.FileExists(t, filepath.Join(runDir, "run-run-1", "summary.json"))
}

func TestReplayCommand_Errors(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "replay", filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)

	_, err = execute(t, "replay")
	assert.Error(t, err)

	path := writeEvents(t, dir, harness.RunStart{RunID: "run-1"})
	_, err = execute(t, "replay", path, "--working-dir", dir, "--tracker", "s3")
	assert.Error(t, err)
}
