package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/harness"
)

func newTestHooks(t *testing.T, settings *config.Settings, opts ...Option) (*Hooks, *fakeTracker) {
	t.Helper()
	tracker := &fakeTracker{}
	all := append([]Option{
		WithLoader(&staticLoader{settings: settings}),
		WithTracker(tracker),
		WithPlotsDir(t.TempDir()),
	}, opts...)
	return NewHooks(all...), tracker
}

func TestHooks_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.Models.Config = map[string]any{"learning_rate": 0.01}
	h, tracker := newTestHooks(t, settings)

	enabled, err := h.Enabled()
	require.NoError(t, err)
	require.True(t, enabled)

	require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
	assert.Empty(t, tracker.runs, "run is opened lazily")

	require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", nil)))
	require.Len(t, tracker.runs, 1)
	run := tracker.runs[0]
	assert.Equal(t, RunOptions{ID: "run-1", Entity: "test-entity", Project: "test-project"}, run.opts)
	assert.Equal(t, map[string]any{"learning_rate": 0.01}, run.config)
	assert.Equal(t, map[string]string{MetricAccuracy: MetricSamples}, run.metrics)
	assert.Equal(t, []string{
		"inspect_task:test_task",
		"inspect_model:mockllm/model",
		"inspect_dataset:test_dataset",
	}, run.tags)

	require.NoError(t, h.OnSampleEnd(ctx, testSampleEnd("1", map[string]harness.Score{"match": {Value: "C"}})))
	require.NoError(t, h.OnSampleEnd(ctx, testSampleEnd("2", map[string]harness.Score{"match": {Value: "I"}})))
	require.NoError(t, h.OnSampleEnd(ctx, testSampleEnd("3", nil)))
	require.NoError(t, h.OnSampleEnd(ctx, testSampleEnd("4", map[string]harness.Score{"match": {Value: 1.0}})))

	assert.Equal(t, []map[string]any{
		{MetricSamples: 1, MetricAccuracy: 1.0},
		{MetricSamples: 2, MetricAccuracy: 0.5},
		{MetricSamples: 4, MetricAccuracy: 0.5},
	}, run.history, "unscored samples count but are not logged")

	require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{
		RunID: "run-1",
		Logs:  []harness.EvalLog{{Location: "logs/a.eval"}, {Location: "logs/b.eval"}},
	}))

	assert.Equal(t, map[string]any{
		"samples_total":   4,
		"samples_correct": 2,
		"accuracy":        0.5,
		"logs":            []string{"logs/a.eval", "logs/b.eval"},
	}, run.summary)
	assert.Equal(t, 1, run.finishes)
}

func TestHooks_TagsAppendedPerTask(t *testing.T) {
	ctx := context.Background()
	h, tracker := newTestHooks(t, testSettings())

	require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
	require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", nil)))

	second := testTaskStart("eval-2", nil)
	second.Spec.Task = "other_task"
	require.NoError(t, h.OnTaskStart(ctx, second))

	require.Len(t, tracker.runs, 1, "one tracker run per harness run")
	assert.Contains(t, tracker.runs[0].tags, "inspect_task:test_task")
	assert.Contains(t, tracker.runs[0].tags, "inspect_task:other_task")
	assert.Len(t, tracker.runs[0].tags, 6)
}

func TestHooks_ScriptOverride(t *testing.T) {
	tests := []struct {
		name         string
		projectValue bool
		metadata     map[string]any
		wantRuns     int
	}{
		{name: "script enables", projectValue: false, metadata: map[string]any{MetadataEnabledKey: true}, wantRuns: 1},
		{name: "script disables", projectValue: true, metadata: map[string]any{MetadataEnabledKey: false}, wantRuns: 0},
		{name: "settings decide", projectValue: false, metadata: map[string]any{"weave_enabled": true}, wantRuns: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			settings := testSettings()
			settings.Models.Enabled = tt.projectValue
			h, tracker := newTestHooks(t, settings)

			require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
			require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", tt.metadata)))
			require.NoError(t, h.OnSampleEnd(ctx, testSampleEnd("1", map[string]harness.Score{"m": {Value: true}})))
			require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{RunID: "run-1"}))

			assert.Len(t, tracker.runs, tt.wantRuns)
		})
	}
}

func TestHooks_ModeDisabled(t *testing.T) {
	settings := testSettings()
	settings.Mode = config.ModeDisabled
	h, _ := newTestHooks(t, settings)

	enabled, err := h.Enabled()
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestHooks_ConfigurationError(t *testing.T) {
	h := NewHooks(WithLoader(&staticLoader{
		err: inspectwandb.NewConfigurationError("config.Loader.Load", inspectwandb.ErrWandbNotInitialized),
	}))

	_, err := h.Enabled()
	assert.ErrorIs(t, err, inspectwandb.ErrWandbNotInitialized)
}

func TestHooks_NeverInitialized(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.Models.Enabled = false
	h, tracker := newTestHooks(t, settings)

	require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
	require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{RunID: "run-1"}))
	assert.Empty(t, tracker.runs)
}

func TestHooks_TrackerFailuresAbsorbed(t *testing.T) {
	ctx := context.Background()

	t.Run("init", func(t *testing.T) {
		h, tracker := newTestHooks(t, testSettings())
		tracker.initErr = errBackend

		require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
		require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", nil)))
		require.NoError(t, h.OnSampleEnd(ctx, testSampleEnd("1", map[string]harness.Score{"m": {Value: true}})))
		require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{RunID: "run-1"}))
	})

	t.Run("log and save", func(t *testing.T) {
		settings := testSettings()
		settings.Models.Files = []string{"missing.txt"}
		h, tracker := newTestHooks(t, settings)

		require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
		require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", nil)))
		run := tracker.runs[0]
		run.logErr = errBackend
		run.saveErr = errBackend

		require.NoError(t, h.OnSampleEnd(ctx, testSampleEnd("1", map[string]harness.Score{"m": {Value: true}})))
		require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{RunID: "run-1"}))
		assert.Equal(t, 1, run.finishes)
	})
}

func TestHooks_FilesResolvedAgainstWandbDir(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.WandbDir = "/project/wandb"
	settings.Models.Files = []string{"notes.md", "/abs/results.csv"}
	h, tracker := newTestHooks(t, settings)

	require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
	require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", nil)))
	require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{RunID: "run-1"}))

	assert.Equal(t, []string{filepath.Join("/project/wandb", "notes.md"), "/abs/results.csv"}, tracker.runs[0].files)
}

func TestHooks_Heatmap(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.Models.Viz = true
	renderer := &fakeRenderer{}
	plots := t.TempDir()
	h, tracker := newTestHooks(t, settings, WithRenderer(renderer), WithPlotsDir(plots))

	require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
	require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", nil)))
	require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{RunID: "run-1", Logs: []harness.EvalLog{{
		Eval: harness.EvalSpec{Task: "test_task", Model: "mockllm/model"},
		Results: &harness.EvalResults{Scores: []harness.EvalScore{{
			Name:    "match",
			Metrics: map[string]harness.EvalMetric{"accuracy": {Name: "accuracy", Value: 0.75}},
		}}},
	}}}))

	require.Len(t, renderer.tables, 1)
	assert.Equal(t, []string{"match/accuracy"}, renderer.tables[0].Columns)

	want := filepath.Join(plots, "run-1", HeatmapFile)
	assert.Equal(t, want, tracker.runs[0].images["scores_heatmap"])
	_, err := os.Stat(want)
	assert.NoError(t, err)
}

func TestHooks_HeatmapSkippedWithoutViz(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{}
	h, tracker := newTestHooks(t, testSettings(), WithRenderer(renderer))

	require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
	require.NoError(t, h.OnTaskStart(ctx, testTaskStart("eval-1", nil)))
	require.NoError(t, h.OnRunEnd(ctx, harness.RunEnd{RunID: "run-1"}))

	assert.Empty(t, renderer.tables)
	assert.Empty(t, tracker.runs[0].images)
}

func TestHooks_ProtocolViolations(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHooks(t, testSettings())

	err := h.OnTaskStart(ctx, testTaskStart("eval-1", nil))
	assert.ErrorIs(t, err, inspectwandb.ErrNotInitialized)

	err = h.OnSampleEnd(ctx, testSampleEnd("1", nil))
	assert.ErrorIs(t, err, inspectwandb.ErrNotInitialized)

	require.NoError(t, h.OnRunStart(ctx, harness.RunStart{RunID: "run-1"}))
	err = h.OnRunStart(ctx, harness.RunStart{RunID: "run-2"})
	assert.ErrorIs(t, err, inspectwandb.ErrAlreadyInitialized)
}

func TestIsCorrect(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{name: "grader correct", value: "C", want: true},
		{name: "grader incorrect", value: "I", want: false},
		{name: "int one", value: 1, want: true},
		{name: "float one", value: 1.0, want: true},
		{name: "true", value: true, want: true},
		{name: "false", value: false, want: false},
		{name: "partial", value: 0.5, want: false},
		{name: "mapping", value: map[string]any{"score": 1.0}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isCorrect(map[string]harness.Score{"s": {Value: tt.value}}))
		})
	}

	assert.True(t, isCorrect(map[string]harness.Score{"a": {Value: 0.0}, "b": {Value: "C"}}), "any scorer counts")
}
