package models

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/harness"
)

// fakeTracker records the runs it opens.
type fakeTracker struct {
	mu      sync.Mutex
	runs    []*fakeRun
	initErr error
}

func (t *fakeTracker) Init(_ context.Context, opts RunOptions) (Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initErr != nil {
		return nil, t.initErr
	}
	r := &fakeRun{opts: opts, config: map[string]any{}, summary: map[string]any{}, metrics: map[string]string{}, images: map[string]string{}}
	t.runs = append(t.runs, r)
	return r, nil
}

// fakeRun records every call made on it.
type fakeRun struct {
	opts RunOptions

	mu       sync.Mutex
	config   map[string]any
	metrics  map[string]string
	tags     []string
	history  []map[string]any
	summary  map[string]any
	files    []string
	images   map[string]string
	finishes int

	// logErr fails Log; saveErr fails SaveFile.
	logErr  error
	saveErr error
}

func (r *fakeRun) ID() string { return r.opts.ID }

func (r *fakeRun) UpdateConfig(_ context.Context, values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range values {
		r.config[k] = v
	}
	return nil
}

func (r *fakeRun) DefineMetric(_ context.Context, metric, stepMetric string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[metric] = stepMetric
	return nil
}

func (r *fakeRun) AddTags(_ context.Context, tags ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tags...)
	return nil
}

func (r *fakeRun) Log(_ context.Context, row map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logErr != nil {
		return r.logErr
	}
	r.history = append(r.history, row)
	return nil
}

func (r *fakeRun) UpdateSummary(_ context.Context, values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range values {
		r.summary[k] = v
	}
	return nil
}

func (r *fakeRun) SaveFile(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, path)
	return r.saveErr
}

func (r *fakeRun) LogImage(_ context.Context, key, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return err
	}
	r.images[key] = path
	return nil
}

func (r *fakeRun) Finish(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes++
	return nil
}

// fakeRenderer writes a placeholder image and records the table it was given.
type fakeRenderer struct {
	tables []ResultsTable
	err    error
}

func (f *fakeRenderer) RenderScoresHeatmap(_ context.Context, table ResultsTable, path string) error {
	if f.err != nil {
		return f.err
	}
	f.tables = append(f.tables, table)
	return os.WriteFile(path, []byte("png"), 0o644)
}

// staticLoader returns fixed settings.
type staticLoader struct {
	settings *config.Settings
	err      error
}

func (l *staticLoader) Load() (*config.Settings, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.settings, nil
}

var errBackend = errors.New("backend unavailable")

func testSettings() *config.Settings {
	return &config.Settings{
		Weave: config.WeaveSettings{
			Enabled: true,
			Entity:  "test-entity",
			Project: "test-project",
		},
		Models: config.ModelsSettings{
			Enabled: true,
			Entity:  "test-entity",
			Project: "test-project",
		},
	}
}

func testTaskStart(evalID string, metadata map[string]any) harness.TaskStart {
	return harness.TaskStart{
		RunID:  "run-1",
		EvalID: evalID,
		Spec: harness.EvalSpec{
			RunID:    "run-1",
			EvalID:   evalID,
			Task:     "test_task",
			Model:    "mockllm/model",
			Dataset:  harness.EvalDataset{Name: "test_dataset"},
			Metadata: metadata,
		},
	}
}

func testSampleEnd(id string, scores map[string]harness.Score) harness.SampleEnd {
	return harness.SampleEnd{
		RunID:    "run-1",
		EvalID:   "eval-1",
		SampleID: id,
		Sample:   harness.EvalSample{ID: id, Epoch: 1, Scores: scores},
	}
}
