// Package models writes harness runs to the W&B Models experiment tracker.
//
// Hooks opens one tracker run per harness run at the first enabled task, tags it
// with every task, logs the running accuracy after each scored sample and writes
// the run summary, configured files and an optional scores heatmap when the run
// ends. Every tracker call is best effort: failures are logged and never reach
// the harness.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/harness"
)

// MetadataEnabledKey is the task metadata key an evaluation script sets to turn
// the tracker integration on or off for a run.
const MetadataEnabledKey = "models_enabled"

// Metric names logged to the run history.
const (
	MetricAccuracy = "accuracy"
	MetricSamples  = "samples"
)

// correctValue is the score value graders use for a correct answer.
const correctValue = "C"

// DefaultPlotsDir is the directory heatmaps are rendered into.
const DefaultPlotsDir = ".plots"

// SettingsLoader resolves settings. *config.Loader implements it.
type SettingsLoader interface {
	Load() (*config.Settings, error)
}

// Hooks implements harness.Hooks for the tracker.
type Hooks struct {
	harness.NopHooks

	loader   SettingsLoader
	tracker  Tracker
	renderer Renderer
	plotsDir string
	logger   *slog.Logger

	mu       sync.Mutex
	settings *config.Settings
	run      *runState
}

var _ harness.Hooks = (*Hooks)(nil)

type runState struct {
	id string

	// enabled is decided at the first task of the run.
	enabled *bool

	// tracked is nil until the tracker run is opened.
	tracked Run

	total   int
	correct int
}

// Option is a functional option for configuring Hooks.
type Option func(*Hooks)

// WithLoader sets the settings source. Defaults to config.NewLoader().
func WithLoader(loader SettingsLoader) Option {
	return func(h *Hooks) {
		h.loader = loader
	}
}

// WithTracker sets the tracker runs are opened on.
//
// Example:
//
//	tracker, err := models.NewRedisTracker(models.RedisOptions{URL: "redis://localhost:6379"})
//	if err != nil {
//		return err
//	}
//	hooks := models.NewHooks(models.WithTracker(tracker))
func WithTracker(tracker Tracker) Option {
	return func(h *Hooks) {
		h.tracker = tracker
	}
}

// WithRenderer sets the heatmap renderer used when viz is enabled.
func WithRenderer(renderer Renderer) Option {
	return func(h *Hooks) {
		h.renderer = renderer
	}
}

// WithPlotsDir sets the directory heatmaps are rendered into.
func WithPlotsDir(dir string) Option {
	return func(h *Hooks) {
		h.plotsDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hooks) {
		h.logger = logger
	}
}

// NewHooks creates tracker hooks.
func NewHooks(opts ...Option) *Hooks {
	h := &Hooks{
		plotsDir: DefaultPlotsDir,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.loader == nil {
		h.loader = config.NewLoader(config.WithLogger(h.logger))
	}
	h.logger = h.logger.With("hooks", "models")
	return h
}

// Reset drops all run state and cached settings.
func (h *Hooks) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = nil
	h.run = nil
	if r, ok := h.loader.(interface{ Reset() }); ok {
		r.Reset()
	}
}

// Enabled reports whether the tracker integration can run. It is false only
// when the tool is force-disabled; the project-level enabled flag is applied at
// the first task so a script override can still turn the integration on.
func (h *Hooks) Enabled() (bool, error) {
	settings, err := h.loadSettings()
	if err != nil {
		return false, err
	}
	if settings.Disabled() {
		h.logger.Info("models integration disabled by wandb mode")
		return false, nil
	}
	return true, nil
}

func (h *Hooks) loadSettings() (*config.Settings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.settings != nil {
		return h.settings, nil
	}
	settings, err := h.loader.Load()
	if err != nil {
		return nil, err
	}
	h.settings = settings
	return settings, nil
}

// OnRunStart resolves the settings and opens run state. The tracker run is
// opened lazily at the first enabled task.
func (h *Hooks) OnRunStart(_ context.Context, data harness.RunStart) error {
	const op = "models.Hooks.OnRunStart"

	if _, err := h.loadSettings(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.run != nil {
		return inspectwandb.NewProtocolError(op, fmt.Errorf("run %s is still active: %w",
			h.run.id, inspectwandb.ErrAlreadyInitialized))
	}
	h.run = &runState{id: data.RunID}
	return nil
}

// OnTaskStart opens the tracker run on the first enabled task and tags it with
// the task, model and dataset.
func (h *Hooks) OnTaskStart(ctx context.Context, data harness.TaskStart) error {
	const op = "models.Hooks.OnTaskStart"

	h.mu.Lock()
	defer h.mu.Unlock()

	run := h.run
	if run == nil {
		return inspectwandb.NewProtocolError(op, fmt.Errorf("task %s started outside a run: %w",
			data.EvalID, inspectwandb.ErrNotInitialized))
	}
	settings := h.settings.Models

	if run.enabled == nil {
		enabled := settings.Enabled
		if override := enabledOverride(data.Spec.Metadata, h.logger); override != nil {
			enabled = *override
		}
		run.enabled = &enabled
	}
	if !*run.enabled {
		h.logger.Info("models integration disabled for run", "task", data.Spec.Task)
		return nil
	}

	if run.tracked == nil {
		tracked, err := h.openRun(ctx, run.id, settings)
		if err != nil {
			h.logger.Error("failed to initialize tracker run", "project", settings.ProjectRef(), "error", err)
			return nil
		}
		run.tracked = tracked
		h.logger.Info("tracker run initialized", "run_id", tracked.ID(), "task", data.Spec.Task)
	}

	tags := []string{
		"inspect_task:" + data.Spec.Task,
		"inspect_model:" + data.Spec.Model,
		"inspect_dataset:" + data.Spec.Dataset.Name,
	}
	if err := run.tracked.AddTags(ctx, tags...); err != nil {
		h.logger.Error("failed to tag tracker run", "run_id", run.id, "error", err)
	}
	return nil
}

func (h *Hooks) openRun(ctx context.Context, id string, settings config.ModelsSettings) (Run, error) {
	if h.tracker == nil {
		return nil, inspectwandb.NewInternalError("models.Hooks.openRun",
			fmt.Errorf("no tracker configured"))
	}

	tracked, err := h.tracker.Init(ctx, RunOptions{ID: id, Entity: settings.Entity, Project: settings.Project})
	if err != nil {
		return nil, inspectwandb.NewBackendError("models.Hooks.openRun", err)
	}

	if len(settings.Config) > 0 {
		if err := tracked.UpdateConfig(ctx, settings.Config); err != nil {
			h.logger.Error("failed to update run config", "run_id", id, "error", err)
		}
	}
	if err := tracked.DefineMetric(ctx, MetricAccuracy, MetricSamples); err != nil {
		h.logger.Error("failed to define accuracy metric", "run_id", id, "error", err)
	}
	return tracked, nil
}

// OnSampleEnd updates the running accuracy and logs it when the sample was scored.
func (h *Hooks) OnSampleEnd(ctx context.Context, data harness.SampleEnd) error {
	const op = "models.Hooks.OnSampleEnd"

	h.mu.Lock()
	run := h.run
	if run == nil {
		h.mu.Unlock()
		return inspectwandb.NewProtocolError(op, fmt.Errorf("sample %s ended outside a run: %w",
			data.SampleID, inspectwandb.ErrNotInitialized))
	}
	if run.enabled == nil || !*run.enabled {
		h.mu.Unlock()
		return nil
	}

	run.total++
	scored := len(data.Sample.Scores) > 0
	if scored && isCorrect(data.Sample.Scores) {
		run.correct++
	}
	row := map[string]any{MetricSamples: run.total, MetricAccuracy: run.accuracy()}
	tracked := run.tracked
	h.mu.Unlock()

	if !scored || tracked == nil {
		return nil
	}
	if err := tracked.Log(ctx, row); err != nil {
		h.logger.Error("failed to log accuracy", "run_id", run.id, "sample_id", data.SampleID, "error", err)
	}
	return nil
}

// OnRunEnd renders the heatmap, writes the summary, saves the configured files
// and finishes the tracker run. It does nothing if no tracker run was opened.
func (h *Hooks) OnRunEnd(ctx context.Context, data harness.RunEnd) error {
	h.mu.Lock()
	run := h.run
	h.run = nil
	var settings config.Settings
	if h.settings != nil {
		settings = *h.settings
	}
	h.mu.Unlock()

	if run == nil || run.tracked == nil {
		return nil
	}
	tracked := run.tracked
	logger := h.logger.With("run_id", run.id)

	if settings.Models.Viz && h.renderer != nil {
		h.logHeatmap(ctx, tracked, data, logger)
	}

	logs := make([]string, 0, len(data.Logs))
	for _, log := range data.Logs {
		logs = append(logs, log.Location)
	}
	summary := map[string]any{
		"samples_total":   run.total,
		"samples_correct": run.correct,
		"accuracy":        run.accuracy(),
		"logs":            logs,
	}
	if err := tracked.UpdateSummary(ctx, summary); err != nil {
		logger.Error("failed to update run summary", "error", err)
	} else {
		logger.Info("tracker summary written", "samples_total", run.total,
			"samples_correct", run.correct, "accuracy", run.accuracy())
	}

	for _, file := range settings.Models.Files {
		path := file
		if !filepath.IsAbs(path) && settings.WandbDir != "" {
			path = filepath.Join(settings.WandbDir, path)
		}
		if err := tracked.SaveFile(ctx, path); err != nil {
			logger.Error("failed to save file", "file", path, "error", err)
		}
	}

	if err := tracked.Finish(ctx); err != nil {
		logger.Error("failed to finish tracker run", "error", err)
	}
	return nil
}

func (h *Hooks) logHeatmap(ctx context.Context, tracked Run, data harness.RunEnd, logger *slog.Logger) {
	table := NewResultsTable(data.Logs)
	if table.Empty() {
		logger.Debug("no task results to plot")
		return
	}

	dir := filepath.Join(h.plotsDir, tracked.ID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("failed to create plots directory", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, HeatmapFile)

	if err := h.renderer.RenderScoresHeatmap(ctx, table, path); err != nil {
		logger.Error("failed to render scores heatmap", "error", err)
		return
	}
	if err := tracked.LogImage(ctx, "scores_heatmap", path); err != nil {
		logger.Error("failed to log scores heatmap", "path", path, "error", err)
	}
}

func (r *runState) accuracy() float64 {
	if r.total == 0 {
		return 0
	}
	return float64(r.correct) / float64(r.total)
}

// isCorrect reports whether any score value marks the sample correct: the
// grader value "C", a numeric 1 or true.
func isCorrect(scores map[string]harness.Score) bool {
	for _, score := range scores {
		switch v := score.Value.(type) {
		case string:
			if v == correctValue {
				return true
			}
		case bool:
			if v {
				return true
			}
		default:
			if isOne(v) {
				return true
			}
		}
	}
	return false
}

func isOne(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 1
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 1
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 1
	default:
		return false
	}
}

// enabledOverride reads the script's enablement flag from task metadata.
func enabledOverride(metadata map[string]any, logger *slog.Logger) *bool {
	raw, ok := metadata[MetadataEnabledKey]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case bool:
		return &v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return &b
		}
	}
	logger.Warn("ignoring non-boolean enablement override", "key", MetadataEnabledKey, "value", raw)
	return nil
}
