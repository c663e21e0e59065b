// Package weave writes harness evaluations to the Weave tracer.
//
// Hooks turns each task into an evaluation, each sample into a prediction with
// its scores, and each task result into an evaluation summary. Backends implement
// Client; OTelClient maps calls to OpenTelemetry spans and TraceServerClient
// talks to the Weave trace server.
package weave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/harness"
)

// MetadataEnabledKey is the task metadata key an evaluation script sets to turn
// the integration on or off for a run.
const MetadataEnabledKey = "weave_enabled"

// defaultDatasetName is used when the task's dataset has no name.
const defaultDatasetName = "test_dataset"

// Derived score names.
const (
	scoreTotalTime     = "total_time"
	scoreTotalTokens   = "total_tokens"
	scoreNumToolCalls  = "num_tool_calls"
	scoreCorrectAnswer = "correct_answer"
)

// Sample metadata carrying the tool call count.
const (
	annotatorMetadataKey = "Annotator Metadata"
	numberOfToolsKey     = "Number of tools"
)

// SettingsLoader resolves settings. *config.Loader implements it.
type SettingsLoader interface {
	Load() (*config.Settings, error)
}

// Hooks implements harness.Hooks for the tracer.
//
// All state is held per instance: a run owns the client session, its tasks own
// one EvaluationLogger each, and open samples live in a SampleStore.
type Hooks struct {
	loader   SettingsLoader
	factory  ClientFactory
	patcher  Patcher
	logger   *slog.Logger
	metrics  *hookMetrics
	registry *LoggerRegistry

	mu       sync.Mutex
	settings *config.Settings
	run      *runState
}

var _ harness.Hooks = (*Hooks)(nil)

type runState struct {
	id string

	// override is the script's enablement decision, captured from the first
	// task of the run.
	override         *bool
	overrideCaptured bool

	// clientMu serializes opening the client session.
	clientMu sync.Mutex
	client   Client
	patched  bool

	tasks   map[string]*taskState
	samples *SampleStore[*sampleState]
}

type taskState struct {
	evalID  string
	name    string
	enabled bool

	// logger is nil when the evaluation could not be opened.
	logger *EvaluationLogger
}

type sampleState struct {
	// call is nil when the sample call could not be opened.
	call *Call
}

// Option is a functional option for configuring Hooks.
type Option func(*Hooks) error

// WithLoader sets the settings source. Defaults to config.NewLoader().
func WithLoader(loader SettingsLoader) Option {
	return func(h *Hooks) error {
		h.loader = loader
		return nil
	}
}

// WithClientFactory sets how the tracer session is opened.
//
// Example:
//
//	weave.NewHooks(weave.WithClientFactory(func(ctx context.Context, s config.WeaveSettings) (weave.Client, error) {
//		return weave.NewOTelClient(otel.Tracer("inspect")), nil
//	}))
func WithClientFactory(factory ClientFactory) Option {
	return func(h *Hooks) error {
		h.factory = factory
		return nil
	}
}

// WithPatcher sets the autopatcher engaged while autopatch is on.
func WithPatcher(patcher Patcher) Option {
	return func(h *Hooks) error {
		h.patcher = patcher
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hooks) error {
		h.logger = logger
		return nil
	}
}

// WithMeterProvider enables OpenTelemetry metrics for predictions, scores,
// sample durations and evaluation outcomes.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(h *Hooks) error {
		m, err := newHookMetrics(provider)
		if err != nil {
			return err
		}
		h.metrics = m
		return nil
	}
}

// NewHooks creates tracer hooks.
func NewHooks(opts ...Option) (*Hooks, error) {
	h := &Hooks{
		logger:   slog.Default(),
		registry: NewLoggerRegistry(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, fmt.Errorf("weave hooks option: %w", err)
		}
	}
	if h.loader == nil {
		h.loader = config.NewLoader(config.WithLogger(h.logger))
	}
	h.logger = h.logger.With("hooks", "weave")
	return h, nil
}

// Registry returns the registry of unfinished evaluation loggers.
func (h *Hooks) Registry() *LoggerRegistry {
	return h.registry
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

// Enabled reports whether the tracer integration can run. It is false only when
// the tool is force-disabled; a project-level enabled=false is applied per run
// at TaskStart so a script can still turn the integration on. Settings
// resolution errors are returned.
func (h *Hooks) Enabled() (bool, error) {
	settings, err := h.loadSettings()
	if err != nil {
		return false, err
	}
	if settings.Disabled() {
		h.logger.Info("weave integration disabled by wandb mode")
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

// OnRunStart resolves the settings and opens run state. The client session is
// created lazily at the first enabled task.
func (h *Hooks) OnRunStart(ctx context.Context, data harness.RunStart) error {
	const op = "weave.Hooks.OnRunStart"

	if _, err := h.loadSettings(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.run != nil {
		return inspectwandb.NewProtocolError(op, fmt.Errorf("run %s is still active: %w",
			h.run.id, inspectwandb.ErrAlreadyInitialized))
	}
	h.run = &runState{
		id:      data.RunID,
		tasks:   make(map[string]*taskState),
		samples: NewSampleStore[*sampleState](),
	}
	return nil
}

// OnTaskStart opens the task's evaluation if the integration is enabled for the run.
// Each eval id gets exactly one evaluation; a second TaskStart for the same id
// is a protocol error. Backend calls are made without holding the hooks lock.
func (h *Hooks) OnTaskStart(ctx context.Context, data harness.TaskStart) error {
	const op = "weave.Hooks.OnTaskStart"

	h.mu.Lock()
	run := h.run
	if run == nil {
		h.mu.Unlock()
		return inspectwandb.NewProtocolError(op, fmt.Errorf("task %s started outside a run: %w",
			data.EvalID, inspectwandb.ErrNotInitialized))
	}
	if _, ok := run.tasks[data.EvalID]; ok {
		h.mu.Unlock()
		return inspectwandb.NewProtocolError(op, fmt.Errorf("%w: task %s already started: %w",
			inspectwandb.ErrProtocolViolation, data.EvalID, inspectwandb.ErrAlreadyInitialized))
	}

	if !run.overrideCaptured {
		run.overrideCaptured = true
		run.override = enabledOverride(data.Spec.Metadata, MetadataEnabledKey, h.logger)
	}

	settings := h.settings.Weave
	enabled := settings.Enabled
	if run.override != nil {
		enabled = *run.override
	}

	task := &taskState{evalID: data.EvalID, name: data.Spec.Task, enabled: enabled}
	run.tasks[data.EvalID] = task
	h.mu.Unlock()

	if !enabled {
		h.logger.Info("weave integration disabled for task", "task", data.Spec.Task, "eval_id", data.EvalID)
		return nil
	}

	client, err := h.runClient(ctx, run, settings)
	if err != nil {
		h.logger.Error("failed to initialize weave client", "project", settings.ProjectRef(), "error", err)
		return nil
	}

	dataset := data.Spec.Dataset.Name
	if dataset == "" {
		dataset = defaultDatasetName
	}

	logger, err := NewEvaluationLogger(ctx, client, EvaluationConfig{
		Name:       data.Spec.Task,
		Dataset:    dataset,
		Model:      FormatModelName(data.Spec.Model),
		Attributes: evalAttributes(data),
		Registry:   h.registry,
		Logger:     h.logger,
		metrics:    h.metrics,
	})
	if err != nil {
		h.logger.Error("failed to open evaluation", "task", data.Spec.Task, "error", err)
		return nil
	}

	h.mu.Lock()
	ended := h.run != run
	if !ended {
		task.logger = logger
	}
	h.mu.Unlock()

	if ended {
		h.logger.Warn("run ended while the evaluation was opening", "task", data.Spec.Task)
		logger.Finish(ctx, nil)
	}
	return nil
}

// runClient returns the run's client session, opening it and engaging
// autopatching on first use. Sessions are opened one at a time per run.
func (h *Hooks) runClient(ctx context.Context, run *runState, settings config.WeaveSettings) (Client, error) {
	run.clientMu.Lock()
	defer run.clientMu.Unlock()

	h.mu.Lock()
	client := run.client
	h.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := h.openClient(ctx, settings)
	if err != nil {
		return nil, err
	}
	h.logger.Info("weave client initialized", "project", settings.ProjectRef())

	patched := false
	if settings.Autopatch && h.patcher != nil {
		if err := h.patcher.Patch(ctx); err != nil {
			h.logger.Error("failed to engage autopatching", "error", err)
		} else {
			patched = true
		}
	}

	h.mu.Lock()
	ended := h.run != run
	if !ended {
		run.client = client
		run.patched = patched
	}
	h.mu.Unlock()

	if ended {
		if err := client.Finish(ctx); err != nil {
			h.logger.Error("failed to finish weave client", "run_id", run.id, "error", err)
		}
		if patched {
			if err := h.patcher.Unpatch(ctx); err != nil {
				h.logger.Error("failed to undo autopatching", "error", err)
			}
		}
		return nil, fmt.Errorf("run %s ended while the client was opening: %w", run.id, inspectwandb.ErrNotInitialized)
	}
	return client, nil
}

func (h *Hooks) openClient(ctx context.Context, settings config.WeaveSettings) (Client, error) {
	if h.factory == nil {
		return nil, inspectwandb.NewInternalError("weave.Hooks.openClient",
			errors.New("no client factory configured"))
	}
	return h.factory(ctx, settings)
}

// lookup returns the run and the task state for evalID.
func (h *Hooks) lookup(op, evalID string) (*runState, *taskState, *config.WeaveSettings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.run == nil {
		return nil, nil, nil, inspectwandb.NewProtocolError(op, fmt.Errorf("%w: no active run: %w",
			inspectwandb.ErrProtocolViolation, inspectwandb.ErrNotInitialized))
	}
	task, ok := h.run.tasks[evalID]
	if !ok {
		return nil, nil, nil, inspectwandb.NewProtocolError(op, fmt.Errorf("unknown task %s: %w",
			evalID, inspectwandb.ErrProtocolViolation))
	}
	settings := h.settings.Weave
	return h.run, task, &settings, nil
}

// OnSampleStart opens the per-sample call when autopatch is on.
func (h *Hooks) OnSampleStart(ctx context.Context, data harness.SampleStart) error {
	run, task, settings, err := h.lookup("weave.Hooks.OnSampleStart", data.EvalID)
	if err != nil {
		return err
	}
	if task.logger == nil || !settings.Autopatch {
		return nil
	}

	metadata := make(map[string]any, len(data.Summary.Metadata))
	for k, v := range data.Summary.Metadata {
		metadata[k] = v
	}

	call, err := run.client.CreateCall(ctx, CallRequest{
		Op:     OpSample,
		Inputs: map[string]any{"input": data.Summary.Input},
		Attributes: map[string]any{
			"sample_id":   data.Summary.ID,
			"sample_uuid": data.Summary.UUID,
			"epoch":       data.Summary.Epoch,
			"task_name":   task.name,
			"task_id":     data.EvalID,
			"metadata":    metadata,
		},
		DisplayName: FormatSampleDisplayName(settings.SampleNameTemplate, task.name, data.Summary.ID, data.Summary.Epoch),
		Parent:      task.logger.EvaluateCall(),
	})
	if err != nil {
		h.logger.Error("failed to create sample call", "sample_id", data.SampleID, "error", err)
	}
	run.samples.Put(SampleKey{EvalID: data.EvalID, SampleID: data.SampleID}, &sampleState{call: call})
	return nil
}

// OnSampleEnd logs the sample's prediction and scores.
func (h *Hooks) OnSampleEnd(ctx context.Context, data harness.SampleEnd) error {
	const op = "weave.Hooks.OnSampleEnd"

	run, task, settings, err := h.lookup(op, data.EvalID)
	if err != nil {
		return err
	}
	key := SampleKey{EvalID: data.EvalID, SampleID: data.SampleID}

	if task.logger == nil {
		run.samples.Remove(key)
		return nil
	}

	sample := data.Sample
	completion := sample.Output.Completion

	var parent *Call
	if settings.Autopatch {
		state, err := run.samples.Get(key)
		if err != nil {
			return err
		}
		parent = state.call
		defer func() {
			if state.call != nil {
				if finishErr := run.client.FinishCall(ctx, state.call, completion, nil); finishErr != nil {
					h.logger.Error("failed to finish sample call", "sample_id", data.SampleID, "error", finishErr)
				}
			}
			run.samples.Remove(key)
		}()
	}

	scoreLogger, err := task.logger.LogPrediction(ctx, map[string]any{"input": sample.Input}, completion, parent)
	if err != nil {
		return err
	}
	defer scoreLogger.Finish(ctx)

	for _, name := range sortedScorers(sample.Scores) {
		score := sample.Scores[name]
		metadata := scoreMetadata(score)

		if err := scoreLogger.LogScore(ctx, name, score.Value, metadata); err != nil {
			return h.sampleError(op, data, err)
		}
		if category, ok := score.Metadata["category"]; ok && category != nil {
			companion := fmt.Sprintf("%s_%v", name, category)
			if err := scoreLogger.LogScore(ctx, companion, score.Value, metadata); err != nil {
				return h.sampleError(op, data, err)
			}
		}
	}

	if settings.CorrectAnswer {
		if names := sortedScorers(sample.Scores); len(names) > 0 {
			correct := reflect.DeepEqual(sample.Target, sample.Scores[names[0]].Value)
			if err := scoreLogger.LogScore(ctx, scoreCorrectAnswer, correct, nil); err != nil {
				h.logger.Error("failed to log correct answer", "sample_id", data.SampleID, "error", err)
			}
		}
	}

	h.logDerivedScores(ctx, task, scoreLogger, data)
	return nil
}

func (h *Hooks) sampleError(op string, data harness.SampleEnd, err error) error {
	var hookErr *inspectwandb.Error
	if errors.As(err, &hookErr) {
		return hookErr.WithContext(map[string]any{"eval_id": data.EvalID, "sample_id": data.SampleID})
	}
	return inspectwandb.NewValidationError(op, err).
		WithContext(map[string]any{"eval_id": data.EvalID, "sample_id": data.SampleID})
}

// logDerivedScores logs elapsed time, token usage and tool call count when the
// sample carries them. Failures are logged and never abort the sample.
func (h *Hooks) logDerivedScores(ctx context.Context, task *taskState, scoreLogger *ScoreLogger, data harness.SampleEnd) {
	sample := data.Sample
	logFailure := func(name string, err error) {
		h.logger.Error("failed to log derived score", "score", name, "sample_id", data.SampleID, "error", err)
	}

	if sample.TotalTime != nil {
		if err := scoreLogger.LogScore(ctx, scoreTotalTime, *sample.TotalTime, nil); err != nil {
			logFailure(scoreTotalTime, err)
		}
		h.metrics.recordSampleDuration(ctx, task.name, *sample.TotalTime)
	}

	if len(sample.ModelUsage) > 0 && sample.ModelUsage[0].TotalTokens != nil {
		if err := scoreLogger.LogScore(ctx, scoreTotalTokens, *sample.ModelUsage[0].TotalTokens, nil); err != nil {
			logFailure(scoreTotalTokens, err)
		}
	}

	if annotator, ok := sample.Metadata[annotatorMetadataKey].(map[string]any); ok {
		if raw, ok := annotator[numberOfToolsKey]; ok {
			n, err := toInt(raw)
			if err != nil {
				logFailure(scoreNumToolCalls, err)
				return
			}
			if err := scoreLogger.LogScore(ctx, scoreNumToolCalls, n, nil); err != nil {
				logFailure(scoreNumToolCalls, err)
			}
		}
	}
}

// OnTaskEnd logs the task's metrics as the evaluation summary. The evaluation is
// finished at RunEnd.
func (h *Hooks) OnTaskEnd(ctx context.Context, data harness.TaskEnd) error {
	_, task, _, err := h.lookup("weave.Hooks.OnTaskEnd", data.EvalID)
	if err != nil {
		return err
	}
	if task.logger == nil {
		return nil
	}

	summary := make(map[string]any)
	if data.Log != nil && data.Log.Results != nil {
		for _, score := range data.Log.Results.Scores {
			if len(score.Metrics) == 0 {
				continue
			}
			metrics := make(map[string]any, len(score.Metrics))
			for name, m := range score.Metrics {
				metrics[name] = m.Value
			}
			summary[score.Name] = metrics
		}
	}
	task.logger.LogSummary(ctx, summary)
	return nil
}

// OnRunEnd finishes every open evaluation, ends the client session and reverses
// autopatching. The evaluation outcome is the run's exception if there is one,
// otherwise an error aggregated from the task logs, otherwise clean.
func (h *Hooks) OnRunEnd(ctx context.Context, data harness.RunEnd) error {
	h.mu.Lock()
	run := h.run
	h.run = nil
	var (
		client  Client
		patched bool
	)
	if run != nil {
		client, patched = run.client, run.patched
	}
	h.mu.Unlock()

	if run == nil {
		return nil
	}

	outcome := runOutcome(data)

	for key, state := range run.samples.Drain() {
		if state.call == nil || client == nil {
			continue
		}
		if err := client.FinishCall(ctx, state.call, nil, outcome); err != nil {
			h.logger.Error("failed to finish open sample call", "sample", key.String(), "error", err)
		}
	}

	for _, task := range run.tasks {
		if task.logger != nil && !task.logger.Finished() {
			task.logger.Finish(ctx, outcome)
		}
	}
	h.registry.FinishAll(ctx, outcome)

	if client != nil {
		if err := client.Finish(ctx); err != nil {
			h.logger.Error("failed to finish weave client", "run_id", run.id, "error", err)
		}
	}
	if patched {
		if err := h.patcher.Unpatch(ctx); err != nil {
			h.logger.Error("failed to undo autopatching", "error", err)
		}
	}
	return nil
}

// runOutcome returns the error evaluations of the run are finished with.
func runOutcome(data harness.RunEnd) error {
	if data.Exception != nil {
		return data.Exception
	}

	var messages []string
	for _, log := range data.Logs {
		if log.Error != nil {
			messages = append(messages, log.Error.Message)
		}
	}
	if len(messages) == 0 {
		return nil
	}
	return &inspectwandb.EvaluationError{
		Message: "Inspect run failed",
		Detail:  strings.Join(messages, "\n"),
	}
}

// evalAttributes builds the evaluation attributes: the task metadata plus an
// "inspect" entry describing the run, task arguments and set config fields.
func evalAttributes(data harness.TaskStart) map[string]any {
	attributes := make(map[string]any, len(data.Spec.Metadata)+1)
	for k, v := range data.Spec.Metadata {
		attributes[k] = v
	}

	inspect := map[string]any{
		"run_id":  data.RunID,
		"task_id": data.Spec.TaskID,
		"eval_id": data.EvalID,
	}
	if count, ok := data.Spec.SampleCount(); ok {
		inspect["sample_count"] = count
	} else {
		inspect["sample_count"] = nil
	}
	for k, v := range data.Spec.TaskArgs {
		inspect[k] = v
	}
	for k, v := range data.Spec.Config.Fields() {
		inspect[k] = v
	}

	attributes["inspect"] = inspect
	return attributes
}

// enabledOverride reads an enablement flag from task metadata. Booleans and
// boolean strings are accepted; anything else is ignored with a warning.
func enabledOverride(metadata map[string]any, key string, logger *slog.Logger) *bool {
	raw, ok := metadata[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case bool:
		return &v
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return &b
		}
	}
	logger.Warn("ignoring non-boolean enablement override", "key", key, "value", raw)
	return nil
}

func sortedScorers(scores map[string]harness.Score) []string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scoreMetadata merges a score's metadata with its explanation.
func scoreMetadata(score harness.Score) map[string]any {
	if len(score.Metadata) == 0 && score.Explanation == nil {
		return nil
	}
	metadata := make(map[string]any, len(score.Metadata)+1)
	for k, v := range score.Metadata {
		metadata[k] = v
	}
	if score.Explanation != nil {
		metadata["explanation"] = *score.Explanation
	}
	return metadata
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("invalid tool count %q: %w", n, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("invalid tool count of type %T", v)
	}
}
