package harness

import (
	"encoding/json"
	"errors"
)

// Event is implemented by every lifecycle event the harness emits.
type Event interface {
	// EventName returns the wire name of the event (e.g. "sample_end").
	EventName() string
}

// Event wire names.
const (
	EventRunStart    = "run_start"
	EventRunEnd      = "run_end"
	EventTaskStart   = "task_start"
	EventTaskEnd     = "task_end"
	EventSampleStart = "sample_start"
	EventSampleEnd   = "sample_end"
)

// RunStart is emitted once before any task of a run starts.
type RunStart struct {
	RunID     string   `json:"run_id" yaml:"run_id"`
	TaskNames []string `json:"task_names,omitempty" yaml:"task_names,omitempty"`
}

// RunEnd is emitted once after every task of a run has ended.
type RunEnd struct {
	RunID string    `json:"run_id" yaml:"run_id"`
	Logs  []EvalLog `json:"logs" yaml:"logs"`

	// Exception is the error that aborted the run, if any.
	// It is serialized as its message.
	Exception error `json:"-" yaml:"-"`
}

// TaskStart is emitted when a task begins.
type TaskStart struct {
	RunID  string   `json:"run_id" yaml:"run_id"`
	EvalID string   `json:"eval_id" yaml:"eval_id"`
	Spec   EvalSpec `json:"spec" yaml:"spec"`
}

// TaskEnd is emitted when a task finishes, successfully or not.
type TaskEnd struct {
	RunID  string   `json:"run_id" yaml:"run_id"`
	EvalID string   `json:"eval_id" yaml:"eval_id"`
	Log    *EvalLog `json:"log,omitempty" yaml:"log,omitempty"`
}

// SampleStart is emitted before a sample is solved.
type SampleStart struct {
	RunID    string            `json:"run_id" yaml:"run_id"`
	EvalID   string            `json:"eval_id" yaml:"eval_id"`
	SampleID string            `json:"sample_id" yaml:"sample_id"`
	Summary  EvalSampleSummary `json:"summary" yaml:"summary"`
}

// SampleEnd is emitted after a sample has been solved and scored.
type SampleEnd struct {
	RunID    string     `json:"run_id" yaml:"run_id"`
	EvalID   string     `json:"eval_id" yaml:"eval_id"`
	SampleID string     `json:"sample_id" yaml:"sample_id"`
	Sample   EvalSample `json:"sample" yaml:"sample"`
}

func (RunStart) EventName() string    { return EventRunStart }
func (RunEnd) EventName() string      { return EventRunEnd }
func (TaskStart) EventName() string   { return EventTaskStart }
func (TaskEnd) EventName() string     { return EventTaskEnd }
func (SampleStart) EventName() string { return EventSampleStart }
func (SampleEnd) EventName() string   { return EventSampleEnd }

// runEndWire is the serialized form of RunEnd.
type runEndWire struct {
	RunID     string    `json:"run_id"`
	Logs      []EvalLog `json:"logs"`
	Exception string    `json:"exception,omitempty"`
}

// MarshalJSON encodes the exception as its message.
func (r RunEnd) MarshalJSON() ([]byte, error) {
	w := runEndWire{RunID: r.RunID, Logs: r.Logs}
	if r.Exception != nil {
		w.Exception = r.Exception.Error()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an exception message back into an error value.
func (r *RunEnd) UnmarshalJSON(data []byte) error {
	var w runEndWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.RunID = w.RunID
	r.Logs = w.Logs
	r.Exception = nil
	if w.Exception != "" {
		r.Exception = errors.New(w.Exception)
	}
	return nil
}

// EvalSpec describes the task being evaluated.
type EvalSpec struct {
	RunID  string `json:"run_id" yaml:"run_id"`
	EvalID string `json:"eval_id" yaml:"eval_id"`

	// Task is the task name; TaskID its stable identifier.
	Task   string `json:"task" yaml:"task"`
	TaskID string `json:"task_id" yaml:"task_id"`

	// Model is the harness model identifier, e.g. "anthropic/claude-3-5-sonnet-latest".
	Model string `json:"model" yaml:"model"`

	Dataset EvalDataset `json:"dataset" yaml:"dataset"`
	Config  EvalConfig  `json:"config" yaml:"config"`

	// TaskArgs are the keyword arguments the task was created with.
	TaskArgs map[string]any `json:"task_args,omitempty" yaml:"task_args,omitempty"`

	// Metadata is task-level metadata supplied by the evaluation script.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EvalDataset identifies the dataset of a task.
type EvalDataset struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Samples *int   `json:"samples,omitempty" yaml:"samples,omitempty"`
}

// EvalConfig is the run configuration of a task. Unset fields are nil.
type EvalConfig struct {
	Limit          *int     `json:"limit,omitempty" yaml:"limit,omitempty"`
	Epochs         *int     `json:"epochs,omitempty" yaml:"epochs,omitempty"`
	EpochsReducer  []string `json:"epochs_reducer,omitempty" yaml:"epochs_reducer,omitempty"`
	FailOnError    any      `json:"fail_on_error,omitempty" yaml:"fail_on_error,omitempty"`
	SandboxCleanup *bool    `json:"sandbox_cleanup,omitempty" yaml:"sandbox_cleanup,omitempty"`
	LogSamples     *bool    `json:"log_samples,omitempty" yaml:"log_samples,omitempty"`
	LogRealtime    *bool    `json:"log_realtime,omitempty" yaml:"log_realtime,omitempty"`
	LogImages      *bool    `json:"log_images,omitempty" yaml:"log_images,omitempty"`
	ScoreDisplay   *bool    `json:"score_display,omitempty" yaml:"score_display,omitempty"`
}

// Fields returns the configuration fields that are set, keyed by their wire names.
func (c EvalConfig) Fields() map[string]any {
	fields := make(map[string]any)
	if c.Limit != nil {
		fields["limit"] = *c.Limit
	}
	if c.Epochs != nil {
		fields["epochs"] = *c.Epochs
	}
	if c.EpochsReducer != nil {
		fields["epochs_reducer"] = c.EpochsReducer
	}
	if c.FailOnError != nil {
		fields["fail_on_error"] = c.FailOnError
	}
	if c.SandboxCleanup != nil {
		fields["sandbox_cleanup"] = *c.SandboxCleanup
	}
	if c.LogSamples != nil {
		fields["log_samples"] = *c.LogSamples
	}
	if c.LogRealtime != nil {
		fields["log_realtime"] = *c.LogRealtime
	}
	if c.LogImages != nil {
		fields["log_images"] = *c.LogImages
	}
	if c.ScoreDisplay != nil {
		fields["score_display"] = *c.ScoreDisplay
	}
	return fields
}

// SampleCount returns the number of samples the task will process: the explicit
// limit when the run is capped, otherwise the dataset size. The second return value
// is false when neither is known.
func (s EvalSpec) SampleCount() (int, bool) {
	if s.Config.Limit != nil {
		return *s.Config.Limit, true
	}
	if s.Dataset.Samples != nil {
		return *s.Dataset.Samples, true
	}
	return 0, false
}

// EvalSampleSummary is the lightweight view of a sample available at SampleStart.
type EvalSampleSummary struct {
	// ID is the dataset id of the sample; either a string or a number.
	ID     any    `json:"id" yaml:"id"`
	Epoch  int    `json:"epoch" yaml:"epoch"`
	Input  any    `json:"input" yaml:"input"`
	Target any    `json:"target,omitempty" yaml:"target,omitempty"`
	UUID   string `json:"uuid,omitempty" yaml:"uuid,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EvalSample is a fully processed sample.
type EvalSample struct {
	ID     any         `json:"id" yaml:"id"`
	Epoch  int         `json:"epoch" yaml:"epoch"`
	Input  any         `json:"input" yaml:"input"`
	Target any         `json:"target,omitempty" yaml:"target,omitempty"`
	Output ModelOutput `json:"output" yaml:"output"`

	// Scores maps scorer name to the score it produced.
	Scores map[string]Score `json:"scores,omitempty" yaml:"scores,omitempty"`

	// TotalTime is the wall-clock time spent on the sample in seconds.
	TotalTime *float64 `json:"total_time,omitempty" yaml:"total_time,omitempty"`

	// ModelUsage lists token usage per model in the order the models were first used.
	ModelUsage []ModelUsage `json:"model_usage,omitempty" yaml:"model_usage,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Error    *EvalError     `json:"error,omitempty" yaml:"error,omitempty"`
}

// ModelOutput is the model's answer for a sample.
type ModelOutput struct {
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Completion string `json:"completion" yaml:"completion"`
}

// ModelUsage records token usage for one model.
type ModelUsage struct {
	Model        string `json:"model" yaml:"model"`
	InputTokens  *int   `json:"input_tokens,omitempty" yaml:"input_tokens,omitempty"`
	OutputTokens *int   `json:"output_tokens,omitempty" yaml:"output_tokens,omitempty"`
	TotalTokens  *int   `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty"`
}

// Score is the grading outcome of one scorer for a sample.
// Value may be a string, number, bool, list or mapping.
type Score struct {
	Value       any            `json:"value" yaml:"value"`
	Answer      string         `json:"answer,omitempty" yaml:"answer,omitempty"`
	Explanation *string        `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EvalLog is the log of one task.
type EvalLog struct {
	Eval     EvalSpec     `json:"eval" yaml:"eval"`
	Location string       `json:"location,omitempty" yaml:"location,omitempty"`
	Status   string       `json:"status,omitempty" yaml:"status,omitempty"`
	Results  *EvalResults `json:"results,omitempty" yaml:"results,omitempty"`
	Error    *EvalError   `json:"error,omitempty" yaml:"error,omitempty"`
}

// EvalResults holds the aggregated scores of a task.
type EvalResults struct {
	TotalSamples     int         `json:"total_samples" yaml:"total_samples"`
	CompletedSamples int         `json:"completed_samples" yaml:"completed_samples"`
	Scores           []EvalScore `json:"scores" yaml:"scores"`
}

// EvalScore holds the metrics one scorer produced over a task.
type EvalScore struct {
	Name    string                `json:"name" yaml:"name"`
	Scorer  string                `json:"scorer" yaml:"scorer"`
	Metrics map[string]EvalMetric `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// EvalMetric is one aggregated metric value.
type EvalMetric struct {
	Name  string  `json:"name" yaml:"name"`
	Value float64 `json:"value" yaml:"value"`
}

// EvalError is an error the harness recorded for a task or sample.
type EvalError struct {
	Message   string `json:"message" yaml:"message"`
	Traceback string `json:"traceback,omitempty" yaml:"traceback,omitempty"`
}
