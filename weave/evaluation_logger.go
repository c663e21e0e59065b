package weave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

// imperativeEvalMarker tags calls written by the imperative evaluation logger so
// the tracer UI renders them as an evaluation.
var imperativeEvalMarker = map[string]any{"_weave_eval_meta": map[string]any{"imperative": true}}

// EvaluationConfig configures a new EvaluationLogger.
type EvaluationConfig struct {
	// Name is the evaluation display name, usually the task name.
	Name    string
	Dataset string

	// Model is the model object name, see FormatModelName.
	Model string

	// Attributes are merged over the imperative evaluation marker.
	Attributes map[string]any

	// Registry tracks the logger until it finishes. Optional.
	Registry *LoggerRegistry

	Logger *slog.Logger

	metrics *hookMetrics
}

// pseudoEvaluation writes the evaluate, predict and summarize calls the
// tracer expects from an evaluation object.
type pseudoEvaluation struct {
	client  Client
	name    string
	dataset string
	model   string
}

func (p *pseudoEvaluation) self() map[string]any {
	return map[string]any{"name": p.name, "dataset": p.dataset}
}

func (p *pseudoEvaluation) evaluate(ctx context.Context, attributes map[string]any) (*Call, error) {
	return p.client.CreateCall(ctx, CallRequest{
		Op:          OpEvaluate,
		Inputs:      map[string]any{"self": p.self(), "model": p.model},
		Attributes:  attributes,
		DisplayName: p.name,
	})
}

func (p *pseudoEvaluation) predictAndScore(ctx context.Context, parent *Call, inputs map[string]any) (*Call, error) {
	return p.client.CreateCall(ctx, CallRequest{
		Op:         OpPredictAndScore,
		Inputs:     map[string]any{"self": p.self(), "model": p.model, "example": inputs},
		Attributes: imperativeEvalMarker,
		Parent:     parent,
	})
}

// predict records the model output as a finished Model.predict call.
func (p *pseudoEvaluation) predict(ctx context.Context, parent *Call, inputs map[string]any, output any) error {
	call, err := p.client.CreateCall(ctx, CallRequest{
		Op:         OpPredict,
		Inputs:     map[string]any{"self": p.model, "inputs": inputs},
		Attributes: imperativeEvalMarker,
		Parent:     parent,
	})
	if err != nil {
		return err
	}
	return p.client.FinishCall(ctx, call, output, nil)
}

// score records one scorer result as a finished call named after the scorer.
func (p *pseudoEvaluation) score(ctx context.Context, parent *Call, scorer string, output, value any, metadata map[string]any) error {
	call, err := p.client.CreateCall(ctx, CallRequest{
		Op:         scorer,
		Inputs:     map[string]any{"output": output},
		Attributes: metadata,
		Parent:     parent,
	})
	if err != nil {
		return err
	}
	return p.client.FinishCall(ctx, call, value, nil)
}

func (p *pseudoEvaluation) summarize(ctx context.Context, parent *Call, summary map[string]any) error {
	call, err := p.client.CreateCall(ctx, CallRequest{
		Op:     OpSummarize,
		Inputs: map[string]any{"self": p.self()},
		Parent: parent,
	})
	if err != nil {
		return err
	}
	return p.client.FinishCall(ctx, call, summary, nil)
}

// EvaluationLogger records one task as a tracer evaluation.
//
// The logger moves from created, through any number of predictions and an
// optional summary, to finished. Finish is idempotent, and logging a summary
// after Finish is a logged no-op, so the logger can be finalized from both the
// normal and the error path of a run.
type EvaluationLogger struct {
	eval       *pseudoEvaluation
	attributes map[string]any
	registry   *LoggerRegistry
	logger     *slog.Logger
	metrics    *hookMetrics

	evaluateCall *Call

	mu        sync.Mutex
	open      map[*ScoreLogger]struct{}
	summary   map[string]any
	finishing bool
	finished  bool
	finishErr error
	count     int

	// inflight counts predictions still being written. Finish waits for them
	// so every prediction call closes before the evaluation call.
	inflight sync.WaitGroup
}

// NewEvaluationLogger opens the evaluation call and registers the logger.
func NewEvaluationLogger(ctx context.Context, client Client, cfg EvaluationConfig) (*EvaluationLogger, error) {
	const op = "weave.NewEvaluationLogger"

	if client == nil {
		return nil, inspectwandb.NewInternalError(op, fmt.Errorf("nil client: %w", inspectwandb.ErrNotInitialized))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attributes := make(map[string]any, len(imperativeEvalMarker)+len(cfg.Attributes))
	for k, v := range imperativeEvalMarker {
		attributes[k] = v
	}
	for k, v := range cfg.Attributes {
		attributes[k] = v
	}

	l := &EvaluationLogger{
		eval: &pseudoEvaluation{
			client:  client,
			name:    cfg.Name,
			dataset: cfg.Dataset,
			model:   cfg.Model,
		},
		attributes: attributes,
		registry:   cfg.Registry,
		logger:     logger.With("evaluation", cfg.Name),
		metrics:    cfg.metrics,
		open:       make(map[*ScoreLogger]struct{}),
	}

	call, err := l.eval.evaluate(ctx, attributes)
	if err != nil {
		return nil, inspectwandb.NewBackendError(op, fmt.Errorf("failed to create evaluation call: %w", err))
	}
	l.evaluateCall = call

	if l.registry != nil {
		l.registry.add(l)
	}
	return l, nil
}

// EvaluateCall returns the evaluation call, the parent of every prediction.
func (l *EvaluationLogger) EvaluateCall() *Call {
	return l.evaluateCall
}

// Attributes returns the attributes the evaluation call was opened with.
func (l *EvaluationLogger) Attributes() map[string]any {
	return l.attributes
}

// Name returns the evaluation name.
func (l *EvaluationLogger) Name() string {
	return l.eval.name
}

// Finished reports whether Finish has run.
func (l *EvaluationLogger) Finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

// FinishError returns the error the evaluation was finished with.
func (l *EvaluationLogger) FinishError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finishErr
}

// Summary returns the last logged summary.
func (l *EvaluationLogger) Summary() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summary
}

// Predictions returns the number of predictions logged so far.
func (l *EvaluationLogger) Predictions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// LogPrediction records a model prediction and returns the handle its scores are
// logged on. The prediction is nested under parent, or under the evaluation
// call when parent is nil.
func (l *EvaluationLogger) LogPrediction(ctx context.Context, inputs map[string]any, output any, parent *Call) (*ScoreLogger, error) {
	const op = "weave.EvaluationLogger.LogPrediction"

	l.mu.Lock()
	if l.finishing {
		l.mu.Unlock()
		return nil, inspectwandb.NewProtocolError(op, inspectwandb.ErrLoggerFinalized)
	}
	l.count++
	l.inflight.Add(1)
	l.mu.Unlock()
	defer l.inflight.Done()

	if parent == nil {
		parent = l.evaluateCall
	}

	s := &ScoreLogger{
		owner:  l,
		output: output,
		scores: make(map[string]any),
	}

	call, err := l.eval.predictAndScore(ctx, parent, inputs)
	if err != nil {
		l.logger.Error("failed to create prediction call", "error", err)
	} else {
		s.call = call
		if err := l.eval.predict(ctx, call, inputs, output); err != nil {
			l.logger.Error("failed to record model prediction", "call_id", call.ID, "error", err)
		}
	}

	l.mu.Lock()
	l.open[s] = struct{}{}
	l.mu.Unlock()

	l.metrics.recordPrediction(ctx, l.eval.name)
	return s, nil
}

// LogSummary records the evaluation summary. It does not finish the
// evaluation. After Finish it only logs a warning.
func (l *EvaluationLogger) LogSummary(ctx context.Context, summary map[string]any) {
	l.mu.Lock()
	if l.finishing {
		l.mu.Unlock()
		l.logger.Warn("evaluation already finished, ignoring summary")
		return
	}
	l.summary = summary
	l.mu.Unlock()

	if err := l.eval.summarize(ctx, l.evaluateCall, summary); err != nil {
		l.logger.Error("failed to record evaluation summary", "error", err)
	}
}

// Finish finishes every open prediction and then the evaluation call, recording
// err as the evaluation's exception when non-nil. Backend failures are logged;
// the logger is marked finished and unregistered regardless. Calls after the
// first are no-ops, including calls made while the first is still running.
func (l *EvaluationLogger) Finish(ctx context.Context, err error) {
	l.mu.Lock()
	if l.finishing {
		l.mu.Unlock()
		return
	}
	l.finishing = true
	l.mu.Unlock()

	l.inflight.Wait()

	l.mu.Lock()
	open := make([]*ScoreLogger, 0, len(l.open))
	for s := range l.open {
		open = append(open, s)
	}
	l.mu.Unlock()

	for _, s := range open {
		s.Finish(ctx)
	}

	l.mu.Lock()
	summary := l.summary
	l.mu.Unlock()

	var output any
	if summary != nil {
		output = summary
	}
	if finishErr := l.eval.client.FinishCall(ctx, l.evaluateCall, output, err); finishErr != nil {
		l.logger.Error("failed to finish evaluation call", "call_id", l.evaluateCall.ID, "error", finishErr)
	}

	l.mu.Lock()
	l.finished = true
	l.finishErr = err
	l.mu.Unlock()

	if l.registry != nil {
		l.registry.remove(l)
	}
	l.metrics.recordEvaluation(ctx, l.eval.name, err)
}

func (l *EvaluationLogger) closePrediction(s *ScoreLogger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.open, s)
}

// ScoreLogger records the scores of one prediction.
type ScoreLogger struct {
	owner  *EvaluationLogger
	call   *Call
	output any

	mu       sync.Mutex
	scores   map[string]any
	finished bool
}

// LogScore coerces value with CoerceScore and records it under scorer. An
// invalid score shape is returned to the caller; backend failures are logged.
func (s *ScoreLogger) LogScore(ctx context.Context, scorer string, value any, metadata map[string]any) error {
	const op = "weave.ScoreLogger.LogScore"

	coerced, err := CoerceScore(value)
	if err != nil {
		return fmt.Errorf("scorer %s: %w", scorer, err)
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return inspectwandb.NewProtocolError(op, fmt.Errorf("scorer %s: prediction already finished: %w",
			scorer, inspectwandb.ErrLoggerFinalized))
	}
	s.scores[scorer] = coerced
	s.mu.Unlock()

	if s.call != nil {
		if err := s.owner.eval.score(ctx, s.call, scorer, s.output, coerced, metadata); err != nil {
			s.owner.logger.Error("failed to record score", "scorer", scorer, "error", err)
		}
	}

	if f, ok := scoreFloat(coerced); ok {
		s.owner.metrics.recordScore(ctx, s.owner.eval.name, scorer, f)
	}
	return nil
}

// Scores returns a copy of the scores logged so far.
func (s *ScoreLogger) Scores() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out
}

// Finished reports whether Finish has run.
func (s *ScoreLogger) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Finish closes the prediction call. Calls after the first are no-ops.
func (s *ScoreLogger) Finish(ctx context.Context) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	scores := make(map[string]any, len(s.scores))
	for k, v := range s.scores {
		scores[k] = v
	}
	s.mu.Unlock()

	if s.call != nil {
		output := map[string]any{
			"output":        s.output,
			"scores":        scores,
			"model_latency": nil,
		}
		if err := s.owner.eval.client.FinishCall(ctx, s.call, output, nil); err != nil {
			s.owner.logger.Error("failed to finish prediction call", "call_id", s.call.ID, "error", err)
		}
	}
	s.owner.closePrediction(s)
}
