package weave

import (
	"context"
	"time"

	"github.com/zero-day-ai/inspect-wandb/config"
)

// Op names written by the evaluation logger and the hooks.
const (
	OpEvaluate        = "Evaluation.evaluate"
	OpPredictAndScore = "Evaluation.predict_and_score"
	OpPredict         = "Model.predict"
	OpSummarize       = "Evaluation.summarize"
	OpSample          = "inspect-sample"
)

// Call is a handle to a call opened on the tracer.
type Call struct {
	ID          string
	TraceID     string
	ParentID    string
	Op          string
	DisplayName string
	StartedAt   time.Time
}

// CallRequest describes a call to open.
type CallRequest struct {
	Op          string
	Inputs      map[string]any
	Attributes  map[string]any
	DisplayName string

	// Parent nests the new call under an open call. Nil starts a new trace.
	Parent *Call
}

// Client is the tracer surface used by the hooks. Implementations must be safe
// for concurrent use.
type Client interface {
	// CreateCall opens a call.
	CreateCall(ctx context.Context, req CallRequest) (*Call, error)

	// FinishCall closes a call with its output. A non-nil err records the call
	// as failed.
	FinishCall(ctx context.Context, call *Call, output any, err error) error

	// Finish flushes pending work and ends the session.
	Finish(ctx context.Context) error
}

// ClientFactory opens a tracer session for the resolved settings. It is called
// once per run, at the first enabled task.
type ClientFactory func(ctx context.Context, settings config.WeaveSettings) (Client, error)

// Patcher engages backend autopatching for the duration of a run.
type Patcher interface {
	Patch(ctx context.Context) error
	Unpatch(ctx context.Context) error
}
