package models

import "context"

// RunOptions identifies the tracker run to open.
type RunOptions struct {
	// ID is the run id. The hooks use the harness run id so a resumed
	// evaluation writes to the same run.
	ID      string
	Entity  string
	Project string
}

// Tracker opens experiment runs.
type Tracker interface {
	Init(ctx context.Context, opts RunOptions) (Run, error)
}

// Run is an open experiment run. Implementations must be safe for concurrent use.
type Run interface {
	// ID returns the run id.
	ID() string

	// UpdateConfig merges values into the run config.
	UpdateConfig(ctx context.Context, values map[string]any) error

	// DefineMetric declares that metric is plotted against stepMetric.
	DefineMetric(ctx context.Context, metric, stepMetric string) error

	// AddTags appends tags to the run. Tags already present are kept once.
	AddTags(ctx context.Context, tags ...string) error

	// Log appends one history row.
	Log(ctx context.Context, row map[string]any) error

	// UpdateSummary merges values into the run summary.
	UpdateSummary(ctx context.Context, values map[string]any) error

	// SaveFile uploads the file at path with the run.
	SaveFile(ctx context.Context, path string) error

	// LogImage attaches the image at path under key.
	LogImage(ctx context.Context, key, path string) error

	// Finish marks the run finished. Calls after the first are no-ops.
	Finish(ctx context.Context) error
}
