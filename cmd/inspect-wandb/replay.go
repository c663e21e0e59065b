package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/harness"
	"github.com/zero-day-ai/inspect-wandb/models"
	"github.com/zero-day-ai/inspect-wandb/providers"
	"github.com/zero-day-ai/inspect-wandb/weave"
)

// Tracker backends selectable with --tracker.
const (
	trackerRedis = "redis"
	trackerFile  = "file"
	trackerNone  = "none"
)

type replayFlags struct {
	tracker  string
	redisURL string
	runDir   string
	otel     bool
	hooks    []string
}

func newReplayCmd(flags *globalFlags) *cobra.Command {
	rf := &replayFlags{}

	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Replay recorded harness events through the registered hooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := flags.logger(cmd)
			if err != nil {
				return err
			}
			return runReplay(cmd.Context(), cmd.OutOrStdout(), args[0], rf, flags.loader(logger), logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.tracker, "tracker", trackerFile, "Tracker backend (redis, file, none)")
	f.StringVar(&rf.redisURL, "redis-url", "redis://localhost:6379", "Redis URL used by the redis tracker")
	f.StringVar(&rf.runDir, "run-dir", "runs", "Directory used by the file tracker")
	f.BoolVar(&rf.otel, "otel", false, "Record tracer calls as in-process OpenTelemetry spans instead of sending them to the trace server")
	f.StringSliceVar(&rf.hooks, "hooks", nil, "Hooks to replay through (default: all registered)")
	return cmd
}

func runReplay(ctx context.Context, out io.Writer, path string, rf *replayFlags, loader *config.Loader, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open events: %w", err)
	}
	events, err := harness.DecodeEvents(file)
	_ = file.Close()
	if err != nil {
		return err
	}

	opts := providers.Options{Logger: logger, Loader: loader}

	switch rf.tracker {
	case trackerRedis:
		tracker, err := models.NewRedisTracker(models.RedisOptions{URL: rf.redisURL})
		if err != nil {
			return err
		}
		defer tracker.Close()
		opts.Tracker = tracker
	case trackerFile:
		opts.Tracker = models.NewFileTracker(rf.runDir)
	case trackerNone:
	default:
		return fmt.Errorf("unknown tracker %q", rf.tracker)
	}

	var spans *tracetest.InMemoryExporter
	if rf.otel {
		spans = tracetest.NewInMemoryExporter()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
		defer func() { _ = provider.Shutdown(context.Background()) }()

		opts.ClientFactory = func(context.Context, config.WeaveSettings) (weave.Client, error) {
			return weave.NewOTelClient(provider.Tracer("inspect-wandb"),
				weave.WithFlusher(provider),
				weave.WithOTelLogger(logger)), nil
		}
	}

	hooks, err := providers.Build(opts, rf.hooks...)
	if err != nil {
		return err
	}

	d := harness.NewDispatcher(hooks, harness.WithDispatcherLogger(logger))
	replayed, err := dispatchAll(ctx, d, events)
	fmt.Fprintf(out, "replayed %d of %d events\n", replayed, len(events))
	if spans != nil {
		for _, span := range spans.GetSpans() {
			fmt.Fprintf(out, "span %s %s %s\n", span.SpanContext.SpanID(), span.Name, span.Status.Code)
		}
	}
	return err
}

// dispatchAll dispatches events in order and stops at the first failure. A
// failure inside a run ends the run with the failure as its exception.
func dispatchAll(ctx context.Context, d *harness.Dispatcher, events []harness.Event) (int, error) {
	var runID string
	for i, event := range events {
		if start, ok := event.(harness.RunStart); ok && !d.Running() {
			runID = start.RunID
		}
		if err := d.Dispatch(ctx, event); err != nil {
			err = fmt.Errorf("event %d (%s): %w", i+1, event.EventName(), err)
			return i, errors.Join(err, abortRun(ctx, d, runID, err))
		}
	}
	return len(events), nil
}

// abortRun ends the active run with err as its exception so open evaluations,
// client sessions and tracker runs are finalized.
func abortRun(ctx context.Context, d *harness.Dispatcher, runID string, err error) error {
	if !d.Running() {
		return nil
	}
	if endErr := d.Dispatch(ctx, harness.RunEnd{RunID: runID, Exception: err}); endErr != nil {
		return fmt.Errorf("failed to end run %s: %w", runID, endErr)
	}
	return nil
}
