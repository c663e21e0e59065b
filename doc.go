// Package inspectwandb bridges an inspect-style evaluation harness to Weights & Biases.
//
// The module provides two sets of lifecycle hooks that observe harness events
// (run, task and sample start/end) and forward derived data to external services:
//
//   - weave: writes evaluations, predictions and scores to the Weave tracer
//     (or any backend implementing weave.Client, such as OpenTelemetry spans).
//   - models: writes running accuracy, tags, summaries and files to a W&B Models
//     style experiment run (implemented by models.Tracker backends).
//
// # Configuration
//
// Both hook sets resolve their settings through the config package, which merges
// environment variables, the local wandb settings file, a project file
// (pyproject.toml or inspect-wandb-settings.yaml) and programmatic values.
//
// # Getting Started
//
//	hooks, err := providers.Build(providers.Options{Tracker: models.NewFileTracker("runs")})
//	if err != nil {
//		log.Fatal(err)
//	}
//	dispatcher := harness.NewDispatcher(hooks)
//	err = dispatcher.Dispatch(ctx, harness.RunStart{RunID: "run-1"})
//
// # Error Handling
//
// Errors returned by the hooks are *Error values carrying a Kind. Configuration and
// protocol errors are fatal; backend errors are logged and absorbed inside the hooks.
//
//	if errors.Is(err, inspectwandb.ErrWandbNotInitialized) {
//		// run `wandb init` first
//	}
package inspectwandb
