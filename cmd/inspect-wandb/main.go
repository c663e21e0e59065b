// Command inspect-wandb inspects the resolved integration settings and replays
// recorded harness events through the tracer and tracker hooks.
//
// Examples:
//
//	# Print the settings the hooks would run with
//	inspect-wandb settings
//
//	# Replay a recorded run into a local tracker directory
//	inspect-wandb replay events.jsonl --tracker file --run-dir ./runs
//
//	# Replay into Redis, recording tracer spans in-process
//	inspect-wandb replay events.jsonl --tracker redis --redis-url redis://localhost:6379 --otel
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
