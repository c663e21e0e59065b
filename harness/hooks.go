package harness

import "context"

// Hooks receives harness lifecycle events.
//
// Enabled is called once at the start of every run before any other method. Returning
// false skips the hook for the whole run; returning an error aborts the run, since it
// signals a setup problem the user has to fix (for example an uninitialized backend).
//
// Sample handlers may be called concurrently for different samples. Events for the
// same sample are always delivered in order.
type Hooks interface {
	Enabled() (bool, error)
	OnRunStart(ctx context.Context, data RunStart) error
	OnRunEnd(ctx context.Context, data RunEnd) error
	OnTaskStart(ctx context.Context, data TaskStart) error
	OnTaskEnd(ctx context.Context, data TaskEnd) error
	OnSampleStart(ctx context.Context, data SampleStart) error
	OnSampleEnd(ctx context.Context, data SampleEnd) error
}

// NopHooks implements every Hooks method as a no-op. Embed it to implement only
// the events a hook cares about.
type NopHooks struct{}

func (NopHooks) Enabled() (bool, error)                           { return true, nil }
func (NopHooks) OnRunStart(context.Context, RunStart) error       { return nil }
func (NopHooks) OnRunEnd(context.Context, RunEnd) error           { return nil }
func (NopHooks) OnTaskStart(context.Context, TaskStart) error     { return nil }
func (NopHooks) OnTaskEnd(context.Context, TaskEnd) error         { return nil }
func (NopHooks) OnSampleStart(context.Context, SampleStart) error { return nil }
func (NopHooks) OnSampleEnd(context.Context, SampleEnd) error     { return nil }
