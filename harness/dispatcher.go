package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

// Dispatcher delivers harness events to a set of hooks following the harness
// contract: Enabled is consulted once per run at RunStart, and hooks that are
// disabled for the run receive no further events until the next RunStart.
//
// Dispatch is safe for concurrent use; sample events for different samples may
// be dispatched from different goroutines.
type Dispatcher struct {
	hooks  []Hooks
	logger *slog.Logger

	mu      sync.RWMutex
	active  []Hooks
	running bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used by the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher for the given hooks.
func NewDispatcher(hooks []Hooks, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		hooks:  hooks,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers one event.
//
// A RunStart while a run is active, or any other event outside a run, is a
// protocol error. An Enabled error aborts the run before any hook sees RunStart.
// Handler errors do not stop delivery to the remaining hooks; they are joined
// and returned together.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	const op = "harness.Dispatcher.Dispatch"

	if start, ok := event.(RunStart); ok {
		if err := d.beginRun(); err != nil {
			return err
		}
		return d.deliver(ctx, start)
	}

	d.mu.RLock()
	running := d.running
	hooks := d.active
	d.mu.RUnlock()

	if !running {
		return inspectwandb.NewProtocolError(op, fmt.Errorf("%w: %s received outside a run: %w",
			inspectwandb.ErrProtocolViolation, event.EventName(), inspectwandb.ErrNotInitialized))
	}

	err := deliverTo(ctx, hooks, event)

	if _, ok := event.(RunEnd); ok {
		d.mu.Lock()
		d.running = false
		d.active = nil
		d.mu.Unlock()
	}

	return err
}

// Running reports whether a run has started and not yet ended.
func (d *Dispatcher) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Active returns the number of hooks enabled for the current run.
func (d *Dispatcher) Active() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.active)
}

func (d *Dispatcher) beginRun() error {
	const op = "harness.Dispatcher.beginRun"

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return inspectwandb.NewProtocolError(op, fmt.Errorf("%w: run_start received during an active run: %w",
			inspectwandb.ErrProtocolViolation, inspectwandb.ErrAlreadyInitialized))
	}

	active := make([]Hooks, 0, len(d.hooks))
	for i, h := range d.hooks {
		enabled, err := h.Enabled()
		if err != nil {
			return fmt.Errorf("hook %d: %w", i, err)
		}
		if !enabled {
			d.logger.Info("hook disabled for run", "hook", fmt.Sprintf("%T", h))
			continue
		}
		active = append(active, h)
	}

	d.active = active
	d.running = true
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) error {
	d.mu.RLock()
	hooks := d.active
	d.mu.RUnlock()
	return deliverTo(ctx, hooks, event)
}

func deliverTo(ctx context.Context, hooks []Hooks, event Event) error {
	var errs []error
	for _, h := range hooks {
		if err := deliverOne(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliverOne(ctx context.Context, h Hooks, event Event) error {
	switch e := event.(type) {
	case RunStart:
		return h.OnRunStart(ctx, e)
	case RunEnd:
		return h.OnRunEnd(ctx, e)
	case TaskStart:
		return h.OnTaskStart(ctx, e)
	case TaskEnd:
		return h.OnTaskEnd(ctx, e)
	case SampleStart:
		return h.OnSampleStart(ctx, e)
	case SampleEnd:
		return h.OnSampleEnd(ctx, e)
	default:
		return inspectwandb.NewInternalError("harness.deliverOne",
			fmt.Errorf("unsupported event type %T", event))
	}
}
