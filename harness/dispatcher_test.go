package harness

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

// recordingHooks records the names of the events it receives.
type recordingHooks struct {
	NopHooks

	enabled    bool
	enabledErr error
	sampleErr  error

	mu     sync.Mutex
	events []string
}

func (h *recordingHooks) Enabled() (bool, error) { return h.enabled, h.enabledErr }

func (h *recordingHooks) record(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, name)
}

func (h *recordingHooks) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHooks) OnRunStart(context.Context, RunStart) error {
	h.record(EventRunStart)
	return nil
}

func (h *recordingHooks) OnRunEnd(context.Context, RunEnd) error {
	h.record(EventRunEnd)
	return nil
}

func (h *recordingHooks) OnTaskStart(context.Context, TaskStart) error {
	h.record(EventTaskStart)
	return nil
}

func (h *recordingHooks) OnSampleEnd(context.Context, SampleEnd) error {
	h.record(EventSampleEnd)
	return h.sampleErr
}

func TestDispatcher_DeliversToEnabledHooks(t *testing.T) {
	on := &recordingHooks{enabled: true}
	off := &recordingHooks{enabled: false}
	d := NewDispatcher([]Hooks{on, off})
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, RunStart{RunID: "run-1"}))
	assert.Equal(t, 1, d.Active())
	require.NoError(t, d.Dispatch(ctx, TaskStart{RunID: "run-1", EvalID: "e1"}))
	require.NoError(t, d.Dispatch(ctx, SampleEnd{EvalID: "e1", SampleID: "s1"}))
	require.NoError(t, d.Dispatch(ctx, RunEnd{RunID: "run-1"}))

	assert.Equal(t, []string{EventRunStart, EventTaskStart, EventSampleEnd, EventRunEnd}, on.seen())
	assert.Empty(t, off.seen())
	assert.Equal(t, 0, d.Active())
}

func TestDispatcher_EnabledErrorAbortsRun(t *testing.T) {
	cfgErr := inspectwandb.NewConfigurationError("config.Loader.Load", inspectwandb.ErrWandbNotInitialized)
	failing := &recordingHooks{enabledErr: cfgErr}
	other := &recordingHooks{enabled: true}
	d := NewDispatcher([]Hooks{other, failing})

	err := d.Dispatch(context.Background(), RunStart{RunID: "run-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, inspectwandb.ErrWandbNotInitialized)
	assert.Empty(t, other.seen(), "no hook should see RunStart when setup fails")

	err = d.Dispatch(context.Background(), TaskStart{})
	assert.ErrorIs(t, err, inspectwandb.ErrNotInitialized)
}

func TestDispatcher_JoinsHandlerErrors(t *testing.T) {
	first := &recordingHooks{enabled: true, sampleErr: errors.New("first failed")}
	second := &recordingHooks{enabled: true, sampleErr: errors.New("second failed")}
	d := NewDispatcher([]Hooks{first, second})
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, RunStart{RunID: "run-1"}))
	err := d.Dispatch(ctx, SampleEnd{SampleID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first failed")
	assert.Contains(t, err.Error(), "second failed")
	assert.Contains(t, second.seen(), EventSampleEnd)
}

func TestDispatcher_ProtocolErrors(t *testing.T) {
	d := NewDispatcher([]Hooks{&recordingHooks{enabled: true}})
	ctx := context.Background()

	err := d.Dispatch(ctx, SampleStart{SampleID: "s1"})
	assert.ErrorIs(t, err, inspectwandb.ErrProtocolViolation)

	assert.False(t, d.Running())

	require.NoError(t, d.Dispatch(ctx, RunStart{RunID: "run-1"}))
	assert.True(t, d.Running())
	err = d.Dispatch(ctx, RunStart{RunID: "run-2"})
	assert.ErrorIs(t, err, inspectwandb.ErrAlreadyInitialized)
	assert.True(t, d.Running(), "a rejected RunStart keeps the active run")

	require.NoError(t, d.Dispatch(ctx, RunEnd{RunID: "run-1"}))
	assert.False(t, d.Running())
	require.NoError(t, d.Dispatch(ctx, RunStart{RunID: "run-2"}), "a new run may start after RunEnd")
}

func TestDispatcher_ConcurrentSamples(t *testing.T) {
	h := &recordingHooks{enabled: true}
	d := NewDispatcher([]Hooks{h})
	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, RunStart{RunID: "run-1"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Dispatch(ctx, SampleEnd{SampleID: "s"}))
		}()
	}
	wg.Wait()

	assert.Len(t, h.seen(), 51)
}
