package weave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zero-day-ai/inspect-wandb/config"
)

// recordedCall is one call created on a fakeClient.
type recordedCall struct {
	Call        *Call
	Req         CallRequest
	Output      any
	Err         error
	FinishCount int
}

// fakeClient is an in-memory Client that records every call.
type fakeClient struct {
	mu       sync.Mutex
	calls    []*recordedCall
	byID     map[string]*recordedCall
	nextID   int
	finished int

	// createErrs fails CreateCall for the given ops.
	createErrs map[string]error

	// finishErrs fails FinishCall for the given ops. The call is still recorded.
	finishErrs map[string]error

	finishSessionErr error

	// beforeCreate runs before a call is created, outside the lock.
	beforeCreate func(op string)

	// finishDelay slows down every FinishCall.
	finishDelay time.Duration

	// finishOrder records call ids in the order they were finished.
	finishOrder []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		byID:       make(map[string]*recordedCall),
		createErrs: make(map[string]error),
		finishErrs: make(map[string]error),
	}
}

func (f *fakeClient) CreateCall(_ context.Context, req CallRequest) (*Call, error) {
	if f.beforeCreate != nil {
		f.beforeCreate(req.Op)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.createErrs[req.Op]; err != nil {
		return nil, err
	}

	f.nextID++
	call := &Call{
		ID:          fmt.Sprintf("call-%d", f.nextID),
		Op:          req.Op,
		DisplayName: req.DisplayName,
	}
	if req.Parent != nil {
		call.ParentID = req.Parent.ID
	}
	rec := &recordedCall{Call: call, Req: req}
	f.calls = append(f.calls, rec)
	f.byID[call.ID] = rec
	return call, nil
}

func (f *fakeClient) FinishCall(_ context.Context, call *Call, output any, err error) error {
	if f.finishDelay > 0 {
		time.Sleep(f.finishDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if call == nil {
		return errors.New("nil call")
	}
	rec, ok := f.byID[call.ID]
	if !ok {
		return fmt.Errorf("unknown call %s", call.ID)
	}
	rec.FinishCount++
	f.finishOrder = append(f.finishOrder, call.ID)
	rec.Output = output
	rec.Err = err
	return f.finishErrs[call.Op]
}

func (f *fakeClient) Finish(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
	return f.finishSessionErr
}

// callsByOp returns the recorded calls for op in creation order.
func (f *fakeClient) callsByOp(op string) []*recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*recordedCall
	for _, c := range f.calls {
		if c.Req.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// finishIndex returns the position of the first finish of call id, or -1.
func (f *fakeClient) finishIndex(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, got := range f.finishOrder {
		if got == id {
			return i
		}
	}
	return -1
}

func (f *fakeClient) call(id string) *recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

func (f *fakeClient) sessionFinishes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// staticLoader returns fixed settings.
type staticLoader struct {
	settings *config.Settings
	err      error
	loads    int
}

func (l *staticLoader) Load() (*config.Settings, error) {
	l.loads++
	return l.settings, l.err
}

// fakePatcher counts patch and unpatch calls.
type fakePatcher struct {
	patched   int
	unpatched int
}

func (p *fakePatcher) Patch(context.Context) error {
	p.patched++
	return nil
}

func (p *fakePatcher) Unpatch(context.Context) error {
	p.unpatched++
	return nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		Weave: config.WeaveSettings{
			Enabled:            true,
			Entity:             "test-entity",
			Project:            "test-project",
			SampleNameTemplate: config.DefaultSampleNameTemplate,
		},
		Models: config.ModelsSettings{
			Enabled: true,
			Entity:  "test-entity",
			Project: "test-project",
		},
	}
}
