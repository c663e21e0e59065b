package weave

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

type receivedRequest struct {
	Path string
	Body map[string]any
}

type traceServerStub struct {
	mu       sync.Mutex
	requests []receivedRequest
	status   int
}

func (s *traceServerStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "secret-key", pass)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body map[string]any
		assert.NoError(t, json.Unmarshal(data, &body))

		s.mu.Lock()
		s.requests = append(s.requests, receivedRequest{Path: r.URL.Path, Body: body})
		status := s.status
		s.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	}
}

func (s *traceServerStub) received() []receivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedRequest(nil), s.requests...)
}

func newTestTraceServer(t *testing.T, stub *traceServerStub) *TraceServerClient {
	t.Helper()
	server := httptest.NewServer(stub.handler(t))
	t.Cleanup(server.Close)

	return NewTraceServerClient(TraceServerOptions{
		BaseURL:      server.URL + "/",
		APIKey:       "secret-key",
		ProjectID:    "test-entity/test-project",
		FlushTimeout: 5 * time.Second,
	})
}

func TestTraceServerClient_StartAndEnd(t *testing.T) {
	ctx := context.Background()
	stub := &traceServerStub{}
	client := newTestTraceServer(t, stub)

	root, err := client.CreateCall(ctx, CallRequest{
		Op:          OpEvaluate,
		DisplayName: "test_task",
		Inputs:      map[string]any{"model": "mockllm__model"},
	})
	require.NoError(t, err)
	child, err := client.CreateCall(ctx, CallRequest{Op: OpPredictAndScore, Parent: root})
	require.NoError(t, err)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.ID, child.ParentID)

	require.NoError(t, client.FinishCall(ctx, child, map[string]any{"output": "4"}, nil))
	require.NoError(t, client.FinishCall(ctx, root, nil, errors.New("Inspect run failed: boom")))
	require.NoError(t, client.Finish(ctx))

	reqs := stub.received()
	require.Len(t, reqs, 4)
	assert.Equal(t, []string{"/call/start", "/call/start", "/call/end", "/call/end"},
		[]string{reqs[0].Path, reqs[1].Path, reqs[2].Path, reqs[3].Path})

	start := reqs[0].Body["start"].(map[string]any)
	assert.Equal(t, "test-entity/test-project", start["project_id"])
	assert.Equal(t, root.ID, start["id"])
	assert.Equal(t, OpEvaluate, start["op_name"])
	assert.Equal(t, "test_task", start["display_name"])
	assert.Equal(t, root.TraceID, start["trace_id"])
	assert.NotContains(t, start, "parent_id")
	assert.Equal(t, map[string]any{"model": "mockllm__model"}, start["inputs"])
	assert.Equal(t, map[string]any{}, start["attributes"])

	childStart := reqs[1].Body["start"].(map[string]any)
	assert.Equal(t, root.ID, childStart["parent_id"])

	childEnd := reqs[2].Body["end"].(map[string]any)
	assert.Equal(t, child.ID, childEnd["id"])
	assert.Equal(t, map[string]any{"output": "4"}, childEnd["output"])
	assert.NotContains(t, childEnd, "exception")

	rootEnd := reqs[3].Body["end"].(map[string]any)
	assert.Equal(t, "Inspect run failed: boom", rootEnd["exception"])
}

func TestTraceServerClient_ServerErrorsAreAbsorbed(t *testing.T) {
	ctx := context.Background()
	stub := &traceServerStub{status: http.StatusInternalServerError}
	client := newTestTraceServer(t, stub)

	call, err := client.CreateCall(ctx, CallRequest{Op: OpEvaluate})
	require.NoError(t, err)
	require.NoError(t, client.FinishCall(ctx, call, nil, nil))
	require.NoError(t, client.Finish(ctx))

	assert.Len(t, stub.received(), 2)
}

func TestTraceServerClient_AfterFinish(t *testing.T) {
	ctx := context.Background()
	client := newTestTraceServer(t, &traceServerStub{})

	require.NoError(t, client.Finish(ctx))
	require.NoError(t, client.Finish(ctx), "finish is idempotent")

	_, err := client.CreateCall(ctx, CallRequest{Op: OpEvaluate})
	require.Error(t, err)
	assert.ErrorIs(t, err, &inspectwandb.Error{Kind: inspectwandb.KindBackend})

	err = client.FinishCall(ctx, nil, nil, nil)
	assert.ErrorIs(t, err, &inspectwandb.Error{Kind: inspectwandb.KindInternal})
}

func TestTraceServerClient_QueueFull(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := NewTraceServerClient(TraceServerOptions{
		BaseURL:   server.URL,
		APIKey:    "secret-key",
		ProjectID: "e/p",
		QueueSize: 1,
	})

	ctx := context.Background()
	var lastErr error
	for i := 0; i < 5 && lastErr == nil; i++ {
		_, lastErr = client.CreateCall(ctx, CallRequest{Op: OpEvaluate})
	}
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "queue full")

	close(release)
	require.NoError(t, client.Finish(ctx))
}
