package weave

// Trace server integration
//
// TraceServerClient writes calls to the Weave trace server REST API. Calls are
// queued on a buffered channel and sent by one background worker, so start and
// end requests reach the server in the order they were made.
//
//   - Non-blocking: CreateCall and FinishCall return once the request is queued
//   - Error resilience: API errors are logged by the worker and never reach the hooks
//   - Graceful shutdown: Finish drains the queue before returning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

// DefaultTraceServerURL is the hosted Weave trace server.
const DefaultTraceServerURL = "https://trace.wandb.ai"

// TraceServerOptions configures a TraceServerClient.
type TraceServerOptions struct {
	// BaseURL of the trace server. Defaults to DefaultTraceServerURL.
	BaseURL string

	// APIKey is the wandb API key, sent as the password of HTTP Basic auth.
	APIKey string

	// ProjectID is "entity/project".
	ProjectID string

	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client

	// QueueSize bounds the number of pending requests. Defaults to 1000.
	QueueSize int

	// FlushTimeout bounds how long Finish waits for pending requests.
	// Defaults to 30 seconds.
	FlushTimeout time.Duration

	Logger *slog.Logger
}

// TraceServerClient is a Client for the Weave trace server.
type TraceServerClient struct {
	baseURL      string
	apiKey       string
	projectID    string
	client       *http.Client
	flushTimeout time.Duration
	logger       *slog.Logger

	queue chan *serverRequest
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ Client = (*TraceServerClient)(nil)

// serverRequest is one queued API request.
type serverRequest struct {
	path string
	body any
}

type callStartRequest struct {
	Start callStart `json:"start"`
}

type callStart struct {
	ProjectID   string         `json:"project_id"`
	ID          string         `json:"id"`
	OpName      string         `json:"op_name"`
	DisplayName string         `json:"display_name,omitempty"`
	TraceID     string         `json:"trace_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Attributes  map[string]any `json:"attributes"`
	Inputs      map[string]any `json:"inputs"`
}

type callEndRequest struct {
	End callEnd `json:"end"`
}

type callEnd struct {
	ProjectID string         `json:"project_id"`
	ID        string         `json:"id"`
	EndedAt   time.Time      `json:"ended_at"`
	Output    any            `json:"output,omitempty"`
	Summary   map[string]any `json:"summary"`
	Exception string         `json:"exception,omitempty"`
}

// NewTraceServerClient creates a client and starts its worker.
func NewTraceServerClient(opts TraceServerOptions) *TraceServerClient {
	c := &TraceServerClient{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		projectID:    opts.ProjectID,
		client:       opts.HTTPClient,
		flushTimeout: opts.FlushTimeout,
		logger:       opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultTraceServerURL
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.flushTimeout <= 0 {
		c.flushTimeout = 30 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 1000
	}
	c.queue = make(chan *serverRequest, size)

	c.wg.Add(1)
	go c.worker()

	return c
}

// CreateCall queues a call start and returns its handle.
func (c *TraceServerClient) CreateCall(ctx context.Context, req CallRequest) (*Call, error) {
	call := &Call{
		ID:          uuid.NewString(),
		Op:          req.Op,
		DisplayName: req.DisplayName,
		StartedAt:   time.Now().UTC(),
	}
	if req.Parent != nil {
		call.TraceID = req.Parent.TraceID
		call.ParentID = req.Parent.ID
	} else {
		call.TraceID = uuid.NewString()
	}

	attributes := req.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}

	err := c.enqueue(&serverRequest{
		path: "/call/start",
		body: callStartRequest{Start: callStart{
			ProjectID:   c.projectID,
			ID:          call.ID,
			OpName:      req.Op,
			DisplayName: req.DisplayName,
			TraceID:     call.TraceID,
			ParentID:    call.ParentID,
			StartedAt:   call.StartedAt,
			Attributes:  attributes,
			Inputs:      inputs,
		}},
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// FinishCall queues a call end.
func (c *TraceServerClient) FinishCall(ctx context.Context, call *Call, output any, err error) error {
	if call == nil {
		return inspectwandb.NewInternalError("weave.TraceServerClient.FinishCall", fmt.Errorf("nil call"))
	}

	end := callEnd{
		ProjectID: c.projectID,
		ID:        call.ID,
		EndedAt:   time.Now().UTC(),
		Output:    output,
		Summary:   map[string]any{},
	}
	if err != nil {
		end.Exception = err.Error()
	}
	return c.enqueue(&serverRequest{path: "/call/end", body: callEndRequest{End: end}})
}

// Finish drains pending requests and stops the worker. The wait is bounded by
// ctx and the flush timeout. Calls after the first are no-ops.
func (c *TraceServerClient) Finish(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for trace server requests: %w", ctx.Err())
	case <-time.After(c.flushTimeout):
		return fmt.Errorf("timeout waiting for trace server requests to complete")
	}
}

func (c *TraceServerClient) enqueue(req *serverRequest) error {
	const op = "weave.TraceServerClient.enqueue"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return inspectwandb.NewBackendError(op, fmt.Errorf("trace server client is finished: %w", inspectwandb.ErrNotInitialized))
	}

	// Non-blocking send; drop if the queue is full.
	select {
	case c.queue <- req:
		return nil
	default:
		return inspectwandb.NewBackendError(op, fmt.Errorf("request queue full, dropping %s", req.path))
	}
}

func (c *TraceServerClient) worker() {
	defer c.wg.Done()

	for req := range c.queue {
		if err := c.send(context.Background(), req); err != nil {
			c.logger.Error("trace server request failed", "path", req.path, "error", err)
		}
	}
}

func (c *TraceServerClient) send(ctx context.Context, req *serverRequest) error {
	payload, err := json.Marshal(req.body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+req.path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth("api", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer inspectwandb.CloseWithLog(resp.Body, c.logger, "trace server HTTP response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trace server returned status %d", resp.StatusCode)
	}
	return nil
}
