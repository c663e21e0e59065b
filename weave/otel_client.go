package weave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys written by OTelClient.
const (
	attrOp          = "weave.op"
	attrDisplayName = "weave.display_name"
	attrInputs      = "weave.inputs"
	attrAttributes  = "weave.attributes"
	attrOutput      = "weave.output"
)

// Flusher is implemented by tracer providers that can flush buffered spans,
// such as *sdktrace.TracerProvider.
type Flusher interface {
	ForceFlush(ctx context.Context) error
}

// OTelClient records tracer calls as OpenTelemetry spans. Call inputs, outputs
// and attributes are JSON-encoded into span attributes, and a call finished
// with an error gets an error status.
type OTelClient struct {
	tracer  trace.Tracer
	flusher Flusher
	logger  *slog.Logger

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ Client = (*OTelClient)(nil)

// OTelOption configures an OTelClient.
type OTelOption func(*OTelClient)

// WithFlusher flushes the given provider when the client finishes.
func WithFlusher(f Flusher) OTelOption {
	return func(c *OTelClient) {
		c.flusher = f
	}
}

// WithOTelLogger sets the client logger.
func WithOTelLogger(logger *slog.Logger) OTelOption {
	return func(c *OTelClient) {
		c.logger = logger
	}
}

// NewOTelClient creates a client writing spans to tracer.
func NewOTelClient(tracer trace.Tracer, opts ...OTelOption) *OTelClient {
	c := &OTelClient{
		tracer: tracer,
		logger: slog.Default(),
		spans:  make(map[string]trace.Span),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCall starts a span. Calls without a parent start a new trace.
func (c *OTelClient) CreateCall(ctx context.Context, req CallRequest) (*Call, error) {
	name := req.DisplayName
	if name == "" {
		name = req.Op
	}

	startOpts := []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String(attrOp, req.Op),
			attribute.String(attrDisplayName, req.DisplayName),
			attribute.String(attrInputs, encodeAttribute(req.Inputs)),
		),
	}
	if len(req.Attributes) > 0 {
		startOpts = append(startOpts, trace.WithAttributes(attribute.String(attrAttributes, encodeAttribute(req.Attributes))))
	}

	var parentID string
	if req.Parent != nil {
		c.mu.Lock()
		parent, ok := c.spans[req.Parent.ID]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("parent call %s is not open", req.Parent.ID)
		}
		ctx = trace.ContextWithSpan(ctx, parent)
		parentID = req.Parent.ID
	} else {
		startOpts = append(startOpts, trace.WithNewRoot())
	}

	_, span := c.tracer.Start(ctx, name, startOpts...)
	sc := span.SpanContext()

	call := &Call{
		ID:          sc.SpanID().String(),
		TraceID:     sc.TraceID().String(),
		ParentID:    parentID,
		Op:          req.Op,
		DisplayName: req.DisplayName,
		StartedAt:   time.Now(),
	}

	c.mu.Lock()
	c.spans[call.ID] = span
	c.mu.Unlock()
	return call, nil
}

// FinishCall ends the call's span.
func (c *OTelClient) FinishCall(ctx context.Context, call *Call, output any, err error) error {
	if call == nil {
		return fmt.Errorf("finish call: nil call")
	}

	c.mu.Lock()
	span, ok := c.spans[call.ID]
	delete(c.spans, call.ID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("call %s is not open", call.ID)
	}

	if output != nil {
		span.SetAttributes(attribute.String(attrOutput, encodeAttribute(output)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return nil
}

// Finish ends spans still open and flushes the provider.
func (c *OTelClient) Finish(ctx context.Context) error {
	c.mu.Lock()
	open := c.spans
	c.spans = make(map[string]trace.Span)
	c.mu.Unlock()

	for id, span := range open {
		c.logger.Warn("ending span left open at finish", "call_id", id)
		span.End()
	}

	if c.flusher == nil {
		return nil
	}
	if err := c.flusher.ForceFlush(ctx); err != nil {
		return fmt.Errorf("flush spans: %w", err)
	}
	return nil
}

// encodeAttribute renders v as JSON, falling back to fmt formatting.
func encodeAttribute(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
