// Package trace provides the per-execution span collector. Every workflow
// execution owns a Collector that records an OpenTelemetry-compatible span
// tree rooted at the workflow span; a telemetry.Tracer may be bound so
// engine-emitted spans are dual-exported to the OTel provider.
package trace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/telemetry"
)

// Status is the span outcome code.
type Status string

const (
	// StatusUnset is the default status of an open span.
	StatusUnset Status = "UNSET"
	// StatusOK marks a successfully completed span.
	StatusOK Status = "OK"
	// StatusError marks a failed span.
	StatusError Status = "ERROR"
)

type (
	// SpanEvent is a timestamped annotation attached to a span.
	SpanEvent struct {
		Name       string         `json:"name"`
		Timestamp  int64          `json:"timestamp"`
		Attributes map[string]any `json:"attributes,omitempty"`
	}

	// Span is a single timing record. Times are milliseconds since the Unix
	// epoch; EndTime is zero while the span is open. Attribute values are
	// restricted to strings, numbers, and booleans.
	Span struct {
		SpanID        string         `json:"span_id"`
		TraceID       string         `json:"trace_id"`
		ParentSpanID  string         `json:"parent_span_id,omitempty"`
		Name          string         `json:"name"`
		StartTime     int64          `json:"start_time"`
		EndTime       int64          `json:"end_time,omitempty"`
		Status        Status         `json:"status"`
		StatusMessage string         `json:"status_message,omitempty"`
		Attributes    map[string]any `json:"attributes,omitempty"`
		Events        []SpanEvent    `json:"events,omitempty"`
	}

	// Collector accumulates the span tree for one execution. Writes are
	// confined to the owning execution; Snapshot returns deep copies safe for
	// concurrent export.
	Collector struct {
		mu      sync.Mutex
		traceID string
		spans   map[string]*Span
		order   []string
		clock   func() time.Time

		tracer    telemetry.Tracer
		otelSpans map[string]telemetry.Span
		otelCtxs  map[string]context.Context
	}

	// CollectorOption configures a Collector.
	CollectorOption func(*Collector)
)

// WithTracer binds a telemetry tracer. When bound, every collected span is
// mirrored to the underlying provider with equivalent timing.
func WithTracer(tracer telemetry.Tracer) CollectorOption {
	return func(c *Collector) { c.tracer = tracer }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) CollectorOption {
	return func(c *Collector) { c.clock = clock }
}

// NewCollector constructs a collector with a fresh trace ID.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		traceID:   uuid.NewString(),
		spans:     make(map[string]*Span),
		clock:     time.Now,
		otelSpans: make(map[string]telemetry.Span),
		otelCtxs:  make(map[string]context.Context),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// TraceID returns the trace identifier shared by all collected spans.
func (c *Collector) TraceID() string { return c.traceID }

// StartSpan opens a span and returns its ID. An empty parentSpanID starts a
// root span. Unknown parents are treated as roots rather than rejected so a
// late caller never loses timing data.
func (c *Collector) StartSpan(name string, attrs map[string]any, parentSpanID string) string {
	now := c.clock()
	span := &Span{
		SpanID:       uuid.NewString(),
		TraceID:      c.traceID,
		Name:         name,
		StartTime:    now.UnixMilli(),
		Status:       StatusUnset,
		Attributes:   sanitizeAttrs(attrs),
		ParentSpanID: parentSpanID,
	}

	c.mu.Lock()
	if parentSpanID != "" {
		if _, ok := c.spans[parentSpanID]; !ok {
			span.ParentSpanID = ""
		}
	}
	c.spans[span.SpanID] = span
	c.order = append(c.order, span.SpanID)
	if c.tracer != nil {
		parentCtx := context.Background()
		if span.ParentSpanID != "" {
			if pc, ok := c.otelCtxs[span.ParentSpanID]; ok {
				parentCtx = pc
			}
		}
		ctx, os := c.tracer.Start(parentCtx, name,
			oteltrace.WithTimestamp(now),
			oteltrace.WithAttributes(otelAttrs(span.Attributes)...),
		)
		c.otelSpans[span.SpanID] = os
		c.otelCtxs[span.SpanID] = ctx
	}
	c.mu.Unlock()
	return span.SpanID
}

// SetAttributes merges attributes into an open span.
func (c *Collector) SetAttributes(spanID string, attrs map[string]any) {
	clean := sanitizeAttrs(attrs)
	if len(clean) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	span, ok := c.spans[spanID]
	if !ok || span.EndTime != 0 {
		return
	}
	if span.Attributes == nil {
		span.Attributes = make(map[string]any, len(clean))
	}
	for k, v := range clean {
		span.Attributes[k] = v
	}
	if os, ok := c.otelSpans[spanID]; ok {
		os.SetAttributes(pairAttrs(clean)...)
	}
}

// AddEvent attaches a timestamped event to an open span.
func (c *Collector) AddEvent(spanID, name string, attrs map[string]any) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	span, ok := c.spans[spanID]
	if !ok || span.EndTime != 0 {
		return
	}
	clean := sanitizeAttrs(attrs)
	span.Events = append(span.Events, SpanEvent{Name: name, Timestamp: now.UnixMilli(), Attributes: clean})
	if os, ok := c.otelSpans[spanID]; ok {
		os.AddEvent(name, pairAttrs(clean)...)
	}
}

// RecordError marks the span with an exception event. The span stays open;
// callers still end it with StatusError.
func (c *Collector) RecordError(spanID string, err error) {
	if err == nil {
		return
	}
	c.AddEvent(spanID, "exception", map[string]any{"exception.message": err.Error()})
	c.mu.Lock()
	defer c.mu.Unlock()
	if os, ok := c.otelSpans[spanID]; ok {
		os.RecordError(err)
	}
}

// EndSpan closes a span with the given status. Ending an unknown or already
// closed span is a no-op.
func (c *Collector) EndSpan(spanID string, status Status, message string) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	span, ok := c.spans[spanID]
	if !ok || span.EndTime != 0 {
		return
	}
	span.EndTime = now.UnixMilli()
	span.Status = status
	span.StatusMessage = message
	if os, ok := c.otelSpans[spanID]; ok {
		switch status {
		case StatusOK:
			os.SetStatus(codes.Ok, message)
		case StatusError:
			os.SetStatus(codes.Error, message)
		}
		os.End(oteltrace.WithTimestamp(now))
		delete(c.otelSpans, spanID)
	}
}

// Snapshot returns deep copies of all collected spans in start order.
func (c *Collector) Snapshot() []*Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Span, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneSpan(c.spans[id]))
	}
	return out
}

func cloneSpan(s *Span) *Span {
	cp := *s
	if s.Attributes != nil {
		cp.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			cp.Attributes[k] = v
		}
	}
	if s.Events != nil {
		cp.Events = make([]SpanEvent, len(s.Events))
		copy(cp.Events, s.Events)
	}
	return &cp
}

// sanitizeAttrs keeps scalar attribute values and stringifies the rest.
func sanitizeAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func otelAttrs(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int32:
			out = append(out, attribute.Int64(k, int64(val)))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float32:
			out = append(out, attribute.Float64(k, float64(val)))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

// pairAttrs flattens a sanitized attribute map into the alternating key-value
// form telemetry spans accept.
func pairAttrs(attrs map[string]any) []any {
	out := make([]any, 0, 2*len(attrs))
	for k, v := range attrs {
		out = append(out, k, v)
	}
	return out
}
