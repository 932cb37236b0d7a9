// Package executor performs contract-validated one-shot procedure
// invocations. Input validation strictly precedes the handler; output
// validation strictly follows. Every invocation emits procedure lifecycle
// events and records a span on the caller's collector.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/procedure"
	"github.com/procflow/procflow/telemetry"
	"github.com/procflow/procflow/trace"
)

// ErrorKind classifies invocation failures.
type ErrorKind string

const (
	// KindInputValidation marks an input that did not satisfy the input
	// schema.
	KindInputValidation ErrorKind = "input_validation"
	// KindOutputValidation marks a handler output that violated the output
	// schema.
	KindOutputValidation ErrorKind = "output_validation"
	// KindHandler wraps an error returned (or a panic raised) by the
	// handler.
	KindHandler ErrorKind = "handler"
)

type (
	// Error is the failure type returned by Invoke.
	Error struct {
		// Kind classifies the failure.
		Kind ErrorKind
		// Procedure names the invoked procedure.
		Procedure string
		// Err is the underlying cause. For validation kinds it is a
		// *procedure.ValidationError carrying field issues.
		Err error
	}

	// Context describes one invocation for event correlation and tracing.
	// The zero value is valid for standalone calls.
	Context struct {
		// RequestID identifies the invocation. Generated when empty.
		RequestID string
		// Transport labels the calling surface ("workflow", "http", ...).
		Transport string
		// Metadata seeds the handler's mutable metadata bag.
		Metadata map[string]any
		// ExecutionID and WorkflowID correlate events when the invocation
		// happens inside a workflow execution.
		ExecutionID string
		WorkflowID  string
		// NodeID names the owning workflow node, when applicable.
		NodeID string
		// Collector, when set, records a span for the invocation.
		Collector *trace.Collector
		// ParentSpanID parents the invocation span.
		ParentSpanID string
	}

	// Executor invokes procedures against their contracts.
	Executor struct {
		bus     *events.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time
	}

	// Option configures an Executor.
	Option func(*Executor)
)

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("procedure %q: %s: %s", e.Procedure, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the invocation error kind, or "" when err is not an
// executor error.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// WithBus routes procedure lifecycle events to the bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = metrics }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// New constructs an Executor. Without options it is silent: no events, no
// logs, no metrics.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		clock:   time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Invoke validates input against the procedure contract, runs the handler,
// and validates the output. Events for a single invocation are totally
// ordered: started strictly precedes completed or failed.
func (e *Executor) Invoke(ctx context.Context, proc *procedure.Procedure, input map[string]any, ec Context) (map[string]any, error) {
	if ec.RequestID == "" {
		ec.RequestID = uuid.NewString()
	}
	name := proc.Name()
	start := e.clock()

	e.publish(events.ProcedureStarted, name, ec, nil)

	var spanID string
	if ec.Collector != nil {
		spanID = ec.Collector.StartSpan(name, map[string]any{
			"procedure.name":       name,
			"procedure.request_id": ec.RequestID,
		}, ec.ParentSpanID)
	}

	output, err := e.invoke(ctx, proc, input, ec)
	elapsed := e.clock().Sub(start)
	e.metrics.RecordTimer("procflow.procedure.duration", elapsed, "procedure", name)

	if err != nil {
		if ec.Collector != nil {
			ec.Collector.RecordError(spanID, err)
			ec.Collector.EndSpan(spanID, trace.StatusError, err.Error())
		}
		e.metrics.IncCounter("procflow.procedure.failures", 1, "procedure", name)
		e.logger.Error(ctx, "procedure failed", "procedure", name, "request_id", ec.RequestID, "err", err)
		e.publish(events.ProcedureFailed, name, ec, map[string]any{"error": err.Error(), "kind": string(KindOf(err))})
		return nil, err
	}

	if ec.Collector != nil {
		ec.Collector.EndSpan(spanID, trace.StatusOK, "")
	}
	e.metrics.IncCounter("procflow.procedure.invocations", 1, "procedure", name)
	e.logger.Debug(ctx, "procedure completed", "procedure", name, "request_id", ec.RequestID, "duration", elapsed)
	e.publish(events.ProcedureCompleted, name, ec, map[string]any{"output": output})
	return output, nil
}

func (e *Executor) invoke(ctx context.Context, proc *procedure.Procedure, input map[string]any, ec Context) (output map[string]any, err error) {
	contract := proc.Contract()
	if verr := contract.Input.Validate(input); verr != nil {
		return nil, &Error{Kind: KindInputValidation, Procedure: contract.Name, Err: verr}
	}

	call := &procedure.Call{
		RequestID: ec.RequestID,
		Timestamp: e.clock(),
		Metadata:  callMetadata(ec),
	}
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = &Error{Kind: KindHandler, Procedure: contract.Name, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	output, herr := proc.Handler()(ctx, input, call)
	if herr != nil {
		return nil, &Error{Kind: KindHandler, Procedure: contract.Name, Err: herr}
	}

	if verr := contract.Output.Validate(output); verr != nil {
		return nil, &Error{Kind: KindOutputValidation, Procedure: contract.Name, Err: verr}
	}
	return output, nil
}

func (e *Executor) publish(typ events.Type, name string, ec Context, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:        typ,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		NodeID:      ec.NodeID,
		Procedure:   name,
		Timestamp:   e.clock(),
		Payload:     payload,
	})
}

func callMetadata(ec Context) map[string]any {
	md := make(map[string]any, len(ec.Metadata)+1)
	for k, v := range ec.Metadata {
		md[k] = v
	}
	if ec.Transport != "" {
		md["transport"] = ec.Transport
	}
	return md
}
