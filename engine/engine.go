// Package engine implements the workflow execution engine: graph traversal
// over the node variants, pause/resume at await nodes, parallel fan-out,
// subworkflow recursion, cancellation, and per-execution tracing. The engine
// is a loop over explicit step results; pausing is a returned state, not an
// exception.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/execution"
	"github.com/procflow/procflow/execution/inmem"
	"github.com/procflow/procflow/executor"
	"github.com/procflow/procflow/registry"
	"github.com/procflow/procflow/telemetry"
	"github.com/procflow/procflow/trace"
	"github.com/procflow/procflow/trigger"
	"github.com/procflow/procflow/workflow"
)

type (
	// DefinitionResolver resolves workflow IDs to definitions. The engine
	// uses it for subworkflow nodes and for Resume.
	DefinitionResolver interface {
		Workflow(id string) (*workflow.Definition, bool)
	}

	// DefinitionMap is a static DefinitionResolver.
	DefinitionMap map[string]*workflow.Definition

	// Engine executes workflow definitions against a procedure registry.
	Engine struct {
		reg     *registry.Registry
		exec    *executor.Executor
		bus     *events.Bus
		store   execution.Store
		subs    *trigger.Subscriptions
		defs    DefinitionResolver
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		clock   func() time.Time
	}

	// Option configures an Engine.
	Option func(*Engine)

	// NodeStartHook observes node dispatch.
	NodeStartHook func(executionID, nodeID string)

	// NodeEndHook observes node completion. err is nil on success.
	NodeEndHook func(executionID, nodeID string, output map[string]any, err error)

	// RunOption configures one Execute or Resume call.
	RunOption func(*runOptions)

	runOptions struct {
		input       map[string]any
		executionID string
		budget      time.Duration
		onNodeStart NodeStartHook
		onNodeEnd   NodeEndHook
	}
)

// Workflow implements DefinitionResolver.
func (m DefinitionMap) Workflow(id string) (*workflow.Definition, bool) {
	d, ok := m[id]
	return d, ok
}

// WithBus routes workflow and node lifecycle events to the bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithStore sets the execution store. Defaults to a fresh in-memory store.
func WithStore(store execution.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithSubscriptions sets the paused-execution index shared with the trigger
// manager.
func WithSubscriptions(subs *trigger.Subscriptions) Option {
	return func(e *Engine) { e.subs = subs }
}

// WithDefinitions sets the workflow resolver used for subworkflow nodes and
// Resume.
func WithDefinitions(defs DefinitionResolver) Option {
	return func(e *Engine) { e.defs = defs }
}

// WithExecutor sets the procedure executor. Defaults to one wired to the
// engine's bus, logger, and metrics.
func WithExecutor(exec *executor.Executor) Option {
	return func(e *Engine) { e.exec = exec }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithTracer binds a telemetry tracer; collected spans are then dual-exported
// to the underlying provider.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// New constructs an Engine over the registry.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:     reg,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		clock:   time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	if e.store == nil {
		e.store = inmem.New()
	}
	if e.subs == nil {
		e.subs = trigger.NewSubscriptions()
	}
	if e.exec == nil {
		e.exec = executor.New(
			executor.WithBus(e.bus),
			executor.WithLogger(e.logger),
			executor.WithMetrics(e.metrics),
			executor.WithClock(e.clock),
		)
	}
	return e
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Store returns the engine's execution store.
func (e *Engine) Store() execution.Store { return e.store }

// Subscriptions returns the paused-execution index.
func (e *Engine) Subscriptions() *trigger.Subscriptions { return e.subs }

// WithInput sets the initial input. It is merged over the definition's
// initial variables.
func WithInput(input map[string]any) RunOption {
	return func(ro *runOptions) { ro.input = input }
}

// WithExecutionID pins the execution identifier. Generated when unset.
func WithExecutionID(id string) RunOption {
	return func(ro *runOptions) { ro.executionID = id }
}

// WithBudget caps the wall-clock time of the call. An exceeded budget fails
// the execution with a timeout at the next dispatch boundary; in-flight
// handlers are not killed.
func WithBudget(budget time.Duration) RunOption {
	return func(ro *runOptions) { ro.budget = budget }
}

// WithNodeHooks observes node dispatch and completion.
func WithNodeHooks(onStart NodeStartHook, onEnd NodeEndHook) RunOption {
	return func(ro *runOptions) {
		ro.onNodeStart = onStart
		ro.onNodeEnd = onEnd
	}
}

// Execute runs a workflow definition from its start node and returns the
// result. A paused result carries the resume state; the paused execution is
// also registered with the subscription index.
func (e *Engine) Execute(ctx context.Context, def *workflow.Definition, opts ...RunOption) (*Result, error) {
	ro := buildRunOptions(opts)
	if err := def.Validate(e.reg); err != nil {
		return nil, err
	}
	executionID := ro.executionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	ec := e.newExecContext(def, executionID, ro)
	ec.variables = mergeMaps(def.Variables, ro.input)
	ec.input = ro.input

	start := e.clock()
	if err := e.store.Start(ctx, executionID, def.ID); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	e.publishWorkflow(events.WorkflowStarted, ec, map[string]any{"input": ro.input})
	e.logger.Info(ctx, "workflow started", "workflow_id", def.ID, "execution_id", executionID)

	ec.rootSpan = ec.collector.StartSpan("workflow.execute", map[string]any{
		"workflow.id":           def.ID,
		"workflow.name":         def.Name,
		"workflow.execution_id": executionID,
	}, "")

	oc := e.run(ctx, ec, def.StartNode)
	return e.finalize(ctx, ec, oc, start), nil
}

// Resume continues a paused execution with an event payload. The payload is
// validated against the await node's output schema and checked against its
// filter; a rejected payload returns ErrResumeRejected and leaves the paused
// entry registered.
func (e *Engine) Resume(ctx context.Context, state *ResumeState, payload map[string]any, opts ...RunOption) (*Result, error) {
	ro := buildRunOptions(opts)
	def, err := e.resolve(state.WorkflowID)
	if err != nil {
		return nil, err
	}

	if _, release, ok := e.subs.Claim(state.ExecutionID); ok {
		accepted := false
		defer func() { release(accepted) }()
		res, rerr := e.resumeWithDef(ctx, def, state, payload, ro, false)
		if rerr == nil {
			accepted = true
		}
		return res, rerr
	}
	return e.resumeWithDef(ctx, def, state, payload, ro, false)
}

// ExpireAwait routes a paused execution whose await timeout has passed: to
// the node's onTimeout successor when set, otherwise the execution fails
// with a timeout. An execution resumed by a matching event in the meantime
// is left alone, and a resume waiting on the entry wins over the expiry.
func (e *Engine) ExpireAwait(ctx context.Context, executionID string) (*Result, error) {
	paused, release, ok := e.subs.ClaimExpiry(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotPaused, executionID)
	}
	defer func() { release(true) }()

	state, ok := paused.ResumeState.(*ResumeState)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no resume state", ErrNotPaused, executionID)
	}
	def, err := e.resolve(state.WorkflowID)
	if err != nil {
		return nil, err
	}
	return e.resumeWithDef(ctx, def, state, nil, buildRunOptions(nil), true)
}

func (e *Engine) resolve(workflowID string) (*workflow.Definition, error) {
	if e.defs == nil {
		return nil, fmt.Errorf("no definition resolver configured, cannot resolve workflow %q", workflowID)
	}
	def, ok := e.defs.Workflow(workflowID)
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", workflowID)
	}
	return def, nil
}

func buildRunOptions(opts []RunOption) *runOptions {
	ro := &runOptions{}
	for _, o := range opts {
		if o != nil {
			o(ro)
		}
	}
	return ro
}

func (e *Engine) newExecContext(def *workflow.Definition, executionID string, ro *runOptions) *execContext {
	copts := []trace.CollectorOption{trace.WithClock(e.clock)}
	if e.tracer != nil {
		copts = append(copts, trace.WithTracer(e.tracer))
	}
	ec := &execContext{
		def:         def,
		executionID: executionID,
		variables:   map[string]any{},
		nodeOutputs: map[string]any{},
		collector:   trace.NewCollector(copts...),
		ro:          ro,
		topLevel:    true,
	}
	if ro.budget > 0 {
		ec.deadline = e.clock().Add(ro.budget)
	}
	return ec
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
