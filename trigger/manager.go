package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/procflow/procflow/executor"
	"github.com/procflow/procflow/procedure"
	"github.com/procflow/procflow/registry"
	"github.com/procflow/procflow/telemetry"
	"github.com/procflow/procflow/workflow"
)

type (
	// InboundEvent is the ingress descriptor delivered by webhook or poll
	// adapters. Delivery is at-least-once; adapters de-duplicate on ID when
	// their provider requires it.
	InboundEvent struct {
		ID             string
		Provider       string
		EventType      string
		SubscriptionID string
		Payload        map[string]any
		Headers        map[string]string
		ReceivedAt     time.Time
	}

	// Deployment records one deployed trigger-bound workflow: the provider
	// subscription the trigger procedure established and how to tear it
	// down.
	Deployment struct {
		WorkflowID     string
		Provider       string
		EventType      string
		SubscriptionID string
		ExpiresAt      time.Time
		StopProcedure  string
	}

	// DeploymentError reports a failed trigger procedure invocation during
	// Deploy. No subscription is registered when Deploy fails.
	DeploymentError struct {
		WorkflowID string
		Err        error
	}

	// Runtime is the engine surface the manager drives: starting fresh
	// executions for deployed workflows and resuming or expiring paused
	// ones.
	Runtime interface {
		StartWorkflow(ctx context.Context, workflowID string, variables map[string]any) error
		ResumeExecution(ctx context.Context, executionID string, payload map[string]any) error
		ExpireExecution(ctx context.Context, executionID string) error
	}

	// Manager deploys event-driven workflow definitions and routes inbound
	// events: paused executions matching the event resume first, then
	// deployed workflows start fresh executions.
	Manager struct {
		mu       sync.Mutex
		reg      *registry.Registry
		exec     *executor.Executor
		subs     *Subscriptions
		runtime  Runtime
		logger   telemetry.Logger
		clock    func() time.Time
		deployed map[string]*Deployment
	}

	// ManagerOption configures a Manager.
	ManagerOption func(*Manager)
)

// Error implements error.
func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deploy workflow %q: %s", e.WorkflowID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *DeploymentError) Unwrap() error { return e.Err }

// WithRuntime binds the engine surface used to start and resume executions.
func WithRuntime(rt Runtime) ManagerOption {
	return func(m *Manager) { m.runtime = rt }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager constructs a Manager over the registry and subscription index.
func NewManager(reg *registry.Registry, exec *executor.Executor, subs *Subscriptions, opts ...ManagerOption) *Manager {
	m := &Manager{
		reg:      reg,
		exec:     exec,
		subs:     subs,
		logger:   telemetry.NewNoopLogger(),
		clock:    time.Now,
		deployed: make(map[string]*Deployment),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// Deploy invokes the definition's trigger procedure to establish the
// provider subscription and registers the workflow for event-driven starts.
// A failed trigger invocation returns a *DeploymentError and registers
// nothing.
func (m *Manager) Deploy(ctx context.Context, def *workflow.Definition) (*Deployment, error) {
	if def.Trigger == nil {
		return nil, fmt.Errorf("workflow %q has no trigger binding", def.ID)
	}
	m.mu.Lock()
	_, exists := m.deployed[def.ID]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("workflow %q is already deployed", def.ID)
	}

	proc, ok := m.reg.Get(def.Trigger.Procedure)
	if !ok {
		return nil, &DeploymentError{WorkflowID: def.ID, Err: fmt.Errorf("trigger procedure %q not registered", def.Trigger.Procedure)}
	}
	md := proc.Metadata()
	if md.Kind != procedure.KindTrigger || md.Trigger == nil {
		return nil, &DeploymentError{WorkflowID: def.ID, Err: fmt.Errorf("procedure %q is not a trigger", def.Trigger.Procedure)}
	}

	out, err := m.exec.Invoke(ctx, proc, map[string]any{
		"workflowId": def.ID,
		"provider":   def.Trigger.Provider,
		"eventType":  def.Trigger.EventType,
	}, executor.Context{Transport: "trigger"})
	if err != nil {
		return nil, &DeploymentError{WorkflowID: def.ID, Err: err}
	}

	dep := &Deployment{
		WorkflowID:     def.ID,
		Provider:       def.Trigger.Provider,
		EventType:      def.Trigger.EventType,
		SubscriptionID: stringValue(out["subscriptionId"]),
		ExpiresAt:      timeValue(out["expiresAt"]),
		StopProcedure:  md.Trigger.StopProcedure,
	}
	m.mu.Lock()
	m.deployed[def.ID] = dep
	m.mu.Unlock()
	m.logger.Info(ctx, "trigger deployed",
		"workflow_id", def.ID, "provider", dep.Provider, "event_type", dep.EventType, "subscription_id", dep.SubscriptionID)
	return dep, nil
}

// Stop tears down the deployment for workflowID: it invokes the stop
// procedure when the trigger declares one and removes the registration so
// further events start nothing.
func (m *Manager) Stop(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	dep, ok := m.deployed[workflowID]
	if ok {
		delete(m.deployed, workflowID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow %q is not deployed", workflowID)
	}
	if dep.StopProcedure == "" {
		return nil
	}
	proc, ok := m.reg.Get(dep.StopProcedure)
	if !ok {
		return fmt.Errorf("stop procedure %q not registered", dep.StopProcedure)
	}
	_, err := m.exec.Invoke(ctx, proc, map[string]any{
		"subscriptionId": dep.SubscriptionID,
		"workflowId":     dep.WorkflowID,
	}, executor.Context{Transport: "trigger"})
	if err != nil {
		return fmt.Errorf("stop workflow %q: %w", workflowID, err)
	}
	m.logger.Info(ctx, "trigger stopped", "workflow_id", workflowID)
	return nil
}

// StopAll stops every deployment and joins the failures.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, dep := range m.Deployments() {
		if err := m.Stop(ctx, dep.WorkflowID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deployments returns the active deployments sorted by workflow ID.
func (m *Manager) Deployments() []Deployment {
	m.mu.Lock()
	out := make([]Deployment, 0, len(m.deployed))
	for _, dep := range m.deployed {
		out = append(out, *dep)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// HandleEvent routes an inbound event. Paused executions whose criteria
// match resume first; deployed workflows matching (provider, eventType)
// then start fresh executions with the payload under trigger.payload.
func (m *Manager) HandleEvent(ctx context.Context, evt InboundEvent) error {
	if m.runtime == nil {
		return errors.New("no runtime bound")
	}
	var errs []error
	for _, paused := range m.subs.Match(evt.Provider, evt.EventType, evt.Payload) {
		if err := m.runtime.ResumeExecution(ctx, paused.ExecutionID, evt.Payload); err != nil {
			errs = append(errs, fmt.Errorf("resume %q: %w", paused.ExecutionID, err))
		}
	}
	now := m.clock()
	for _, dep := range m.Deployments() {
		if dep.Provider != evt.Provider || dep.EventType != evt.EventType {
			continue
		}
		if !dep.ExpiresAt.IsZero() && dep.ExpiresAt.Before(now) {
			continue
		}
		vars := map[string]any{
			"trigger": map[string]any{
				"payload":   evt.Payload,
				"eventType": evt.EventType,
				"provider":  evt.Provider,
				"eventId":   evt.ID,
			},
		}
		if err := m.runtime.StartWorkflow(ctx, dep.WorkflowID, vars); err != nil {
			errs = append(errs, fmt.Errorf("start %q: %w", dep.WorkflowID, err))
		}
	}
	return errors.Join(errs...)
}

// SweepTimeouts expires every paused execution whose await deadline has
// passed. Executions resumed by a matching event while the sweep runs are
// left alone.
func (m *Manager) SweepTimeouts(ctx context.Context) error {
	if m.runtime == nil {
		return errors.New("no runtime bound")
	}
	var errs []error
	for _, paused := range m.subs.Due(m.clock()) {
		if err := m.runtime.ExpireExecution(ctx, paused.ExecutionID); err != nil {
			errs = append(errs, fmt.Errorf("expire %q: %w", paused.ExecutionID, err))
		}
	}
	return errors.Join(errs...)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// timeValue accepts a millisecond epoch number or an RFC 3339 string.
func timeValue(v any) time.Time {
	switch t := v.(type) {
	case float64:
		return time.UnixMilli(int64(t))
	case int64:
		return time.UnixMilli(t)
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
