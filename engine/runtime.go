package engine

import (
	"context"
	"errors"
	"fmt"
)

// The engine implements trigger.Runtime so the trigger manager can start,
// resume, and expire executions without depending on engine types.

// StartWorkflow resolves workflowID and runs it with the given variables as
// initial input. The execution result is observable through the bus and the
// store; only start failures are returned.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, variables map[string]any) error {
	def, err := e.resolve(workflowID)
	if err != nil {
		return err
	}
	_, err = e.Execute(ctx, def, WithInput(variables))
	return err
}

// ResumeExecution resumes the paused execution with the event payload.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string, payload map[string]any) error {
	paused, ok := e.subs.Get(executionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotPaused, executionID)
	}
	state, ok := paused.ResumeState.(*ResumeState)
	if !ok {
		return fmt.Errorf("%w: %q has no resume state", ErrNotPaused, executionID)
	}
	_, err := e.Resume(ctx, state, payload)
	return err
}

// ExpireExecution routes an expired await through its timeout path. An
// execution that was resumed by a matching event in the meantime is not an
// error.
func (e *Engine) ExpireExecution(ctx context.Context, executionID string) error {
	_, err := e.ExpireAwait(ctx, executionID)
	if errors.Is(err, ErrNotPaused) {
		return nil
	}
	return err
}
