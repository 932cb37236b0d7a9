package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/execution"
	"github.com/procflow/procflow/executor"
	"github.com/procflow/procflow/trace"
	"github.com/procflow/procflow/trigger"
	"github.com/procflow/procflow/workflow"
)

type (
	// execContext is the mutable state of one traversal. Parallel branches
	// and subworkflows run on forked or derived contexts; merges back into
	// the parent happen only at the join.
	execContext struct {
		def           *workflow.Definition
		executionID   string
		input         map[string]any
		variables     map[string]any
		nodeOutputs   map[string]any
		nodesExecuted []string
		collector     *trace.Collector
		rootSpan      string
		deadline      time.Time
		ro            *runOptions
		topLevel      bool
	}

	// outcome is the explicit result of a traversal segment.
	outcome struct {
		status execution.Status
		err    error
		pause  *pauseRequest
	}

	// pauseRequest carries everything needed to register a paused execution
	// and later resume it. Subworkflow levels wrap state on the way up.
	pauseRequest struct {
		state      *ResumeState
		provider   string
		eventType  string
		filter     func(payload map[string]any) bool
		deadline   time.Time
		waitingFor []string
	}

	// stepResult is the outcome of dispatching a single node.
	stepResult struct {
		next   string
		input  map[string]any
		output map[string]any
		pause  *pauseRequest
	}
)

func (ec *execContext) scope() workflow.ConditionScope {
	return workflow.ConditionScope{
		Variables:   ec.variables,
		NodeOutputs: ec.nodeOutputs,
		Input:       ec.input,
	}
}

// fork creates a branch-local context for parallel execution: same variables
// snapshot, branch-local node outputs, spans parented under the parallel
// node.
func (ec *execContext) fork(parentSpan string) *execContext {
	return &execContext{
		def:         ec.def,
		executionID: ec.executionID,
		input:       ec.input,
		variables:   mergeMaps(ec.variables, nil),
		nodeOutputs: mergeMaps(ec.nodeOutputs, nil),
		collector:   ec.collector,
		rootSpan:    parentSpan,
		deadline:    ec.deadline,
		ro:          ec.ro,
	}
}

// run traverses the graph from start until a terminal node, failure, pause,
// or interruption. It is the single loop over explicit step results.
func (e *Engine) run(ctx context.Context, ec *execContext, start string) outcome {
	current := start
	for current != "" {
		if oc, stop := e.checkInterrupt(ctx, ec); stop {
			return oc
		}
		node := ec.def.Node(current)
		if node == nil {
			return outcome{status: execution.StatusFailed, err: fmt.Errorf("%w: %q", ErrNodeNotFound, current)}
		}

		started := e.clock()
		e.updateNode(ctx, ec, execution.NodeDetail{
			NodeID:    node.ID,
			Status:    execution.StatusRunning,
			StartedAt: started,
		})
		e.publishNode(events.NodeStarted, ec, node, nil)
		if ec.ro.onNodeStart != nil {
			ec.ro.onNodeStart(ec.executionID, node.ID)
		}
		spanID := ec.collector.StartSpan("workflow.node."+string(node.Kind), map[string]any{
			"node.id": node.ID,
		}, ec.rootSpan)

		step, err := e.dispatch(ctx, ec, node, spanID)
		ended := e.clock()

		if step.pause != nil {
			ec.collector.AddEvent(spanID, "paused", map[string]any{
				"waiting_for": strings.Join(step.pause.waitingFor, ","),
			})
			ec.collector.EndSpan(spanID, trace.StatusOK, "paused")
			e.updateNode(ctx, ec, execution.NodeDetail{
				NodeID:    node.ID,
				Status:    execution.StatusPaused,
				StartedAt: started,
			})
			return outcome{status: execution.StatusPaused, pause: step.pause}
		}

		if err != nil {
			ec.nodesExecuted = append(ec.nodesExecuted, node.ID)
			ec.collector.RecordError(spanID, err)
			ec.collector.EndSpan(spanID, trace.StatusError, err.Error())
			e.updateNode(ctx, ec, execution.NodeDetail{
				NodeID:    node.ID,
				Status:    execution.StatusFailed,
				StartedAt: started,
				EndedAt:   ended,
				Duration:  ended.Sub(started),
				Input:     step.input,
				Error:     err.Error(),
			})
			if ec.ro.onNodeEnd != nil {
				ec.ro.onNodeEnd(ec.executionID, node.ID, nil, err)
			}
			if status, interrupted := interruptStatus(err); interrupted {
				return outcome{status: status, err: err}
			}
			if node.OnError != "" && recoverable(err) {
				e.logger.Warn(ctx, "node failed, routing to error handler",
					"execution_id", ec.executionID, "node_id", node.ID, "on_error", node.OnError, "err", err)
				current = node.OnError
				continue
			}
			return outcome{status: execution.StatusFailed, err: err}
		}

		ec.nodesExecuted = append(ec.nodesExecuted, node.ID)
		ec.collector.EndSpan(spanID, trace.StatusOK, "")
		e.updateNode(ctx, ec, execution.NodeDetail{
			NodeID:    node.ID,
			Status:    execution.StatusCompleted,
			StartedAt: started,
			EndedAt:   ended,
			Duration:  ended.Sub(started),
			Input:     step.input,
			Output:    step.output,
		})
		e.publishNode(events.NodeCompleted, ec, node, step.output)
		if ec.ro.onNodeEnd != nil {
			ec.ro.onNodeEnd(ec.executionID, node.ID, step.output, nil)
		}
		current = step.next
	}
	return outcome{status: execution.StatusCompleted}
}

// checkInterrupt reports cancellation or an exceeded time budget. Checked at
// every dispatch boundary; in-flight handlers are never killed.
func (e *Engine) checkInterrupt(ctx context.Context, ec *execContext) (outcome, bool) {
	select {
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return outcome{status: execution.StatusFailed, err: fmt.Errorf("%w: %v", ErrTimeout, err)}, true
		}
		return outcome{status: execution.StatusCancelled, err: fmt.Errorf("%w: %v", ErrCancelled, err)}, true
	default:
	}
	if !ec.deadline.IsZero() && e.clock().After(ec.deadline) {
		return outcome{status: execution.StatusFailed, err: fmt.Errorf("%w: time budget exceeded", ErrTimeout)}, true
	}
	return outcome{}, false
}

func interruptStatus(err error) (execution.Status, bool) {
	switch {
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		return execution.StatusCancelled, true
	case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return execution.StatusFailed, true
	}
	return "", false
}

// recoverable reports whether a node failure may route to onError.
// Structural inconsistencies never recover.
func recoverable(err error) bool {
	return !errors.Is(err, ErrProcedureNotFound) && !errors.Is(err, ErrNodeNotFound)
}

func (e *Engine) dispatch(ctx context.Context, ec *execContext, node *workflow.Node, spanID string) (stepResult, error) {
	switch node.Kind {
	case workflow.KindProcedure:
		return e.runProcedure(ctx, ec, node, spanID)
	case workflow.KindCondition:
		return e.runCondition(ec, node, spanID)
	case workflow.KindParallel:
		return e.runParallel(ctx, ec, node, spanID)
	case workflow.KindSequential:
		return stepResult{next: first(node.Next), output: map[string]any{}}, nil
	case workflow.KindAwait:
		return e.pauseAt(ec, node), nil
	case workflow.KindSubworkflow:
		return e.runSubworkflow(ctx, ec, node, spanID)
	default:
		return stepResult{}, fmt.Errorf("%w: node %q has unknown kind %q", ErrNodeNotFound, node.ID, node.Kind)
	}
}

func (e *Engine) runProcedure(ctx context.Context, ec *execContext, node *workflow.Node, spanID string) (stepResult, error) {
	proc, ok := e.reg.Get(node.ProcedureName)
	if !ok {
		return stepResult{}, fmt.Errorf("%w: %q", ErrProcedureNotFound, node.ProcedureName)
	}
	if !proc.Metadata().VisibleToWorkflow() {
		return stepResult{}, fmt.Errorf("%w: %q is not visible to workflows", ErrProcedureNotFound, node.ProcedureName)
	}
	input := e.buildInput(ec, node)
	output, err := e.exec.Invoke(ctx, proc, input, executor.Context{
		Transport:    "workflow",
		ExecutionID:  ec.executionID,
		WorkflowID:   ec.def.ID,
		NodeID:       node.ID,
		Collector:    ec.collector,
		ParentSpanID: spanID,
	})
	if err != nil {
		return stepResult{input: input}, err
	}
	ec.nodeOutputs[node.ID] = output
	ec.variables = mergeMaps(ec.variables, output)
	return stepResult{next: first(node.Next), input: input, output: output}, nil
}

// buildInput merges, lowest precedence first: the node config bag, the
// current variables, then the explicit "input" mapping from the config.
// Mapping values prefixed with "$." resolve as dotted paths against the
// execution scope.
func (e *Engine) buildInput(ec *execContext, node *workflow.Node) map[string]any {
	input := make(map[string]any, len(node.Config)+len(ec.variables))
	for k, v := range node.Config {
		if k == "input" {
			continue
		}
		input[k] = v
	}
	for k, v := range ec.variables {
		input[k] = v
	}
	if mapping, ok := node.Config["input"].(map[string]any); ok {
		for k, v := range mapping {
			input[k] = resolveRef(ec, v)
		}
	}
	return input
}

func resolveRef(ec *execContext, v any) any {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "$.") {
		return ec.scope().Get(strings.TrimPrefix(s, "$."))
	}
	return v
}

func (e *Engine) runCondition(ec *execContext, node *workflow.Node, spanID string) (stepResult, error) {
	c := node.Condition
	var result bool
	if c.Predicate != nil {
		result = c.Predicate(ec.scope())
	} else {
		expr, err := workflow.CompileExpression(c.Expression)
		if err != nil {
			return stepResult{}, err
		}
		result, err = expr.EvalBool(conditionEnv(ec))
		if err != nil {
			return stepResult{}, err
		}
	}
	branch := c.FalseBranch
	if result {
		branch = c.TrueBranch
	}
	attrs := map[string]any{
		"condition.result":       result,
		"condition.branch_taken": branch,
	}
	if c.Expression != "" {
		attrs["condition.expression"] = c.Expression
	}
	ec.collector.SetAttributes(spanID, attrs)
	if branch == "" {
		return stepResult{}, fmt.Errorf("%w: condition %q has no branch for result %v", ErrNodeNotFound, node.ID, result)
	}
	return stepResult{next: branch, output: map[string]any{"result": result, "branch": branch}}, nil
}

func conditionEnv(ec *execContext) map[string]any {
	env := mergeMaps(ec.variables, nil)
	env["vars"] = ec.variables
	env["nodeOutputs"] = ec.nodeOutputs
	env["outputs"] = ec.nodeOutputs
	env["input"] = ec.input
	return env
}

func (e *Engine) runParallel(ctx context.Context, ec *execContext, node *workflow.Node, spanID string) (stepResult, error) {
	p := node.Parallel
	if len(p.Branches) == 0 {
		return stepResult{next: first(node.Next), output: map[string]any{}}, nil
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchRun struct {
		ec *execContext
		oc outcome
	}
	results := make([]branchRun, len(p.Branches))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		winner   = -1
	)
	for i, start := range p.Branches {
		wg.Add(1)
		go func(i int, start string) {
			defer wg.Done()
			bec := ec.fork(spanID)
			oc := e.run(branchCtx, bec, start)
			if oc.status == execution.StatusPaused {
				oc = outcome{
					status: execution.StatusFailed,
					err:    fmt.Errorf("branch %q paused inside parallel node %q", start, node.ID),
				}
			}
			mu.Lock()
			results[i] = branchRun{ec: bec, oc: oc}
			if oc.err != nil {
				if _, interrupted := interruptStatus(oc.err); !interrupted && firstErr == nil {
					firstErr = fmt.Errorf("parallel branch %q: %w", start, oc.err)
					cancel()
				}
			} else if !p.WaitForAll && winner == -1 {
				winner = i
				cancel()
			}
			mu.Unlock()
		}(i, start)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && firstErr == nil && winner == -1 {
		return stepResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if p.WaitForAll {
		if firstErr != nil {
			return stepResult{}, firstErr
		}
		merged := make(map[string]any)
		for _, br := range results {
			e.mergeBranch(ec, node.ID, br.ec, merged)
		}
		return stepResult{next: first(node.Next), output: merged}, nil
	}
	if winner == -1 {
		if firstErr != nil {
			return stepResult{}, firstErr
		}
		return stepResult{}, fmt.Errorf("parallel node %q: no branch completed", node.ID)
	}
	merged := make(map[string]any)
	e.mergeBranch(ec, node.ID, results[winner].ec, merged)
	return stepResult{next: first(node.Next), output: merged}, nil
}

// mergeBranch folds a completed branch back into the parent: branch node
// outputs land under "<parallelID>.<branchNodeID>" keys, branch variable
// mutations become visible, and the branch's traversal history is appended.
func (e *Engine) mergeBranch(ec *execContext, parallelID string, bec *execContext, merged map[string]any) {
	for _, nodeID := range bec.nodesExecuted {
		out, ok := bec.nodeOutputs[nodeID]
		if !ok {
			continue
		}
		key := parallelID + "." + nodeID
		ec.nodeOutputs[key] = out
		merged[key] = out
	}
	ec.variables = mergeMaps(ec.variables, bec.variables)
	ec.nodesExecuted = append(ec.nodesExecuted, bec.nodesExecuted...)
}

// pauseAt builds the pause request for an await node: a serialized resume
// state plus the subscription criteria, with the filter closed over the
// current variables.
func (e *Engine) pauseAt(ec *execContext, node *workflow.Node) stepResult {
	a := node.Await
	vars := mergeMaps(ec.variables, nil)
	state := &ResumeState{
		WorkflowID:    ec.def.ID,
		ExecutionID:   ec.executionID,
		CurrentNode:   node.ID,
		Variables:     vars,
		NodeOutputs:   mergeMaps(ec.nodeOutputs, nil),
		NodesExecuted: append([]string(nil), ec.nodesExecuted...),
	}
	var deadline time.Time
	if a.Timeout > 0 {
		deadline = e.clock().Add(a.Timeout)
	}
	return stepResult{pause: &pauseRequest{
		state:      state,
		provider:   a.Provider,
		eventType:  a.EventType,
		filter:     e.buildFilter(a, vars),
		deadline:   deadline,
		waitingFor: []string{a.EventType},
	}}
}

// buildFilter returns the await filter closed over the execution variables,
// or nil when the await accepts any payload. The closure form wins over the
// expression form.
func (e *Engine) buildFilter(a *workflow.AwaitConfig, vars map[string]any) func(map[string]any) bool {
	if a.Filter != nil {
		f := a.Filter
		return func(payload map[string]any) bool { return f(payload, vars) }
	}
	if a.FilterExpression != "" {
		expr, err := workflow.CompileExpression(a.FilterExpression)
		if err != nil {
			return func(map[string]any) bool { return false }
		}
		return func(payload map[string]any) bool {
			ok, err := expr.EvalBool(map[string]any{
				"evt":     payload,
				"event":   payload,
				"payload": payload,
				"vars":    vars,
			})
			return err == nil && ok
		}
	}
	return nil
}

func (e *Engine) runSubworkflow(ctx context.Context, ec *execContext, node *workflow.Node, spanID string) (stepResult, error) {
	s := node.Subworkflow
	childDef, err := e.resolve(s.WorkflowID)
	if err != nil {
		return stepResult{}, &executor.Error{Kind: executor.KindHandler, Procedure: s.WorkflowID, Err: err}
	}
	if err := childDef.Validate(e.reg); err != nil {
		return stepResult{}, &executor.Error{Kind: executor.KindHandler, Procedure: s.WorkflowID, Err: err}
	}

	childInput := make(map[string]any, len(s.Input))
	for k, v := range s.Input {
		childInput[k] = resolveRef(ec, v)
	}
	cec := &execContext{
		def:         childDef,
		executionID: ec.executionID,
		input:       childInput,
		variables:   mergeMaps(childDef.Variables, childInput),
		nodeOutputs: map[string]any{},
		collector:   ec.collector,
		rootSpan:    spanID,
		deadline:    ec.deadline,
		ro:          ec.ro,
	}

	oc := e.run(ctx, cec, childDef.StartNode)
	switch oc.status {
	case execution.StatusCompleted:
		childOut := mergeMaps(cec.nodeOutputs, nil)
		ec.nodeOutputs[node.ID] = childOut
		if s.MergeOutput {
			ec.variables = mergeMaps(ec.variables, childOut)
		}
		return stepResult{next: first(node.Next), input: childInput, output: childOut}, nil
	case execution.StatusPaused:
		oc.pause.state = &ResumeState{
			WorkflowID:    ec.def.ID,
			ExecutionID:   ec.executionID,
			CurrentNode:   node.ID,
			Variables:     mergeMaps(ec.variables, nil),
			NodeOutputs:   mergeMaps(ec.nodeOutputs, nil),
			NodesExecuted: append([]string(nil), ec.nodesExecuted...),
			Child:         oc.pause.state,
		}
		return stepResult{pause: oc.pause}, nil
	default:
		if _, interrupted := interruptStatus(oc.err); interrupted {
			return stepResult{}, oc.err
		}
		return stepResult{input: childInput}, &executor.Error{Kind: executor.KindHandler, Procedure: s.WorkflowID, Err: oc.err}
	}
}

// finalize turns a traversal outcome into the execution result: it closes
// the root span, persists the record, registers a pause with the
// subscription index, and publishes the workflow lifecycle and result
// events.
func (e *Engine) finalize(ctx context.Context, ec *execContext, oc outcome, start time.Time) *Result {
	elapsed := e.clock().Sub(start)
	ec.collector.SetAttributes(ec.rootSpan, map[string]any{
		"workflow.nodes_executed_total": len(ec.nodesExecuted),
	})
	res := &Result{
		ExecutionID:   ec.executionID,
		Status:        oc.status,
		Outputs:       mergeMaps(ec.nodeOutputs, nil),
		ExecutionTime: elapsed,
		NodesExecuted: append([]string(nil), ec.nodesExecuted...),
	}

	switch oc.status {
	case execution.StatusPaused:
		ec.collector.EndSpan(ec.rootSpan, trace.StatusOK, "paused")
		res.Spans = ec.collector.Snapshot()
		res.ResumeState = oc.pause.state
		if e.subs != nil {
			e.subs.Register(trigger.PausedExecution{
				ExecutionID: ec.executionID,
				WorkflowID:  ec.def.ID,
				PausedAt:    oc.pause.state.CurrentNode,
				Provider:    oc.pause.provider,
				EventType:   oc.pause.eventType,
				Filter:      oc.pause.filter,
				ResumeState: oc.pause.state,
				PausedSince: e.clock(),
				Deadline:    oc.pause.deadline,
				WaitingFor:  oc.pause.waitingFor,
			})
		}
		e.completeStore(ctx, ec, res, "")
		e.publishWorkflow(events.WorkflowPaused, ec, map[string]any{
			"waitingFor":  oc.pause.waitingFor,
			"resumeState": oc.pause.state,
		})
		e.logger.Info(ctx, "workflow paused",
			"execution_id", ec.executionID, "waiting_for", strings.Join(oc.pause.waitingFor, ","))
	case execution.StatusCompleted:
		ec.collector.EndSpan(ec.rootSpan, trace.StatusOK, "")
		res.Spans = ec.collector.Snapshot()
		e.completeStore(ctx, ec, res, "")
		e.publishWorkflow(events.WorkflowCompleted, ec, map[string]any{"outputs": res.Outputs})
		e.publishWorkflow(events.WorkflowResult, ec, res)
		e.metrics.IncCounter("procflow.workflow.completed", 1, "workflow", ec.def.ID)
	default:
		ec.collector.EndSpan(ec.rootSpan, trace.StatusError, oc.err.Error())
		res.Spans = ec.collector.Snapshot()
		if oc.status == execution.StatusFailed {
			res.Error = resultError(oc.err)
		}
		e.completeStore(ctx, ec, res, oc.err.Error())
		e.publishWorkflow(events.WorkflowFailed, ec, map[string]any{"error": resultError(oc.err)})
		e.publishWorkflow(events.WorkflowResult, ec, res)
		e.metrics.IncCounter("procflow.workflow.failed", 1, "workflow", ec.def.ID)
		e.logger.Error(ctx, "workflow did not complete",
			"execution_id", ec.executionID, "status", string(oc.status), "err", oc.err)
	}
	return res
}

func (e *Engine) completeStore(ctx context.Context, ec *execContext, res *Result, errMsg string) {
	if err := e.store.Complete(ctx, ec.executionID, execution.Completion{
		Status:        res.Status,
		Outputs:       res.Outputs,
		NodesExecuted: res.NodesExecuted,
		Spans:         res.Spans,
		Error:         errMsg,
	}); err != nil {
		e.logger.Error(ctx, "record completion", "execution_id", ec.executionID, "err", err)
	}
}

func (e *Engine) updateNode(ctx context.Context, ec *execContext, detail execution.NodeDetail) {
	if err := e.store.UpdateNode(ctx, ec.executionID, detail); err != nil {
		e.logger.Error(ctx, "record node update", "execution_id", ec.executionID, "node_id", detail.NodeID, "err", err)
	}
}

func (e *Engine) publishWorkflow(typ events.Type, ec *execContext, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:        typ,
		ExecutionID: ec.executionID,
		WorkflowID:  ec.def.ID,
		Timestamp:   e.clock(),
		Payload:     payload,
	})
}

func (e *Engine) publishNode(typ events.Type, ec *execContext, node *workflow.Node, output map[string]any) {
	if e.bus == nil {
		return
	}
	var payload any
	if output != nil {
		payload = map[string]any{"output": output}
	}
	e.bus.Publish(events.Event{
		Type:        typ,
		ExecutionID: ec.executionID,
		WorkflowID:  ec.def.ID,
		NodeID:      node.ID,
		Timestamp:   e.clock(),
		Payload:     payload,
	})
}

func first(next []string) string {
	if len(next) == 0 {
		return ""
	}
	return next[0]
}
