package engine

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/execution"
	"github.com/procflow/procflow/executor"
	"github.com/procflow/procflow/trace"
	"github.com/procflow/procflow/workflow"
)

// resumeLevel pairs one nesting level of a paused execution with its
// definition and the node it is suspended at.
type resumeLevel struct {
	def   *workflow.Definition
	state *ResumeState
	node  *workflow.Node
}

// resumeWithDef validates the resuming payload against the deepest await
// node, then replays the continuation: the awaiting level runs first and
// each enclosing subworkflow level continues from its subworkflow node.
// Validation and filtering happen before any observable side effect, so a
// rejected resume leaves the paused execution untouched.
func (e *Engine) resumeWithDef(ctx context.Context, def *workflow.Definition, state *ResumeState, payload map[string]any, ro *runOptions, timedOut bool) (*Result, error) {
	chain, err := e.resumeChain(def, state)
	if err != nil {
		return nil, err
	}
	deepest := chain[len(chain)-1]
	a := deepest.node.Await

	if !timedOut {
		if a.OutputSchema != nil {
			if verr := a.OutputSchema.Validate(payload); verr != nil {
				return nil, verr
			}
		}
		if filter := e.buildFilter(a, deepest.state.Variables); filter != nil && !filter(payload) {
			return nil, ErrResumeRejected
		}
	}

	start := e.clock()
	if err := e.store.Start(ctx, state.ExecutionID, def.ID); err != nil {
		return nil, fmt.Errorf("restart execution: %w", err)
	}

	copts := []trace.CollectorOption{trace.WithClock(e.clock)}
	if e.tracer != nil {
		copts = append(copts, trace.WithTracer(e.tracer))
	}
	collector := trace.NewCollector(copts...)
	rootSpan := collector.StartSpan("workflow.execute", map[string]any{
		"workflow.id":           def.ID,
		"workflow.name":         def.Name,
		"workflow.execution_id": state.ExecutionID,
		"workflow.resumed":      true,
	}, "")

	topEC := e.contextFromState(chain[0], ro, collector, rootSpan)
	topEC.topLevel = true
	e.publishWorkflow(events.WorkflowResumed, topEC, map[string]any{"payload": payload, "timedOut": timedOut})
	e.logger.Info(ctx, "workflow resumed",
		"workflow_id", def.ID, "execution_id", state.ExecutionID, "node_id", deepest.state.CurrentNode, "timed_out", timedOut)

	// Run the awaiting level.
	var (
		ec *execContext
		oc outcome
	)
	if len(chain) == 1 {
		ec = topEC
	} else {
		ec = e.contextFromState(deepest, ro, collector, rootSpan)
	}
	oc = e.runResumedAwait(ctx, ec, deepest.node, payload, timedOut)

	// Unwind enclosing subworkflow levels.
	for i := len(chain) - 2; i >= 0; i-- {
		parent := topEC
		if i > 0 {
			parent = e.contextFromState(chain[i], ro, collector, rootSpan)
		}
		oc = e.continueAfterSubworkflow(ctx, parent, chain[i].node, oc, ec)
		ec = parent
	}
	return e.finalize(ctx, ec, oc, start), nil
}

// resumeChain walks the nested resume state down to the awaiting level.
func (e *Engine) resumeChain(def *workflow.Definition, state *ResumeState) ([]resumeLevel, error) {
	var chain []resumeLevel
	d, s := def, state
	for {
		n := d.Node(s.CurrentNode)
		if n == nil {
			return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, s.CurrentNode)
		}
		chain = append(chain, resumeLevel{def: d, state: s, node: n})
		if s.Child == nil {
			break
		}
		if n.Kind != workflow.KindSubworkflow || n.Subworkflow == nil {
			return nil, fmt.Errorf("resume state nests under node %q which is not a subworkflow", n.ID)
		}
		cd, err := e.resolve(n.Subworkflow.WorkflowID)
		if err != nil {
			return nil, err
		}
		d, s = cd, s.Child
	}
	last := chain[len(chain)-1]
	if last.node.Kind != workflow.KindAwait || last.node.Await == nil {
		return nil, fmt.Errorf("node %q is not an await node", last.node.ID)
	}
	return chain, nil
}

func (e *Engine) contextFromState(lvl resumeLevel, ro *runOptions, collector *trace.Collector, rootSpan string) *execContext {
	ec := &execContext{
		def:           lvl.def,
		executionID:   lvl.state.ExecutionID,
		variables:     mergeMaps(lvl.state.Variables, nil),
		nodeOutputs:   mergeMaps(lvl.state.NodeOutputs, nil),
		nodesExecuted: append([]string(nil), lvl.state.NodesExecuted...),
		collector:     collector,
		rootSpan:      rootSpan,
		ro:            ro,
	}
	if ro.budget > 0 {
		ec.deadline = e.clock().Add(ro.budget)
	}
	return ec
}

// runResumedAwait completes the await node with the accepted payload, or
// routes an expired wait through onTimeout, then continues traversal.
func (e *Engine) runResumedAwait(ctx context.Context, ec *execContext, node *workflow.Node, payload map[string]any, timedOut bool) outcome {
	a := node.Await
	if timedOut {
		if a.OnTimeout != "" {
			return e.run(ctx, ec, a.OnTimeout)
		}
		return outcome{
			status: execution.StatusFailed,
			err:    fmt.Errorf("%w: await %q expired without a matching event", ErrTimeout, node.ID),
		}
	}

	now := e.clock()
	ec.nodeOutputs[node.ID] = payload
	ec.variables = mergeMaps(ec.variables, payload)
	ec.nodesExecuted = append(ec.nodesExecuted, node.ID)
	e.updateNode(ctx, ec, execution.NodeDetail{
		NodeID:  node.ID,
		Status:  execution.StatusCompleted,
		EndedAt: now,
		Output:  payload,
	})
	e.publishNode(events.NodeCompleted, ec, node, payload)
	return e.run(ctx, ec, first(node.Next))
}

// continueAfterSubworkflow folds a resumed child's outcome into its parent
// level and continues the parent's traversal.
func (e *Engine) continueAfterSubworkflow(ctx context.Context, parent *execContext, subNode *workflow.Node, childOC outcome, childEC *execContext) outcome {
	switch childOC.status {
	case execution.StatusCompleted:
		childOut := mergeMaps(childEC.nodeOutputs, nil)
		parent.nodeOutputs[subNode.ID] = childOut
		if subNode.Subworkflow.MergeOutput {
			parent.variables = mergeMaps(parent.variables, childOut)
		}
		parent.nodesExecuted = append(parent.nodesExecuted, subNode.ID)
		e.publishNode(events.NodeCompleted, parent, subNode, childOut)
		return e.run(ctx, parent, first(subNode.Next))
	case execution.StatusPaused:
		childOC.pause.state = &ResumeState{
			WorkflowID:    parent.def.ID,
			ExecutionID:   parent.executionID,
			CurrentNode:   subNode.ID,
			Variables:     mergeMaps(parent.variables, nil),
			NodeOutputs:   mergeMaps(parent.nodeOutputs, nil),
			NodesExecuted: append([]string(nil), parent.nodesExecuted...),
			Child:         childOC.pause.state,
		}
		return childOC
	default:
		if _, interrupted := interruptStatus(childOC.err); interrupted {
			return childOC
		}
		err := &executor.Error{Kind: executor.KindHandler, Procedure: subNode.Subworkflow.WorkflowID, Err: childOC.err}
		parent.nodesExecuted = append(parent.nodesExecuted, subNode.ID)
		if subNode.OnError != "" {
			return e.run(ctx, parent, subNode.OnError)
		}
		return outcome{status: execution.StatusFailed, err: err}
	}
}
