// Package workflow defines the workflow graph model: definitions, tagged
// node variants with typed per-kind config, graph validation, and the
// serialized document form. Definitions are read-only once handed to the
// engine.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/procflow/procflow/procedure"
	"github.com/procflow/procflow/registry"
)

// Kind discriminates node variants.
type Kind string

const (
	// KindProcedure invokes a registered procedure.
	KindProcedure Kind = "procedure"
	// KindCondition routes to one of two branches based on a predicate.
	KindCondition Kind = "condition"
	// KindParallel launches branches concurrently and joins them.
	KindParallel Kind = "parallel"
	// KindSequential performs no work and passes through to next.
	KindSequential Kind = "sequential"
	// KindAwait pauses the execution until a matching external event
	// arrives. Serialized as "trigger" for compatibility with existing
	// documents; "await" is accepted on decode.
	KindAwait Kind = "trigger"
	// KindSubworkflow executes another workflow definition inline.
	KindSubworkflow Kind = "subworkflow"
)

type (
	// Definition is a workflow: a node graph with a designated start node.
	// The graph may contain cycles (retry loops); traversal is bounded by
	// cancellation and the workflow-level time budget.
	Definition struct {
		// ID and Version identify the definition.
		ID      string
		Version string
		// Name and Description are for humans.
		Name        string
		Description string
		// StartNode is the entry node ID.
		StartNode string
		// Nodes is the node set. IDs are unique within the workflow.
		Nodes []*Node
		// Variables seeds the execution's variable bag.
		Variables map[string]any
		// Metadata is an opaque annotation bag.
		Metadata map[string]any
		// Trigger binds the workflow to an external event source for
		// deployment through the trigger manager.
		Trigger *TriggerBinding
	}

	// TriggerBinding declares the event source that starts this workflow.
	TriggerBinding struct {
		// Provider names the event source (e.g. "drive").
		Provider string
		// Procedure is the trigger procedure invoked at deployment.
		Procedure string
		// EventType is the event kind that starts an execution.
		EventType string
	}

	// Node is one step in a workflow. Kind selects which config variant is
	// populated; the others are nil.
	Node struct {
		// ID is unique within the workflow.
		ID string
		// Kind discriminates the variant.
		Kind Kind
		// ProcedureName references the registry for procedure nodes.
		ProcedureName string
		// Config is the node's opaque input bag. For procedure nodes its
		// entries form the lowest-precedence layer of the handler input.
		Config map[string]any
		// Next lists successor node IDs. Empty means terminal; only the
		// first entry is followed (fan-out is expressed with parallel
		// nodes).
		Next []string
		// OnError routes node failures to a handler node instead of
		// failing the workflow.
		OnError string

		// Condition, Parallel, Await, Subworkflow hold the kind-specific
		// config for their respective variants.
		Condition   *ConditionConfig
		Parallel    *ParallelConfig
		Await       *AwaitConfig
		Subworkflow *SubworkflowConfig
	}

	// ConditionScope is the evaluation environment for condition
	// predicates.
	ConditionScope struct {
		// Variables is the execution's current variable bag.
		Variables map[string]any
		// NodeOutputs maps node IDs to their last output.
		NodeOutputs map[string]any
		// Input is the execution's initial input.
		Input map[string]any
	}

	// Predicate is the closure form of a condition. It must be pure.
	Predicate func(ConditionScope) bool

	// ConditionConfig routes to TrueBranch or FalseBranch. When both forms
	// are present the closure wins; only the expression survives
	// serialization.
	ConditionConfig struct {
		Predicate   Predicate
		Expression  string
		TrueBranch  string
		FalseBranch string
	}

	// ParallelConfig launches Branches concurrently. With WaitForAll the
	// join waits for every branch and the first error cancels the rest;
	// without it the first successful branch wins and the rest are
	// cancelled.
	ParallelConfig struct {
		Branches   []string
		WaitForAll bool
	}

	// EventFilter is the closure form of an await filter. It must be pure.
	EventFilter func(payload, variables map[string]any) bool

	// AwaitConfig pauses the execution until an event of EventType from
	// Provider arrives and passes the filter. A zero Timeout waits
	// indefinitely.
	AwaitConfig struct {
		Provider  string
		EventType string
		// Filter is preferred over FilterExpression when both are set;
		// only the expression survives serialization.
		Filter           EventFilter
		FilterExpression string
		Timeout          time.Duration
		// OnTimeout routes an expired wait to a handler node instead of
		// failing the execution.
		OnTimeout string
		// OutputSchema validates the resuming event payload.
		OutputSchema *procedure.Schema
	}

	// SubworkflowConfig executes WorkflowID as a child. Input maps child
	// variable names to values; string values prefixed with "$." are
	// resolved as dotted paths against the parent scope, everything else
	// passes through literally. With MergeOutput the child's outputs merge
	// into the parent's variables.
	SubworkflowConfig struct {
		WorkflowID  string
		Input       map[string]any
		MergeOutput bool
	}
)

// Node returns the node with the given ID, or nil.
func (d *Definition) Node(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Validate checks the definition's structural invariants: the start node and
// every edge target resolve, node IDs are unique, and, when a registry is
// supplied, every procedure node references a registered procedure.
func (d *Definition) Validate(reg *registry.Registry) error {
	if d.ID == "" {
		return fmt.Errorf("workflow: missing id")
	}
	if d.StartNode == "" {
		return fmt.Errorf("workflow %q: missing startNode", d.ID)
	}
	ids := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %q: node with empty id", d.ID)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate node id %q", d.ID, n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	if _, ok := ids[d.StartNode]; !ok {
		return fmt.Errorf("workflow %q: startNode %q does not resolve", d.ID, d.StartNode)
	}
	for _, n := range d.Nodes {
		if err := d.validateNode(n, ids, reg); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateNode(n *Node, ids map[string]struct{}, reg *registry.Registry) error {
	edge := func(field, target string) error {
		if target == "" {
			return nil
		}
		if _, ok := ids[target]; !ok {
			return fmt.Errorf("workflow %q: node %q: %s target %q does not resolve", d.ID, n.ID, field, target)
		}
		return nil
	}
	for _, next := range n.Next {
		if err := edge("next", next); err != nil {
			return err
		}
	}
	if err := edge("onError", n.OnError); err != nil {
		return err
	}
	switch n.Kind {
	case KindProcedure:
		if n.ProcedureName == "" {
			return fmt.Errorf("workflow %q: node %q: missing procedureName", d.ID, n.ID)
		}
		if reg != nil && !reg.Has(n.ProcedureName) {
			return fmt.Errorf("workflow %q: node %q: procedure %q not registered", d.ID, n.ID, n.ProcedureName)
		}
	case KindCondition:
		if n.Condition == nil {
			return fmt.Errorf("workflow %q: node %q: missing condition config", d.ID, n.ID)
		}
		if n.Condition.Predicate == nil && n.Condition.Expression == "" {
			return fmt.Errorf("workflow %q: node %q: condition needs a predicate or expression", d.ID, n.ID)
		}
		if n.Condition.Expression != "" {
			if _, err := CompileExpression(n.Condition.Expression); err != nil {
				return fmt.Errorf("workflow %q: node %q: %w", d.ID, n.ID, err)
			}
		}
		if err := edge("trueBranch", n.Condition.TrueBranch); err != nil {
			return err
		}
		if err := edge("falseBranch", n.Condition.FalseBranch); err != nil {
			return err
		}
	case KindParallel:
		if n.Parallel == nil {
			return fmt.Errorf("workflow %q: node %q: missing parallel config", d.ID, n.ID)
		}
		for _, b := range n.Parallel.Branches {
			if err := edge("branches", b); err != nil {
				return err
			}
		}
	case KindSequential:
	case KindAwait:
		if n.Await == nil {
			return fmt.Errorf("workflow %q: node %q: missing await config", d.ID, n.ID)
		}
		if n.Await.EventType == "" {
			return fmt.Errorf("workflow %q: node %q: await needs an eventType", d.ID, n.ID)
		}
		if n.Await.FilterExpression != "" {
			if _, err := CompileExpression(n.Await.FilterExpression); err != nil {
				return fmt.Errorf("workflow %q: node %q: %w", d.ID, n.ID, err)
			}
		}
		if err := edge("onTimeout", n.Await.OnTimeout); err != nil {
			return err
		}
	case KindSubworkflow:
		if n.Subworkflow == nil || n.Subworkflow.WorkflowID == "" {
			return fmt.Errorf("workflow %q: node %q: subworkflow needs a workflowId", d.ID, n.ID)
		}
	default:
		return fmt.Errorf("workflow %q: node %q: unknown kind %q", d.ID, n.ID, n.Kind)
	}
	return nil
}

// Get resolves a dotted path against variables first, then node outputs.
func (s ConditionScope) Get(path string) any {
	if v, ok := lookupPath(s.Variables, path); ok {
		return v
	}
	if v, ok := lookupPath(s.NodeOutputs, path); ok {
		return v
	}
	return nil
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
