// Package events provides the in-process publish/subscribe surface for
// procedure and workflow lifecycle events. Transports adapt the per-execution
// streams to their native surface (SSE, WebSocket); the bus itself never
// replays: late subscribers rely on the execution store for history.
package events

import "time"

// Type is a namespaced event kind.
type Type string

const (
	// WorkflowStarted fires when an execution enters the running state.
	WorkflowStarted Type = "workflow.started"
	// WorkflowResumed fires when a paused execution resumes.
	WorkflowResumed Type = "workflow.resumed"
	// WorkflowCompleted fires when an execution reaches a successful terminal
	// state.
	WorkflowCompleted Type = "workflow.completed"
	// WorkflowFailed fires when an execution fails or is cancelled.
	WorkflowFailed Type = "workflow.failed"
	// WorkflowPaused fires when an execution suspends at an await node.
	WorkflowPaused Type = "workflow.paused"
	// WorkflowResult carries the final serialized result and closes the
	// per-execution topic.
	WorkflowResult Type = "workflow.result"

	// NodeStarted fires when the engine begins dispatching a node.
	NodeStarted Type = "node.started"
	// NodeCompleted fires when a node finishes, carrying its output snapshot.
	NodeCompleted Type = "node.completed"

	// ProcedureStarted fires before a procedure handler is invoked.
	ProcedureStarted Type = "procedure.started"
	// ProcedureCompleted fires after a handler returns a valid output.
	ProcedureCompleted Type = "procedure.completed"
	// ProcedureFailed fires when validation or the handler fails.
	ProcedureFailed Type = "procedure.failed"
)

// Event is a single lifecycle message published on the bus.
type Event struct {
	// Type is the namespaced event kind.
	Type Type `json:"type"`
	// ExecutionID identifies the owning workflow execution. Empty for
	// one-shot procedure invocations outside a workflow.
	ExecutionID string `json:"execution_id,omitempty"`
	// WorkflowID identifies the workflow definition, when applicable.
	WorkflowID string `json:"workflow_id,omitempty"`
	// NodeID identifies the node for node.* events.
	NodeID string `json:"node_id,omitempty"`
	// Procedure names the procedure for procedure.* events.
	Procedure string `json:"procedure,omitempty"`
	// Timestamp records when the event was published.
	Timestamp time.Time `json:"timestamp"`
	// Payload carries the event-specific data (output snapshots, error
	// details, serialized results).
	Payload any `json:"payload,omitempty"`
}

// Terminal reports whether the event closes its per-execution topic.
// workflow.result is always the last event published for an execution.
func (t Type) Terminal() bool { return t == WorkflowResult }
