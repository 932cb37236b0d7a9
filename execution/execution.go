// Package execution defines the records and store contract for tracking
// workflow executions. The store feeds live observers and historical
// snapshots; the default in-memory implementation lives in execution/inmem.
package execution

import (
	"context"
	"time"

	"github.com/procflow/procflow/trace"
)

// Status is the lifecycle state of an execution or node.
type Status string

const (
	// StatusPending indicates the execution was accepted but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates the execution is actively traversing nodes.
	StatusRunning Status = "running"
	// StatusPaused indicates the execution is suspended at an await node.
	StatusPaused Status = "paused"
	// StatusCompleted indicates the execution finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the execution failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the execution was cancelled cooperatively.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state. Paused executions are
// live: they are waiting for an external event.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type (
	// NodeDetail captures per-node progress within an execution.
	NodeDetail struct {
		// NodeID is the workflow node identifier.
		NodeID string
		// Status is the node lifecycle state (running, completed, failed).
		Status Status
		// StartedAt and EndedAt bound the node's execution.
		StartedAt time.Time
		EndedAt   time.Time
		// Duration is EndedAt minus StartedAt for finished nodes.
		Duration time.Duration
		// Input snapshots the value passed to the node.
		Input map[string]any
		// Output snapshots the node result.
		Output map[string]any
		// Error describes the node failure, empty on success.
		Error string
	}

	// Record is the durable view of one workflow execution.
	Record struct {
		// ExecutionID uniquely identifies the execution.
		ExecutionID string
		// WorkflowID identifies the workflow definition.
		WorkflowID string
		// Status is the current lifecycle state.
		Status Status
		// StartedAt and EndedAt bound the execution. EndedAt is zero while
		// the execution is live.
		StartedAt time.Time
		EndedAt   time.Time
		// Outputs accumulates node outputs keyed by node ID.
		Outputs map[string]any
		// Nodes holds per-node details keyed by node ID.
		Nodes map[string]*NodeDetail
		// NodesExecuted is the traversal history in order.
		NodesExecuted []string
		// Spans holds the collected span tree for the execution.
		Spans []*trace.Span
		// Error describes the terminal failure, empty otherwise.
		Error string
	}

	// Completion carries the terminal (or paused) state for an execution.
	Completion struct {
		Status        Status
		Outputs       map[string]any
		NodesExecuted []string
		Spans         []*trace.Span
		Error         string
	}

	// Stats summarizes the store contents.
	Stats struct {
		Total     int
		Completed int
		Failed    int
		Running   int
		Paused    int
	}

	// Store records past and current executions with bounded retention.
	// Writers are single per execution (the owning engine); reads may be
	// concurrent.
	Store interface {
		// Start registers an execution as running. Calling Start again for a
		// known execution (resume) flips it back to running while keeping
		// the original start time.
		Start(ctx context.Context, executionID, workflowID string) error
		// UpdateNode upserts per-node detail. Idempotent per
		// (executionID, nodeID, status); later updates overwrite.
		UpdateNode(ctx context.Context, executionID string, detail NodeDetail) error
		// Complete records the terminal or paused state of an execution.
		Complete(ctx context.Context, executionID string, c Completion) error
		// Get returns the record for executionID.
		Get(ctx context.Context, executionID string) (Record, bool)
		// List returns all records sorted by start time descending.
		List(ctx context.Context) []Record
		// ListForWorkflow returns the records for one workflow definition,
		// sorted by start time descending.
		ListForWorkflow(ctx context.Context, workflowID string) []Record
		// Stats summarizes the store contents.
		Stats(ctx context.Context) Stats
		// Clear drops every record.
		Clear(ctx context.Context)
	}
)
