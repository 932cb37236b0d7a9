package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/procflow/procflow/execution"
	"github.com/procflow/procflow/executor"
	"github.com/procflow/procflow/trace"
)

// Sentinel errors for the engine failure taxonomy. Validation and handler
// failures are classified through the executor error kinds instead.
var (
	// ErrProcedureNotFound reports a procedure node referencing an absent or
	// invisible procedure. Never routed to onError.
	ErrProcedureNotFound = errors.New("procedure not found")
	// ErrNodeNotFound reports an unresolvable successor node. Never routed
	// to onError.
	ErrNodeNotFound = errors.New("node not found")
	// ErrCancelled reports cooperative termination.
	ErrCancelled = errors.New("execution cancelled")
	// ErrTimeout reports an expired await or workflow time budget.
	ErrTimeout = errors.New("execution timed out")
	// ErrResumeRejected reports a resume whose payload the await filter
	// rejected. The paused entry stays registered.
	ErrResumeRejected = errors.New("resume rejected by filter")
	// ErrNotPaused reports a resume for an execution that is not paused.
	ErrNotPaused = errors.New("execution is not paused")
)

type (
	// Result is the outcome of one Execute or Resume call.
	Result struct {
		// ExecutionID identifies the execution.
		ExecutionID string
		// Status is the resulting lifecycle state.
		Status execution.Status
		// Outputs maps node IDs to their outputs, including namespaced
		// parallel branch keys.
		Outputs map[string]any
		// ExecutionTime is the wall-clock duration of this call.
		ExecutionTime time.Duration
		// NodesExecuted is the traversal history in order.
		NodesExecuted []string
		// Spans is the span tree collected during this call.
		Spans []*trace.Span
		// Error describes the failure. Set iff Status is failed.
		Error *ResultError
		// ResumeState carries the continuation. Set iff Status is paused.
		ResumeState *ResumeState
	}

	// ResultError is the serialized failure form.
	ResultError struct {
		// Message is the human-readable failure description.
		Message string `json:"message"`
		// Name classifies the failure (HandlerError, InputValidation,
		// NodeNotFound, Timeout, ...).
		Name string `json:"name"`
		// Stack is included when the underlying handler provided one.
		Stack string `json:"stack,omitempty"`
	}

	// ResumeState is the minimum state needed to continue a paused
	// execution. It is JSON-serializable; closures never appear in it.
	ResumeState struct {
		WorkflowID    string         `json:"workflowId"`
		ExecutionID   string         `json:"executionId"`
		CurrentNode   string         `json:"currentNode"`
		Variables     map[string]any `json:"variables"`
		NodeOutputs   map[string]any `json:"nodeOutputs"`
		NodesExecuted []string       `json:"nodesExecuted"`
		// Child holds the nested resume state when the execution paused
		// inside a subworkflow.
		Child *ResumeState `json:"child,omitempty"`
	}

	wireResult struct {
		ExecutionID   string         `json:"executionId"`
		Status        string         `json:"status"`
		Outputs       map[string]any `json:"outputs"`
		ExecutionTime int64          `json:"executionTime"`
		NodesExecuted []string       `json:"nodesExecuted"`
		Spans         []*trace.Span  `json:"spans,omitempty"`
		Error         *ResultError   `json:"error,omitempty"`
		ResumeState   *ResumeState   `json:"resumeState,omitempty"`
	}
)

// MarshalJSON encodes the result in its serialized form with the execution
// time in milliseconds.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireResult{
		ExecutionID:   r.ExecutionID,
		Status:        string(r.Status),
		Outputs:       r.Outputs,
		ExecutionTime: r.ExecutionTime.Milliseconds(),
		NodesExecuted: r.NodesExecuted,
		Spans:         r.Spans,
		Error:         r.Error,
		ResumeState:   r.ResumeState,
	})
}

// UnmarshalJSON decodes the serialized result form.
func (r *Result) UnmarshalJSON(data []byte) error {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{
		ExecutionID:   w.ExecutionID,
		Status:        execution.Status(w.Status),
		Outputs:       w.Outputs,
		ExecutionTime: time.Duration(w.ExecutionTime) * time.Millisecond,
		NodesExecuted: w.NodesExecuted,
		Spans:         w.Spans,
		Error:         w.Error,
		ResumeState:   w.ResumeState,
	}
	return nil
}

// resultError maps an engine failure to its serialized form.
func resultError(err error) *ResultError {
	if err == nil {
		return nil
	}
	return &ResultError{Message: err.Error(), Name: errorName(err)}
}

func errorName(err error) string {
	switch {
	case errors.Is(err, ErrProcedureNotFound):
		return "ProcedureNotFound"
	case errors.Is(err, ErrNodeNotFound):
		return "NodeNotFound"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	}
	switch executor.KindOf(err) {
	case executor.KindInputValidation:
		return "InputValidation"
	case executor.KindOutputValidation:
		return "OutputValidation"
	case executor.KindHandler:
		return "HandlerError"
	}
	return "Error"
}
