package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/execution"
	"github.com/procflow/procflow/executor"
)

func TestResultJSONRoundTrip(t *testing.T) {
	res := &Result{
		ExecutionID:   "exec-1",
		Status:        execution.StatusFailed,
		Outputs:       map[string]any{"add": map[string]any{"result": 15.0}},
		ExecutionTime: 1500 * time.Millisecond,
		NodesExecuted: []string{"add", "div"},
		Error:         &ResultError{Message: "division by zero", Name: "HandlerError"},
	}

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"executionId": "exec-1",
		"status": "failed",
		"outputs": {"add": {"result": 15}},
		"executionTime": 1500,
		"nodesExecuted": ["add", "div"],
		"error": {"message": "division by zero", "name": "HandlerError"}
	}`, string(data))

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, res.ExecutionID, back.ExecutionID)
	assert.Equal(t, res.Status, back.Status)
	assert.Equal(t, res.ExecutionTime, back.ExecutionTime)
	assert.Equal(t, res.NodesExecuted, back.NodesExecuted)
	assert.Equal(t, res.Error, back.Error)
	assert.Nil(t, back.ResumeState)
}

func TestPausedResultJSON(t *testing.T) {
	res := &Result{
		ExecutionID: "exec-1",
		Status:      execution.StatusPaused,
		Outputs:     map[string]any{},
		ResumeState: &ResumeState{
			WorkflowID:    "order",
			ExecutionID:   "exec-1",
			CurrentNode:   "wait",
			Variables:     map[string]any{"orderId": "order-1"},
			NodesExecuted: []string{"prepare"},
		},
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.ResumeState)
	assert.Equal(t, "wait", back.ResumeState.CurrentNode)
	assert.Equal(t, "order-1", back.ResumeState.Variables["orderId"])
	assert.Nil(t, back.Error)
}

func TestNestedResumeStateJSON(t *testing.T) {
	state := &ResumeState{
		WorkflowID:  "parent",
		ExecutionID: "exec-1",
		CurrentNode: "sub",
		Child: &ResumeState{
			WorkflowID:  "child",
			ExecutionID: "exec-1",
			CurrentNode: "wait",
		},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)

	var back ResumeState
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Child)
	assert.Equal(t, "wait", back.Child.CurrentNode)
	assert.Nil(t, back.Child.Child)
}

func TestErrorName(t *testing.T) {
	cases := []struct {
		err  error
		name string
	}{
		{ErrProcedureNotFound, "ProcedureNotFound"},
		{ErrNodeNotFound, "NodeNotFound"},
		{ErrCancelled, "Cancelled"},
		{ErrTimeout, "Timeout"},
		{&executor.Error{Kind: executor.KindInputValidation, Err: errors.New("x")}, "InputValidation"},
		{&executor.Error{Kind: executor.KindOutputValidation, Err: errors.New("x")}, "OutputValidation"},
		{&executor.Error{Kind: executor.KindHandler, Err: errors.New("x")}, "HandlerError"},
		{errors.New("plain"), "Error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.name, errorName(tc.err), tc.name)
	}
	assert.Nil(t, resultError(nil))
}
