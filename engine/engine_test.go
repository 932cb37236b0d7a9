package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/execution"
	"github.com/procflow/procflow/procedure"
	"github.com/procflow/procflow/registry"
	"github.com/procflow/procflow/telemetry"
	"github.com/procflow/procflow/workflow"
)

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func regProc(t *testing.T, reg *registry.Registry, name string, handler procedure.Handler) {
	t.Helper()
	p, err := procedure.New(procedure.Contract{Name: name}, handler)
	require.NoError(t, err)
	require.NoError(t, reg.Register(p))
}

func mathRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	regProc(t, reg, "math.add", func(_ context.Context, input map[string]any, _ *procedure.Call) (map[string]any, error) {
		return map[string]any{"result": num(input["a"]) + num(input["b"])}, nil
	})
	regProc(t, reg, "math.multiply", func(_ context.Context, input map[string]any, _ *procedure.Call) (map[string]any, error) {
		return map[string]any{"result": num(input["a"]) * num(input["b"])}, nil
	})
	regProc(t, reg, "math.divide", func(_ context.Context, input map[string]any, _ *procedure.Call) (map[string]any, error) {
		if num(input["b"]) == 0 {
			return nil, errors.New("division by zero")
		}
		return map[string]any{"result": num(input["a"]) / num(input["b"])}, nil
	})
	regProc(t, reg, "audit.log", func(_ context.Context, input map[string]any, _ *procedure.Call) (map[string]any, error) {
		return map[string]any{"logged": true}, nil
	})
	return reg
}

func procNode(id, name string, config map[string]any, next ...string) *workflow.Node {
	return &workflow.Node{ID: id, Kind: workflow.KindProcedure, ProcedureName: name, Config: config, Next: next}
}

func TestExecuteSequential(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID:        "calc",
		Name:      "Calculator",
		StartNode: "add",
		Nodes: []*workflow.Node{
			procNode("add", "math.add", map[string]any{
				"input": map[string]any{"a": 10.0, "b": 5.0},
			}, "multiply"),
			procNode("multiply", "math.multiply", map[string]any{
				"input": map[string]any{"a": "$.add.result", "b": 2.0},
			}),
		},
	}
	e := New(reg)

	res, err := e.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, []string{"add", "multiply"}, res.NodesExecuted)
	assert.Equal(t, map[string]any{"result": 15.0}, res.Outputs["add"])
	assert.Equal(t, map[string]any{"result": 30.0}, res.Outputs["multiply"])
	assert.Nil(t, res.Error)
	assert.Nil(t, res.ResumeState)
	assert.NotEmpty(t, res.ExecutionID)

	rec, ok := e.Store().Get(context.Background(), res.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, execution.StatusCompleted, rec.Status)
	assert.Equal(t, []string{"add", "multiply"}, rec.NodesExecuted)
	assert.Equal(t, execution.StatusCompleted, rec.Nodes["add"].Status)
}

func TestExecutePinsExecutionID(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "calc", Name: "c", StartNode: "add",
		Nodes: []*workflow.Node{procNode("add", "math.add", nil)},
	}
	res, err := New(reg).Execute(context.Background(), def, WithExecutionID("exec-fixed"))
	require.NoError(t, err)
	assert.Equal(t, "exec-fixed", res.ExecutionID)
}

func TestExecuteRejectsInvalidDefinition(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "bad", Name: "bad", StartNode: "missing",
		Nodes: []*workflow.Node{procNode("add", "math.add", nil)},
	}
	_, err := New(reg).Execute(context.Background(), def)
	assert.ErrorContains(t, err, "does not resolve")
}

func TestConditionExpressionBranching(t *testing.T) {
	reg := mathRegistry(t)
	regProc(t, reg, "tier.premium", func(context.Context, map[string]any, *procedure.Call) (map[string]any, error) {
		return map[string]any{"tier_handled": "premium"}, nil
	})
	regProc(t, reg, "tier.standard", func(context.Context, map[string]any, *procedure.Call) (map[string]any, error) {
		return map[string]any{"tier_handled": "standard"}, nil
	})
	def := &workflow.Definition{
		ID: "routing", Name: "r", StartNode: "check",
		Nodes: []*workflow.Node{
			{ID: "check", Kind: workflow.KindCondition, Condition: &workflow.ConditionConfig{
				Expression:  `tier === "premium"`,
				TrueBranch:  "premium",
				FalseBranch: "standard",
			}},
			procNode("premium", "tier.premium", nil, "save"),
			procNode("standard", "tier.standard", nil, "save"),
			procNode("save", "audit.log", nil),
		},
	}
	e := New(reg)

	res, err := e.Execute(context.Background(), def, WithInput(map[string]any{"tier": "premium"}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, []string{"check", "premium", "save"}, res.NodesExecuted)

	res, err = e.Execute(context.Background(), def, WithInput(map[string]any{"tier": "free"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "standard", "save"}, res.NodesExecuted)
}

func TestConditionPredicateClosure(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "routing", Name: "r", StartNode: "check",
		Nodes: []*workflow.Node{
			{ID: "check", Kind: workflow.KindCondition, Condition: &workflow.ConditionConfig{
				Predicate: func(s workflow.ConditionScope) bool {
					return num(s.Variables["n"]) > 10
				},
				TrueBranch:  "big",
				FalseBranch: "small",
			}},
			procNode("big", "audit.log", nil),
			procNode("small", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def, WithInput(map[string]any{"n": 11.0}))
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "big"}, res.NodesExecuted)
}

func TestConditionMissingBranchFailsWithoutOnError(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "routing", Name: "r", StartNode: "check",
		Nodes: []*workflow.Node{
			{ID: "check", Kind: workflow.KindCondition, OnError: "rescue", Condition: &workflow.ConditionConfig{
				Expression: `false`,
				TrueBranch: "rescue",
			}},
			procNode("rescue", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	// A missing branch is a structural failure and never routes to onError.
	assert.Equal(t, execution.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "NodeNotFound", res.Error.Name)
	assert.Equal(t, []string{"check"}, res.NodesExecuted)
}

func TestOnErrorRouting(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "resilient", Name: "r", StartNode: "div",
		Nodes: []*workflow.Node{
			func() *workflow.Node {
				n := procNode("div", "math.divide", map[string]any{
					"input": map[string]any{"a": 1.0, "b": 0.0},
				}, "never")
				n.OnError = "logError"
				return n
			}(),
			procNode("never", "audit.log", nil),
			procNode("logError", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	// The failed node appears in the history; its output does not.
	assert.Equal(t, []string{"div", "logError"}, res.NodesExecuted)
	assert.NotContains(t, res.Outputs, "div")
	assert.Equal(t, map[string]any{"logged": true}, res.Outputs["logError"])
}

func TestInvisibleProcedureNeverRoutesToOnError(t *testing.T) {
	reg := mathRegistry(t)
	hidden, err := procedure.New(procedure.Contract{
		Name:     "sdk.only",
		Metadata: procedure.Metadata{Roles: []procedure.Role{procedure.RoleSDKClient}},
	}, func(context.Context, map[string]any, *procedure.Call) (map[string]any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(hidden))

	def := &workflow.Definition{
		ID: "wf", Name: "wf", StartNode: "call",
		Nodes: []*workflow.Node{
			func() *workflow.Node {
				n := procNode("call", "sdk.only", nil)
				n.OnError = "rescue"
				return n
			}(),
			procNode("rescue", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "ProcedureNotFound", res.Error.Name)
	assert.Equal(t, []string{"call"}, res.NodesExecuted)
}

func TestHandlerErrorName(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "wf", Name: "wf", StartNode: "div",
		Nodes: []*workflow.Node{
			procNode("div", "math.divide", map[string]any{
				"input": map[string]any{"a": 1.0, "b": 0.0},
			}),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "HandlerError", res.Error.Name)
	assert.Contains(t, res.Error.Message, "division by zero")
}

func TestParallelWaitForAll(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "fanout", Name: "f", StartNode: "p",
		Nodes: []*workflow.Node{
			{ID: "p", Kind: workflow.KindParallel, Next: []string{"after"},
				Parallel: &workflow.ParallelConfig{Branches: []string{"add1", "add2"}, WaitForAll: true}},
			procNode("add1", "math.add", map[string]any{"input": map[string]any{"a": 1.0, "b": 2.0}}),
			procNode("add2", "math.add", map[string]any{"input": map[string]any{"a": 3.0, "b": 4.0}}),
			procNode("after", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	// Branch outputs are namespaced under the parallel node ID.
	assert.Equal(t, map[string]any{"result": 3.0}, res.Outputs["p.add1"])
	assert.Equal(t, map[string]any{"result": 7.0}, res.Outputs["p.add2"])
	assert.NotContains(t, res.Outputs, "add1")
	assert.Equal(t, []string{"add1", "add2", "p", "after"}, res.NodesExecuted)
}

func TestParallelEventOrdering(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "fanout", Name: "f", StartNode: "p",
		Nodes: []*workflow.Node{
			{ID: "p", Kind: workflow.KindParallel, Next: []string{"after"},
				Parallel: &workflow.ParallelConfig{Branches: []string{"b1", "b2", "b3"}, WaitForAll: true}},
			procNode("b1", "math.add", map[string]any{"input": map[string]any{"a": 1.0, "b": 1.0}}),
			procNode("b2", "math.add", map[string]any{"input": map[string]any{"a": 2.0, "b": 2.0}}),
			procNode("b3", "math.add", map[string]any{"input": map[string]any{"a": 3.0, "b": 3.0}}),
			procNode("after", "audit.log", nil),
		},
	}
	e := New(reg)

	// Branch goroutines publish concurrently; the listener must lock.
	var mu sync.Mutex
	var got []events.Event
	e.Bus().SubscribeAll(func(evt events.Event) {
		if evt.Type != events.NodeStarted && evt.Type != events.NodeCompleted {
			return
		}
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	res, err := e.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)

	mu.Lock()
	defer mu.Unlock()
	joinIdx := -1
	for i, evt := range got {
		if evt.Type == events.NodeCompleted && evt.NodeID == "p" {
			joinIdx = i
		}
	}
	require.GreaterOrEqual(t, joinIdx, 0)

	started := map[string]int{}
	completed := map[string]int{}
	for i, evt := range got {
		if evt.NodeID == "p" || evt.NodeID == "after" {
			continue
		}
		switch evt.Type {
		case events.NodeStarted:
			started[evt.NodeID] = i
		case events.NodeCompleted:
			completed[evt.NodeID] = i
		}
	}
	// Every branch starts and finishes before the join completes.
	require.Len(t, started, 3)
	require.Len(t, completed, 3)
	for _, branch := range []string{"b1", "b2", "b3"} {
		si, ok := started[branch]
		require.True(t, ok, branch)
		ci, ok := completed[branch]
		require.True(t, ok, branch)
		assert.Less(t, si, ci, branch)
		assert.Less(t, ci, joinIdx, branch)
	}
}

func TestParallelFirstErrorFailsJoin(t *testing.T) {
	reg := mathRegistry(t)
	regProc(t, reg, "block.untilCancel", func(ctx context.Context, _ map[string]any, _ *procedure.Call) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	def := &workflow.Definition{
		ID: "fanout", Name: "f", StartNode: "p",
		Nodes: []*workflow.Node{
			{ID: "p", Kind: workflow.KindParallel,
				Parallel: &workflow.ParallelConfig{Branches: []string{"bad", "slow"}, WaitForAll: true}},
			procNode("bad", "math.divide", map[string]any{"input": map[string]any{"a": 1.0, "b": 0.0}}),
			procNode("slow", "block.untilCancel", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, `parallel branch "bad"`)
}

func TestParallelFirstSuccessWins(t *testing.T) {
	reg := mathRegistry(t)
	regProc(t, reg, "block.untilCancel", func(ctx context.Context, _ map[string]any, _ *procedure.Call) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	def := &workflow.Definition{
		ID: "race", Name: "r", StartNode: "p",
		Nodes: []*workflow.Node{
			{ID: "p", Kind: workflow.KindParallel, Next: []string{"after"},
				Parallel: &workflow.ParallelConfig{Branches: []string{"fast", "slow"}}},
			procNode("fast", "math.add", map[string]any{"input": map[string]any{"a": 1.0, "b": 1.0}}),
			procNode("slow", "block.untilCancel", nil),
			procNode("after", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"result": 2.0}, res.Outputs["p.fast"])
	assert.NotContains(t, res.Outputs, "p.slow")
	assert.Contains(t, res.NodesExecuted, "after")
}

func TestParallelEmptyBranchesPassesThrough(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "empty", Name: "e", StartNode: "p",
		Nodes: []*workflow.Node{
			{ID: "p", Kind: workflow.KindParallel, Next: []string{"after"},
				Parallel: &workflow.ParallelConfig{WaitForAll: true}},
			procNode("after", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, []string{"p", "after"}, res.NodesExecuted)
}

func TestParallelBranchPauseIsFailure(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "pausing", Name: "p", StartNode: "p",
		Nodes: []*workflow.Node{
			{ID: "p", Kind: workflow.KindParallel,
				Parallel: &workflow.ParallelConfig{Branches: []string{"wait"}, WaitForAll: true}},
			{ID: "wait", Kind: workflow.KindAwait, Await: &workflow.AwaitConfig{EventType: "never"}},
		},
	}
	e := New(reg)
	res, err := e.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "paused inside parallel")
	assert.Zero(t, e.Subscriptions().Len())
}

func TestSequentialNodePassesThrough(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "seq", Name: "s", StartNode: "gate",
		Nodes: []*workflow.Node{
			{ID: "gate", Kind: workflow.KindSequential, Next: []string{"log"}},
			procNode("log", "audit.log", nil),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []string{"gate", "log"}, res.NodesExecuted)
}

func TestCancelledContext(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "calc", Name: "c", StartNode: "add",
		Nodes: []*workflow.Node{procNode("add", "math.add", nil)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(reg).Execute(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, res.Status)
	assert.Nil(t, res.Error)
	assert.Empty(t, res.NodesExecuted)
}

func TestBudgetExceededFailsWithTimeout(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "calc", Name: "c", StartNode: "add",
		Nodes: []*workflow.Node{procNode("add", "math.add", nil)},
	}
	now := time.UnixMilli(0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(10 * time.Millisecond)
		return now
	}
	res, err := New(reg, WithClock(clock)).Execute(context.Background(), def, WithBudget(5*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "Timeout", res.Error.Name)
	assert.Empty(t, res.NodesExecuted)
}

func TestSpanTree(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "calc", Name: "c", StartNode: "add",
		Nodes: []*workflow.Node{
			procNode("add", "math.add", map[string]any{"input": map[string]any{"a": 1.0, "b": 2.0}}),
		},
	}
	res, err := New(reg).Execute(context.Background(), def)
	require.NoError(t, err)
	require.Len(t, res.Spans, 3)

	root, node, proc := res.Spans[0], res.Spans[1], res.Spans[2]
	assert.Equal(t, "workflow.execute", root.Name)
	assert.Empty(t, root.ParentSpanID)
	assert.Equal(t, "calc", root.Attributes["workflow.id"])
	assert.Equal(t, 1, root.Attributes["workflow.nodes_executed_total"])

	assert.Equal(t, "workflow.node.procedure", node.Name)
	assert.Equal(t, root.SpanID, node.ParentSpanID)
	assert.Equal(t, "add", node.Attributes["node.id"])

	assert.Equal(t, "math.add", proc.Name)
	assert.Equal(t, node.SpanID, proc.ParentSpanID)
}

func TestWithTracerDualExports(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "calc", Name: "c", StartNode: "add",
		Nodes: []*workflow.Node{
			procNode("add", "math.add", map[string]any{"input": map[string]any{"a": 1.0, "b": 2.0}}),
		},
	}
	res, err := New(reg, WithTracer(telemetry.NewClueTracer())).Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "workflow.execute")
	assert.Contains(t, names, "workflow.node.procedure")
	assert.Contains(t, names, "math.add")
}

func TestEventOrdering(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "calc", Name: "c", StartNode: "add",
		Nodes: []*workflow.Node{procNode("add", "math.add", nil)},
	}
	e := New(reg)
	var types []events.Type
	e.Bus().SubscribeAll(func(evt events.Event) { types = append(types, evt.Type) })

	_, err := e.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []events.Type{
		events.WorkflowStarted,
		events.NodeStarted,
		events.ProcedureStarted,
		events.ProcedureCompleted,
		events.NodeCompleted,
		events.WorkflowCompleted,
		events.WorkflowResult,
	}, types)
}

func TestNodeHooks(t *testing.T) {
	reg := mathRegistry(t)
	def := &workflow.Definition{
		ID: "calc", Name: "c", StartNode: "add",
		Nodes: []*workflow.Node{procNode("add", "math.add", nil, "mul"),
			procNode("mul", "math.multiply", nil)},
	}
	var started, ended []string
	_, err := New(reg).Execute(context.Background(), def, WithNodeHooks(
		func(_, nodeID string) { started = append(started, nodeID) },
		func(_, nodeID string, _ map[string]any, err error) {
			require.NoError(t, err)
			ended = append(ended, nodeID)
		},
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "mul"}, started)
	assert.Equal(t, []string{"add", "mul"}, ended)
}
