package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/registry"
)

func sampleDefinition() *Definition {
	return &Definition{
		ID:        "wf",
		Name:      "Sample",
		Version:   "1",
		StartNode: "check",
		Nodes: []*Node{
			{
				ID:   "check",
				Kind: KindCondition,
				Condition: &ConditionConfig{
					Expression:  `tier === "premium"`,
					TrueBranch:  "premium",
					FalseBranch: "basic",
				},
			},
			{ID: "premium", Kind: KindSequential, Next: []string{"done"}},
			{ID: "basic", Kind: KindSequential, Next: []string{"done"}},
			{ID: "done", Kind: KindSequential},
		},
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, sampleDefinition().Validate(nil))
}

func TestValidateStartNode(t *testing.T) {
	d := sampleDefinition()
	d.StartNode = "missing"
	err := d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startNode")
}

func TestValidateDuplicateNodeID(t *testing.T) {
	d := sampleDefinition()
	d.Nodes = append(d.Nodes, &Node{ID: "done", Kind: KindSequential})
	err := d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestValidateDanglingEdges(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Definition)
	}{
		{"next", func(d *Definition) { d.Node("premium").Next = []string{"nope"} }},
		{"onError", func(d *Definition) { d.Node("basic").OnError = "nope" }},
		{"trueBranch", func(d *Definition) { d.Node("check").Condition.TrueBranch = "nope" }},
		{"falseBranch", func(d *Definition) { d.Node("check").Condition.FalseBranch = "nope" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := sampleDefinition()
			tc.mutate(d)
			err := d.Validate(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "does not resolve")
		})
	}
}

func TestValidateProcedureNode(t *testing.T) {
	d := &Definition{
		ID:        "wf",
		StartNode: "n",
		Nodes:     []*Node{{ID: "n", Kind: KindProcedure}},
	}
	err := d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "procedureName")

	d.Node("n").ProcedureName = "math.add"
	require.NoError(t, d.Validate(nil))

	reg := registry.New()
	err = d.Validate(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestValidateCondition(t *testing.T) {
	d := &Definition{
		ID:        "wf",
		StartNode: "c",
		Nodes: []*Node{
			{ID: "c", Kind: KindCondition, Condition: &ConditionConfig{}},
		},
	}
	err := d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "predicate or expression")

	d.Node("c").Condition.Expression = "a ==="
	err = d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile expression")
}

func TestValidateAwait(t *testing.T) {
	d := &Definition{
		ID:        "wf",
		StartNode: "w",
		Nodes:     []*Node{{ID: "w", Kind: KindAwait, Await: &AwaitConfig{}}},
	}
	err := d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eventType")

	d.Node("w").Await.EventType = "orders.approved"
	require.NoError(t, d.Validate(nil))

	d.Node("w").Await.OnTimeout = "nope"
	err = d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "onTimeout")
}

func TestValidateParallelBranches(t *testing.T) {
	d := &Definition{
		ID:        "wf",
		StartNode: "p",
		Nodes: []*Node{
			{ID: "p", Kind: KindParallel, Parallel: &ParallelConfig{Branches: []string{"a", "nope"}}},
			{ID: "a", Kind: KindSequential},
		},
	}
	err := d.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branches")
}

func TestValidateCyclesAllowed(t *testing.T) {
	d := &Definition{
		ID:        "wf",
		StartNode: "a",
		Nodes: []*Node{
			{ID: "a", Kind: KindSequential, Next: []string{"b"}},
			{ID: "b", Kind: KindSequential, Next: []string{"a"}},
		},
	}
	require.NoError(t, d.Validate(nil))
}

func TestConditionScopeGet(t *testing.T) {
	scope := ConditionScope{
		Variables:   map[string]any{"user": map[string]any{"tier": "premium"}},
		NodeOutputs: map[string]any{"fetch": map[string]any{"id": "u1"}},
	}
	assert.Equal(t, "premium", scope.Get("user.tier"))
	assert.Equal(t, map[string]any{"id": "u1"}, scope.Get("fetch"))
	assert.Nil(t, scope.Get("user.missing"))
	assert.Nil(t, scope.Get("user.tier.deeper"))
}
