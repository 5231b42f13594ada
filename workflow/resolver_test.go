package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathware/flowengine/types"
)

func defWith(nodes []string, edges []Edge) *Definition {
	def := &Definition{ID: "def", Version: 1, Name: "test"}
	for _, id := range nodes {
		def.Nodes = append(def.Nodes, NodeInstance{NodeID: id, TypeKey: "condition.eval"})
	}
	def.Edges = edges
	return def
}

func wavePosition(t *testing.T, plan *ExecutionPlan, nodeID string) int {
	t.Helper()
	for i, wave := range plan.Waves {
		for _, id := range wave {
			if id == nodeID {
				return i
			}
		}
	}
	t.Fatalf("node %s not scheduled", nodeID)
	return -1
}

func TestResolve_Diamond(t *testing.T) {
	t.Parallel()
	def := defWith([]string{"a", "b", "c", "d"}, []Edge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
		{Source: "b", Target: "d"},
		{Source: "c", Target: "d"},
	})

	plan, err := Resolve(def)
	require.NoError(t, err)
	require.Len(t, plan.Waves, 3)
	assert.Equal(t, []string{"a"}, plan.Waves[0])
	assert.Equal(t, []string{"b", "c"}, plan.Waves[1])
	assert.Equal(t, []string{"d"}, plan.Waves[2])
	assert.Equal(t, 4, plan.NodeCount())
}

func TestResolve_OrderConsistentWithEdges(t *testing.T) {
	t.Parallel()
	def := defWith([]string{"w", "x", "y", "z"}, []Edge{
		{Source: "z", Target: "y"},
		{Source: "y", Target: "x"},
		{Source: "x", Target: "w"},
	})

	plan, err := Resolve(def)
	require.NoError(t, err)
	for _, e := range def.Edges {
		assert.Less(t, wavePosition(t, plan, e.Source), wavePosition(t, plan, e.Target),
			"edge %s->%s must be respected", e.Source, e.Target)
	}
}

func TestResolve_NoEdges(t *testing.T) {
	t.Parallel()
	plan, err := Resolve(defWith([]string{"b", "a", "c"}, nil))
	require.NoError(t, err)
	require.Len(t, plan.Waves, 1)
	assert.Equal(t, []string{"a", "b", "c"}, plan.Waves[0], "zero in-degree nodes sort ascending")
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()
	def := defWith([]string{"n3", "n1", "n2", "n4"}, []Edge{
		{Source: "n1", Target: "n4"},
		{Source: "n2", Target: "n4"},
	})

	first, err := Resolve(def)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Resolve(def)
		require.NoError(t, err)
		assert.Equal(t, first.Waves, again.Waves)
	}
}

func TestResolve_Cycle(t *testing.T) {
	t.Parallel()
	def := defWith([]string{"a", "b", "c"}, []Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "a"},
	})

	plan, err := Resolve(def)
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
	// The error names at least one node on the cycle.
	assert.Contains(t, err.Error(), "a")
}

func TestResolve_PartialCycle(t *testing.T) {
	t.Parallel()
	// "head" is fine; the cycle is only between b and c.
	def := defWith([]string{"head", "b", "c"}, []Edge{
		{Source: "head", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "b"},
	})

	_, err := Resolve(def)
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestResolve_DuplicateEdgesCountOnce(t *testing.T) {
	t.Parallel()
	def := defWith([]string{"a", "b"}, []Edge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "b", Condition: "result == true"},
	})

	plan, err := Resolve(def)
	require.NoError(t, err)
	require.Len(t, plan.Waves, 2)
}

func TestResolve_InvalidDefinition(t *testing.T) {
	t.Parallel()
	_, err := Resolve(&Definition{ID: "empty", Version: 1})
	assert.Equal(t, types.ErrDefinitionInvalid, types.GetErrorCode(err))

	def := defWith([]string{"a"}, []Edge{{Source: "a", Target: "ghost"}})
	_, err = Resolve(def)
	assert.Equal(t, types.ErrDefinitionInvalid, types.GetErrorCode(err))
}
