package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/workflowcore/internal/wferrors"
	"github.com/aosanya/workflowcore/internal/workflow"
)

func diamond() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "diamond-v1",
		Nodes: []workflow.Node{
			{ID: "A", Type: workflow.NodeTypeStart},
			{ID: "B", Type: workflow.NodeTypeProcessor},
			{ID: "C", Type: workflow.NodeTypeProcessor},
			{ID: "D", Type: workflow.NodeTypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
			{Source: "C", Target: "D"},
		},
	}
}

func TestTracker_UpstreamDownstream(t *testing.T) {
	tr := NewTracker()
	wf := diamond()

	up, err := tr.Upstream("diamond-v1", wf, "D")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C"}, up)

	down, err := tr.Downstream("diamond-v1", wf, "A")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C"}, down)
}

func TestTracker_ExecutionOrder(t *testing.T) {
	tr := NewTracker()
	levels, err := tr.ExecutionOrder("diamond-v1", diamond())
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"A"}, levels[0])
	assert.ElementsMatch(t, []string{"B", "C"}, levels[1])
	assert.Equal(t, []string{"D"}, levels[2])
}

func TestTracker_ReadyNodes(t *testing.T) {
	tr := NewTracker()
	wf := diamond()

	ready, err := tr.ReadyNodes("diamond-v1", wf, map[string]bool{})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].NodeID)

	ready, err = tr.ReadyNodes("diamond-v1", wf, map[string]bool{"A": true})
	require.NoError(t, err)
	ids := []string{ready[0].NodeID, ready[1].NodeID}
	assert.ElementsMatch(t, []string{"B", "C"}, ids)

	ready, err = tr.ReadyNodes("diamond-v1", wf, map[string]bool{"A": true, "B": true})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "C", ready[0].NodeID)
}

func TestTracker_CycleRejected(t *testing.T) {
	tr := NewTracker()
	wf := &workflow.Workflow{
		ID: "cyclic-v1",
		Nodes: []workflow.Node{
			{ID: "A", Type: workflow.NodeTypeStart},
			{ID: "B", Type: workflow.NodeTypeProcessor},
		},
		Edges: []workflow.Edge{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "A"},
		},
	}

	_, err := tr.BuildGraph("cyclic-v1", wf)
	require.Error(t, err)
	assert.Equal(t, wferrors.CycleDetected, wferrors.KindOf(err))
}

func TestTracker_CachesAcrossCalls(t *testing.T) {
	tr := NewTracker()
	wf := diamond()

	_, err := tr.BuildGraph("diamond-v1", wf)
	require.NoError(t, err)
	_, err = tr.BuildGraph("diamond-v1", wf)
	require.NoError(t, err)

	hits, misses := tr.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}
