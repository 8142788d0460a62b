package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/workflowcore/internal/agentclient"
	"github.com/aosanya/workflowcore/internal/dag"
	"github.com/aosanya/workflowcore/internal/dispatcher"
	"github.com/aosanya/workflowcore/internal/instance"
	"github.com/aosanya/workflowcore/internal/repository"
	"github.com/aosanya/workflowcore/internal/wferrors"
	"github.com/aosanya/workflowcore/internal/workflow"
)

func newHarness(t *testing.T, client agentclient.Client, dcfg dispatcher.Config) (*Engine, *repository.MemoryRepository, *workflow.MemoryRepository) {
	t.Helper()
	templates := workflow.NewMemoryRepository()
	repo := repository.NewMemoryRepository()
	tracker := dag.NewTracker()
	disp := dispatcher.New(dcfg, client)

	cfg := DefaultConfig()
	cfg.WorkerCount = 2
	cfg.QueuePopTimeout = 10 * time.Millisecond
	cfg.MonitorInterval = time.Hour

	eng := New(cfg, templates, repo, tracker, disp, nil, nil)
	eng.Start()
	t.Cleanup(func() {
		_ = eng.Stop(context.Background())
	})
	return eng, repo, templates
}

func waitTerminal(t *testing.T, repo *repository.MemoryRepository, instanceID string) *instance.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wi, err := repo.GetInstance(context.Background(), instanceID)
		require.NoError(t, err)
		if wi.Status.IsTerminal() {
			return wi
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("instance did not reach a terminal status in time")
	return nil
}

func nodeInstanceFor(t *testing.T, repo *repository.MemoryRepository, instanceID, nodeID string) *instance.NodeInstance {
	t.Helper()
	nodes, err := repo.ListNodesByInstance(context.Background(), instanceID)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.NodeID == nodeID {
			return n
		}
	}
	return nil
}

// waitHumanTask polls until exactly one task exists for nodeID and returns
// it, or fails the test after a timeout.
func waitHumanTask(t *testing.T, repo *repository.MemoryRepository, instanceID, nodeID string) *instance.TaskInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ni := nodeInstanceFor(t, repo, instanceID, nodeID)
		if ni != nil {
			tasks, err := repo.ListTasksByNodeInstance(context.Background(), ni.NodeInstanceID)
			require.NoError(t, err)
			if len(tasks) == 1 {
				return tasks[0]
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task for node %s never materialized", nodeID)
	return nil
}

func linearWorkflow(procType workflow.ProcessorType) *workflow.Workflow {
	return &workflow.Workflow{
		ID:     "lin:1",
		BaseID: "lin",
		Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeStart, Name: "Start", Description: "kick off processing"},
			{
				ID: "process", Type: workflow.NodeTypeProcessor, Name: "Process",
				Processors: []workflow.Processor{{ID: "p1", Type: procType, UserID: "u1", AgentID: "a1"}},
			},
			{ID: "end", Type: workflow.NodeTypeEnd, Name: "End"},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "process"},
			{Source: "process", Target: "end"},
		},
	}
}

// TestEngine_LinearAgentWorkflow covers spec §8 scenario 1: a single AGENT
// node between START and END completes the instance.
func TestEngine_LinearAgentWorkflow(t *testing.T) {
	client := &agentclient.StubClient{Responses: []agentclient.StubResult{{Output: "done"}}}
	eng, repo, templates := newHarness(t, client, dispatcher.DefaultConfig())

	wf := linearWorkflow(workflow.ProcessorAgent)
	require.NoError(t, templates.Create(context.Background(), wf))

	res, err := eng.ExecuteWorkflow(context.Background(), ExecuteRequest{TemplateBaseID: "lin", ExecutorID: "exec1"})
	require.NoError(t, err)

	wi := waitTerminal(t, repo, res.InstanceID)
	assert.Equal(t, instance.WorkflowCompleted, wi.Status)
	assert.Equal(t, 1, client.CallCount())

	start := nodeInstanceFor(t, repo, res.InstanceID, "start")
	require.NotNil(t, start)
	assert.Equal(t, map[string]interface{}{"task_description": "kick off processing"}, start.Output)
}

// TestEngine_DiamondHumanWorkflow covers spec §8 scenario 2: a diamond of
// HUMAN nodes (start->{b,c}->d->end) completes once every task is
// resolved via SubmitHumanTaskResult.
func TestEngine_DiamondHumanWorkflow(t *testing.T) {
	client := &agentclient.StubClient{}
	eng, repo, templates := newHarness(t, client, dispatcher.DefaultConfig())

	wf := &workflow.Workflow{
		ID: "diamond:1", BaseID: "diamond", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeStart, Name: "Start"},
			{ID: "b", Type: workflow.NodeTypeProcessor, Name: "B", Processors: []workflow.Processor{{ID: "pb", Type: workflow.ProcessorHuman, UserID: "u1"}}},
			{ID: "c", Type: workflow.NodeTypeProcessor, Name: "C", Processors: []workflow.Processor{{ID: "pc", Type: workflow.ProcessorHuman, UserID: "u1"}}},
			{ID: "d", Type: workflow.NodeTypeProcessor, Name: "D", Processors: []workflow.Processor{{ID: "pd", Type: workflow.ProcessorHuman, UserID: "u1"}}},
			{ID: "end", Type: workflow.NodeTypeEnd, Name: "End"},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "b"},
			{Source: "start", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
			{Source: "d", Target: "end"},
		},
	}
	require.NoError(t, templates.Create(context.Background(), wf))

	res, err := eng.ExecuteWorkflow(context.Background(), ExecuteRequest{TemplateBaseID: "diamond", ExecutorID: "exec1"})
	require.NoError(t, err)

	tb := waitHumanTask(t, repo, res.InstanceID, "b")
	tc := waitHumanTask(t, repo, res.InstanceID, "c")
	require.NoError(t, eng.SubmitHumanTaskResult(context.Background(), tb.TaskID, "u1", "b-result"))
	require.NoError(t, eng.SubmitHumanTaskResult(context.Background(), tc.TaskID, "u1", "c-result"))

	td := waitHumanTask(t, repo, res.InstanceID, "d")
	require.NoError(t, eng.SubmitHumanTaskResult(context.Background(), td.TaskID, "u1", "d-result"))

	wi := waitTerminal(t, repo, res.InstanceID)
	assert.Equal(t, instance.WorkflowCompleted, wi.Status)
}

// TestEngine_CycleRejected covers spec §8 scenario 3: a template whose
// edges form a cycle is rejected before any instance row is created.
func TestEngine_CycleRejected(t *testing.T) {
	client := &agentclient.StubClient{}
	eng, _, templates := newHarness(t, client, dispatcher.DefaultConfig())

	wf := &workflow.Workflow{
		ID: "cyclic:1", BaseID: "cyclic", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTypeStart, Name: "A"},
			{ID: "b", Type: workflow.NodeTypeProcessor, Name: "B", Processors: []workflow.Processor{{ID: "pb", Type: workflow.ProcessorAgent}}},
		},
		Edges: []workflow.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	require.NoError(t, templates.Create(context.Background(), wf))

	_, err := eng.ExecuteWorkflow(context.Background(), ExecuteRequest{TemplateBaseID: "cyclic", ExecutorID: "exec1"})
	require.Error(t, err)
	assert.Equal(t, wferrors.CycleDetected, wferrors.KindOf(err))
}

// TestEngine_AgentTaskTimeoutRetries covers spec §8 scenario 4: an AGENT
// call that blocks past the dispatcher's timeout is retried, up to the
// node's retry limit, and a subsequent success completes the node.
func TestEngine_AgentTaskTimeoutRetries(t *testing.T) {
	client := &agentclient.StubClient{Responses: []agentclient.StubResult{
		{Block: true},
		{Output: "recovered"},
	}}
	dcfg := dispatcher.DefaultConfig()
	dcfg.DefaultTimeout = 50 * time.Millisecond
	eng, repo, templates := newHarness(t, client, dcfg)

	wf := linearWorkflow(workflow.ProcessorAgent)
	wf.Nodes[1].RetryLimit = 1
	require.NoError(t, templates.Create(context.Background(), wf))

	res, err := eng.ExecuteWorkflow(context.Background(), ExecuteRequest{TemplateBaseID: "lin", ExecutorID: "exec1"})
	require.NoError(t, err)

	wi := waitTerminal(t, repo, res.InstanceID)
	assert.Equal(t, instance.WorkflowCompleted, wi.Status)
	assert.Equal(t, 2, client.CallCount())

	ni := nodeInstanceFor(t, repo, res.InstanceID, "process")
	require.NotNil(t, ni)
	assert.Equal(t, 1, ni.RetryCount)
}

// TestEngine_CancelMidFlight covers spec §8 scenario 5: cancelling an
// instance with a still-pending HUMAN task finalizes it as CANCELLED.
func TestEngine_CancelMidFlight(t *testing.T) {
	client := &agentclient.StubClient{}
	eng, repo, templates := newHarness(t, client, dispatcher.DefaultConfig())

	wf := linearWorkflow(workflow.ProcessorHuman)
	require.NoError(t, templates.Create(context.Background(), wf))

	res, err := eng.ExecuteWorkflow(context.Background(), ExecuteRequest{TemplateBaseID: "lin", ExecutorID: "exec1"})
	require.NoError(t, err)

	waitHumanTask(t, repo, res.InstanceID, "process")
	require.NoError(t, eng.Cancel(context.Background(), res.InstanceID))

	wi := waitTerminal(t, repo, res.InstanceID)
	assert.Equal(t, instance.WorkflowCancelled, wi.Status)
}

// branchingClient fails every AGENT call whose task title matches FailOn,
// and succeeds otherwise; it lets a single dispatcher distinguish two
// concurrent branches in TestEngine_CascadingBranchFailure.
type branchingClient struct {
	FailOn string
}

func (c *branchingClient) Invoke(ctx context.Context, req agentclient.Request) (agentclient.Response, error) {
	if req.TaskMetadata.TaskTitle == c.FailOn {
		return agentclient.Response{}, wferrors.New(wferrors.ExternalError, "simulated agent failure")
	}
	return agentclient.Response{OutputText: "ok"}, nil
}

// TestEngine_CascadingBranchFailure covers spec §8 scenario 6: one branch
// of a diamond fails permanently while its sibling succeeds; the failure
// cascades to their common descendant and the instance finishes FAILED.
func TestEngine_CascadingBranchFailure(t *testing.T) {
	client := &branchingClient{FailOn: "C"}
	eng, repo, templates := newHarness(t, client, dispatcher.DefaultConfig())

	wf := &workflow.Workflow{
		ID: "branch:1", BaseID: "branch", Status: workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeStart, Name: "Start"},
			{ID: "b", Type: workflow.NodeTypeProcessor, Name: "B", Processors: []workflow.Processor{{ID: "pb", Type: workflow.ProcessorAgent}}},
			{ID: "c", Type: workflow.NodeTypeProcessor, Name: "C", Processors: []workflow.Processor{{ID: "pc", Type: workflow.ProcessorAgent}}},
			{ID: "d", Type: workflow.NodeTypeProcessor, Name: "D", Processors: []workflow.Processor{{ID: "pd", Type: workflow.ProcessorAgent}}},
			{ID: "end", Type: workflow.NodeTypeEnd, Name: "End"},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "b"},
			{Source: "start", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
			{Source: "d", Target: "end"},
		},
	}
	require.NoError(t, templates.Create(context.Background(), wf))

	res, err := eng.ExecuteWorkflow(context.Background(), ExecuteRequest{TemplateBaseID: "branch", ExecutorID: "exec1"})
	require.NoError(t, err)

	wi := waitTerminal(t, repo, res.InstanceID)
	assert.Equal(t, instance.WorkflowFailed, wi.Status)

	nb := nodeInstanceFor(t, repo, res.InstanceID, "b")
	nc := nodeInstanceFor(t, repo, res.InstanceID, "c")
	nd := nodeInstanceFor(t, repo, res.InstanceID, "d")
	require.NotNil(t, nb)
	require.NotNil(t, nc)
	require.NotNil(t, nd)
	assert.Equal(t, instance.NodeCompleted, nb.Status)
	assert.Equal(t, instance.NodeFailed, nc.Status)
	assert.Equal(t, instance.NodeCancelled, nd.Status)
}
