package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/workflowcore/internal/instance"
	"github.com/aosanya/workflowcore/internal/wferrors"
)

func TestMemoryRepository_InstanceCRUD(t *testing.T) {
	repo := NewMemoryRepository()
	wi := &instance.WorkflowInstance{
		InstanceID: "i1", TemplateID: "tpl", ExecutorID: "exec1",
		Status: instance.WorkflowRunning, CreatedAt: time.Now(),
	}
	require.NoError(t, repo.CreateInstance(context.Background(), wi))

	got, err := repo.GetInstance(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, instance.WorkflowRunning, got.Status)

	_, err = repo.GetInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, wferrors.NotFound, wferrors.KindOf(err))
}

// TestMemoryRepository_UpdateInstanceTimestamps locks in the started_at/
// completed_at field-application path: the engine passes plain time.Time
// values through the fields map, not pointers, and asTimePtr must accept
// both.
func TestMemoryRepository_UpdateInstanceTimestamps(t *testing.T) {
	repo := NewMemoryRepository()
	wi := &instance.WorkflowInstance{InstanceID: "i1", TemplateID: "tpl", ExecutorID: "exec1", Status: instance.WorkflowRunning}
	require.NoError(t, repo.CreateInstance(context.Background(), wi))

	now := time.Now()
	require.NoError(t, repo.UpdateInstance(context.Background(), "i1", map[string]interface{}{
		"status":       instance.WorkflowCompleted,
		"started_at":   now,
		"completed_at": now.Add(time.Second),
		"output":       map[string]interface{}{"ok": true},
	}))

	got, err := repo.GetInstance(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, instance.WorkflowCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.StartedAt.Equal(now))
	assert.True(t, got.CompletedAt.Equal(now.Add(time.Second)))
	assert.Equal(t, true, got.Output["ok"])

	err = repo.UpdateInstance(context.Background(), "missing", map[string]interface{}{"status": instance.WorkflowFailed})
	require.Error(t, err)
	assert.Equal(t, wferrors.NotFound, wferrors.KindOf(err))
}

func TestMemoryRepository_ListActiveFor(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.CreateInstance(context.Background(), &instance.WorkflowInstance{
		InstanceID: "running", TemplateID: "tpl", ExecutorID: "exec1", Status: instance.WorkflowRunning,
	}))
	require.NoError(t, repo.CreateInstance(context.Background(), &instance.WorkflowInstance{
		InstanceID: "done", TemplateID: "tpl", ExecutorID: "exec1", Status: instance.WorkflowCompleted,
	}))
	require.NoError(t, repo.CreateInstance(context.Background(), &instance.WorkflowInstance{
		InstanceID: "other-exec", TemplateID: "tpl", ExecutorID: "exec2", Status: instance.WorkflowRunning,
	}))

	active, err := repo.ListActiveFor(context.Background(), "tpl", "exec1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "running", active[0].InstanceID)
}

func TestMemoryRepository_NodeUpdateRetryAndTimestamps(t *testing.T) {
	repo := NewMemoryRepository()
	ni := &instance.NodeInstance{NodeInstanceID: "n1", InstanceID: "i1", NodeID: "process", Status: instance.NodePending}
	require.NoError(t, repo.CreateNode(context.Background(), ni))

	now := time.Now()
	require.NoError(t, repo.UpdateNode(context.Background(), "n1", map[string]interface{}{
		"status":      instance.NodeRunning,
		"retry_count": 1,
		"started_at":  now,
	}))

	got, err := repo.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, instance.NodeRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(now))

	nodes, err := repo.ListNodesByInstance(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	_, err = repo.GetNode(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, wferrors.NotFound, wferrors.KindOf(err))
}

func TestMemoryRepository_TaskUpdateOutputAndDuration(t *testing.T) {
	repo := NewMemoryRepository()
	ti := &instance.TaskInstance{
		TaskID: "t1", NodeInstanceID: "n1", InstanceID: "i1",
		TaskType: instance.TaskAgent, Status: instance.TaskPending,
	}
	require.NoError(t, repo.CreateTask(context.Background(), ti))

	now := time.Now()
	require.NoError(t, repo.UpdateTask(context.Background(), "t1", map[string]interface{}{
		"status":       instance.TaskCompleted,
		"output":       "result text",
		"completed_at": now,
		"duration":     250 * time.Millisecond,
	}))

	got, err := repo.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, instance.TaskCompleted, got.Status)
	assert.Equal(t, "result text", got.Output)
	assert.Equal(t, 250*time.Millisecond, got.Duration)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now))

	tasks, err := repo.ListTasksByNodeInstance(context.Background(), "n1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	tasks, err = repo.ListTasksByInstance(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestMemoryRepository_ListPendingAgentTasksFiltersByTypeAndStatus(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.CreateTask(context.Background(), &instance.TaskInstance{
		TaskID: "agent-pending", NodeInstanceID: "n1", InstanceID: "i1",
		TaskType: instance.TaskAgent, Status: instance.TaskPending,
	}))
	require.NoError(t, repo.CreateTask(context.Background(), &instance.TaskInstance{
		TaskID: "mixed-pending", NodeInstanceID: "n2", InstanceID: "i1",
		TaskType: instance.TaskMixed, Status: instance.TaskPending,
	}))
	require.NoError(t, repo.CreateTask(context.Background(), &instance.TaskInstance{
		TaskID: "human-pending", NodeInstanceID: "n3", InstanceID: "i1",
		TaskType: instance.TaskHuman, Status: instance.TaskPending,
	}))
	require.NoError(t, repo.CreateTask(context.Background(), &instance.TaskInstance{
		TaskID: "agent-done", NodeInstanceID: "n4", InstanceID: "i1",
		TaskType: instance.TaskAgent, Status: instance.TaskCompleted,
	}))

	pending, err := repo.ListPendingAgentTasks(context.Background(), 0)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, ti := range pending {
		ids[ti.TaskID] = true
	}
	assert.True(t, ids["agent-pending"])
	assert.True(t, ids["mixed-pending"])
	assert.False(t, ids["human-pending"])
	assert.False(t, ids["agent-done"])

	limited, err := repo.ListPendingAgentTasks(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
