package summary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aosanya/workflowcore/internal/instance"
)

func TestBuild_SuccessCase(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	wi := &instance.WorkflowInstance{
		Status:    instance.WorkflowCompleted,
		StartedAt: &start,
		CompletedAt: &end,
		Input:     map[string]interface{}{"x": 1},
	}
	nodes := []*instance.NodeInstance{
		{NodeID: "S", Status: instance.NodeCompleted, Output: map[string]interface{}{"task_description": "go"}, StartedAt: &start, CompletedAt: &end},
		{NodeID: "P", Status: instance.NodeCompleted, Output: map[string]interface{}{"tasks_output": "ok"}, StartedAt: &start, CompletedAt: &end},
	}
	tasks := []*instance.TaskInstance{
		{TaskID: "t1", Status: instance.TaskCompleted, TaskType: instance.TaskAgent, Duration: 2 * time.Second},
	}

	s := Build(wi, nodes, tasks, map[string]string{"P": "aggregate results"})

	assert.Equal(t, ResultSuccess, s.ExecutionResult.ResultType)
	assert.Equal(t, 2, s.ExecutionResult.SuccessCount)
	assert.Equal(t, 0, s.ExecutionResult.ErrorCount)
	assert.Equal(t, 1.0, s.QualityMetrics.DataCompleteness)
	assert.Equal(t, 1.0, s.QualityMetrics.AccuracyScore)
	assert.True(t, s.QualityMetrics.QualityGatesPass)
	assert.Empty(t, s.Issues)
	assert.Contains(t, s.DataLineage.InputSources, "x")
}

func TestBuild_PartialSuccess(t *testing.T) {
	wi := &instance.WorkflowInstance{Status: instance.WorkflowFailed}
	nodes := []*instance.NodeInstance{
		{NodeID: "A", Status: instance.NodeCompleted, Output: map[string]interface{}{"v": 1}},
		{NodeID: "B", Status: instance.NodeCompleted, Output: map[string]interface{}{"v": 2}},
		{NodeID: "C", Status: instance.NodeFailed, Error: "agent timeout"},
	}
	tasks := []*instance.TaskInstance{
		{TaskID: "t1", Status: instance.TaskCompleted, TaskType: instance.TaskHuman},
		{TaskID: "t2", Status: instance.TaskCompleted, TaskType: instance.TaskHuman},
		{TaskID: "t3", Status: instance.TaskFailed, TaskType: instance.TaskAgent, Error: "agent timeout"},
	}

	s := Build(wi, nodes, tasks, nil)

	assert.Equal(t, ResultPartialSuccess, s.ExecutionResult.ResultType)
	assert.Equal(t, 2, s.ExecutionResult.SuccessCount)
	assert.Equal(t, 1, s.ExecutionResult.ErrorCount)
	assert.Len(t, s.Issues, 2)
	assert.False(t, s.QualityMetrics.QualityGatesPass)
}

func TestBuild_SingleNodeOutputPromoted(t *testing.T) {
	wi := &instance.WorkflowInstance{Status: instance.WorkflowCompleted}
	nodes := []*instance.NodeInstance{
		{NodeID: "only", Status: instance.NodeCompleted, Output: map[string]interface{}{"message": "done"}},
	}
	s := Build(wi, nodes, nil, nil)
	out, ok := s.ExecutionResult.DataOutput.(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "done", out["message"])
}

func TestLineageOps_KeywordMatch(t *testing.T) {
	ops := lineageOps("Data Cleaning Step", nil)
	assert.Contains(t, ops, "data_cleaning")
}
