// Package summary builds the OutputSummarizer's terminal execution report
// (spec §4.7) from an instance's node and task records once the instance has
// reached a terminal status. Grounded on the teacher's orchestration.monitor
// aggregation style, generalized from execution-count reporting to the full
// result/stats/quality/lineage/issues shape.
package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/aosanya/workflowcore/internal/instance"
)

// ResultType classifies how an instance finished.
type ResultType string

const (
	ResultSuccess        ResultType = "success"
	ResultPartialSuccess ResultType = "partial_success"
	ResultFailure        ResultType = "failure"
)

// ExecutionResult is spec §4.7's execution_result block.
type ExecutionResult struct {
	ResultType     ResultType             `json:"result_type"`
	ProcessedCount int                    `json:"processed_count"`
	SuccessCount   int                    `json:"success_count"`
	ErrorCount     int                    `json:"error_count"`
	DataOutput     interface{}            `json:"data_output"`
}

// ExecutionStats is spec §4.7's execution_stats block.
type ExecutionStats struct {
	NodesByStatus   map[instance.NodeStatus]int `json:"nodes_by_status"`
	TasksByStatus   map[instance.TaskStatus]int `json:"tasks_by_status"`
	TasksByType     map[instance.TaskType]int   `json:"tasks_by_type"`
	MeanTaskSeconds float64                     `json:"mean_task_duration_seconds"`
	MeanNodeSeconds float64                     `json:"mean_node_duration_seconds"`
	TotalSeconds    float64                     `json:"total_execution_seconds"`
}

// QualityMetrics is spec §4.7's quality_metrics block.
type QualityMetrics struct {
	DataCompleteness  float64 `json:"data_completeness"`
	AccuracyScore     float64 `json:"accuracy_score"`
	QualityGatesPass  bool    `json:"quality_gates_passed"`
	OverallQuality    float64 `json:"overall_quality_score"`
}

// TransformationStep is one entry of data_lineage.transformation_steps.
type TransformationStep struct {
	Node       string    `json:"node"`
	Operations []string  `json:"operations"`
	Timestamp  time.Time `json:"timestamp"`
}

// DataLineage is spec §4.7's data_lineage block.
type DataLineage struct {
	InputSources        []string              `json:"input_sources"`
	TransformationSteps []TransformationStep  `json:"transformation_steps"`
	OutputDestinations  []string              `json:"output_destinations"`
}

// Summary is the full terminal report persisted onto WorkflowInstance.Summary.
type Summary struct {
	ExecutionResult ExecutionResult  `json:"execution_result"`
	ExecutionStats  ExecutionStats   `json:"execution_stats"`
	QualityMetrics  QualityMetrics   `json:"quality_metrics"`
	DataLineage     DataLineage      `json:"data_lineage"`
	Issues          []string         `json:"issues"`
}

// lineageKeywords maps a node-name substring to the operation it implies.
// Grounded on original_source's name-substring quality heuristic (see
// DESIGN.md); kept as a small extensible table rather than a classifier.
var lineageKeywords = []struct {
	substr string
	op     string
}{
	{"clean", "data_cleaning"},
	{"review", "human_review"},
	{"valid", "validation"},
	{"transform", "transformation"},
	{"aggregat", "task_aggregation"},
	{"enrich", "enrichment"},
	{"extract", "extraction"},
}

func lineageOps(nodeName string, output map[string]interface{}) []string {
	var ops []string
	lower := strings.ToLower(nodeName)
	for _, kw := range lineageKeywords {
		if strings.Contains(lower, kw.substr) {
			ops = append(ops, kw.op)
		}
	}
	if _, ok := output["tasks_output"]; ok {
		ops = append(ops, "task_aggregation")
	}
	if len(ops) == 0 {
		ops = append(ops, "passthrough")
	}
	return ops
}

// Build computes the terminal summary for one instance from its node and
// task records. nodeNames maps node_id to node name for lineage
// derivation; pass nil to fall back to node IDs.
func Build(wi *instance.WorkflowInstance, nodes []*instance.NodeInstance, tasks []*instance.TaskInstance, nodeNames map[string]string) Summary {
	s := Summary{
		ExecutionStats: ExecutionStats{
			NodesByStatus: map[instance.NodeStatus]int{},
			TasksByStatus: map[instance.TaskStatus]int{},
			TasksByType:   map[instance.TaskType]int{},
		},
	}

	var completedNodesWithOutput, totalNodes int
	var completedTasks, totalTasks int
	var taskDurationSum time.Duration
	var taskDurationCount int
	var nodeDurationSum time.Duration
	var nodeDurationCount int

	for _, n := range nodes {
		totalNodes++
		s.ExecutionStats.NodesByStatus[n.Status]++
		if n.Status == instance.NodeCompleted {
			if len(n.Output) > 0 {
				completedNodesWithOutput++
			}
			name := nodeNames[n.NodeID]
			if name == "" {
				name = n.NodeID
			}
			s.DataLineage.TransformationSteps = append(s.DataLineage.TransformationSteps, TransformationStep{
				Node:       n.NodeID,
				Operations: lineageOps(name, n.Output),
				Timestamp:  completedAt(n.CompletedAt),
			})
		}
		if n.Status == instance.NodeFailed && n.Error != "" {
			s.Issues = append(s.Issues, n.NodeID+": "+n.Error)
		}
		if n.RetryCount >= 3 {
			s.Issues = append(s.Issues, fmt.Sprintf("warning: %s retried %d times", n.NodeID, n.RetryCount))
		}
		if n.StartedAt != nil && n.CompletedAt != nil {
			nodeDurationSum += n.CompletedAt.Sub(*n.StartedAt)
			nodeDurationCount++
		}
	}

	for _, t := range tasks {
		totalTasks++
		s.ExecutionStats.TasksByStatus[t.Status]++
		s.ExecutionStats.TasksByType[t.TaskType]++
		if t.Status == instance.TaskCompleted {
			completedTasks++
		}
		if t.Status == instance.TaskFailed && t.Error != "" {
			s.Issues = append(s.Issues, t.TaskID+": "+t.Error)
		}
		if t.Duration > 60*time.Minute {
			s.Issues = append(s.Issues, fmt.Sprintf("warning: task %s ran %.0f minutes", t.TaskID, t.Duration.Minutes()))
		}
		if t.Duration > 0 {
			taskDurationSum += t.Duration
			taskDurationCount++
		}
	}

	if nodeDurationCount > 0 {
		s.ExecutionStats.MeanNodeSeconds = nodeDurationSum.Seconds() / float64(nodeDurationCount)
	}
	if taskDurationCount > 0 {
		s.ExecutionStats.MeanTaskSeconds = taskDurationSum.Seconds() / float64(taskDurationCount)
	}
	if wi.StartedAt != nil && wi.CompletedAt != nil {
		s.ExecutionStats.TotalSeconds = wi.CompletedAt.Sub(*wi.StartedAt).Seconds()
	}

	successCount := s.ExecutionStats.NodesByStatus[instance.NodeCompleted]
	errorCount := s.ExecutionStats.NodesByStatus[instance.NodeFailed]
	s.ExecutionResult = ExecutionResult{
		ProcessedCount: totalNodes,
		SuccessCount:   successCount,
		ErrorCount:     errorCount,
		DataOutput:     dataOutput(wi, nodes),
	}
	switch {
	case wi.Status == instance.WorkflowCompleted && errorCount == 0:
		s.ExecutionResult.ResultType = ResultSuccess
	case successCount > 0 && errorCount > 0:
		s.ExecutionResult.ResultType = ResultPartialSuccess
	default:
		s.ExecutionResult.ResultType = ResultFailure
	}

	var completeness, accuracy float64
	if totalNodes > 0 {
		completeness = float64(completedNodesWithOutput) / float64(totalNodes)
	}
	if totalTasks > 0 {
		accuracy = float64(completedTasks) / float64(totalTasks)
	}
	s.QualityMetrics = QualityMetrics{
		DataCompleteness: completeness,
		AccuracyScore:    accuracy,
		QualityGatesPass: completeness >= 0.8 && accuracy >= 0.8 && len(s.Issues) == 0,
		OverallQuality:   (completeness + accuracy) / 2,
	}

	if wi.Input != nil {
		for k := range wi.Input {
			s.DataLineage.InputSources = append(s.DataLineage.InputSources, k)
		}
	}
	for _, n := range nodes {
		if n.Status == instance.NodeCompleted && len(n.Output) > 0 {
			s.DataLineage.OutputDestinations = append(s.DataLineage.OutputDestinations, n.NodeID)
		}
	}

	return s
}

func completedAt(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// dataOutput promotes the single-node case to top level, else aggregates.
func dataOutput(wi *instance.WorkflowInstance, nodes []*instance.NodeInstance) interface{} {
	if len(wi.Output) > 0 {
		return wi.Output
	}
	var completed []*instance.NodeInstance
	for _, n := range nodes {
		if n.Status == instance.NodeCompleted && len(n.Output) > 0 {
			completed = append(completed, n)
		}
	}
	if len(completed) == 1 {
		return completed[0].Output
	}
	agg := make(map[string]interface{}, len(completed))
	for _, n := range completed {
		agg[n.NodeID] = n.Output
	}
	return agg
}
