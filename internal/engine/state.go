package engine

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/instance"
	"github.com/aosanya/workflowcore/internal/workflow"
)

// taskResult is one processor's outcome within a node execution.
type taskResult struct {
	output  string
	summary string
	err     error
}

// nodeExecution tracks the tasks materialized for one PROCESSOR node
// instance until every task has reported a terminal outcome.
type nodeExecution struct {
	nodeInstanceID string
	taskIDs        []string
	taskTitles     map[string]string
	taskResults    map[string]taskResult
}

func newNodeExecution(nodeInstanceID string) *nodeExecution {
	return &nodeExecution{
		nodeInstanceID: nodeInstanceID,
		taskTitles:     make(map[string]string),
		taskResults:    make(map[string]taskResult),
	}
}

func (e *nodeExecution) allTerminal() bool {
	return len(e.taskResults) == len(e.taskIDs)
}

// taskRef locates the owning instance/node of a dispatched or submitted
// task, keyed by task_id in the engine's task index.
type taskRef struct {
	InstanceID string
	NodeID     string
	Advisory   bool // true for a MIXED node's best-effort advisory call
	PrimaryID  string
}

// instanceState is the engine's bookkeeping for one live instance, kept
// alongside (not inside) the instman.Entry/runstate.Context pair: the
// template snapshot, per-node execution state and retry counters.
type instanceState struct {
	mu sync.Mutex

	wf                 *workflow.Workflow
	nodeInstanceID     map[string]string // node_id -> node_instance_id
	nodeIDByInstanceID map[string]string // node_instance_id -> node_id
	executions         map[string]*nodeExecution
	retryCount         map[string]int
	taskIDs            map[string]bool // every task_id ever created for this instance
	paused             bool
	pendingNodes       []string // node_ids deferred while paused, replayed on resume
}

// nodeInstanceIDFor looks up the node_instance_id for nodeID under lock.
func (s *instanceState) nodeInstanceIDFor(nodeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeInstanceID[nodeID]
}

func newInstanceState(wf *workflow.Workflow) *instanceState {
	return &instanceState{
		wf:                 wf,
		nodeInstanceID:     make(map[string]string),
		nodeIDByInstanceID: make(map[string]string),
		executions:         make(map[string]*nodeExecution),
		retryCount:         make(map[string]int),
		taskIDs:            make(map[string]bool),
	}
}

// aggregateOutput builds the output payload for a PROCESSOR node whose tasks
// have all reported a terminal outcome (spec §4.4 item 4), and returns the
// ids of the tasks that failed.
func aggregateOutput(exec *nodeExecution, completedAt time.Time) (map[string]interface{}, []string) {
	combined := make(map[string]interface{}, len(exec.taskIDs))
	var taskResultsList []map[string]interface{}
	var failed []string

	for _, tid := range exec.taskIDs {
		r := exec.taskResults[tid]
		key := "task_" + tid
		if r.err != nil {
			failed = append(failed, tid)
			combined[key] = nil
		} else {
			combined[key] = r.output
		}
		taskResultsList = append(taskResultsList, map[string]interface{}{
			"task_id": tid,
			"title":   exec.taskTitles[tid],
			"output":  r.output,
			"summary": r.summary,
		})
	}

	out := map[string]interface{}{
		"task_count":      len(exec.taskIDs),
		"completed_at":    completedAt,
		"task_results":    taskResultsList,
		"combined_output": combined,
	}
	return out, failed
}

// taskStatusFor maps a Processor type onto its initial TaskInstance status
// (spec §4.4 item 3): HUMAN/MIXED are ASSIGNED when a user is bound, else
// PENDING with a warning; AGENT starts PENDING until the dispatcher picks
// it up.
func taskStatusFor(proc workflow.Processor) instance.TaskStatus {
	switch proc.Type {
	case workflow.ProcessorHuman, workflow.ProcessorMixed:
		if proc.UserID != "" {
			return instance.TaskAssigned
		}
		log.WithFields(log.Fields{
			"processor_id": proc.ID, "processor_type": proc.Type,
		}).Warn("processor has no assigned user; task left PENDING")
		return instance.TaskPending
	default:
		return instance.TaskPending
	}
}

func taskTypeFor(proc workflow.Processor) instance.TaskType {
	switch proc.Type {
	case workflow.ProcessorHuman:
		return instance.TaskHuman
	case workflow.ProcessorAgent:
		return instance.TaskAgent
	default:
		return instance.TaskMixed
	}
}
