// Package instance holds the runtime data model of spec §3:
// WorkflowInstance, NodeInstance and TaskInstance — the persisted rows the
// engine creates, transitions and hands to the repository and summarizer.
// Grounded on the teacher's orchestration.WorkflowExecution/TaskExecution
// and task.Task, generalized to the START/PROCESSOR/END node model and
// the HUMAN/AGENT/MIXED task taxonomy.
package instance

import "time"

// WorkflowStatus is the lifecycle of one workflow instance.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowPaused    WorkflowStatus = "PAUSED"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether s cannot transition further.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the lifecycle of one node instance.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeCancelled NodeStatus = "CANCELLED"
)

// TaskType mirrors the Processor binding that produced a task.
type TaskType string

const (
	TaskHuman TaskType = "HUMAN"
	TaskAgent TaskType = "AGENT"
	TaskMixed TaskType = "MIXED"
)

// TaskStatus is the lifecycle of one task instance.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// WorkflowInstance is one concrete run of a template.
type WorkflowInstance struct {
	InstanceID  string                 `json:"instance_id"`
	TemplateID  string                 `json:"template_id"`
	ExecutorID  string                 `json:"executor_id"`
	Name        string                 `json:"name"`
	Status      WorkflowStatus         `json:"status"`
	Input       map[string]interface{} `json:"input"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Summary     interface{}            `json:"summary,omitempty"`
}

// NodeInstance is one node-per-run record.
type NodeInstance struct {
	NodeInstanceID string                 `json:"node_instance_id"`
	InstanceID     string                 `json:"instance_id"`
	NodeID         string                 `json:"node_id"`
	Status         NodeStatus             `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// TaskInstance is one processor-per-node-per-run record.
type TaskInstance struct {
	TaskID         string                 `json:"task_id"`
	NodeInstanceID string                 `json:"node_instance_id"`
	InstanceID     string                 `json:"instance_id"`
	TaskType       TaskType               `json:"task_type"`
	AssignedUser   string                 `json:"assigned_user,omitempty"`
	AssignedAgent  string                 `json:"assigned_agent,omitempty"`
	Status         TaskStatus             `json:"status"`
	Title          string                 `json:"title"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Output         string                 `json:"output,omitempty"`
	// ResultSummary is the first 500 characters of Output, set on every
	// task success alongside Output (spec.md:172).
	ResultSummary string `json:"result_summary,omitempty"`
	// AdvisoryOutput carries a MIXED task's best-effort AGENT call result,
	// kept distinct from Output so a human-rendered result is never
	// silently overwritten by the advisory call (see DESIGN.md).
	AdvisoryOutput string     `json:"advisory_output,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}
