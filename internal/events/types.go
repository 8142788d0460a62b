package events

import (
	"context"
	"time"
)

// EventType identifies the outbound events the engine emits. These mirror
// spec §6 Outbound events plus the lifecycle events an operator dashboard
// would subscribe to.
type EventType string

const (
	// EventTypeWorkflowStarted fires once an instance has been registered,
	// just before its START nodes are enqueued.
	EventTypeWorkflowStarted EventType = "workflow_started"
	// EventTypeWorkflowCompleted fires when an instance reaches COMPLETED.
	EventTypeWorkflowCompleted EventType = "workflow_completed"
	// EventTypeWorkflowFailed fires when an instance reaches FAILED.
	EventTypeWorkflowFailed EventType = "workflow_failed"
	// EventTypeWorkflowCancelled fires when an instance is cancelled.
	EventTypeWorkflowCancelled EventType = "workflow_cancelled"

	// EventTypeTaskAssigned fires at HUMAN-task creation.
	EventTypeTaskAssigned EventType = "task_assigned"
	// EventTypeTaskCompleted fires on any terminal task success.
	EventTypeTaskCompleted EventType = "task_completed"
	// EventTypeTaskFailed fires on any terminal task failure.
	EventTypeTaskFailed EventType = "task_failed"

	// EventTypeNodeReady names a node entering the newly-ready Δ-set. The
	// engine does not publish it; newly-ready nodes are only enqueued.
	EventTypeNodeReady EventType = "node_ready"
)

// EventPriority sets how many delivery retries the event processor allows
// an event; events are processed in arrival order regardless of priority.
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Event represents a single occurrence published by the engine.
type Event struct {
	// ID is a unique identifier for this event instance.
	ID string

	// Type identifies what kind of event this is.
	Type EventType

	// Priority sets the event's delivery retry budget.
	Priority EventPriority

	// InstanceID is the workflow instance this event concerns.
	InstanceID string

	// NodeID / TaskID identify the entity this event concerns, if any.
	NodeID string
	TaskID string

	// Data carries event-specific payload (e.g. a WorkflowCompletedData).
	Data interface{}

	// Metadata carries additional context information.
	Metadata map[string]interface{}

	// Timestamp records when the event was created.
	Timestamp time.Time

	// Context carries cancellation/timeout for delivery.
	Context context.Context
}

// EventHandler processes events.
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	CanHandle(eventType EventType) bool
	Priority() int
	Name() string
}

// TaskAssignedData is the payload for EventTypeTaskAssigned.
type TaskAssignedData struct {
	UserID string
	Title  string
}

// TaskCompletedData is the payload for EventTypeTaskCompleted.
type TaskCompletedData struct {
	Result   interface{}
	Duration time.Duration
}

// TaskFailedData is the payload for EventTypeTaskFailed.
type TaskFailedData struct {
	Error string
}

// WorkflowCompletedData is the payload for EventTypeWorkflowCompleted.
type WorkflowCompletedData struct {
	Summary interface{}
}

// WorkflowFailedData is the payload for EventTypeWorkflowFailed.
type WorkflowFailedData struct {
	Error string
}
