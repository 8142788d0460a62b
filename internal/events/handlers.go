package events

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// LoggingHandler logs every event for debugging and auditing.
type LoggingHandler struct {
	name     string
	priority int
}

// NewLoggingHandler creates a new logging handler.
func NewLoggingHandler() *LoggingHandler {
	return &LoggingHandler{
		name:     "logging_handler",
		priority: 1, // low priority, runs after domain handlers
	}
}

func (h *LoggingHandler) Handle(ctx context.Context, event *Event) error {
	log.WithFields(log.Fields{
		"event_id":    event.ID,
		"event_type":  event.Type,
		"instance_id": event.InstanceID,
		"node_id":     event.NodeID,
		"task_id":     event.TaskID,
		"priority":    event.Priority,
		"timestamp":   event.Timestamp,
	}).Info("event processed")
	return nil
}

func (h *LoggingHandler) CanHandle(eventType EventType) bool { return true }
func (h *LoggingHandler) Priority() int                      { return h.priority }
func (h *LoggingHandler) Name() string                        { return h.name }

// LifecycleHandler reacts to workflow- and task-terminal events; it stands
// in for the out-of-scope notification transport (log file, push, mail) —
// this module only ever logs, never sends.
type LifecycleHandler struct {
	name     string
	priority int
}

// NewLifecycleHandler creates a new lifecycle handler.
func NewLifecycleHandler() *LifecycleHandler {
	return &LifecycleHandler{
		name:     "lifecycle_handler",
		priority: 8,
	}
}

func (h *LifecycleHandler) Handle(ctx context.Context, event *Event) error {
	switch event.Type {
	case EventTypeWorkflowCompleted, EventTypeWorkflowFailed, EventTypeWorkflowCancelled:
		return h.handleWorkflowTerminal(event)
	case EventTypeTaskAssigned, EventTypeTaskCompleted, EventTypeTaskFailed:
		return h.handleTaskEvent(event)
	default:
		return nil
	}
}

func (h *LifecycleHandler) CanHandle(eventType EventType) bool {
	switch eventType {
	case EventTypeWorkflowCompleted, EventTypeWorkflowFailed, EventTypeWorkflowCancelled,
		EventTypeTaskAssigned, EventTypeTaskCompleted, EventTypeTaskFailed:
		return true
	default:
		return false
	}
}

func (h *LifecycleHandler) Priority() int { return h.priority }
func (h *LifecycleHandler) Name() string  { return h.name }

func (h *LifecycleHandler) handleWorkflowTerminal(event *Event) error {
	switch data := event.Data.(type) {
	case WorkflowFailedData:
		log.WithFields(log.Fields{
			"instance_id": event.InstanceID,
			"error":       data.Error,
		}).Warn("workflow instance terminated with error")
	default:
		log.WithField("instance_id", event.InstanceID).Info("workflow instance terminated")
	}
	return nil
}

func (h *LifecycleHandler) handleTaskEvent(event *Event) error {
	switch data := event.Data.(type) {
	case TaskAssignedData:
		log.WithFields(log.Fields{
			"task_id": event.TaskID,
			"user_id": data.UserID,
			"title":   data.Title,
		}).Info("task assigned")
	case TaskFailedData:
		log.WithFields(log.Fields{
			"task_id": event.TaskID,
			"error":   data.Error,
		}).Warn("task failed")
	case TaskCompletedData:
		log.WithFields(log.Fields{
			"task_id":  event.TaskID,
			"duration": data.Duration,
		}).Info("task completed")
	default:
		return fmt.Errorf("unrecognized task event payload for %s", event.Type)
	}
	return nil
}
