package repository

import (
	"context"

	"github.com/aosanya/workflowcore/internal/dispatcher"
	"github.com/aosanya/workflowcore/internal/instance"
)

// SubmissionBuilder rebuilds a dispatcher.Submission from a persisted
// TaskInstance — the engine supplies this since only it knows how to
// resolve the owning node's description and processor tools.
type SubmissionBuilder func(ti *instance.TaskInstance) (dispatcher.Submission, error)

// InstanceActiveChecker reports whether instanceID still has a live
// InstanceContext — the engine supplies this via its InstanceManager.
type InstanceActiveChecker func(instanceID string) bool

// OrphanAdapter adapts a Repository into dispatcher.OrphanSource so the
// dispatcher's orphan-task monitor can scan storage directly.
type OrphanAdapter struct {
	Repo       TaskInstanceRepository
	Build      SubmissionBuilder
	IsActive   InstanceActiveChecker
}

func (a *OrphanAdapter) ListPendingAgentTasks(ctx context.Context, limit int) ([]dispatcher.PendingAgentTask, error) {
	tasks, err := a.Repo.ListPendingAgentTasks(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]dispatcher.PendingAgentTask, 0, len(tasks))
	for _, t := range tasks {
		sub, err := a.Build(t)
		if err != nil {
			continue
		}
		out = append(out, dispatcher.PendingAgentTask{TaskID: t.TaskID, InstanceID: t.InstanceID, Submission: sub})
	}
	return out, nil
}

func (a *OrphanAdapter) InstanceActive(ctx context.Context, instanceID string) (bool, error) {
	return a.IsActive(instanceID), nil
}
