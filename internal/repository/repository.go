// Package repository defines the persistence contract of spec §6 (the
// core calls a repository with these logical operations; storage schema
// is external) and provides two concrete implementations: an in-memory
// reference store for tests and small deployments, and an ArangoDB-backed
// store grounded on the teacher's internal/orchestration/repository.go
// and internal/workflow/arango_repository.go collection-ensuring pattern.
package repository

import (
	"context"

	"github.com/aosanya/workflowcore/internal/dispatcher"
	"github.com/aosanya/workflowcore/internal/instance"
)

// InstanceRepository persists WorkflowInstance rows.
type InstanceRepository interface {
	CreateInstance(ctx context.Context, wi *instance.WorkflowInstance) error
	UpdateInstance(ctx context.Context, instanceID string, fields map[string]interface{}) error
	GetInstance(ctx context.Context, instanceID string) (*instance.WorkflowInstance, error)
	ListActiveFor(ctx context.Context, templateBaseID, executorID string) ([]*instance.WorkflowInstance, error)
}

// NodeInstanceRepository persists NodeInstance rows.
type NodeInstanceRepository interface {
	CreateNode(ctx context.Context, ni *instance.NodeInstance) error
	UpdateNode(ctx context.Context, nodeInstanceID string, fields map[string]interface{}) error
	GetNode(ctx context.Context, nodeInstanceID string) (*instance.NodeInstance, error)
	ListNodesByInstance(ctx context.Context, instanceID string) ([]*instance.NodeInstance, error)
}

// TaskInstanceRepository persists TaskInstance rows.
type TaskInstanceRepository interface {
	CreateTask(ctx context.Context, ti *instance.TaskInstance) error
	UpdateTask(ctx context.Context, taskID string, fields map[string]interface{}) error
	GetTask(ctx context.Context, taskID string) (*instance.TaskInstance, error)
	ListTasksByNodeInstance(ctx context.Context, nodeInstanceID string) ([]*instance.TaskInstance, error)
	ListTasksByInstance(ctx context.Context, instanceID string) ([]*instance.TaskInstance, error)
	ListPendingAgentTasks(ctx context.Context, limit int) ([]*instance.TaskInstance, error)
}

// Repository bundles the three persistence contracts the engine depends
// on. A single ArangoDB- or in-memory-backed type satisfies all three.
type Repository interface {
	InstanceRepository
	NodeInstanceRepository
	TaskInstanceRepository
}

// assertion that a Repository can also serve as the dispatcher's
// OrphanSource once wrapped by OrphanAdapter.
var _ dispatcher.OrphanSource = (*OrphanAdapter)(nil)
