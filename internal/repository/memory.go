package repository

import (
	"context"
	"sync"
	"time"

	"github.com/aosanya/workflowcore/internal/instance"
	"github.com/aosanya/workflowcore/internal/wferrors"
)

// MemoryRepository is an in-process reference Repository implementation,
// used by tests and single-node demo deployments. Grounded on the
// teacher's repository.go style (mutex-guarded maps) minus the ArangoDB
// wiring.
type MemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]*instance.WorkflowInstance
	nodes     map[string]*instance.NodeInstance
	tasks     map[string]*instance.TaskInstance
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[string]*instance.WorkflowInstance),
		nodes:     make(map[string]*instance.NodeInstance),
		tasks:     make(map[string]*instance.TaskInstance),
	}
}

func (r *MemoryRepository) CreateInstance(ctx context.Context, wi *instance.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *wi
	r.instances[wi.InstanceID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateInstance(ctx context.Context, instanceID string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wi, ok := r.instances[instanceID]
	if !ok {
		return wferrors.New(wferrors.NotFound, "instance not found: "+instanceID)
	}
	applyInstanceFields(wi, fields)
	return nil
}

func (r *MemoryRepository) GetInstance(ctx context.Context, instanceID string) (*instance.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wi, ok := r.instances[instanceID]
	if !ok {
		return nil, wferrors.New(wferrors.NotFound, "instance not found: "+instanceID)
	}
	cp := *wi
	return &cp, nil
}

func (r *MemoryRepository) ListActiveFor(ctx context.Context, templateBaseID, executorID string) ([]*instance.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*instance.WorkflowInstance
	for _, wi := range r.instances {
		if wi.TemplateID == templateBaseID && wi.ExecutorID == executorID && !wi.Status.IsTerminal() {
			cp := *wi
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateNode(ctx context.Context, ni *instance.NodeInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ni
	r.nodes[ni.NodeInstanceID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateNode(ctx context.Context, nodeInstanceID string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ni, ok := r.nodes[nodeInstanceID]
	if !ok {
		return wferrors.New(wferrors.NotFound, "node instance not found: "+nodeInstanceID)
	}
	applyNodeFields(ni, fields)
	return nil
}

func (r *MemoryRepository) GetNode(ctx context.Context, nodeInstanceID string) (*instance.NodeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ni, ok := r.nodes[nodeInstanceID]
	if !ok {
		return nil, wferrors.New(wferrors.NotFound, "node instance not found: "+nodeInstanceID)
	}
	cp := *ni
	return &cp, nil
}

func (r *MemoryRepository) ListNodesByInstance(ctx context.Context, instanceID string) ([]*instance.NodeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*instance.NodeInstance
	for _, ni := range r.nodes {
		if ni.InstanceID == instanceID {
			cp := *ni
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateTask(ctx context.Context, ti *instance.TaskInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ti
	r.tasks[ti.TaskID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, taskID string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ti, ok := r.tasks[taskID]
	if !ok {
		return wferrors.New(wferrors.NotFound, "task not found: "+taskID)
	}
	applyTaskFields(ti, fields)
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, taskID string) (*instance.TaskInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ti, ok := r.tasks[taskID]
	if !ok {
		return nil, wferrors.New(wferrors.NotFound, "task not found: "+taskID)
	}
	cp := *ti
	return &cp, nil
}

func (r *MemoryRepository) ListTasksByNodeInstance(ctx context.Context, nodeInstanceID string) ([]*instance.TaskInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*instance.TaskInstance
	for _, ti := range r.tasks {
		if ti.NodeInstanceID == nodeInstanceID {
			cp := *ti
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListTasksByInstance(ctx context.Context, instanceID string) ([]*instance.TaskInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*instance.TaskInstance
	for _, ti := range r.tasks {
		if ti.InstanceID == instanceID {
			cp := *ti
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListPendingAgentTasks(ctx context.Context, limit int) ([]*instance.TaskInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*instance.TaskInstance
	for _, ti := range r.tasks {
		if ti.Status == instance.TaskPending && (ti.TaskType == instance.TaskAgent || ti.TaskType == instance.TaskMixed) {
			cp := *ti
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// asTimePtr accepts either a time.Time or a *time.Time field value — the
// engine passes plain time.Time values (map fields are opaque to it), while
// callers constructing rows directly may already hold a pointer.
func asTimePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

func applyInstanceFields(wi *instance.WorkflowInstance, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "status":
			wi.Status = v.(instance.WorkflowStatus)
		case "output":
			wi.Output, _ = v.(map[string]interface{})
		case "error":
			wi.Error, _ = v.(string)
		case "summary":
			wi.Summary = v
		case "started_at":
			wi.StartedAt = asTimePtr(v)
		case "completed_at":
			wi.CompletedAt = asTimePtr(v)
		}
	}
}

func applyNodeFields(ni *instance.NodeInstance, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "status":
			ni.Status = v.(instance.NodeStatus)
		case "output":
			ni.Output, _ = v.(map[string]interface{})
		case "error":
			ni.Error, _ = v.(string)
		case "retry_count":
			ni.RetryCount, _ = v.(int)
		case "started_at":
			ni.StartedAt = asTimePtr(v)
		case "completed_at":
			ni.CompletedAt = asTimePtr(v)
		}
	}
}

func applyTaskFields(ti *instance.TaskInstance, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "status":
			ti.Status = v.(instance.TaskStatus)
		case "output":
			ti.Output, _ = v.(string)
		case "result_summary":
			ti.ResultSummary, _ = v.(string)
		case "advisory_output":
			ti.AdvisoryOutput, _ = v.(string)
		case "error":
			ti.Error, _ = v.(string)
		case "started_at":
			ti.StartedAt = asTimePtr(v)
		case "completed_at":
			ti.CompletedAt = asTimePtr(v)
		case "duration":
			ti.Duration, _ = v.(time.Duration)
		}
	}
}

