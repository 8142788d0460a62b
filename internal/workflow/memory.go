package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/aosanya/workflowcore/internal/wferrors"
)

// MemoryRepository is an in-process reference Repository implementation
// for templates, used by the demo CLI and tests. Grounded on the
// teacher's repository.go style (mutex-guarded maps), mirroring
// repository.MemoryRepository's shape for the instance-side store.
type MemoryRepository struct {
	mu        sync.RWMutex
	versions  map[string]*Workflow // keyed by template_version_id
	latest    map[string]string    // base_id -> latest template_version_id
}

// NewMemoryRepository creates an empty template store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		versions: make(map[string]*Workflow),
		latest:   make(map[string]string),
	}
}

func (r *MemoryRepository) GetByBaseID(ctx context.Context, templateBaseID string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.latest[templateBaseID]
	if !ok {
		return nil, nil
	}
	cp := *r.versions[id]
	return &cp, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, templateVersionID string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.versions[templateVersionID]
	if !ok {
		return nil, wferrors.New(wferrors.NotFound, "template version not found: "+templateVersionID)
	}
	cp := *wf
	return &cp, nil
}

// Create registers wf as the latest version of its base id. Fails with
// IllegalState on a duplicate template_version_id (wf.ID).
func (r *MemoryRepository) Create(ctx context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.versions[wf.ID]; exists {
		return wferrors.New(wferrors.IllegalState, "template version already exists: "+wf.ID)
	}
	cp := *wf
	r.versions[wf.ID] = &cp

	if existing, ok := r.latest[wf.BaseID]; !ok || r.versions[existing].Version < wf.Version {
		r.latest[wf.BaseID] = wf.ID
	}
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.versions[wf.ID]; !exists {
		return wferrors.New(wferrors.NotFound, "template version not found: "+wf.ID)
	}
	cp := *wf
	r.versions[wf.ID] = &cp
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, limit, offset int) ([]*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.versions))
	for id := range r.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*Workflow, 0, end-offset)
	for _, id := range ids[offset:end] {
		cp := *r.versions[id]
		out = append(out, &cp)
	}
	return out, nil
}
