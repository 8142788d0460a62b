package workflow

import "context"

// Repository defines template persistence: reading the latest version by
// base id or a specific version by id, and creating, updating and listing
// template versions. Storage schema itself
// is external to the core (spec §6 Persistence contract); this interface
// is the only contact point.
type Repository interface {
	GetByBaseID(ctx context.Context, templateBaseID string) (*Workflow, error)
	GetByID(ctx context.Context, templateVersionID string) (*Workflow, error)
	Create(ctx context.Context, wf *Workflow) error
	Update(ctx context.Context, wf *Workflow) error
	List(ctx context.Context, limit, offset int) ([]*Workflow, error)
}
