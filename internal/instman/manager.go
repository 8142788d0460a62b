// Package instman implements InstanceManager: a bounded registry mapping
// instance_id to its live InstanceContext (spec §4.3). Grounded on the
// teacher's orchestration.Engine executions map + mutex, split out into
// its own type with a registry-level lock so that context-internal
// operations (each under the context's own lock) never block across
// instances.
package instman

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/runstate"
	"github.com/aosanya/workflowcore/internal/wferrors"
)

// Entry pairs a live context with the bookkeeping the manager needs to
// report summaries and status without touching the context's own lock.
type Entry struct {
	InstanceID string
	TemplateID string
	ExecutorID string
	Name       string
	Context    *runstate.Context
}

// Manager is the bounded live-instance registry.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	capacity int // 0 means unbounded, per spec's default

	onRemove func(instanceID string)
}

// New creates a manager with the given capacity ceiling (0 = unbounded).
func New(capacity int, onRemove func(instanceID string)) *Manager {
	return &Manager{
		entries:  make(map[string]*Entry),
		capacity: capacity,
		onRemove: onRemove,
	}
}

// Create registers a new live context. Fails with IllegalState if
// instanceID is already present, CapacityExceeded if the ceiling is hit.
func (m *Manager) Create(instanceID, templateID, executorID, name string, ctx *runstate.Context) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[instanceID]; exists {
		return nil, wferrors.New(wferrors.IllegalState, "instance already registered: "+instanceID)
	}
	if m.capacity > 0 && len(m.entries) >= m.capacity {
		return nil, wferrors.New(wferrors.CapacityExceeded, "instance manager at capacity")
	}

	entry := &Entry{InstanceID: instanceID, TemplateID: templateID, ExecutorID: executorID, Name: name, Context: ctx}
	m.entries[instanceID] = entry
	return entry, nil
}

// Get returns the live entry for instanceID, or false if not present.
func (m *Manager) Get(instanceID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[instanceID]
	return e, ok
}

// List returns a snapshot of every live entry.
func (m *Manager) List() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of live instances.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Remove drops instanceID from the registry, calling context.Cleanup()
// and the removal hook. It refuses unless the context reports a terminal
// status, unless force is set.
func (m *Manager) Remove(instanceID string, force bool) error {
	m.mu.Lock()
	entry, ok := m.entries[instanceID]
	if !ok {
		m.mu.Unlock()
		return wferrors.New(wferrors.NotFound, "instance not registered: "+instanceID)
	}
	if !force && !entry.Context.IsTerminal() {
		m.mu.Unlock()
		return wferrors.New(wferrors.IllegalState, "instance is not terminal: "+instanceID)
	}
	delete(m.entries, instanceID)
	m.mu.Unlock()

	entry.Context.Cleanup()
	if m.onRemove != nil {
		m.onRemove(instanceID)
	}
	log.WithField("instance_id", instanceID).Debug("instance removed from manager")
	return nil
}
