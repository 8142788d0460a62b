// Package runstate implements InstanceContext: the per-workflow-instance
// thread-safe state machine described in spec §4.2. It is grounded on the
// teacher's orchestration.Engine status bookkeeping (executeWorkflowAsync,
// updateExecution, countTasksByStatus) generalized into its own
// compound-atomic type so the engine never holds a lock across I/O.
package runstate

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/wferrors"
)

// Status summarizes a context's node bookkeeping for status() callers.
type Status struct {
	InstanceID string
	TotalNodes int
	Completed  int
	Executing  int
	Pending    int
	Failed     int
	Cancelled  int
	Closed     bool
}

type nodeRecord struct {
	nodeInstanceID string
	nodeID         string
	upstream       []string // node_ids
	order          int      // registration order, for Δ tie-breaking
}

// CompletionCallback receives the newly-ready Δ-set after a successful
// mark_node_completed, in registration order.
type CompletionCallback func(instanceID string, newlyReady []string)

// Context is the authoritative in-memory scheduling state for one
// workflow instance.
type Context struct {
	mu sync.Mutex

	instanceID string
	templateID string

	// downstream is the template's adjacency map, node_id -> downstream
	// node_ids; supplied at construction since the context itself does
	// not own the graph (the DependencyTracker does).
	downstream map[string][]string

	nodes          map[string]*nodeRecord // keyed by node_id
	nextOrder      int
	completed      map[string]bool
	executing      map[string]bool
	failed         map[string]bool
	cancelled      map[string]bool
	nodeOutputs   map[string]interface{}
	globalContext map[string]interface{}

	closed bool

	onComplete CompletionCallback
}

// New creates a context for one workflow instance. downstream is the
// template's full node_id -> downstream node_ids adjacency; globalInput is
// the workflow's runtime input payload, seeded as the initial global
// context before any node completes.
func New(instanceID, templateID string, downstream map[string][]string, globalInput map[string]interface{}, onComplete CompletionCallback) *Context {
	gc := make(map[string]interface{}, len(globalInput)+1)
	for k, v := range globalInput {
		gc[k] = v
	}
	return &Context{
		instanceID:     instanceID,
		templateID:     templateID,
		downstream:     downstream,
		nodes:          make(map[string]*nodeRecord),
		completed:      make(map[string]bool),
		executing:      make(map[string]bool),
		failed:         make(map[string]bool),
		cancelled:      make(map[string]bool),
		nodeOutputs:   make(map[string]interface{}),
		globalContext: gc,
		onComplete:    onComplete,
	}
}

// RegisterNode records a new node entry. Fails with IllegalState on a
// duplicate node_instance_id registration.
func (c *Context) RegisterNode(nodeInstanceID, nodeID string, upstream []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return wferrors.New(wferrors.IllegalState, "context is closed")
	}
	if _, exists := c.nodes[nodeID]; exists {
		return wferrors.New(wferrors.IllegalState, fmt.Sprintf("node %s already registered", nodeID))
	}
	for _, rec := range c.nodes {
		if rec.nodeInstanceID == nodeInstanceID {
			return wferrors.New(wferrors.IllegalState, fmt.Sprintf("node instance %s already registered", nodeInstanceID))
		}
	}

	c.nodes[nodeID] = &nodeRecord{
		nodeInstanceID: nodeInstanceID,
		nodeID:         nodeID,
		upstream:       append([]string(nil), upstream...),
		order:          c.nextOrder,
	}
	c.nextOrder++
	return nil
}

// MarkNodeExecuting transitions nodeID into the executing set, unless it
// is already completed or executing or the context is closed, in which
// case it is a no-op and returns false.
func (c *Context) MarkNodeExecuting(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.completed[nodeID] || c.executing[nodeID] {
		return false
	}
	c.executing[nodeID] = true
	return true
}

// MarkNodeCompleted transitions nodeID to completed, stores output, and
// returns the newly-ready Δ-set in registration order. Idempotent: a
// second call with the same nodeID returns no Δ (nil). A node that is
// already failed or cancelled, or a closed context, is left unchanged and
// also yields nil.
func (c *Context) MarkNodeCompleted(nodeID string, output interface{}) []string {
	c.mu.Lock()
	if c.closed || c.completed[nodeID] || c.failed[nodeID] || c.cancelled[nodeID] {
		c.mu.Unlock()
		return nil
	}

	c.completed[nodeID] = true
	delete(c.executing, nodeID)
	c.nodeOutputs[nodeID] = output
	c.globalContext[nodeID] = output

	delta := c.computeDelta(nodeID)
	c.mu.Unlock()

	if len(delta) > 0 && c.onComplete != nil {
		c.onComplete(c.instanceID, delta)
	}
	return delta
}

// computeDelta must be called with c.mu held. It returns every downstream
// node of nodeID whose full upstream set is now completed and which is
// not yet executing/completed, ordered by registration order.
func (c *Context) computeDelta(nodeID string) []string {
	var candidates []*nodeRecord
	for _, down := range c.downstream[nodeID] {
		rec, ok := c.nodes[down]
		if !ok {
			continue
		}
		if c.completed[down] || c.executing[down] {
			continue
		}
		ready := true
		for _, u := range rec.upstream {
			if !c.completed[u] {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].order < candidates[j].order })

	out := make([]string, len(candidates))
	for i, rec := range candidates {
		out[i] = rec.nodeID
	}
	return out
}

// MarkNodeFailed transitions nodeID to failed (idempotent) and cascades:
// every strict descendant is marked cancelled and produces no further
// Δ-derivation. Returns the node_ids newly cancelled by the cascade (nil on
// a no-op call), so the caller can persist their NodeInstance rows. A node
// that is already completed or cancelled, or a closed context, is left
// unchanged.
func (c *Context) MarkNodeFailed(nodeID string, errMsg string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.failed[nodeID] || c.completed[nodeID] || c.cancelled[nodeID] {
		return nil
	}
	c.failed[nodeID] = true
	delete(c.executing, nodeID)

	var cascaded []string
	visited := make(map[string]bool)
	var cascade func(string)
	cascade = func(id string) {
		for _, down := range c.downstream[id] {
			if visited[down] || c.completed[down] || c.failed[down] {
				continue
			}
			visited[down] = true
			c.cancelled[down] = true
			cascaded = append(cascaded, down)
			log.WithFields(log.Fields{
				"instance_id": c.instanceID, "node_id": down, "cause": nodeID,
			}).Debug("node cancelled by upstream failure")
			cascade(down)
		}
	}
	cascade(nodeID)
	_ = errMsg // surfaced by the caller via the persisted NodeInstance row
	return cascaded
}

// CancelRemaining marks every non-terminal registered node cancelled and
// returns their node_ids. Used by cancel_workflow (spec §4.4, §5).
func (c *Context) CancelRemaining() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cancelledNow []string
	for id := range c.nodes {
		if c.completed[id] || c.failed[id] || c.cancelled[id] {
			continue
		}
		c.cancelled[id] = true
		delete(c.executing, id)
		cancelledNow = append(cancelledNow, id)
	}
	sort.Strings(cancelledNow)
	return cancelledNow
}

// IsReadyToExecute reports whether nodeID is registered, not already
// completed/executing, every upstream node_id is completed, and the
// context is not closed.
func (c *Context) IsReadyToExecute(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	rec, ok := c.nodes[nodeID]
	if !ok {
		return false
	}
	if c.completed[nodeID] || c.executing[nodeID] {
		return false
	}
	for _, u := range rec.upstream {
		if !c.completed[u] {
			return false
		}
	}
	return true
}

// UpstreamContext is the payload handed to task materialization: the
// immediate upstream outputs, the workflow-wide global context, and the
// count of upstream nodes (for summary/observability purposes).
type UpstreamContext struct {
	ImmediateUpstreamResults map[string]interface{}
	WorkflowGlobal           map[string]interface{}
	UpstreamNodeCount        int
}

// GetUpstreamContext returns nodeID's upstream context envelope.
func (c *Context) GetUpstreamContext(nodeID string) (UpstreamContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.nodes[nodeID]
	if !ok {
		return UpstreamContext{}, wferrors.New(wferrors.NotFound, fmt.Sprintf("node %s not registered", nodeID))
	}

	immediate := make(map[string]interface{}, len(rec.upstream))
	for _, u := range rec.upstream {
		immediate[u] = c.nodeOutputs[u]
	}
	global := make(map[string]interface{}, len(c.globalContext))
	for k, v := range c.globalContext {
		global[k] = v
	}

	return UpstreamContext{
		ImmediateUpstreamResults: immediate,
		WorkflowGlobal:           global,
		UpstreamNodeCount:        len(rec.upstream),
	}, nil
}

// Status reports the current bookkeeping counts.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for id := range c.nodes {
		if !c.completed[id] && !c.executing[id] && !c.failed[id] && !c.cancelled[id] {
			pending++
		}
	}

	return Status{
		InstanceID: c.instanceID,
		TotalNodes: len(c.nodes),
		Completed:  len(c.completed),
		Executing:  len(c.executing),
		Pending:    pending,
		Failed:     len(c.failed),
		Cancelled:  len(c.cancelled),
		Closed:     c.closed,
	}
}

// IsTerminal reports whether every registered node has reached a terminal
// state (completed, failed, or cancelled).
func (c *Context) IsTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.nodes {
		if !c.completed[id] && !c.failed[id] && !c.cancelled[id] {
			return false
		}
	}
	return true
}

// HasFailure reports whether any registered node is failed.
func (c *Context) HasFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failed) > 0
}

// NodeOutputs returns a copy of every recorded node output, keyed by
// node_id.
func (c *Context) NodeOutputs() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.nodeOutputs))
	for k, v := range c.nodeOutputs {
		out[k] = v
	}
	return out
}

// Cleanup releases all references held by the context. Afterwards
// RegisterNode fails with IllegalState, GetUpstreamContext fails with
// NotFound, and the MarkNode* transitions are no-ops.
func (c *Context) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.nodes = nil
	c.nodeOutputs = nil
	c.globalContext = nil
	c.completed = nil
	c.executing = nil
	c.failed = nil
	c.cancelled = nil
}
