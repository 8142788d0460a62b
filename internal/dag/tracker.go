// Package dag implements the DependencyTracker: a process-global,
// in-memory service over the immutable template graph. It is grounded on
// the teacher's internal/orchestration dependency graph, generalized to
// cache per template_id rather than operate on a single graph instance,
// and to expose the upstream/downstream/ready-node operations spec'd for
// the engine core.
package dag

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/wferrors"
	"github.com/aosanya/workflowcore/internal/workflow"
)

// graph is the built, adjacency-indexed representation of one template
// version.
type graph struct {
	nodes            map[string]workflow.Node
	adjacency        map[string][]string // node -> downstream
	reverseAdjacency map[string][]string // node -> upstream
	startNodes       []string
	endNodes         []string
	executionLevels  [][]string
}

// Tracker caches built graphs per template version and answers the
// DependencyTracker operations of spec §4.1.
type Tracker struct {
	mu      sync.RWMutex
	graphs  map[string]*graph
	hits    int64
	misses  int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{graphs: make(map[string]*graph)}
}

// BuildGraph returns the cached graph for templateID, building and
// validating it on first access. Cache entries are immutable for the
// lifetime of the process, per spec §3 ("treated as immutable within a
// process for this design").
func (t *Tracker) BuildGraph(templateID string, wf *workflow.Workflow) (*graph, error) {
	t.mu.RLock()
	g, ok := t.graphs[templateID]
	t.mu.RUnlock()
	if ok {
		t.bumpHit()
		return g, nil
	}
	t.bumpMiss()

	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.graphs[templateID]; ok {
		return g, nil
	}

	g, err := buildGraph(wf)
	if err != nil {
		return nil, err
	}
	if err := validateAcyclic(g); err != nil {
		return nil, err
	}
	g.executionLevels = executionLevels(g)
	t.graphs[templateID] = g
	log.WithFields(log.Fields{"template_id": templateID, "nodes": len(g.nodes)}).Debug("dependency graph built")
	return g, nil
}

// Invalidate drops the cached graph for templateID, forcing a rebuild on
// next access (used when a template is republished under the same id).
func (t *Tracker) Invalidate(templateID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.graphs, templateID)
}

// CacheStats reports hit/miss counters for observability.
func (t *Tracker) CacheStats() (hits, misses int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hits, t.misses
}

func (t *Tracker) bumpHit() {
	t.mu.Lock()
	t.hits++
	t.mu.Unlock()
}

func (t *Tracker) bumpMiss() {
	t.mu.Lock()
	t.misses++
	t.mu.Unlock()
}

// Upstream returns the one-hop predecessors of nodeID.
func (t *Tracker) Upstream(templateID string, wf *workflow.Workflow, nodeID string) ([]string, error) {
	g, err := t.BuildGraph(templateID, wf)
	if err != nil {
		return nil, err
	}
	if _, ok := g.nodes[nodeID]; !ok {
		return nil, wferrors.New(wferrors.NotFound, fmt.Sprintf("node %s not in template %s", nodeID, templateID))
	}
	out := append([]string(nil), g.reverseAdjacency[nodeID]...)
	sort.Strings(out)
	return out, nil
}

// Downstream returns the one-hop successors of nodeID.
func (t *Tracker) Downstream(templateID string, wf *workflow.Workflow, nodeID string) ([]string, error) {
	g, err := t.BuildGraph(templateID, wf)
	if err != nil {
		return nil, err
	}
	if _, ok := g.nodes[nodeID]; !ok {
		return nil, wferrors.New(wferrors.NotFound, fmt.Sprintf("node %s not in template %s", nodeID, templateID))
	}
	out := append([]string(nil), g.adjacency[nodeID]...)
	sort.Strings(out)
	return out, nil
}

// DownstreamMap returns a copy of the full node_id -> downstream node_ids
// adjacency, for handing to runstate.New (which does not depend on dag).
func (t *Tracker) DownstreamMap(templateID string, wf *workflow.Workflow) (map[string][]string, error) {
	g, err := t.BuildGraph(templateID, wf)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(g.adjacency))
	for k, v := range g.adjacency {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

// UpstreamMap returns a copy of the full node_id -> upstream node_ids
// adjacency.
func (t *Tracker) UpstreamMap(templateID string, wf *workflow.Workflow) (map[string][]string, error) {
	g, err := t.BuildGraph(templateID, wf)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(g.reverseAdjacency))
	for k, v := range g.reverseAdjacency {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

// StartNodes returns the template's START node ids, sorted.
func (t *Tracker) StartNodes(templateID string, wf *workflow.Workflow) ([]string, error) {
	g, err := t.BuildGraph(templateID, wf)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), g.startNodes...), nil
}

// ExecutionOrder returns Kahn's-BFS execution levels: nodes of the same
// wave (equal remaining in-degree after prior waves) are grouped together.
func (t *Tracker) ExecutionOrder(templateID string, wf *workflow.Workflow) ([][]string, error) {
	g, err := t.BuildGraph(templateID, wf)
	if err != nil {
		return nil, err
	}
	levels := make([][]string, len(g.executionLevels))
	for i, lvl := range g.executionLevels {
		levels[i] = append([]string(nil), lvl...)
	}
	return levels, nil
}

// ReadyNode describes one node's readiness for execution_order-adjacent
// callers (spec's ready_nodes return shape).
type ReadyNode struct {
	NodeID    string
	Required  []string
	Completed []string
}

// ReadyNodes returns every node whose upstream set is a subset of
// completed and which is itself not in completed.
func (t *Tracker) ReadyNodes(templateID string, wf *workflow.Workflow, completed map[string]bool) ([]ReadyNode, error) {
	g, err := t.BuildGraph(templateID, wf)
	if err != nil {
		return nil, err
	}

	var ready []ReadyNode
	for id := range g.nodes {
		if completed[id] {
			continue
		}
		upstream := g.reverseAdjacency[id]
		allDone := true
		var done []string
		for _, u := range upstream {
			if completed[u] {
				done = append(done, u)
			} else {
				allDone = false
			}
		}
		if allDone {
			ready = append(ready, ReadyNode{NodeID: id, Required: append([]string(nil), upstream...), Completed: done})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].NodeID < ready[j].NodeID })
	return ready, nil
}

func buildGraph(wf *workflow.Workflow) (*graph, error) {
	g := &graph{
		nodes:            make(map[string]workflow.Node, len(wf.Nodes)),
		adjacency:        make(map[string][]string),
		reverseAdjacency: make(map[string][]string),
	}

	for _, n := range wf.Nodes {
		if _, exists := g.nodes[n.ID]; exists {
			return nil, wferrors.New(wferrors.IllegalState, fmt.Sprintf("duplicate node_id %s", n.ID))
		}
		g.nodes[n.ID] = n
		g.adjacency[n.ID] = nil
		g.reverseAdjacency[n.ID] = nil
		switch n.Type {
		case workflow.NodeTypeStart:
			g.startNodes = append(g.startNodes, n.ID)
		case workflow.NodeTypeEnd:
			g.endNodes = append(g.endNodes, n.ID)
		}
	}

	for _, e := range wf.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, wferrors.New(wferrors.IllegalState, fmt.Sprintf("edge references unknown source %s", e.Source))
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, wferrors.New(wferrors.IllegalState, fmt.Sprintf("edge references unknown target %s", e.Target))
		}
		g.adjacency[e.Source] = append(g.adjacency[e.Source], e.Target)
		g.reverseAdjacency[e.Target] = append(g.reverseAdjacency[e.Target], e.Source)
	}

	sort.Strings(g.startNodes)
	sort.Strings(g.endNodes)
	return g, nil
}

// validateAcyclic runs DFS cycle detection over the built graph.
func validateAcyclic(g *graph) error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(string) error
	visit = func(id string) error {
		visited[id] = true
		onStack[id] = true
		for _, next := range g.adjacency[id] {
			if !visited[next] {
				if err := visit(next); err != nil {
					return err
				}
			} else if onStack[next] {
				return wferrors.New(wferrors.CycleDetected, fmt.Sprintf("cycle detected involving node %s", next))
			}
		}
		onStack[id] = false
		return nil
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// executionLevels computes Kahn's BFS waves over the validated graph.
func executionLevels(g *graph) [][]string {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.reverseAdjacency[id])
	}

	var levels [][]string
	processed := make(map[string]bool, len(g.nodes))
	for len(processed) < len(g.nodes) {
		var wave []string
		for id := range g.nodes {
			if !processed[id] && inDegree[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			break
		}
		sort.Strings(wave)
		levels = append(levels, wave)
		for _, id := range wave {
			processed[id] = true
			for _, next := range g.adjacency[id] {
				inDegree[next]--
			}
		}
	}
	return levels
}
