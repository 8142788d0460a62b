package workflow

import "time"

// NodeType is the kind of a template node. A workflow forms a DAG whose
// vertices are one of these three kinds.
type NodeType string

const (
	NodeTypeStart     NodeType = "START"
	NodeTypeProcessor NodeType = "PROCESSOR"
	NodeTypeEnd       NodeType = "END"
)

// ProcessorType identifies who carries out a PROCESSOR node.
type ProcessorType string

const (
	ProcessorHuman ProcessorType = "HUMAN"
	ProcessorAgent ProcessorType = "AGENT"
	ProcessorMixed ProcessorType = "MIXED"
)

// Status is the lifecycle state of a template, kept separate from runtime
// instance status.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Processor binds a PROCESSOR node to whoever executes it. One node may
// carry several processors; each yields a distinct task at runtime.
type Processor struct {
	ID      string        `json:"id"`
	Type    ProcessorType `json:"type"`
	UserID  string        `json:"user_id,omitempty"`
	AgentID string        `json:"agent_id,omitempty"`
	// Tools lists external tool/function names the bound agent may invoke;
	// carried opaquely through to the on-the-wire task representation.
	Tools []string `json:"tools,omitempty"`
}

// Node is a template vertex. node_id is stable across template versions
// and is the identity used uniformly by the DAG and runtime state (see
// DESIGN.md for the node_base_id vs. node_id open question).
type Node struct {
	ID          string      `json:"node_id"`
	Type        NodeType    `json:"type"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Processors  []Processor `json:"processors,omitempty"`
	// RetryLimit bounds node-level task re-materialization on failure.
	RetryLimit int `json:"retry_limit,omitempty"`
}

// Edge is a directed precedence relation: Source must complete before
// Target becomes eligible.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Workflow is a complete, versioned template. It is read-only to the
// engine core. Registration does not check for cycles; a cyclic template
// is rejected when an instance is started, before any instance row exists.
type Workflow struct {
	ID          string    `json:"id"`
	BaseID      string    `json:"base_id"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by"`
}

// NodeByID returns the node with the given id, or false if absent.
func (w *Workflow) NodeByID(nodeID string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == nodeID {
			return n, true
		}
	}
	return Node{}, false
}

// ValidationError describes one structural defect found while validating
// a template's shape prior to DAG registration.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}
