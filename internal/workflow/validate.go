package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// nodeSchema enforces the structural shape of a single node before it is
// ever handed to the DAG: a stable id, a recognized type, and processors
// that carry the fields their type requires. This generalizes the
// teacher's ad-hoc field-by-field validateWorkflow into a single
// schema-driven check.
const nodeSchema = `{
  "type": "object",
  "required": ["node_id", "type"],
  "properties": {
    "node_id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "enum": ["START", "PROCESSOR", "END"]},
    "processors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "enum": ["HUMAN", "AGENT", "MIXED"]}
        }
      }
    }
  }
}`

var nodeSchemaLoader = gojsonschema.NewStringLoader(nodeSchema)

// Validate checks the template's structural shape: every node conforms to
// nodeSchema, edges reference existing nodes, and PROCESSOR nodes with no
// bound processor are flagged. It does not check for cycles — that is the
// DependencyTracker's responsibility once the template is registered.
func Validate(wf *Workflow) ValidationResult {
	result := ValidationResult{Valid: true}

	ids := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		ids[n.ID] = true

		raw, err := json.Marshal(n)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Field: "node", NodeID: n.ID, Message: fmt.Sprintf("cannot marshal node: %v", err),
			})
			continue
		}

		doc := gojsonschema.NewBytesLoader(raw)
		res, err := gojsonschema.Validate(nodeSchemaLoader, doc)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Field: "node", NodeID: n.ID, Message: fmt.Sprintf("schema validation error: %v", err),
			})
			continue
		}
		if !res.Valid() {
			result.Valid = false
			for _, e := range res.Errors() {
				result.Errors = append(result.Errors, ValidationError{
					Field: e.Field(), NodeID: n.ID, Message: e.Description(),
				})
			}
		}

		if n.Type == NodeTypeProcessor && len(n.Processors) == 0 {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Field: "processors", NodeID: n.ID, Message: "PROCESSOR node has no bound processor",
			})
		}
	}

	for _, e := range wf.Edges {
		if !ids[e.Source] {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{Field: "edge.source", Message: fmt.Sprintf("unknown source node %q", e.Source)})
		}
		if !ids[e.Target] {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{Field: "edge.target", Message: fmt.Sprintf("unknown target node %q", e.Target)})
		}
	}

	return result
}
