// Package workflow defines versioned workflow definitions (typed node
// graphs) and resolves them into wave-ordered execution plans.
package workflow

import (
	"fmt"
	"time"

	"github.com/pathware/flowengine/types"
)

// Position is authoring-tool placement metadata. It has no effect on
// execution semantics.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NodeInstance binds a catalog node type into a definition.
type NodeInstance struct {
	// NodeID is unique within the definition.
	NodeID string `json:"node_id" yaml:"node_id"`
	// TypeKey references a catalog node type.
	TypeKey string `json:"type_key" yaml:"type_key"`
	// Config is the bound configuration, merged over the type's defaults
	// at dispatch.
	Config types.Payload `json:"config,omitempty" yaml:"config,omitempty"`
	// Position is authoring metadata.
	Position Position `json:"position,omitempty" yaml:"position,omitempty"`
	// NonCritical opts the node out of failure escalation. A failed node
	// fails the run unless this is set, in which case only its dependents
	// are skipped.
	NonCritical bool `json:"non_critical,omitempty" yaml:"non_critical,omitempty"`
	// AllInputsRequired skips the node when any predecessor was skipped
	// or failed instead of running with partial input.
	AllInputsRequired bool `json:"all_inputs_required,omitempty" yaml:"all_inputs_required,omitempty"`
	// TimeoutSeconds bounds one invocation attempt. Zero falls back to
	// the type descriptor, then the engine default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// RetryAttempts is the number of retries after the first attempt.
	// Nil falls back to the engine default; an explicit zero disables
	// retries.
	RetryAttempts *int `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
}

// Retries returns the configured retry count, or fallback when unset.
func (n *NodeInstance) Retries(fallback int) int {
	if n.RetryAttempts != nil {
		return *n.RetryAttempts
	}
	return fallback
}

// Timeout returns the configured per-attempt timeout, zero when unset.
func (n *NodeInstance) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Edge declares a directed data/control dependency between two nodes.
type Edge struct {
	// Source and Target reference NodeIDs within the same definition.
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	// Condition is an optional expression evaluated against the source
	// node's output. An empty condition is unconditionally satisfied.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Definition is one immutable version of a workflow graph. Executions
// always bind to a specific (ID, Version) pair.
type Definition struct {
	ID      string         `json:"id" yaml:"id"`
	Version int            `json:"version" yaml:"version"`
	Name    string         `json:"name" yaml:"name"`
	Nodes   []NodeInstance `json:"nodes" yaml:"nodes"`
	Edges   []Edge         `json:"edges" yaml:"edges"`
}

// Node returns the node instance with the given id.
func (d *Definition) Node(nodeID string) (*NodeInstance, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].NodeID == nodeID {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// InboundEdges returns all edges targeting nodeID.
func (d *Definition) InboundEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range d.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// TypeChecker reports whether a type key is registered. Satisfied by
// catalog.Registry.
type TypeChecker interface {
	Known(typeKey string) bool
}

// Validate checks structural invariants: non-empty id, unique node ids,
// edges referencing existing endpoints, and (when checker is non-nil)
// known type keys. Cycle detection is left to Resolve.
func (d *Definition) Validate(checker TypeChecker) error {
	if d.ID == "" {
		return types.NewError(types.ErrDefinitionInvalid, "definition id is empty")
	}
	if len(d.Nodes) == 0 {
		return types.NewErrorf(types.ErrDefinitionInvalid, "definition %s has no nodes", d.ID)
	}
	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.NodeID == "" {
			return types.NewErrorf(types.ErrDefinitionInvalid, "definition %s contains a node without an id", d.ID)
		}
		if seen[n.NodeID] {
			return types.NewErrorf(types.ErrDefinitionInvalid, "duplicate node id %q", n.NodeID)
		}
		seen[n.NodeID] = true
		if n.TimeoutSeconds < 0 {
			return types.NewErrorf(types.ErrDefinitionInvalid, "node %q has negative timeout_seconds", n.NodeID)
		}
		if n.RetryAttempts != nil && *n.RetryAttempts < 0 {
			return types.NewErrorf(types.ErrDefinitionInvalid, "node %q has negative retry_attempts", n.NodeID)
		}
		if checker != nil && !checker.Known(n.TypeKey) {
			return types.NewErrorf(types.ErrUnknownNodeType, "node %q references unknown type %q", n.NodeID, n.TypeKey)
		}
	}
	for _, e := range d.Edges {
		if !seen[e.Source] {
			return types.NewErrorf(types.ErrDefinitionInvalid, "edge references missing source node %q", e.Source)
		}
		if !seen[e.Target] {
			return types.NewErrorf(types.ErrDefinitionInvalid, "edge references missing target node %q", e.Target)
		}
		if e.Source == e.Target {
			return types.NewErrorf(types.ErrDefinitionInvalid, "node %q depends on itself", e.Source)
		}
	}
	return nil
}

// Ref identifies one definition version.
type Ref struct {
	ID      string
	Version int
}

// String renders the reference as id@version.
func (r Ref) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Version)
}
