package workflow

import (
	"sort"
	"strings"

	"github.com/pathware/flowengine/types"
)

// ExecutionPlan is the wave-ordered schedule produced by Resolve. Nodes in
// one wave have all their dependencies satisfied by earlier waves and may
// run concurrently.
type ExecutionPlan struct {
	// Definition is the resolved definition (immutable).
	Definition *Definition
	// Waves holds node ids in execution order. Within a wave the ids are
	// sorted ascending so identical definitions always produce identical
	// plans.
	Waves [][]string
}

// NodeCount returns the total number of scheduled nodes.
func (p *ExecutionPlan) NodeCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w)
	}
	return n
}

// Resolve computes an execution plan for the definition using Kahn's
// algorithm over the edge set. It is a pure function: the definition is
// never mutated and rows loaded from persistence stay the source of truth.
//
// Nodes with zero remaining in-degree are emitted in ascending node id
// order, which makes execution order reproducible. When the graph contains
// a cycle, Resolve returns a CYCLE_DETECTED error naming the nodes left
// unresolved.
func Resolve(def *Definition) (*ExecutionPlan, error) {
	if err := def.Validate(nil); err != nil {
		return nil, err
	}

	// Build the adjacency index from edge rows.
	inDegree := make(map[string]int, len(def.Nodes))
	successors := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		inDegree[n.NodeID] = 0
	}
	for _, e := range def.Edges {
		// Parallel edges between the same pair count once for ordering.
		dup := false
		for _, t := range successors[e.Source] {
			if t == e.Target {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		successors[e.Source] = append(successors[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var waves [][]string
	ready := make([]string, 0, len(def.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	consumed := 0
	for len(ready) > 0 {
		wave := ready
		waves = append(waves, wave)
		consumed += len(wave)

		ready = nil
		for _, id := range wave {
			for _, succ := range successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					ready = append(ready, succ)
				}
			}
		}
		sort.Strings(ready)
	}

	if consumed != len(def.Nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, types.NewErrorf(types.ErrCycleDetected,
			"definition %s has a dependency cycle through: %s", def.ID, strings.Join(stuck, ", "))
	}

	return &ExecutionPlan{Definition: def, Waves: waves}, nil
}
