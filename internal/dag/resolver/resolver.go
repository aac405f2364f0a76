// Package resolver computes workflow position from a graph definition and the
// set of stages whose artifacts physically exist. Every function here is pure:
// no I/O, no suspension, and normal absence (missing stage, empty set) is a
// value, never an error.
package resolver

import (
	"github.com/kingrea/strata/internal/dag"
)

// Set is a stage-id set.
type Set map[string]struct{}

// NewSet builds a Set from ids.
func NewSet(ids ...string) Set {
	set := make(Set, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Clone returns a copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// NodeReadiness is the resolver's derived view of one stage. It is recomputed
// on demand and never stored.
type NodeReadiness struct {
	NodeID         string
	Ready          bool
	Complete       bool
	Stale          bool
	PendingParents []string
}

// Progress counts user-facing stages only; structural nodes are invisible to
// the position calculation.
type Progress struct {
	Completed int
	Total     int
	Phase     string
}

// Position is a derived snapshot of "where the user is" in the pipeline.
type Position struct {
	CompletedStages   []string
	CurrentStage      string
	NextInstruction   string
	AvailableCommands []string
	StaleStages       []string
	Progress          Progress
	IsComplete        bool
}

// Readiness evaluates every stage against the completed set: a stage is ready
// iff it is not complete and every declared parent is complete.
func Readiness(def dag.Definition, completed, stale Set) []NodeReadiness {
	out := make([]NodeReadiness, 0, def.Len())
	for _, node := range def.Nodes() {
		state := NodeReadiness{
			NodeID:   node.ID,
			Complete: completed.Has(node.ID),
			Stale:    stale.Has(node.ID),
		}
		for _, parent := range node.Previous {
			if !completed.Has(parent) {
				state.PendingParents = append(state.PendingParents, parent)
			}
		}
		state.Ready = !state.Complete && len(state.PendingParents) == 0
		out = append(out, state)
	}
	return out
}

// AutoComplete folds structural stages into the effective completed set: any
// stage with no commands counts as complete as soon as all of its parents are
// in the set, iterated to a fixed point. The input set is not mutated and the
// expansion is idempotent.
func AutoComplete(def dag.Definition, completed Set) Set {
	effective := completed.Clone()
	for {
		changed := false
		for _, node := range def.Nodes() {
			if !node.Structural() || effective.Has(node.ID) {
				continue
			}
			satisfied := true
			for _, parent := range node.Previous {
				if !effective.Has(parent) {
					satisfied = false
					break
				}
			}
			if satisfied {
				effective[node.ID] = struct{}{}
				changed = true
			}
		}
		if !changed {
			return effective
		}
	}
}

// TopoSort orders stages with Kahn's algorithm. Ties are broken by manifest
// declaration order, not id, so the result is reproducible for a given
// manifest. The definition is acyclic by construction, so every stage appears.
func TopoSort(def dag.Definition) []string {
	nodes := def.Nodes()
	indegree := make(map[string]int, len(nodes))
	for _, node := range nodes {
		indegree[node.ID] = len(node.Previous)
	}
	// queue holds ready stages in declaration order; new entries are inserted
	// by declaration position to keep the tie-break stable.
	position := make(map[string]int, len(nodes))
	for i, node := range nodes {
		position[node.ID] = i
	}
	queue := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if indegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}
	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		order = append(order, next)
		for _, child := range def.Children(next) {
			indegree[child]--
			if indegree[child] == 0 {
				queue = insertByPosition(queue, child, position)
			}
		}
	}
	return order
}

func insertByPosition(queue []string, id string, position map[string]int) []string {
	at := len(queue)
	for i, existing := range queue {
		if position[id] < position[existing] {
			at = i
			break
		}
	}
	queue = append(queue, "")
	copy(queue[at+1:], queue[at:])
	queue[at] = id
	return queue
}

// Resolve walks the topological order, skipping structural stages, and returns
// the first ready, incomplete stage as the current one. Structural stages are
// folded into the effective completed set first, so a user-facing stage behind
// only structural parents is never reported as blocked.
func Resolve(def dag.Definition, completed, stale Set) Position {
	effective := AutoComplete(def, completed)
	order := TopoSort(def)

	pos := Position{}
	total := 0
	done := 0
	lastPhase := ""
	for _, id := range order {
		node, _ := def.Node(id)
		if node.Structural() {
			continue
		}
		total++
		lastPhase = node.Phase
		if completed.Has(id) {
			pos.CompletedStages = append(pos.CompletedStages, id)
			done++
			continue
		}
		if pos.CurrentStage != "" {
			continue
		}
		ready := true
		for _, parent := range node.Previous {
			if !effective.Has(parent) {
				ready = false
				break
			}
		}
		if ready {
			pos.CurrentStage = id
			pos.NextInstruction = node.Instruction
			pos.AvailableCommands = append([]string{}, node.Commands...)
			pos.Progress.Phase = node.Phase
		}
	}
	for _, id := range order {
		if stale.Has(id) {
			pos.StaleStages = append(pos.StaleStages, id)
		}
	}
	pos.Progress.Completed = done
	pos.Progress.Total = total
	pos.IsComplete = total > 0 && done == total
	if pos.IsComplete {
		pos.Progress.Phase = lastPhase
	}
	return pos
}
