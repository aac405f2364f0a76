package dag

import (
	"fmt"
)

// SkipWarning declares a soft, bypassable warning for proceeding past a stage
// the workflow author recommends but does not require. The counter that tracks
// override attempts lives with the governor, keyed by the skipped stage.
type SkipWarning struct {
	Stage       string `yaml:"stage"`
	Short       string `yaml:"short"`
	Reason      string `yaml:"reason,omitempty"`
	MaxWarnings int    `yaml:"max_warnings,omitempty"`
}

// DefaultMaxWarnings applies when a skip_warning block omits max_warnings.
const DefaultMaxWarnings = 2

// Bound returns the effective number of attempts that are denied before the
// transition becomes allowed.
func (w SkipWarning) Bound() int {
	if w.MaxWarnings <= 0 {
		return DefaultMaxWarnings
	}
	return w.MaxWarnings
}

// Node is one stage in a workflow graph. Nodes with no commands are
// structural: they never surface to the user and auto-complete once their
// parents are satisfied.
type Node struct {
	ID          string
	Previous    []string
	Commands    []string
	Instruction string
	Phase       string
	Handler     string
	Optional    bool
	SkipWarning *SkipWarning
}

// Structural reports whether the node is implementation-only scaffolding with
// no user-invocable commands.
func (n Node) Structural() bool {
	return len(n.Commands) == 0
}

// Root reports whether the node has no parents.
func (n Node) Root() bool {
	return len(n.Previous) == 0
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	clone := n
	clone.Previous = cloneStrings(n.Previous)
	clone.Commands = cloneStrings(n.Commands)
	if n.SkipWarning != nil {
		warning := *n.SkipWarning
		clone.SkipWarning = &warning
	}
	return clone
}

// Edge is a directed (from, to) pair derived from Node.Previous at load time.
// Kept alongside the parent lists for fast forward traversal.
type Edge struct {
	From string
	To   string
}

// Definition is a named, versioned workflow graph. It is built once by Load
// (or New) and treated as a value afterwards: there is no mutation API.
//
// Internally the nodes live in a declaration-order arena with dense integer
// indices; parent and child relationships are index lists so traversal never
// hashes stage ids, and the acyclicity invariant is checked once here rather
// than on every walk.
type Definition struct {
	ID      string
	Name    string
	Version int

	nodes    []Node
	index    map[string]int
	parents  [][]int
	children [][]int
	edges    []Edge
}

// New assembles and validates a definition from nodes in declaration order.
func New(id, name string, version int, nodes []Node) (Definition, error) {
	if id == "" {
		return Definition{}, fmt.Errorf("dag: workflow id is required")
	}
	if len(nodes) == 0 {
		return Definition{}, fmt.Errorf("dag: workflow %s declares no stages", id)
	}
	def := Definition{
		ID:      id,
		Name:    name,
		Version: version,
		nodes:   make([]Node, len(nodes)),
		index:   make(map[string]int, len(nodes)),
	}
	for i, node := range nodes {
		if node.ID == "" {
			return Definition{}, fmt.Errorf("dag: workflow %s stage[%d]: id is required", id, i)
		}
		if _, dup := def.index[node.ID]; dup {
			return Definition{}, fmt.Errorf("dag: workflow %s: duplicate stage id %s", id, node.ID)
		}
		def.nodes[i] = node.Clone()
		def.index[node.ID] = i
	}
	def.parents = make([][]int, len(nodes))
	def.children = make([][]int, len(nodes))
	for i, node := range def.nodes {
		seen := map[string]struct{}{}
		for _, parentID := range node.Previous {
			parent, ok := def.index[parentID]
			if !ok {
				return Definition{}, fmt.Errorf("dag: workflow %s stage %s: unknown parent %s", id, node.ID, parentID)
			}
			if parentID == node.ID {
				return Definition{}, fmt.Errorf("dag: workflow %s stage %s: depends on itself", id, node.ID)
			}
			if _, dup := seen[parentID]; dup {
				return Definition{}, fmt.Errorf("dag: workflow %s stage %s: duplicate parent %s", id, node.ID, parentID)
			}
			seen[parentID] = struct{}{}
			def.parents[i] = append(def.parents[i], parent)
			def.children[parent] = append(def.children[parent], i)
			def.edges = append(def.edges, Edge{From: parentID, To: node.ID})
		}
		if node.SkipWarning != nil {
			if _, ok := def.index[node.SkipWarning.Stage]; !ok {
				return Definition{}, fmt.Errorf("dag: workflow %s stage %s: skip_warning references unknown stage %s", id, node.ID, node.SkipWarning.Stage)
			}
		}
	}
	if err := def.checkAcyclic(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// checkAcyclic runs one Kahn pass over the arena. Any node left unprocessed
// sits on a cycle.
func (d Definition) checkAcyclic() error {
	indegree := make([]int, len(d.nodes))
	for i := range d.nodes {
		indegree[i] = len(d.parents[i])
	}
	queue := make([]int, 0, len(d.nodes))
	for i := range d.nodes {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		processed++
		for _, child := range d.children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if processed != len(d.nodes) {
		remaining := make([]string, 0)
		for i, node := range d.nodes {
			if indegree[i] > 0 {
				remaining = append(remaining, node.ID)
			}
		}
		return fmt.Errorf("dag: workflow %s contains a cycle through %v", d.ID, remaining)
	}
	return nil
}

// Len returns the number of stages.
func (d Definition) Len() int {
	return len(d.nodes)
}

// Nodes returns the stages in declaration order.
func (d Definition) Nodes() []Node {
	out := make([]Node, len(d.nodes))
	for i, node := range d.nodes {
		out[i] = node.Clone()
	}
	return out
}

// Node retrieves a stage by id.
func (d Definition) Node(id string) (Node, bool) {
	i, ok := d.index[id]
	if !ok {
		return Node{}, false
	}
	return d.nodes[i].Clone(), true
}

// Has reports whether a stage id is declared.
func (d Definition) Has(id string) bool {
	_, ok := d.index[id]
	return ok
}

// IDs returns stage ids in declaration order.
func (d Definition) IDs() []string {
	ids := make([]string, len(d.nodes))
	for i, node := range d.nodes {
		ids[i] = node.ID
	}
	return ids
}

// Parents returns the declared parent ids of a stage in declaration order.
func (d Definition) Parents(id string) []string {
	i, ok := d.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(d.parents[i]))
	for j, parent := range d.parents[i] {
		out[j] = d.nodes[parent].ID
	}
	return out
}

// Children returns the stage ids that declare the given stage as a parent.
func (d Definition) Children(id string) []string {
	i, ok := d.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(d.children[i]))
	for j, child := range d.children[i] {
		out[j] = d.nodes[child].ID
	}
	return out
}

// Edges returns the derived edge list in declaration order.
func (d Definition) Edges() []Edge {
	out := make([]Edge, len(d.edges))
	copy(out, d.edges)
	return out
}

// Ancestors returns every transitive parent of a stage (unordered set).
func (d Definition) Ancestors(id string) map[string]struct{} {
	out := map[string]struct{}{}
	i, ok := d.index[id]
	if !ok {
		return out
	}
	var visit func(int)
	visit = func(n int) {
		for _, parent := range d.parents[n] {
			parentID := d.nodes[parent].ID
			if _, seen := out[parentID]; seen {
				continue
			}
			out[parentID] = struct{}{}
			visit(parent)
		}
	}
	visit(i)
	return out
}

// StageForCommand maps a declared command phrase to its stage. The first
// declaring stage in declaration order wins.
func (d Definition) StageForCommand(command string) (Node, bool) {
	for _, node := range d.nodes {
		for _, phrase := range node.Commands {
			if phrase == command {
				return node.Clone(), true
			}
		}
	}
	return Node{}, false
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
