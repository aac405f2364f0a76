package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearNodes() []Node {
	return []Node{
		{ID: "search", Commands: []string{"find datasets"}},
		{ID: "gather", Previous: []string{"search"}, Commands: []string{"gather data"}},
		{ID: "train", Previous: []string{"gather"}, Commands: []string{"train model"}},
	}
}

func TestNewValidatesStageIDs(t *testing.T) {
	t.Run("duplicate id", func(t *testing.T) {
		nodes := linearNodes()
		nodes = append(nodes, Node{ID: "gather", Commands: []string{"again"}})
		_, err := New("wf", "WF", 1, nodes)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate stage id gather")
	})

	t.Run("unknown parent", func(t *testing.T) {
		nodes := linearNodes()
		nodes[2].Previous = []string{"nonexistent"}
		_, err := New("wf", "WF", 1, nodes)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown parent nonexistent")
	})

	t.Run("self dependency", func(t *testing.T) {
		nodes := linearNodes()
		nodes[1].Previous = []string{"gather"}
		_, err := New("wf", "WF", 1, nodes)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "depends on itself")
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := New("", "WF", 1, linearNodes())
		require.Error(t, err)
	})

	t.Run("empty workflow", func(t *testing.T) {
		_, err := New("wf", "WF", 1, nil)
		require.Error(t, err)
	})
}

func TestNewRejectsCycles(t *testing.T) {
	nodes := []Node{
		{ID: "a", Previous: []string{"c"}, Commands: []string{"a"}},
		{ID: "b", Previous: []string{"a"}, Commands: []string{"b"}},
		{ID: "c", Previous: []string{"b"}, Commands: []string{"c"}},
	}
	_, err := New("cyclic", "Cyclic", 1, nodes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewRejectsDanglingSkipWarning(t *testing.T) {
	nodes := linearNodes()
	nodes[2].SkipWarning = &SkipWarning{Stage: "harmonize", Short: "schema drift"}
	_, err := New("wf", "WF", 1, nodes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip_warning references unknown stage harmonize")
}

func TestDefinitionTraversal(t *testing.T) {
	def, err := New("wf", "WF", 1, []Node{
		{ID: "search", Commands: []string{"find datasets"}},
		{ID: "gather", Previous: []string{"search"}, Commands: []string{"gather data"}},
		{ID: "rename", Previous: []string{"gather"}, Commands: []string{"rename columns"}, Optional: true},
		{ID: "code", Previous: []string{"gather", "rename"}, Commands: []string{"write code"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"search", "gather", "rename", "code"}, def.IDs())
	assert.Equal(t, []string{"gather", "rename"}, def.Parents("code"))
	assert.Equal(t, []string{"rename", "code"}, def.Children("gather"))
	assert.Nil(t, def.Parents("unknown"))

	ancestors := def.Ancestors("code")
	assert.Len(t, ancestors, 3)
	assert.Contains(t, ancestors, "search")

	assert.True(t, def.Has("rename"))
	assert.False(t, def.Has("harmonize"))

	node, ok := def.Node("rename")
	require.True(t, ok)
	assert.True(t, node.Optional)
	assert.False(t, node.Structural())

	assert.Equal(t, []Edge{
		{From: "search", To: "gather"},
		{From: "gather", To: "rename"},
		{From: "gather", To: "code"},
		{From: "rename", To: "code"},
	}, def.Edges())
}

func TestStageForCommand(t *testing.T) {
	def, err := New("wf", "WF", 1, linearNodes())
	require.NoError(t, err)

	node, ok := def.StageForCommand("gather data")
	require.True(t, ok)
	assert.Equal(t, "gather", node.ID)

	_, ok = def.StageForCommand("no such command")
	assert.False(t, ok)
}

func TestStructuralNodes(t *testing.T) {
	assert.True(t, Node{ID: "auto"}.Structural())
	assert.False(t, Node{ID: "user", Commands: []string{"go"}}.Structural())
}

func TestSkipWarningBound(t *testing.T) {
	assert.Equal(t, DefaultMaxWarnings, SkipWarning{}.Bound())
	assert.Equal(t, 3, SkipWarning{MaxWarnings: 3}.Bound())
	assert.Equal(t, DefaultMaxWarnings, SkipWarning{MaxWarnings: -1}.Bound())
}

func TestNodeCloneIsDeep(t *testing.T) {
	original := Node{
		ID:          "code",
		Previous:    []string{"gather"},
		Commands:    []string{"write code"},
		SkipWarning: &SkipWarning{Stage: "gather", Short: "raw data"},
	}
	clone := original.Clone()
	clone.Previous[0] = "mutated"
	clone.SkipWarning.Short = "mutated"

	assert.Equal(t, "gather", original.Previous[0])
	assert.Equal(t, "raw data", original.SkipWarning.Short)
}
