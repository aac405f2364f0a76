package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/strata/internal/dag"
	"github.com/kingrea/strata/internal/materialize"
	"github.com/kingrea/strata/internal/session"
	"github.com/kingrea/strata/internal/vfs"
)

func testModel(t *testing.T) (Model, session.Context, dag.Definition, *materialize.Engine) {
	t.Helper()
	def, err := dag.Load("fedml")
	require.NoError(t, err)
	ctx, err := session.New(vfs.NewMemFS(), "fedml", session.WithID("s1"))
	require.NoError(t, err)
	engine := materialize.NewEngine()
	return NewModel(ctx, def, engine), ctx, def, engine
}

func TestInitTriggersRefresh(t *testing.T) {
	model, _, _, _ := testModel(t)
	cmd := model.Init()
	require.NotNil(t, cmd)

	msg, ok := cmd().(refreshMsg)
	require.True(t, ok)
	require.NoError(t, msg.err)
	assert.Equal(t, "search", msg.position.CurrentStage)
	assert.Len(t, msg.states, 14)
}

func TestRefreshReflectsArtifacts(t *testing.T) {
	model, ctx, def, engine := testModel(t)
	_, err := engine.Materialize(ctx, def, materialize.MaterializeRequest{Stage: "search", Content: "listing"})
	require.NoError(t, err)
	_, err = engine.Materialize(ctx, def, materialize.MaterializeRequest{Stage: "gather", Content: "cohort"})
	require.NoError(t, err)

	updated, _ := model.Update(model.refresh())
	m := updated.(Model)
	assert.Equal(t, "rename", m.position.CurrentStage)
	assert.Equal(t, 2, m.position.Progress.Completed)

	view := m.View()
	assert.Contains(t, view, "2/8 stages complete")
	assert.Contains(t, view, "current: rename")
}

func TestQuitKeys(t *testing.T) {
	model, _, _, _ := testModel(t)
	for _, msg := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := model.Update(msg)
		require.NotNil(t, cmd, "key %s", msg.String())
		assert.Equal(t, tea.Quit(), cmd())
	}
}

func TestRefreshSurfacesErrors(t *testing.T) {
	model, _, _, _ := testModel(t)
	updated, _ := model.Update(refreshMsg{err: assert.AnError})
	m := updated.(Model)
	assert.Contains(t, m.View(), "error:")
}
