// Package tui renders a read-only watch view over one session. It contains no
// engine logic: every keypress re-derives the position from on-disk artifacts
// through the same calls the CLI uses.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/strata/internal/dag"
	"github.com/kingrea/strata/internal/dag/resolver"
	"github.com/kingrea/strata/internal/materialize"
	"github.com/kingrea/strata/internal/session"
)

var (
	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	styleCurrent  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	styleComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	styleStale    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	styleBlocked  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	styleAuto     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	styleDetail   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	styleErr      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

// stageItem adapts one stage to the bubbles list.
type stageItem struct {
	id       string
	phase    string
	label    string
	detail   string
	rendered string
}

func (i stageItem) Title() string       { return i.rendered }
func (i stageItem) Description() string { return i.detail }
func (i stageItem) FilterValue() string { return i.id }

type refreshMsg struct {
	position resolver.Position
	states   []resolver.NodeReadiness
	err      error
}

// Model is the watch view's bubbletea model.
type Model struct {
	ctx      session.Context
	def      dag.Definition
	engine   *materialize.Engine
	list     list.Model
	position resolver.Position
	err      error
	width    int
}

// NewModel builds a watch view over one session.
func NewModel(ctx session.Context, def dag.Definition, engine *materialize.Engine) Model {
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	l := list.New(nil, delegate, 0, 0)
	l.Title = fmt.Sprintf("%s — session %s", def.Name, ctx.ID)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	return Model{ctx: ctx, def: def, engine: engine, list: l}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.refresh
}

func (m Model) refresh() tea.Msg {
	completed, err := m.engine.Completed(m.ctx, m.def)
	if err != nil {
		return refreshMsg{err: err}
	}
	stale, err := m.engine.StaleStages(m.ctx, m.def)
	if err != nil {
		return refreshMsg{err: err}
	}
	effective := resolver.AutoComplete(m.def, completed)
	return refreshMsg{
		position: resolver.Resolve(m.def, completed, stale),
		states:   resolver.Readiness(m.def, effective, stale),
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.list.SetSize(msg.Width, msg.Height-6)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}
	case refreshMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.position = msg.position
		m.list.SetItems(m.items(msg.states))
		return m, nil
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) items(states []resolver.NodeReadiness) []list.Item {
	byID := make(map[string]resolver.NodeReadiness, len(states))
	for _, state := range states {
		byID[state.NodeID] = state
	}
	items := make([]list.Item, 0, m.def.Len())
	for _, id := range resolver.TopoSort(m.def) {
		node, _ := m.def.Node(id)
		state := byID[id]
		item := stageItem{id: id, phase: node.Phase}
		switch {
		case state.Stale:
			item.rendered = styleStale.Render("⟳ " + id)
			item.detail = styleDetail.Render("stale: an ancestor was re-executed")
		case node.Structural():
			item.rendered = styleAuto.Render("· " + id)
			item.detail = styleDetail.Render("structural, auto-completed")
		case state.Complete:
			item.rendered = styleComplete.Render("✓ " + id)
			item.detail = styleDetail.Render(node.Phase)
		case id == m.position.CurrentStage:
			item.rendered = styleCurrent.Render("→ " + id)
			item.detail = styleDetail.Render(node.Instruction)
		case state.Ready:
			item.rendered = "  " + id
			item.detail = styleDetail.Render(node.Phase)
		default:
			item.rendered = styleBlocked.Render("  " + id)
			item.detail = styleDetail.Render("waiting on " + strings.Join(state.PendingParents, ", "))
		}
		items = append(items, item)
	}
	return items
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.list.View())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(styleErr.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	progress := fmt.Sprintf("%d/%d stages complete", m.position.Progress.Completed, m.position.Progress.Total)
	if m.position.IsComplete {
		progress += " — workflow complete"
	} else if m.position.CurrentStage != "" {
		progress += fmt.Sprintf(" — current: %s", m.position.CurrentStage)
	}
	b.WriteString(styleTitle.Render(progress))
	b.WriteString(styleDetail.Render("\nr refresh · q quit\n"))
	return b.String()
}
