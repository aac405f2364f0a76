// Command strata drives a research pipeline session: it loads a workflow
// manifest, reports the current position, checks transitions, and
// materializes stage artifacts. All semantics live in internal/; this binary
// is glue and presentation.
package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kingrea/strata/internal/config"
	"github.com/kingrea/strata/internal/dag"
	"github.com/kingrea/strata/internal/governor"
	"github.com/kingrea/strata/internal/handler"
	"github.com/kingrea/strata/internal/logging"
	"github.com/kingrea/strata/internal/materialize"
	"github.com/kingrea/strata/internal/provenance"
	"github.com/kingrea/strata/internal/session"
	"github.com/kingrea/strata/internal/tui"
	"github.com/kingrea/strata/internal/vfs"
)

var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	styleBlock   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	styleHeading = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
)

// activeSessionFile stores the id of the session commands default to.
const activeSessionFile = "active-session"

type runtime struct {
	cfg    *config.Config
	fs     *vfs.OsFS
	log    *logging.Logger
	def    dag.Definition
	ctx    session.Context
	engine *materialize.Engine
	gov    *governor.Governor
}

func main() {
	var workflowID, sessionID string

	root := &cobra.Command{
		Use:           "strata",
		Short:         "Workflow DAG resolution and artifact-provenance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&workflowID, "workflow", "w", "", "workflow id (default from config)")
	root.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "session id (default: active session)")

	root.AddCommand(
		newWorkflowsCmd(),
		newStatusCmd(&workflowID, &sessionID),
		newCheckCmd(&workflowID, &sessionID),
		newRunCmd(&workflowID, &sessionID),
		newSkipCmd(&workflowID, &sessionID),
		newWatchCmd(&workflowID, &sessionID),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleBlock.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func newWorkflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List loadable workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range dag.List() {
				def, err := dag.Load(id)
				if err != nil {
					return err
				}
				userFacing := 0
				for _, node := range def.Nodes() {
					if !node.Structural() {
						userFacing++
					}
				}
				fmt.Printf("%s  %s\n", styleHeading.Render(id),
					styleMuted.Render(fmt.Sprintf("%s (%d stages, %d user-facing)", def.Name, def.Len(), userFacing)))
			}
			return nil
		},
	}
}

func newStatusCmd(workflowID, sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session's position in the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(*workflowID, *sessionID)
			if err != nil {
				return err
			}
			defer rt.log.Close()
			position, err := rt.engine.Position(rt.ctx, rt.def)
			if err != nil {
				return err
			}
			fmt.Println(styleHeading.Render(fmt.Sprintf("%s — session %s", rt.def.Name, rt.ctx.ID)))
			fmt.Printf("progress: %d/%d (%s)\n", position.Progress.Completed, position.Progress.Total, position.Progress.Phase)
			if len(position.CompletedStages) > 0 {
				fmt.Println("completed: " + styleOK.Render(strings.Join(position.CompletedStages, ", ")))
			}
			if len(position.StaleStages) > 0 {
				fmt.Println("stale: " + styleBlock.Render(strings.Join(position.StaleStages, ", ")))
			}
			switch {
			case position.IsComplete:
				fmt.Println(styleOK.Render("workflow complete"))
			case position.CurrentStage != "":
				fmt.Println("current: " + styleHeading.Render(position.CurrentStage))
				if position.NextInstruction != "" {
					fmt.Println(styleMuted.Render(position.NextInstruction))
				}
				if len(position.AvailableCommands) > 0 {
					fmt.Println("commands: " + styleMuted.Render(strings.Join(position.AvailableCommands, " · ")))
				}
			default:
				fmt.Println(styleWarn.Render("no stage is currently ready"))
			}
			return nil
		},
	}
}

func newCheckCmd(workflowID, sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <stage-or-command>",
		Short: "Ask the governor whether a transition is allowed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(*workflowID, *sessionID)
			if err != nil {
				return err
			}
			defer rt.log.Close()
			decision, err := rt.gov.Check(rt.ctx, rt.def, args[0])
			if err != nil {
				return err
			}
			if err := rt.gov.SaveState(rt.ctx); err != nil {
				return err
			}
			printDecision(decision)
			return nil
		},
	}
}

func newRunCmd(workflowID, sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <stage-or-command> [input...]",
		Short: "Check the transition and materialize the stage artifact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(*workflowID, *sessionID)
			if err != nil {
				return err
			}
			defer rt.log.Close()
			decision, err := rt.gov.Check(rt.ctx, rt.def, args[0])
			if err != nil {
				return err
			}
			if decision.AutoDeclinable {
				// Optional-only gaps are resolved without prompting: write a
				// skip sentinel per pending optional and re-check.
				for _, pending := range decision.PendingOptionals {
					record, skipErr := rt.engine.MaterializeSkip(rt.ctx, rt.def, pending)
					if skipErr != nil {
						return skipErr
					}
					rt.log.Printf("session %s: skip sentinel for %s at %s", rt.ctx.ID, pending, record.Path)
				}
				decision, err = rt.gov.Check(rt.ctx, rt.def, args[0])
				if err != nil {
					return err
				}
			}
			if saveErr := rt.gov.SaveState(rt.ctx); saveErr != nil {
				return saveErr
			}
			if !decision.Allowed {
				printDecision(decision)
				// os.Exit skips deferred closes; flush the log first so the
				// denial is not the line that gets lost.
				rt.log.Close()
				os.Exit(2)
			}
			node, ok := rt.def.Node(decision.Stage)
			if !ok {
				return fmt.Errorf("stage %s is not declared in workflow %s", args[0], rt.def.ID)
			}
			content, err := handler.Run(handler.Request{
				Workflow: rt.def.ID,
				Stage:    node,
				Params:   rt.ctx.Params,
				Input:    strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			record, err := rt.engine.Materialize(rt.ctx, rt.def, materialize.MaterializeRequest{
				Stage:   node.ID,
				Content: content,
				Params:  rt.ctx.Params,
			})
			if err != nil {
				return err
			}
			rt.log.Printf("session %s: materialized %s at %s (%s)", rt.ctx.ID, record.Stage, record.Path, record.Fingerprint)
			fmt.Println(styleOK.Render("materialized ") + record.Stage + styleMuted.Render(" → "+record.Path))
			if record.Branch != "" {
				fmt.Println(styleWarn.Render("legacy branch: ") + record.Branch)
			}
			return nil
		},
	}
}

func newSkipCmd(workflowID, sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "skip <stage>",
		Short: "Write a skip sentinel for an optional stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(*workflowID, *sessionID)
			if err != nil {
				return err
			}
			defer rt.log.Close()
			record, err := rt.engine.MaterializeSkip(rt.ctx, rt.def, args[0])
			if err != nil {
				return err
			}
			rt.log.Printf("session %s: skipped %s", rt.ctx.ID, record.Stage)
			fmt.Println(styleWarn.Render("skipped ") + record.Stage)
			return nil
		},
	}
}

func newWatchCmd(workflowID, sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch per-stage readiness interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(*workflowID, *sessionID)
			if err != nil {
				return err
			}
			defer rt.log.Close()
			program := tea.NewProgram(tui.NewModel(rt.ctx, rt.def, rt.engine), tea.WithAltScreen())
			_, err = program.Run()
			return err
		},
	}
}

// setup wires the shared runtime: config, OS-backed filesystem, workflow
// definition, session context, engine, and governor with restored skip state.
func setup(workflowID, sessionID string) (*runtime, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, err
	}
	fs, err := vfs.NewOsFS(cfg.SessionsRoot)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.SessionsRoot)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		workflowID = cfg.DefaultWorkflow
	}
	def, err := dag.Load(workflowID)
	if err != nil {
		return nil, err
	}
	if err := handler.ValidateDefinition(def); err != nil {
		return nil, err
	}
	layout := provenance.ParseLayout(cfg.Layout)
	ctx, err := resolveSession(fs, workflowID, sessionID, layout)
	if err != nil {
		return nil, err
	}
	engine := materialize.NewEngine()
	gov := governor.New(engine)
	if err := gov.LoadState(ctx); err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, fs: fs, log: log, def: def, ctx: ctx, engine: engine, gov: gov}, nil
}

// resolveSession picks the explicit session, then the recorded active one,
// and finally creates a fresh session and records it as active.
func resolveSession(fs vfs.FS, workflowID, sessionID string, layout provenance.Layout) (session.Context, error) {
	if sessionID == "" {
		pointer, err := fs.NodeRead(activeSessionFile)
		if err != nil {
			return session.Context{}, err
		}
		sessionID = strings.TrimSpace(string(pointer))
	}
	if sessionID != "" {
		return session.Open(fs, workflowID, sessionID, session.WithLayout(layout))
	}
	ctx, err := session.New(fs, workflowID, session.WithLayout(layout))
	if err != nil {
		return session.Context{}, err
	}
	if err := fs.NodeWrite(activeSessionFile, []byte(ctx.ID)); err != nil {
		return session.Context{}, err
	}
	fmt.Println(styleMuted.Render("created session " + ctx.ID))
	return ctx, nil
}

func printDecision(decision governor.Decision) {
	switch {
	case decision.Allowed:
		fmt.Println(styleOK.Render("allowed") + styleMuted.Render(" → "+decision.Stage))
	case decision.StaleBlock:
		fmt.Println(styleBlock.Render("blocked (stale)") + styleMuted.Render(" → "+decision.Stage))
		fmt.Printf("stale lineage at %s\n", decision.StaleStage)
		fmt.Println(styleMuted.Render(decision.Suggestion))
	case len(decision.Missing) > 0:
		fmt.Println(styleBlock.Render("blocked") + styleMuted.Render(" → "+decision.Stage))
		fmt.Printf("missing required stages: %s\n", strings.Join(decision.Missing, ", "))
	case decision.AutoDeclinable:
		fmt.Println(styleWarn.Render("declined (optional stages pending)") + styleMuted.Render(" → "+decision.Stage))
		fmt.Printf("pending optionals: %s\n", strings.Join(decision.PendingOptionals, ", "))
	case decision.Warning != "":
		fmt.Println(styleWarn.Render("warning") + styleMuted.Render(" → "+decision.Stage))
		fmt.Println(decision.Warning)
		if decision.Reason != "" {
			fmt.Println(styleMuted.Render(decision.Reason))
		}
		fmt.Println(styleMuted.Render(decision.Suggestion))
	default:
		fmt.Println(styleBlock.Render("blocked") + styleMuted.Render(" → "+decision.Stage))
	}
}
