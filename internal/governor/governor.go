// Package governor decides whether a requested stage transition is allowed,
// blocked, or merely discouraged. Soft warnings and hard blocks are both
// return-value discriminants: warnings are frequent, expected, and part of
// normal operation, so they are never errors.
package governor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kingrea/strata/internal/dag"
	"github.com/kingrea/strata/internal/dag/resolver"
	"github.com/kingrea/strata/internal/materialize"
	"github.com/kingrea/strata/internal/session"
)

// Decision is the outcome of one transition check.
type Decision struct {
	Allowed bool
	// Stage is the resolved target; empty when the request did not resolve to
	// a declared stage.
	Stage string
	// Warning and Reason carry the soft skip warning. Reason is empty on the
	// first attempt and filled with the detailed text on later attempts.
	Warning    string
	Reason     string
	Suggestion string
	// AutoDeclinable marks a denial whose only unmet parents are optional:
	// the caller may materialize a skip sentinel per PendingOptionals entry
	// and retry instead of prompting the user.
	AutoDeclinable   bool
	PendingOptionals []string
	// Missing lists unmet required parents.
	Missing []string
	// HardBlock denials cannot be overridden by repetition. StaleBlock marks
	// the stale-lineage variant.
	HardBlock  bool
	StaleBlock bool
	StaleStage string
}

// proceedAliases resolve to whatever stage the position calculation reports
// as current. Routing richer utterances to stages is the command router's
// concern, not the governor's.
var proceedAliases = map[string]struct{}{
	"proceed":  {},
	"continue": {},
	"next":     {},
}

// Governor wraps the resolver and engine with workflow-authored policy. It
// holds the per-session skip counters; one governor serves one logical writer,
// matching the engine's single-actor model.
type Governor struct {
	engine *materialize.Engine
	skips  map[string]int
}

// New builds a governor over a materialization engine.
func New(engine *materialize.Engine) *Governor {
	return &Governor{
		engine: engine,
		skips:  map[string]int{},
	}
}

func skipKey(ctx session.Context, stageID string) string {
	return ctx.Path + "|" + stageID
}

// Check evaluates a requested stage id or command phrase against the current
// artifact state. It only constrains stages the manifest declares; unknown
// requests pass through as allowed.
func (g *Governor) Check(ctx session.Context, def dag.Definition, requested string) (Decision, error) {
	completed, err := g.engine.Completed(ctx, def)
	if err != nil {
		return Decision{}, err
	}
	executed, err := g.engine.Executed(ctx, def)
	if err != nil {
		return Decision{}, err
	}
	// A genuinely executed stage destroys its skip state the moment it runs.
	// Sentinel completions keep theirs: the warning exists precisely for
	// proceeding past a stage that was skipped rather than done.
	for id := range executed {
		delete(g.skips, skipKey(ctx, id))
	}

	node, resolved := g.resolveTarget(def, requested, completed)
	if !resolved {
		return Decision{Allowed: true}, nil
	}
	decision := Decision{Stage: node.ID}

	// Idempotent re-entry: already-completed stages are always allowed, even
	// when their recorded provenance is stale; re-running them is how a stale
	// lineage gets repaired.
	if completed.Has(node.ID) {
		decision.Allowed = true
		return decision, nil
	}

	effective := resolver.AutoComplete(def, completed)
	missing, pendingOptionals := unmetParents(def, node, effective)
	if len(missing) > 0 {
		decision.Missing = missing
		decision.Suggestion = fmt.Sprintf("complete %s first", missing[0])
		return decision, nil
	}
	if len(pendingOptionals) > 0 {
		decision.AutoDeclinable = true
		decision.PendingOptionals = pendingOptionals
		return decision, nil
	}

	// Stale lineage is a hard block regardless of skip counters: the only way
	// forward is re-running the stale stages.
	stale, err := g.engine.StaleStages(ctx, def)
	if err != nil {
		return Decision{}, err
	}
	if staleStage, blocked := firstStaleAncestor(def, node.ID, stale); blocked {
		decision.HardBlock = true
		decision.StaleBlock = true
		decision.StaleStage = staleStage
		decision.Suggestion = fmt.Sprintf("re-run %s and its descendants before continuing", staleStage)
		return decision, nil
	}

	if warn := node.SkipWarning; warn != nil && !executed.Has(warn.Stage) {
		key := skipKey(ctx, warn.Stage)
		attempts := g.skips[key]
		if attempts < warn.Bound() {
			g.skips[key] = attempts + 1
			decision.Warning = warn.Short
			if attempts > 0 {
				decision.Reason = warn.Reason
			}
			decision.Suggestion = fmt.Sprintf("complete %s first, or repeat the command to proceed anyway", warn.Stage)
			return decision, nil
		}
	}

	decision.Allowed = true
	return decision, nil
}

// SkipAttempts exposes the current override count for a skipped stage.
func (g *Governor) SkipAttempts(ctx session.Context, stageID string) int {
	return g.skips[skipKey(ctx, stageID)]
}

// skipStateFile persists skip counters inside the session tree so a governor
// rebuilt in a new process continues counting where the last one stopped.
const skipStateFile = ".skip-state.json"

// LoadState restores the session's skip counters from the filesystem. A
// missing state file means no overrides have happened yet.
func (g *Governor) LoadState(ctx session.Context) error {
	content, err := ctx.FS.NodeRead(ctx.Path + "/" + skipStateFile)
	if err != nil {
		return fmt.Errorf("governor: load skip state: %w", err)
	}
	if content == nil {
		return nil
	}
	counters := map[string]int{}
	if err := json.Unmarshal(content, &counters); err != nil {
		return fmt.Errorf("governor: decode skip state: %w", err)
	}
	for stageID, count := range counters {
		g.skips[skipKey(ctx, stageID)] = count
	}
	return nil
}

// SaveState writes the session's skip counters back to the filesystem.
func (g *Governor) SaveState(ctx session.Context) error {
	counters := map[string]int{}
	prefix := ctx.Path + "|"
	for key, count := range g.skips {
		if strings.HasPrefix(key, prefix) && count > 0 {
			counters[strings.TrimPrefix(key, prefix)] = count
		}
	}
	content, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("governor: encode skip state: %w", err)
	}
	if err := ctx.FS.NodeWrite(ctx.Path+"/"+skipStateFile, content); err != nil {
		return fmt.Errorf("governor: save skip state: %w", err)
	}
	return nil
}

// unmetParents splits a stage's unsatisfied parents into required and
// optional. Structural parents carry no command a user could invoke, so an
// unmet structural parent resolves through to its own unmet ancestors; the
// reported names are always stages the user can act on.
func unmetParents(def dag.Definition, node dag.Node, effective resolver.Set) (missing, pendingOptionals []string) {
	seen := map[string]struct{}{}
	var inspect func(parentID string)
	inspect = func(parentID string) {
		if effective.Has(parentID) {
			return
		}
		parent, ok := def.Node(parentID)
		if !ok {
			return
		}
		if parent.Structural() {
			for _, grand := range parent.Previous {
				inspect(grand)
			}
			return
		}
		if _, dup := seen[parent.ID]; dup {
			return
		}
		seen[parent.ID] = struct{}{}
		if parent.Optional {
			pendingOptionals = append(pendingOptionals, parent.ID)
			return
		}
		missing = append(missing, parent.ID)
	}
	for _, parentID := range node.Previous {
		inspect(parentID)
	}
	return missing, pendingOptionals
}

// resolveTarget maps a request to a declared stage: exact id, declared
// command phrase, or a proceed alias pointing at the current stage.
func (g *Governor) resolveTarget(def dag.Definition, requested string, completed resolver.Set) (dag.Node, bool) {
	if node, ok := def.Node(requested); ok {
		return node, true
	}
	if node, ok := def.StageForCommand(requested); ok {
		return node, true
	}
	if _, ok := proceedAliases[requested]; ok {
		position := resolver.Resolve(def, completed, nil)
		if position.CurrentStage == "" {
			return dag.Node{}, false
		}
		node, found := def.Node(position.CurrentStage)
		return node, found
	}
	return dag.Node{}, false
}

// firstStaleAncestor reports the closest stale stage along the target's
// ancestry, the target itself included. Staleness anywhere upstream is enough:
// the check rides on recorded fingerprints, not a subtree re-walk.
func firstStaleAncestor(def dag.Definition, stageID string, stale resolver.Set) (string, bool) {
	if stale.Has(stageID) {
		return stageID, true
	}
	ancestors := def.Ancestors(stageID)
	for _, id := range resolver.TopoSort(def) {
		if _, isAncestor := ancestors[id]; !isAncestor {
			continue
		}
		if stale.Has(id) {
			return id, true
		}
	}
	return "", false
}
