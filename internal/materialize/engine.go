// Package materialize writes stage artifacts at provenance-encoded paths and
// detects when an artifact has gone stale relative to a re-executed ancestor.
// It is the only mutating component: everything upstream of it is a pure
// computation over the artifacts this package has written.
package materialize

import (
	"fmt"
	"time"

	"github.com/kingrea/strata/internal/dag"
	"github.com/kingrea/strata/internal/dag/resolver"
	"github.com/kingrea/strata/internal/provenance"
	"github.com/kingrea/strata/internal/session"
	"github.com/kingrea/strata/internal/vfs"
)

// SkipSentinelContent marks a skip sentinel envelope's body.
const SkipSentinelContent = "stage skipped"

// Record is what a materialization returns so callers can update external
// state such as active-project pointers.
type Record struct {
	Stage       string
	Path        string
	DataDir     string
	Fingerprint string
	// Branch names the legacy branch directory when a root re-execution forked
	// one; empty otherwise.
	Branch    string
	Timestamp time.Time
	Skipped   bool
}

// Engine orchestrates artifact writes for one session at a time.
type Engine struct {
	now func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewEngine builds a materialization engine.
func NewEngine(opts ...Option) *Engine {
	engine := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// MaterializeRequest names one write.
type MaterializeRequest struct {
	Stage   string
	Content string
	Params  map[string]string
	// Fingerprint overrides the content-derived identity; used for replaying
	// recorded executions.
	Fingerprint string
}

// Materialize writes the artifact envelope for a stage at its provenance path.
// The path is derived from the ancestors that actually executed, so the same
// stage written after different optional branches lands at different depths.
func (e *Engine) Materialize(ctx session.Context, def dag.Definition, req MaterializeRequest) (Record, error) {
	node, ok := def.Node(req.Stage)
	if !ok {
		return Record{}, fmt.Errorf("materialize: workflow %s has no stage %s", def.ID, req.Stage)
	}
	if node.Structural() {
		return Record{}, fmt.Errorf("materialize: stage %s is structural and auto-completed, not materialized", req.Stage)
	}
	executed, err := e.Executed(ctx, def)
	if err != nil {
		return Record{}, err
	}
	fingerprint := req.Fingerprint
	if fingerprint == "" {
		fingerprint = ComputeFingerprint(req.Stage, req.Content, req.Params)
	}
	parents, err := e.parentFingerprints(ctx, def, node, executed)
	if err != nil {
		return Record{}, err
	}
	now := e.now().UTC()
	envelope := Envelope{
		Stage:              req.Stage,
		Timestamp:          now.Format(timestampLayout),
		ParametersUsed:     req.Params,
		Content:            req.Content,
		Fingerprint:        fingerprint,
		ParentFingerprints: parents,
	}
	return e.write(ctx, def, node, envelope, executed, now)
}

// MaterializeSkip writes a skip sentinel for an optional stage. The sentinel
// marks the stage completed for readiness purposes without counting as an
// execution, so descendants do not nest through it.
func (e *Engine) MaterializeSkip(ctx session.Context, def dag.Definition, stageID string) (Record, error) {
	node, ok := def.Node(stageID)
	if !ok {
		return Record{}, fmt.Errorf("materialize: workflow %s has no stage %s", def.ID, stageID)
	}
	if !node.Optional {
		return Record{}, fmt.Errorf("materialize: stage %s is not optional and cannot be skipped", stageID)
	}
	executed, err := e.Executed(ctx, def)
	if err != nil {
		return Record{}, err
	}
	parents, err := e.parentFingerprints(ctx, def, node, executed)
	if err != nil {
		return Record{}, err
	}
	now := e.now().UTC()
	envelope := Envelope{
		Stage:              stageID,
		Timestamp:          now.Format(timestampLayout),
		ParametersUsed:     map[string]string{"skipped": "true"},
		Content:            SkipSentinelContent,
		Fingerprint:        ComputeFingerprint(stageID, SkipSentinelContent, nil),
		ParentFingerprints: parents,
		Skipped:            true,
	}
	return e.write(ctx, def, node, envelope, executed, now)
}

// write plans the stage path, applies root re-execution rules, and persists
// the envelope. Failed filesystem writes surface as hard errors; no partial
// state is assumed valid.
func (e *Engine) write(ctx session.Context, def dag.Definition, node dag.Node, envelope Envelope, executed resolver.Set, now time.Time) (Record, error) {
	planned, aliases, err := provenance.Plan(def, node.ID, executed, ctx.Layout)
	if err != nil {
		return Record{}, err
	}
	record := Record{
		Stage:       node.ID,
		DataDir:     planned.DataDir,
		Fingerprint: envelope.Fingerprint,
		Timestamp:   now,
		Skipped:     envelope.Skipped,
	}
	artifactPath := vfs.JoinPath(ctx.Path, planned.ArtifactFile)
	if ctx.Layout == provenance.LayoutLegacy && node.Root() {
		existing, statErr := ctx.FS.NodeStat(artifactPath)
		if statErr != nil {
			return Record{}, fmt.Errorf("materialize: probe %s: %w", artifactPath, statErr)
		}
		if existing != nil {
			// Legacy sessions never update a root in place: re-execution forks
			// a timestamped branch sibling.
			branch, branchErr := provenance.NextBranch(ctx.FS, ctx.Path, node.ID)
			if branchErr != nil {
				return Record{}, fmt.Errorf("materialize: branch %s: %w", node.ID, branchErr)
			}
			record.Branch = branch
			record.DataDir = branch
			artifactPath = vfs.JoinPath(ctx.Path, branch, provenance.ArtifactFileName)
		}
	}
	data, err := envelope.Encode()
	if err != nil {
		return Record{}, err
	}
	dir := vfs.JoinPath(ctx.Path, record.DataDir)
	if err := ctx.FS.DirCreate(dir); err != nil {
		return Record{}, fmt.Errorf("materialize: %s: %w", node.ID, err)
	}
	// Store mode updates in place: a root re-run always wins at the same path,
	// and a re-run elsewhere in the chain lands at its own provenance path
	// without deleting stale siblings.
	if err := ctx.FS.NodeWrite(artifactPath, data); err != nil {
		return Record{}, fmt.Errorf("materialize: %s: %w", node.ID, err)
	}
	record.Path = artifactPath
	for _, alias := range aliases {
		aliasPath := vfs.JoinPath(ctx.Path, alias.Path)
		info, statErr := ctx.FS.NodeStat(aliasPath)
		if statErr != nil {
			return Record{}, fmt.Errorf("materialize: alias %s: %w", alias.Path, statErr)
		}
		if info != nil {
			continue
		}
		if err := ctx.FS.LinkCreate(aliasPath, alias.Target); err != nil {
			return Record{}, fmt.Errorf("materialize: alias %s: %w", alias.Path, err)
		}
	}
	return record, nil
}

// Read returns the latest envelope for a stage, or nil when none exists.
func (e *Engine) Read(ctx session.Context, def dag.Definition, stageID string) (*Envelope, error) {
	executed, err := e.Executed(ctx, def)
	if err != nil {
		return nil, err
	}
	return e.latest(ctx, def, stageID, executed)
}

// latest loads the most recently written envelope for a stage, probing the
// store layout first and legacy branches second.
func (e *Engine) latest(ctx session.Context, def dag.Definition, stageID string, executed resolver.Set) (*Envelope, error) {
	path, found, err := provenance.Locate(ctx.FS, ctx.Path, def, stageID, executed)
	if err != nil || !found {
		return nil, err
	}
	content, err := ctx.FS.NodeRead(path)
	if err != nil {
		return nil, fmt.Errorf("materialize: read %s: %w", path, err)
	}
	if content == nil {
		return nil, nil
	}
	envelope, err := DecodeEnvelope(content)
	if err != nil {
		return nil, err
	}
	return &envelope, nil
}

// Completed returns the stages whose artifacts physically exist with valid
// envelopes, skip sentinels included. This is the resolver's input: position
// is always derived from what is actually on disk.
func (e *Engine) Completed(ctx session.Context, def dag.Definition) (resolver.Set, error) {
	return e.scan(ctx, def, true)
}

// Executed returns the stages that genuinely ran: valid envelopes excluding
// skip sentinels. The path planner consumes this set.
func (e *Engine) Executed(ctx session.Context, def dag.Definition) (resolver.Set, error) {
	return e.scan(ctx, def, false)
}

// scan walks the graph in topological order so each stage's path can be
// planned from the execution state of everything upstream of it.
func (e *Engine) scan(ctx session.Context, def dag.Definition, includeSkipped bool) (resolver.Set, error) {
	executed := resolver.NewSet()
	completed := resolver.NewSet()
	for _, stageID := range resolver.TopoSort(def) {
		envelope, err := e.latest(ctx, def, stageID, executed)
		if err != nil {
			return nil, err
		}
		if envelope == nil || envelope.Completeness() != EnvelopeValid {
			continue
		}
		completed[stageID] = struct{}{}
		if !envelope.Skipped {
			executed[stageID] = struct{}{}
		}
	}
	if includeSkipped {
		return completed, nil
	}
	return executed, nil
}

// parentFingerprints captures the identity of every parent execution at write
// time. Structural parents carry no envelope of their own, so they resolve
// through to their nearest artifact-bearing ancestors.
func (e *Engine) parentFingerprints(ctx session.Context, def dag.Definition, node dag.Node, executed resolver.Set) (map[string]string, error) {
	out := map[string]string{}
	for _, parentID := range artifactParents(def, node.ID) {
		envelope, err := e.latest(ctx, def, parentID, executed)
		if err != nil {
			return nil, err
		}
		if envelope == nil || envelope.Completeness() != EnvelopeValid {
			continue
		}
		out[parentID] = envelope.Fingerprint
	}
	return out, nil
}

// artifactParents returns the nearest artifact-bearing (non-structural)
// ancestors reached through each declared parent, in declaration order.
func artifactParents(def dag.Definition, stageID string) []string {
	seen := map[string]struct{}{}
	var out []string
	var visit func(string)
	visit = func(id string) {
		for _, parentID := range def.Parents(id) {
			parent, ok := def.Node(parentID)
			if !ok {
				continue
			}
			if parent.Structural() {
				visit(parentID)
				continue
			}
			if _, dup := seen[parentID]; dup {
				continue
			}
			seen[parentID] = struct{}{}
			out = append(out, parentID)
		}
	}
	visit(stageID)
	return out
}

// Stale reports whether a stage's artifact was built against a parent
// execution that has since been replaced: any recorded parent fingerprint
// differing from that parent's latest fingerprint marks the stage stale.
func (e *Engine) Stale(ctx session.Context, def dag.Definition, stageID string) (bool, error) {
	executed, err := e.Executed(ctx, def)
	if err != nil {
		return false, err
	}
	return e.staleWith(ctx, def, stageID, executed)
}

func (e *Engine) staleWith(ctx session.Context, def dag.Definition, stageID string, executed resolver.Set) (bool, error) {
	envelope, err := e.latest(ctx, def, stageID, executed)
	if err != nil || envelope == nil {
		return false, err
	}
	for parentID, recorded := range envelope.ParentFingerprints {
		parent, err := e.latest(ctx, def, parentID, executed)
		if err != nil {
			return false, err
		}
		if parent == nil || parent.Completeness() != EnvelopeValid {
			continue
		}
		if parent.Fingerprint != recorded {
			return true, nil
		}
	}
	return false, nil
}

// StaleStages evaluates every materialized stage once and returns the stale
// set. Descendant blocking is the governor's concern; it only needs this set
// plus ancestry, not a re-walk per check.
func (e *Engine) StaleStages(ctx session.Context, def dag.Definition) (resolver.Set, error) {
	executed, err := e.Executed(ctx, def)
	if err != nil {
		return nil, err
	}
	stale := resolver.NewSet()
	for _, stageID := range resolver.TopoSort(def) {
		isStale, err := e.staleWith(ctx, def, stageID, executed)
		if err != nil {
			return nil, err
		}
		if isStale {
			stale[stageID] = struct{}{}
		}
	}
	return stale, nil
}

// Position derives the full workflow snapshot from on-disk artifacts.
func (e *Engine) Position(ctx session.Context, def dag.Definition) (resolver.Position, error) {
	completed, err := e.Completed(ctx, def)
	if err != nil {
		return resolver.Position{}, err
	}
	stale, err := e.StaleStages(ctx, def)
	if err != nil {
		return resolver.Position{}, err
	}
	return resolver.Resolve(def, completed, stale), nil
}
