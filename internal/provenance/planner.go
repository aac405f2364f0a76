// Package provenance maps stages to the filesystem locations that encode
// their causal history. A stage's directory nests through every ancestor that
// actually executed, so two artifacts produced from different histories can
// never collide, and a re-executed ancestor is visible as a diverging path.
package provenance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/strata/internal/dag"
	"github.com/kingrea/strata/internal/dag/resolver"
	"github.com/kingrea/strata/internal/vfs"
)

// Layout selects the path strategy. Legacy is the flat historical layout kept
// for read compatibility; Store is the current provenance-chain layout.
type Layout string

const (
	LayoutLegacy Layout = "legacy"
	LayoutStore  Layout = "store"
)

// ParseLayout normalizes a layout name, defaulting to Store.
func ParseLayout(name string) Layout {
	if strings.EqualFold(strings.TrimSpace(name), string(LayoutLegacy)) {
		return LayoutLegacy
	}
	return LayoutStore
}

// ArtifactFileName is the envelope file inside every stage directory.
const ArtifactFileName = "artifact.json"

// JoinPrefix starts the synthetic segment for multi-parent convergence.
const JoinPrefix = "_join_"

// BranchInfix separates a legacy root branch sibling from its ordinal.
const BranchInfix = "_BRANCH_"

// StagePath is the planner's output: where one stage's materialized artifact
// lives, relative to the session root.
type StagePath struct {
	DataDir      string
	ArtifactFile string
}

// Alias is a link the engine creates so a join directory is reachable from
// every converging parent, not just the first one.
type Alias struct {
	// Path is the link location relative to the session root.
	Path string
	// Target is the link destination relative to the link's directory.
	Target string
}

// Plan resolves the provenance path for a stage under the given layout. The
// executed set holds stages whose artifacts physically exist from real
// execution; skip sentinels must not be included, because the path is a
// function of actual execution history, not the static graph.
func Plan(def dag.Definition, stageID string, executed resolver.Set, layout Layout) (StagePath, []Alias, error) {
	if _, ok := def.Node(stageID); !ok {
		return StagePath{}, nil, fmt.Errorf("provenance: workflow %s has no stage %s", def.ID, stageID)
	}
	if layout == LayoutLegacy {
		dir := stageID
		return StagePath{DataDir: dir, ArtifactFile: vfs.JoinPath(dir, ArtifactFileName)}, nil, nil
	}
	dir, aliases := chainDir(def, stageID, executed)
	return StagePath{DataDir: dir, ArtifactFile: vfs.JoinPath(dir, ArtifactFileName)}, aliases, nil
}

// chainDir computes the store-layout directory for a stage by nesting through
// its effective parents. Structural gate nodes contribute segments like any
// other node; optional parents appear only once they actually executed.
func chainDir(def dag.Definition, stageID string, executed resolver.Set) (string, []Alias) {
	node, _ := def.Node(stageID)
	parents := effectiveParents(def, node, executed)
	if len(parents) == 0 {
		return stageID, nil
	}
	if len(parents) == 1 {
		base, aliases := chainDir(def, parents[0], executed)
		return vfs.JoinPath(base, stageID), aliases
	}
	// Genuine join: nest under the first declared parent's chain through a
	// synthetic segment naming every converging parent, and alias the segment
	// from each other parent's directory.
	segment := JoinPrefix + strings.Join(parents, "_")
	base, aliases := chainDir(def, parents[0], executed)
	joinDir := vfs.JoinPath(base, segment)
	for _, parent := range parents[1:] {
		parentDir, parentAliases := chainDir(def, parent, executed)
		aliases = append(aliases, parentAliases...)
		aliasPath := vfs.JoinPath(parentDir, segment)
		aliases = append(aliases, Alias{Path: aliasPath, Target: relativePath(parentDir, joinDir)})
	}
	return vfs.JoinPath(joinDir, stageID), aliases
}

// effectiveParents filters a stage's declared parents down to the ones that
// shape its path: optional parents that never executed drop out, and a parent
// subsumed by another parent's ancestry is carried by the deeper chain.
func effectiveParents(def dag.Definition, node dag.Node, executed resolver.Set) []string {
	present := make([]string, 0, len(node.Previous))
	for _, parentID := range node.Previous {
		parent, ok := def.Node(parentID)
		if !ok {
			continue
		}
		if parent.Optional && !executed.Has(parentID) {
			continue
		}
		present = append(present, parentID)
	}
	if len(present) <= 1 {
		return present
	}
	kept := make([]string, 0, len(present))
	for _, candidate := range present {
		subsumed := false
		for _, other := range present {
			if other == candidate {
				continue
			}
			// candidate already sits on other's executed chain, so the deeper
			// chain carries its provenance.
			if chainContains(def, other, candidate, executed) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func chainContains(def dag.Definition, stageID, wanted string, executed resolver.Set) bool {
	dir, _ := chainDir(def, stageID, executed)
	for _, segment := range vfs.SplitPath(dir) {
		if segment == wanted {
			return true
		}
	}
	return false
}

// relativePath computes a slash path from one session-relative directory to
// another.
func relativePath(fromDir, to string) string {
	fromSegments := vfs.SplitPath(fromDir)
	toSegments := vfs.SplitPath(to)
	common := 0
	for common < len(fromSegments) && common < len(toSegments) && fromSegments[common] == toSegments[common] {
		common++
	}
	segments := make([]string, 0, len(fromSegments)-common+len(toSegments)-common)
	for range fromSegments[common:] {
		segments = append(segments, "..")
	}
	segments = append(segments, toSegments[common:]...)
	if len(segments) == 0 {
		return "."
	}
	return strings.Join(segments, "/")
}

// Locate probes for an existing artifact so old sessions stay readable
// regardless of the active write strategy. Legacy branch siblings are probed
// first: a root stage's store path coincides with the legacy base directory,
// and a branch sibling is always the newer execution when one exists. Then
// every store chain the stage's history could have produced, then the flat
// legacy base.
func Locate(fs vfs.FS, sessionPath string, def dag.Definition, stageID string, executed resolver.Set) (string, bool, error) {
	branchPath, found, err := locateBranch(fs, sessionPath, stageID)
	if err != nil || found {
		return branchPath, found, err
	}
	candidates, err := storeCandidates(def, stageID, executed)
	if err != nil {
		return "", false, err
	}
	candidates = append(candidates, vfs.JoinPath(stageID, ArtifactFileName))
	probed := map[string]struct{}{}
	for _, candidate := range candidates {
		if _, dup := probed[candidate]; dup {
			continue
		}
		probed[candidate] = struct{}{}
		path := vfs.JoinPath(sessionPath, candidate)
		info, statErr := fs.NodeStat(path)
		if statErr != nil {
			return "", false, statErr
		}
		if info != nil {
			return path, true, nil
		}
	}
	return "", false, nil
}

// storeCandidates enumerates every store-layout file the stage's artifact may
// occupy. An optional ancestor that executed after the artifact was written is
// absent from the artifact's chain, so each executed optional ancestor is
// toggled off in turn. Deeper chains come first: a stage re-run after its
// history deepened lands at the deeper path, which is the newer execution.
func storeCandidates(def dag.Definition, stageID string, executed resolver.Set) ([]string, error) {
	toggles := executedOptionalAncestors(def, stageID, executed)
	type candidate struct {
		file string
		kept int
	}
	candidates := make([]candidate, 0, 1<<len(toggles))
	for mask := 0; mask < 1<<len(toggles); mask++ {
		history := executed.Clone()
		kept := len(toggles)
		for i, id := range toggles {
			if mask&(1<<i) != 0 {
				delete(history, id)
				kept--
			}
		}
		planned, _, err := Plan(def, stageID, history, LayoutStore)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{file: planned.ArtifactFile, kept: kept})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].kept > candidates[j].kept
	})
	files := make([]string, len(candidates))
	for i, c := range candidates {
		files[i] = c.file
	}
	return files, nil
}

// executedOptionalAncestors returns the stage's optional ancestors that have
// actually run, in declaration order.
func executedOptionalAncestors(def dag.Definition, stageID string, executed resolver.Set) []string {
	ancestors := def.Ancestors(stageID)
	var out []string
	for _, id := range def.IDs() {
		if _, isAncestor := ancestors[id]; !isAncestor {
			continue
		}
		node, ok := def.Node(id)
		if !ok || !node.Optional || !executed.Has(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// locateBranch finds the highest numbered legacy branch sibling for a stage.
func locateBranch(fs vfs.FS, sessionPath, stageID string) (string, bool, error) {
	entries, err := fs.DirList(sessionPath)
	if err != nil {
		return "", false, err
	}
	best := ""
	bestOrdinal := -1
	for _, entry := range entries {
		if entry.Kind != vfs.KindDirectory {
			continue
		}
		var ordinal int
		if n, scanErr := fmt.Sscanf(entry.Name, stageID+BranchInfix+"%d", &ordinal); scanErr == nil && n == 1 && ordinal > bestOrdinal {
			best = entry.Name
			bestOrdinal = ordinal
		}
	}
	if best == "" {
		return "", false, nil
	}
	path := vfs.JoinPath(sessionPath, best, ArtifactFileName)
	info, err := fs.NodeStat(path)
	if err != nil {
		return "", false, err
	}
	if info == nil {
		return "", false, nil
	}
	return path, true, nil
}

// NextBranch returns the legacy branch directory for a root re-execution: the
// first unused ordinal sibling of the base stage directory.
func NextBranch(fs vfs.FS, sessionPath, stageID string) (string, error) {
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s%s%d", stageID, BranchInfix, n)
		info, err := fs.NodeStat(vfs.JoinPath(sessionPath, candidate))
		if err != nil {
			return "", err
		}
		if info == nil {
			return candidate, nil
		}
	}
}
