// Package handler maps manifest handler names onto a closed set of content
// producers resolved at compile time. Manifests referencing a name outside
// this set fail validation; there is no runtime plugin loading.
package handler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/strata/internal/dag"
)

// Request carries what a handler needs to produce stage content.
type Request struct {
	Workflow string
	Stage    dag.Node
	Params   map[string]string
	// Input is free-form user text accompanying the command.
	Input string
}

// Func produces the artifact content for one stage execution.
type Func func(Request) (string, error)

// The closed registry. Adding a handler means adding a function here; the
// manifest validator rejects anything else.
var registry = map[string]Func{
	"dataset-search":   datasetSearch,
	"cohort-assembly":  cohortAssembly,
	"column-rename":    columnRename,
	"deidentify":       deidentify,
	"harmonization":    harmonization,
	"code-scaffold":    codeScaffold,
	"model-train":      modelTrain,
	"federation-brief": federationBrief,
	"transcompile":     transcompile,
}

// Known returns the registered handler names, sorted.
func Known() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a handler by name.
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// ValidateDefinition checks every handler a manifest names against the closed
// set. Structural stages declare no handler.
func ValidateDefinition(def dag.Definition) error {
	for _, node := range def.Nodes() {
		if node.Handler == "" {
			if node.Structural() {
				continue
			}
			return fmt.Errorf("handler: workflow %s stage %s declares no handler", def.ID, node.ID)
		}
		if _, ok := registry[node.Handler]; !ok {
			return fmt.Errorf("handler: workflow %s stage %s names unknown handler %s", def.ID, node.ID, node.Handler)
		}
	}
	return nil
}

// Run executes the handler a stage declares.
func Run(req Request) (string, error) {
	fn, ok := Lookup(req.Stage.Handler)
	if !ok {
		return "", fmt.Errorf("handler: stage %s names unknown handler %s", req.Stage.ID, req.Stage.Handler)
	}
	return fn(req)
}

func header(req Request, title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\nworkflow: %s\nstage: %s\n", title, req.Workflow, req.Stage.ID)
	if req.Input != "" {
		fmt.Fprintf(&b, "input: %s\n", req.Input)
	}
	if len(req.Params) > 0 {
		keys := make([]string, 0, len(req.Params))
		for key := range req.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString("parameters:\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", key, req.Params[key])
		}
	}
	return b.String()
}

func datasetSearch(req Request) (string, error) {
	return header(req, "Dataset Search Results"), nil
}

func cohortAssembly(req Request) (string, error) {
	return header(req, "Assembled Cohort"), nil
}

func columnRename(req Request) (string, error) {
	return header(req, "Column Rename Map"), nil
}

func deidentify(req Request) (string, error) {
	return header(req, "De-identified Series Metadata"), nil
}

func harmonization(req Request) (string, error) {
	return header(req, "Harmonized Schema"), nil
}

func codeScaffold(req Request) (string, error) {
	return header(req, "Scaffolded Analysis Code"), nil
}

func modelTrain(req Request) (string, error) {
	return header(req, "Training Summary"), nil
}

func federationBrief(req Request) (string, error) {
	return header(req, "Federation Brief"), nil
}

func transcompile(req Request) (string, error) {
	return header(req, "Transcompiled Targets"), nil
}
