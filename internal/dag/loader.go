package dag

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifests/*.yaml
var manifests embed.FS

// ErrNotFound is returned by Load for workflow ids with no manifest.
var ErrNotFound = errors.New("dag: workflow not found")

// StringList accepts an absent value, a single scalar, or a sequence when
// decoding YAML. Manifests commonly write `previous: gather` for single-parent
// stages and a list only for joins.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		if strings.TrimSpace(single) == "" {
			*l = nil
			return nil
		}
		*l = StringList{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*l = StringList(many)
		return nil
	default:
		return fmt.Errorf("dag: previous must be a string or a list, got yaml kind %d", value.Kind)
	}
}

// stageManifest mirrors one stage entry in a workflow manifest.
type stageManifest struct {
	ID          string       `yaml:"id"`
	Previous    StringList   `yaml:"previous,omitempty"`
	Commands    []string     `yaml:"commands,omitempty"`
	Instruction string       `yaml:"instruction,omitempty"`
	Phase       string       `yaml:"phase,omitempty"`
	Handler     string       `yaml:"handler,omitempty"`
	Optional    bool         `yaml:"optional,omitempty"`
	SkipWarning *SkipWarning `yaml:"skip_warning,omitempty"`
}

// workflowManifest mirrors a full workflow manifest document.
type workflowManifest struct {
	ID      string          `yaml:"id"`
	Name    string          `yaml:"name,omitempty"`
	Version int             `yaml:"version,omitempty"`
	Stages  []stageManifest `yaml:"stages"`
}

// ParseManifest decodes and validates a workflow manifest payload.
func ParseManifest(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("dag: manifest payload is empty")
	}
	var manifest workflowManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Definition{}, fmt.Errorf("dag: decode manifest: %w", err)
	}
	nodes := make([]Node, len(manifest.Stages))
	for i, stage := range manifest.Stages {
		nodes[i] = Node{
			ID:          stage.ID,
			Previous:    []string(stage.Previous),
			Commands:    stage.Commands,
			Instruction: stage.Instruction,
			Phase:       stage.Phase,
			Handler:     stage.Handler,
			Optional:    stage.Optional,
			SkipWarning: stage.SkipWarning,
		}
	}
	return New(manifest.ID, manifest.Name, manifest.Version, nodes)
}

// ParseManifestReader decodes a manifest from an io.Reader.
func ParseManifestReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("dag: read manifest: %w", err)
	}
	return ParseManifest(content)
}

// LoadFile loads a workflow manifest from an explicit file path.
func LoadFile(filePath string) (Definition, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return Definition{}, fmt.Errorf("dag: read %s: %w", filePath, err)
	}
	def, parseErr := ParseManifest(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("dag: %s: %w", filePath, parseErr)
	}
	return def, nil
}

// Load returns the embedded workflow definition for the given id. Unknown ids
// fail with ErrNotFound; that is the caller's signal that no retry will help
// without a valid id.
func Load(workflowID string) (Definition, error) {
	name := path.Join("manifests", workflowID+".yaml")
	content, err := manifests.ReadFile(name)
	if err != nil {
		return Definition{}, fmt.Errorf("dag: workflow %s: %w", workflowID, ErrNotFound)
	}
	def, parseErr := ParseManifest(content)
	if parseErr != nil {
		return Definition{}, parseErr
	}
	if def.ID != workflowID {
		return Definition{}, fmt.Errorf("dag: manifest %s declares id %s", name, def.ID)
	}
	return def, nil
}

// List returns every loadable embedded workflow id, sorted.
func List() []string {
	entries, err := manifests.ReadDir("manifests")
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(ids)
	return ids
}
