package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// ParseYAML parses a pipeline spec from YAML.
func ParseYAML(data []byte) (*Spec, error) {
	if len(data) == 0 {
		return nil, core.New(core.ErrCodeSpecInvalid, "empty input")
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, core.Wrap(err, core.ErrCodeSpecInvalid, "invalid YAML")
	}

	if err := normalizeSpec(&spec); err != nil {
		return nil, err
	}

	return &spec, nil
}

// ParseJSON parses a pipeline spec from JSON.
func ParseJSON(data []byte) (*Spec, error) {
	if len(data) == 0 {
		return nil, core.New(core.ErrCodeSpecInvalid, "empty input")
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, core.Wrap(err, core.ErrCodeSpecInvalid, "invalid JSON")
	}

	if err := normalizeSpec(&spec); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Parse parses a pipeline spec in the given format ("yaml" or "json").
func Parse(data []byte, format string) (*Spec, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return ParseYAML(data)
	case "json":
		return ParseJSON(data)
	default:
		return nil, core.New(core.ErrCodeSpecInvalid, fmt.Sprintf("unsupported format: %s", format))
	}
}

// ParseFile parses a pipeline spec file, inferring the format from the
// file extension (.json is JSON, everything else is YAML).
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeSpecInvalid, "read spec file")
	}

	format := "yaml"
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		format = "json"
	}

	return Parse(data, format)
}

// ParseReader parses a pipeline spec from r in the given format.
func ParseReader(r io.Reader, format string) (*Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeSpecInvalid, "read spec")
	}

	return Parse(data, format)
}

func normalizeSpec(spec *Spec) error {
	if spec.Name == "" {
		return ErrSpecNameEmpty
	}

	if len(spec.Stages) == 0 {
		return ErrSpecEmpty
	}

	if spec.Config == nil {
		spec.Config = make(map[string]any)
	}

	for i := range spec.Stages {
		decl := &spec.Stages[i]

		if decl.Params == nil {
			decl.Params = make(map[string]any)
		}

		if decl.DependsOn == nil {
			decl.DependsOn = []string{}
		}

		if decl.Retry != nil {
			if decl.Retry.MaxAttempts < 1 {
				decl.Retry.MaxAttempts = 1
			}
			if decl.Retry.DelaySeconds < 0 {
				decl.Retry.DelaySeconds = 0
			}
		}
	}

	return nil
}

// ToYAML renders the spec back to YAML.
func (s *Spec) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// ToJSON renders the spec as indented JSON.
func (s *Spec) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// StageByID returns the declaration with the given ID, or nil.
func (s *Spec) StageByID(id string) *StageDecl {
	for i := range s.Stages {
		if s.Stages[i].ID == id {
			return &s.Stages[i]
		}
	}
	return nil
}

// StageIDs returns stage IDs in declaration order.
func (s *Spec) StageIDs() []string {
	ids := make([]string, len(s.Stages))
	for i, decl := range s.Stages {
		ids[i] = decl.ID
	}
	return ids
}
