package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Project file locations.
const (
	PyprojectFile     = "pyproject.toml"
	ProjectYAMLFile   = "inspect-wandb-settings.yaml"
	projectYMLFile    = "inspect-wandb-settings.yml"
	pyprojectToolName = "inspect-wandb"
)

// Native wandb alias names accepted for entity and project in project files.
var projectAliases = map[string]string{
	"WANDB_ENTITY":  fieldEntity,
	"WANDB_PROJECT": fieldProject,
}

// findProjectFile returns the first existing project file, or "" if none exists.
func findProjectFile(workingDir, wandbDir string) string {
	candidates := []string{
		filepath.Join(workingDir, PyprojectFile),
		filepath.Join(wandbDir, ProjectYAMLFile),
		filepath.Join(wandbDir, projectYMLFile),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// projectLayer reads the project file at path. The second return value is
// false when the file does not exist.
func projectLayer(path string) (layer, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return layer{}, false, nil
		}
		return layer{}, false, fmt.Errorf("failed to read project file %s: %w", path, err)
	}

	var tables map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		tables, err = pyprojectTables(data)
	case ".yaml", ".yml":
		tables, err = yamlTables(data)
	default:
		return layer{}, true, fmt.Errorf("unsupported project file format %q", path)
	}
	if err != nil {
		return layer{}, true, fmt.Errorf("failed to parse project file %s: %w", path, err)
	}

	var l layer
	if l.weave, err = parseSection(SectionWeave, tables[SectionWeave]); err != nil {
		return layer{}, true, fmt.Errorf("project file %s: %w", path, err)
	}
	if l.models, err = parseSection(SectionModels, tables[SectionModels]); err != nil {
		return layer{}, true, fmt.Errorf("project file %s: %w", path, err)
	}
	return l, true, nil
}

// pyprojectTables returns the [tool.inspect-wandb] table of a pyproject.toml.
func pyprojectTables(data []byte) (map[string]any, error) {
	var doc map[string]any
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, err
	}
	tool, _ := doc["tool"].(map[string]any)
	tables, _ := tool[pyprojectToolName].(map[string]any)
	return tables, nil
}

func yamlTables(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseSection(name string, raw any) (section, error) {
	var s section
	if raw == nil {
		return s, nil
	}
	table, ok := raw.(map[string]any)
	if !ok {
		return s, fmt.Errorf("%s must be a table, got %T", name, raw)
	}

	// Canonical names win over aliases when both are present.
	fields := make(map[string]any, len(table))
	for key, v := range table {
		if canonical, ok := projectAliases[key]; ok {
			if _, set := table[canonical]; !set {
				fields[canonical] = v
			}
			continue
		}
		fields[key] = v
	}

	var err error
	for key, v := range fields {
		where := name + "." + key
		switch key {
		case fieldEnabled:
			s.enabled, err = asBool(where, v)
		case fieldEntity:
			s.entity, err = asString(where, v)
		case fieldProject:
			s.project, err = asString(where, v)
		case fieldAutopatch:
			s.autopatch, err = asBool(where, v)
		case fieldSampleNameTemplate:
			s.sampleNameTemplate, err = asString(where, v)
		case fieldCorrectAnswer:
			s.correctAnswer, err = asBool(where, v)
		case fieldViz:
			s.viz, err = asBool(where, v)
		case fieldFiles:
			s.files, err = asStringList(where, v)
		case fieldConfig:
			cfg, ok := v.(map[string]any)
			if !ok {
				err = fmt.Errorf("%s must be a table, got %T", where, v)
			}
			s.config = cfg
		default:
			// Unknown keys are ignored so newer files work with older releases.
		}
		if err != nil {
			return section{}, err
		}
	}
	return s, nil
}

func asBool(where string, v any) (*bool, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%s must be a boolean, got %T", where, v)
	}
	return &b, nil
}

func asString(where string, v any) (*string, error) {
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%s must be a string, got %T", where, v)
	}
	return &str, nil
}

func asStringList(where string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string, got %T", where, i, item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list of strings, got %T", where, v)
	}
}
