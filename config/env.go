package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every integration environment variable.
const EnvPrefix = "INSPECT_WANDB_"

// Environment variables defined by the wandb tool itself.
const (
	EnvWandbEntity  = "WANDB_ENTITY"
	EnvWandbProject = "WANDB_PROJECT"
	EnvWandbMode    = "WANDB_MODE"
	EnvWandbDir     = "WANDB_DIR"
)

// Section names used in environment variables and project files.
const (
	SectionWeave  = "weave"
	SectionModels = "models"
)

// Field names shared by environment variables and project files.
const (
	fieldEnabled            = "enabled"
	fieldEntity             = "entity"
	fieldProject            = "project"
	fieldAutopatch          = "autopatch"
	fieldSampleNameTemplate = "sample_name_template"
	fieldCorrectAnswer      = "correct_answer"
	fieldConfig             = "config"
	fieldFiles              = "files"
	fieldViz                = "viz"
)

// EnvName returns the environment variable for a section field, e.g.
// EnvName("weave", "enabled") is INSPECT_WANDB_WEAVE_ENABLED.
func EnvName(sectionName, field string) string {
	return EnvPrefix + strings.ToUpper(sectionName) + "_" + strings.ToUpper(field)
}

// LookupEnvFunc matches os.LookupEnv.
type LookupEnvFunc func(key string) (string, bool)

// envLayer reads the environment source.
func envLayer(lookup LookupEnvFunc) (layer, error) {
	var l layer

	entity := lookupNonEmpty(lookup, EnvWandbEntity)
	project := lookupNonEmpty(lookup, EnvWandbProject)
	l.weave.entity, l.weave.project = entity, project
	l.models.entity, l.models.project = entity, project

	if mode := lookupNonEmpty(lookup, EnvWandbMode); mode != nil {
		l.mode = mode
	}

	if err := envSection(lookup, SectionWeave, &l.weave); err != nil {
		return layer{}, err
	}
	if err := envSection(lookup, SectionModels, &l.models); err != nil {
		return layer{}, err
	}
	return l, nil
}

func envSection(lookup LookupEnvFunc, name string, s *section) error {
	var err error

	if v := lookupNonEmpty(lookup, EnvName(name, fieldEntity)); v != nil {
		s.entity = v
	}
	if v := lookupNonEmpty(lookup, EnvName(name, fieldProject)); v != nil {
		s.project = v
	}
	if s.enabled, err = envBool(lookup, EnvName(name, fieldEnabled)); err != nil {
		return err
	}

	switch name {
	case SectionWeave:
		if s.autopatch, err = envBool(lookup, EnvName(name, fieldAutopatch)); err != nil {
			return err
		}
		if s.correctAnswer, err = envBool(lookup, EnvName(name, fieldCorrectAnswer)); err != nil {
			return err
		}
		s.sampleNameTemplate = lookupNonEmpty(lookup, EnvName(name, fieldSampleNameTemplate))
	case SectionModels:
		if s.viz, err = envBool(lookup, EnvName(name, fieldViz)); err != nil {
			return err
		}
		if v := lookupNonEmpty(lookup, EnvName(name, fieldFiles)); v != nil {
			if s.files, err = parseFileList(EnvName(name, fieldFiles), *v); err != nil {
				return err
			}
		}
		if v := lookupNonEmpty(lookup, EnvName(name, fieldConfig)); v != nil {
			cfg := make(map[string]any)
			if err := json.Unmarshal([]byte(*v), &cfg); err != nil {
				return fmt.Errorf("%s must be a JSON object: %w", EnvName(name, fieldConfig), err)
			}
			s.config = cfg
		}
	}
	return nil
}

func lookupNonEmpty(lookup LookupEnvFunc, key string) *string {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func envBool(lookup LookupEnvFunc, key string) (*bool, error) {
	v := lookupNonEmpty(lookup, key)
	if v == nil {
		return nil, nil
	}
	b, err := strconv.ParseBool(*v)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean, got %q", key, *v)
	}
	return &b, nil
}

// parseFileList accepts either a JSON list or a comma separated list.
func parseFileList(key, v string) ([]string, error) {
	if strings.HasPrefix(v, "[") {
		var files []string
		if err := json.Unmarshal([]byte(v), &files); err != nil {
			return nil, fmt.Errorf("%s must be a JSON list of strings: %w", key, err)
		}
		return files, nil
	}

	parts := strings.Split(v, ",")
	files := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			files = append(files, p)
		}
	}
	return files, nil
}
