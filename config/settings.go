// Package config resolves the settings of the weave and models integrations.
//
// Settings are merged from five sources, highest precedence first:
//
//  1. Environment variables: INSPECT_WANDB_<SECTION>_<FIELD> plus the backend
//     tool's own WANDB_ENTITY, WANDB_PROJECT, WANDB_MODE and WANDB_DIR.
//  2. The local wandb settings file (<wandb dir>/settings, INI section "default")
//     written by `wandb init`. Its entity and project seed both integrations and
//     mode=disabled force-disables them.
//  3. A project file: pyproject.toml tables [tool.inspect-wandb.weave] and
//     [tool.inspect-wandb.models], or <wandb dir>/inspect-wandb-settings.yaml.
//  4. Programmatic values passed with WithInitial.
//  5. Defaults.
//
// Resolution fails with inspectwandb.ErrWandbNotInitialized when an entity or
// project is still missing after the cascade, unless the tool is force-disabled.
package config

import "fmt"

// ModeDisabled is the wandb mode that turns both integrations off.
const ModeDisabled = "disabled"

// DefaultSampleNameTemplate is the display name template for per-sample calls.
const DefaultSampleNameTemplate = "{task_name}-sample-{sample_id}-epoch-{epoch}"

// Settings is the resolved configuration of both integrations. It is immutable
// once returned by a Loader.
type Settings struct {
	Weave  WeaveSettings  `json:"weave" yaml:"weave"`
	Models ModelsSettings `json:"models" yaml:"models"`

	// Mode is the wandb mode from WANDB_MODE or the wandb settings file.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// WandbDir is the directory holding the wandb settings file. Relative
	// paths in ModelsSettings.Files are resolved against it.
	WandbDir string `json:"wandb_dir" yaml:"wandb_dir"`
}

// Disabled reports whether the tool is force-disabled.
func (s *Settings) Disabled() bool {
	return s.Mode == ModeDisabled
}

// WeaveSettings configures the tracer integration.
type WeaveSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Entity  string `json:"entity" yaml:"entity"`
	Project string `json:"project" yaml:"project"`

	// Autopatch enables deep per-sample call tracing and backend autopatching.
	Autopatch bool `json:"autopatch" yaml:"autopatch"`

	// SampleNameTemplate formats per-sample call display names.
	SampleNameTemplate string `json:"sample_name_template" yaml:"sample_name_template"`

	// CorrectAnswer logs a correct_answer score comparing each sample's
	// target to its first score value.
	CorrectAnswer bool `json:"correct_answer" yaml:"correct_answer"`
}

// ProjectRef returns "entity/project".
func (w WeaveSettings) ProjectRef() string {
	return fmt.Sprintf("%s/%s", w.Entity, w.Project)
}

// ModelsSettings configures the tracker integration.
type ModelsSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Entity  string `json:"entity" yaml:"entity"`
	Project string `json:"project" yaml:"project"`

	// Config is passed to the run's config.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Files are saved to the run when it finishes.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	// Viz enables the scores heatmap.
	Viz bool `json:"viz" yaml:"viz"`
}

// ProjectRef returns "entity/project".
func (m ModelsSettings) ProjectRef() string {
	return fmt.Sprintf("%s/%s", m.Entity, m.Project)
}

// Initial holds programmatic settings. They take precedence over defaults only.
type Initial struct {
	Weave  Overrides
	Models Overrides
}

// Overrides holds optional values for one integration. Nil pointers, empty
// strings and nil collections are treated as unset. Fields that do not apply
// to an integration are ignored.
type Overrides struct {
	Enabled            *bool
	Entity             string
	Project            string
	Autopatch          *bool
	SampleNameTemplate string
	CorrectAnswer      *bool
	Config             map[string]any
	Files              []string
	Viz                *bool
}

// section is one partially specified layer of an integration's settings.
type section struct {
	enabled            *bool
	entity             *string
	project            *string
	autopatch          *bool
	sampleNameTemplate *string
	correctAnswer      *bool
	config             map[string]any
	files              []string
	viz                *bool
}

// layer is one configuration source.
type layer struct {
	weave  section
	models section
	mode   *string
}

// overlay copies every value set in src over dst.
func (dst *section) overlay(src section) {
	if src.enabled != nil {
		dst.enabled = src.enabled
	}
	if src.entity != nil {
		dst.entity = src.entity
	}
	if src.project != nil {
		dst.project = src.project
	}
	if src.autopatch != nil {
		dst.autopatch = src.autopatch
	}
	if src.sampleNameTemplate != nil {
		dst.sampleNameTemplate = src.sampleNameTemplate
	}
	if src.correctAnswer != nil {
		dst.correctAnswer = src.correctAnswer
	}
	if src.config != nil {
		dst.config = src.config
	}
	if src.files != nil {
		dst.files = src.files
	}
	if src.viz != nil {
		dst.viz = src.viz
	}
}

func (dst *layer) overlay(src layer) {
	dst.weave.overlay(src.weave)
	dst.models.overlay(src.models)
	if src.mode != nil {
		dst.mode = src.mode
	}
}

func defaultLayer() layer {
	return layer{
		weave: section{
			enabled:            ptr(true),
			autopatch:          ptr(false),
			sampleNameTemplate: ptr(DefaultSampleNameTemplate),
			correctAnswer:      ptr(false),
		},
		models: section{
			enabled: ptr(true),
			viz:     ptr(false),
		},
	}
}

func (o Overrides) section() section {
	s := section{
		enabled:       o.Enabled,
		autopatch:     o.Autopatch,
		correctAnswer: o.CorrectAnswer,
		config:        o.Config,
		files:         o.Files,
		viz:           o.Viz,
	}
	if o.Entity != "" {
		s.entity = ptr(o.Entity)
	}
	if o.Project != "" {
		s.project = ptr(o.Project)
	}
	if o.SampleNameTemplate != "" {
		s.sampleNameTemplate = ptr(o.SampleNameTemplate)
	}
	return s
}

func (i Initial) layer() layer {
	return layer{weave: i.Weave.section(), models: i.Models.section()}
}

func (s section) weaveSettings() WeaveSettings {
	return WeaveSettings{
		Enabled:            deref(s.enabled),
		Entity:             deref(s.entity),
		Project:            deref(s.project),
		Autopatch:          deref(s.autopatch),
		SampleNameTemplate: deref(s.sampleNameTemplate),
		CorrectAnswer:      deref(s.correctAnswer),
	}
}

func (s section) modelsSettings() ModelsSettings {
	return ModelsSettings{
		Enabled: deref(s.enabled),
		Entity:  deref(s.entity),
		Project: deref(s.project),
		Config:  copyMap(s.config),
		Files:   append([]string(nil), s.files...),
		Viz:     deref(s.viz),
	}
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
