package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
)

// Loader resolves Settings. The first successful result is memoized so settings
// are not re-read in the middle of a run; Reset clears it.
//
// Loader is safe for concurrent use.
type Loader struct {
	lookupEnv   LookupEnvFunc
	workingDir  string
	wandbDir    string
	projectFile string
	initial     Initial
	logger      *slog.Logger

	mu     sync.Mutex
	cached *Settings
}

// Option is a functional option for configuring a Loader.
type Option func(*Loader)

// WithLookupEnv replaces os.LookupEnv as the environment source.
//
// Example:
//
//	env := map[string]string{"WANDB_MODE": "disabled"}
//	config.NewLoader(config.WithLookupEnv(func(k string) (string, bool) {
//		v, ok := env[k]
//		return v, ok
//	}))
func WithLookupEnv(lookup LookupEnvFunc) Option {
	return func(l *Loader) {
		l.lookupEnv = lookup
	}
}

// WithWorkingDir sets the directory searched for pyproject.toml and used as the
// parent of the default wandb dir. Defaults to the process working directory.
func WithWorkingDir(dir string) Option {
	return func(l *Loader) {
		l.workingDir = dir
	}
}

// WithWandbDir sets the wandb dir. WANDB_DIR takes precedence over it.
func WithWandbDir(dir string) Option {
	return func(l *Loader) {
		l.wandbDir = dir
	}
}

// WithProjectFile sets an explicit project file (.toml, .yaml or .yml) instead of
// searching the default locations.
func WithProjectFile(path string) Option {
	return func(l *Loader) {
		l.projectFile = path
	}
}

// WithInitial sets programmatic settings.
func WithInitial(initial Initial) Option {
	return func(l *Loader) {
		l.initial = initial
	}
}

// WithLogger sets the logger used while loading.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		lookupEnv: os.LookupEnv,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves the settings, returning the memoized result after the first
// success.
//
// When the tool is force-disabled (mode=disabled in the wandb settings file or
// WANDB_MODE=disabled) both integrations are disabled and no entity or project
// is required. Otherwise a missing entity or project is a configuration error
// wrapping inspectwandb.ErrWandbNotInitialized.
func (l *Loader) Load() (*Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil {
		return l.cached, nil
	}

	settings, err := l.resolve()
	if err != nil {
		return nil, err
	}
	l.cached = settings
	return settings, nil
}

// Reset clears the memoized settings.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached = nil
}

func (l *Loader) resolve() (*Settings, error) {
	const op = "config.Loader.Load"

	workingDir := l.workingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, inspectwandb.NewConfigurationError(op, fmt.Errorf("failed to get working directory: %w", err))
		}
		workingDir = wd
	}

	wandbDir := l.wandbDir
	if v := lookupNonEmpty(l.lookupEnv, EnvWandbDir); v != nil {
		wandbDir = *v
	}
	if wandbDir == "" {
		wandbDir = filepath.Join(workingDir, "wandb")
	}

	env, err := envLayer(l.lookupEnv)
	if err != nil {
		return nil, inspectwandb.NewConfigurationError(op, err)
	}

	wandb, wandbFound := wandbLayer(wandbDir, l.logger)

	projectPath := l.projectFile
	if projectPath == "" {
		projectPath = findProjectFile(workingDir, wandbDir)
	}
	var project layer
	if projectPath != "" {
		var found bool
		project, found, err = projectLayer(projectPath)
		if err != nil {
			return nil, inspectwandb.NewConfigurationError(op, err)
		}
		if !found {
			l.logger.Debug("project settings file not found, using defaults", "path", projectPath)
		}
	} else {
		l.logger.Debug("no project settings file found, using defaults", "dir", workingDir)
	}

	merged := defaultLayer()
	merged.overlay(l.initial.layer())
	merged.overlay(project)
	merged.overlay(wandb)
	merged.overlay(env)

	settings := &Settings{
		Weave:    merged.weave.weaveSettings(),
		Models:   merged.models.modelsSettings(),
		Mode:     deref(merged.mode),
		WandbDir: wandbDir,
	}

	if settings.Disabled() {
		l.logger.Info("wandb mode is disabled, skipping inspect-wandb integrations")
		settings.Weave.Enabled = false
		settings.Models.Enabled = false
		return settings, nil
	}

	if missing := missingFields(settings); len(missing) > 0 {
		return nil, inspectwandb.NewConfigurationError(op, inspectwandb.ErrWandbNotInitialized).
			WithContext(map[string]any{
				"missing":         missing,
				"wandb_dir":       wandbDir,
				"settings_exists": wandbFound,
			})
	}

	l.logger.Debug("inspect-wandb settings loaded",
		"weave_enabled", settings.Weave.Enabled,
		"weave_project", settings.Weave.ProjectRef(),
		"models_enabled", settings.Models.Enabled,
		"models_project", settings.Models.ProjectRef())

	return settings, nil
}

func missingFields(s *Settings) []string {
	var missing []string
	if s.Weave.Entity == "" {
		missing = append(missing, "weave.entity")
	}
	if s.Weave.Project == "" {
		missing = append(missing, "weave.project")
	}
	if s.Models.Entity == "" {
		missing = append(missing, "models.entity")
	}
	if s.Models.Project == "" {
		missing = append(missing, "models.project")
	}
	return missing
}
