// Package providers registers the tracer and tracker hooks by name so a harness
// can discover them.
//
// Two hooks are registered by default:
//
//   - "weave_evaluation_hooks": weave.Hooks writing evaluations to the tracer
//   - "wandb_models_hooks": models.Hooks writing runs to the tracker
//
// Example:
//
//	hooks, err := providers.Build(providers.Options{Tracker: tracker})
//	if err != nil {
//		return err
//	}
//	dispatcher := harness.NewDispatcher(hooks)
package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"

	inspectwandb "github.com/zero-day-ai/inspect-wandb"
	"github.com/zero-day-ai/inspect-wandb/config"
	"github.com/zero-day-ai/inspect-wandb/harness"
	"github.com/zero-day-ai/inspect-wandb/models"
	"github.com/zero-day-ai/inspect-wandb/weave"
)

// Registered hook names.
const (
	WeaveHooksName  = "weave_evaluation_hooks"
	ModelsHooksName = "wandb_models_hooks"
)

// SettingsLoader resolves settings. *config.Loader implements it.
type SettingsLoader interface {
	Load() (*config.Settings, error)
}

// Options carries the collaborators hook factories are built with. Nil fields
// fall back to defaults.
type Options struct {
	Logger *slog.Logger

	// Loader is shared by every hook so settings are resolved once.
	// Defaults to config.NewLoader().
	Loader SettingsLoader

	// ClientFactory opens the tracer session. Defaults to DefaultClientFactory.
	ClientFactory weave.ClientFactory

	// Patcher is engaged while weave autopatch is on.
	Patcher weave.Patcher

	// Tracker opens tracker runs. The models hooks never open a run without one.
	Tracker models.Tracker

	// Renderer draws the scores heatmap when models viz is on.
	Renderer models.Renderer

	// PlotsDir is where heatmaps are rendered. Defaults to models.DefaultPlotsDir.
	PlotsDir string

	// MeterProvider enables tracer hook metrics.
	MeterProvider metric.MeterProvider
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Loader == nil {
		o.Loader = config.NewLoader(config.WithLogger(o.Logger))
	}
	if o.ClientFactory == nil {
		o.ClientFactory = DefaultClientFactory(o.Logger)
	}
	return o
}

// Factory builds a hook from options.
type Factory func(opts Options) (harness.Hooks, error)

// Registry maps hook names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	const op = "providers.Registry.Register"

	if name == "" || factory == nil {
		return inspectwandb.NewInternalError(op, fmt.Errorf("name and factory are required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return inspectwandb.NewInternalError(op, fmt.Errorf("hooks %q: %w", name, inspectwandb.ErrAlreadyInitialized))
	}
	r.factories[name] = factory
	return nil
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Registrations returns the registered names in sorted order.
func (r *Registry) Registrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the named hooks, or every registered hook when no names are
// given, sharing one set of defaulted options.
func (r *Registry) Build(opts Options, names ...string) ([]harness.Hooks, error) {
	if len(names) == 0 {
		names = r.Registrations()
	}
	opts = opts.withDefaults()

	hooks := make([]harness.Hooks, 0, len(names))
	for _, name := range names {
		factory, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown hooks %q", name)
		}
		h, err := factory(opts)
		if err != nil {
			return nil, fmt.Errorf("build hooks %q: %w", name, err)
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

// NewWeaveHooks is the factory of the tracer hooks.
func NewWeaveHooks(opts Options) (harness.Hooks, error) {
	opts = opts.withDefaults()

	hookOpts := []weave.Option{
		weave.WithLoader(opts.Loader),
		weave.WithClientFactory(opts.ClientFactory),
		weave.WithLogger(opts.Logger),
	}
	if opts.Patcher != nil {
		hookOpts = append(hookOpts, weave.WithPatcher(opts.Patcher))
	}
	if opts.MeterProvider != nil {
		hookOpts = append(hookOpts, weave.WithMeterProvider(opts.MeterProvider))
	}
	return weave.NewHooks(hookOpts...)
}

// NewModelsHooks is the factory of the tracker hooks.
func NewModelsHooks(opts Options) (harness.Hooks, error) {
	opts = opts.withDefaults()

	hookOpts := []models.Option{
		models.WithLoader(opts.Loader),
		models.WithLogger(opts.Logger),
	}
	if opts.Tracker != nil {
		hookOpts = append(hookOpts, models.WithTracker(opts.Tracker))
	}
	if opts.Renderer != nil {
		hookOpts = append(hookOpts, models.WithRenderer(opts.Renderer))
	}
	if opts.PlotsDir != "" {
		hookOpts = append(hookOpts, models.WithPlotsDir(opts.PlotsDir))
	}
	return models.NewHooks(hookOpts...), nil
}

var defaultRegistry = NewRegistry()

func init() {
	mustRegister(WeaveHooksName, NewWeaveHooks)
	mustRegister(ModelsHooksName, NewModelsHooks)
}

func mustRegister(name string, factory Factory) {
	if err := defaultRegistry.Register(name, factory); err != nil {
		panic(err)
	}
}

// Register adds a factory to the default registry.
func Register(name string, factory Factory) error {
	return defaultRegistry.Register(name, factory)
}

// Lookup returns a factory from the default registry.
func Lookup(name string) (Factory, bool) {
	return defaultRegistry.Lookup(name)
}

// Registrations returns the names in the default registry.
func Registrations() []string {
	return defaultRegistry.Registrations()
}

// Build creates hooks from the default registry.
func Build(opts Options, names ...string) ([]harness.Hooks, error) {
	return defaultRegistry.Build(opts, names...)
}
