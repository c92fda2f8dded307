package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/openfroyo/sift/pkg/actions"
	"github.com/openfroyo/sift/pkg/config"
	"github.com/openfroyo/sift/pkg/engine"
	"github.com/openfroyo/sift/pkg/events"
	"github.com/openfroyo/sift/pkg/loader"
	"github.com/openfroyo/sift/pkg/plugin"
	"github.com/openfroyo/sift/pkg/resilience"
	"github.com/openfroyo/sift/pkg/stores"
	"github.com/openfroyo/sift/pkg/telemetry"
)

// app holds the components a command needs. Fields are nil unless requested.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	store  *stores.SQLiteStore
	loader *loader.Loader
	bus    *events.Bus
	engine *engine.Engine

	// plugins is replaced by the watcher on reload.
	mu      sync.Mutex
	plugins *loader.Registry
}

type appParts struct {
	store   bool
	plugins bool
	engine  bool
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}

	cfg := config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, parts appParts) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(ctx, cfg, parts)
}

func newAppFromConfig(ctx context.Context, cfg *config.Config, parts appParts) (a *app, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a = &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger,
		bus:    events.NewBus(tel.Logger.NewComponentLogger("events").Zerolog()),
	}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	// The engine's domains read from the store.
	if parts.store || parts.engine {
		a.store, err = stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	if parts.plugins || parts.engine {
		a.loader = loader.New(a.logger.Zerolog(),
			loader.WithStarlarkOptions(loader.StarlarkOptions{
				Timeout:  cfg.Plugins.StarlarkTimeout,
				MaxSteps: cfg.Plugins.StarlarkMaxSteps,
			}),
			loader.WithWASMOptions(loader.WASMOptions{
				Timeout:          cfg.Plugins.WASMTimeout,
				MemoryLimitPages: cfg.Plugins.WASMMemoryPages,
			}),
		)
		a.plugins, err = a.loadPlugins(ctx)
		if err != nil {
			return nil, err
		}
	}

	if parts.engine {
		a.engine, err = engine.New(cfg.Engine,
			engine.WithLogger(a.logger),
			engine.WithBus(a.bus),
			engine.WithMetrics(tel.Metrics),
			engine.WithTracer(tel.Tracer),
		)
		if err != nil {
			return nil, err
		}
		if err = a.registerDomains(ctx, a.plugins); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *app) loadPlugins(ctx context.Context) (*loader.Registry, error) {
	if a.cfg.Plugins.Dir == "" {
		return loader.NewRegistry(), nil
	}
	if _, err := os.Stat(a.cfg.Plugins.Dir); errors.Is(err, os.ErrNotExist) {
		a.logger.Warnf("Plugin directory %s does not exist, no file plugins loaded", a.cfg.Plugins.Dir)
		return loader.NewRegistry(), nil
	}
	return a.loader.LoadDirectory(ctx, a.cfg.Plugins.Dir)
}

// buildDomain assembles a domain from its configuration and the loaded plugins.
func (a *app) buildDomain(dc config.DomainConfig, reg *loader.Registry) (plugin.Domain, error) {
	var provider plugin.Provider
	switch dc.Source.Kind {
	case config.SourceInbox:
		if a.store == nil {
			return plugin.Domain{}, fmt.Errorf("domain %q: inbox source requires the store", dc.ID)
		}
		provider = stores.NewEntityProvider(a.store, dc.ID)
	default:
		return plugin.Domain{}, fmt.Errorf("domain %q: unsupported source kind %q", dc.ID, dc.Source.Kind)
	}
	provider = resilience.WrapProvider(provider, dc.ID, a.cfg.DomainResilience(dc), a.logger.Zerolog())

	d := a.domainPlugins(dc, reg)
	d.Provider = provider
	return d, nil
}

// domainPlugins assembles everything of a domain except its provider.
func (a *app) domainPlugins(dc config.DomainConfig, reg *loader.Registry) plugin.Domain {
	classifiers, acts := reg.Select(dc.Plugins)
	for i, c := range classifiers {
		classifiers[i] = resilience.WithClassifierTimeout(c, a.cfg.Plugins.ClassifierTimeout)
	}
	for i, act := range acts {
		acts[i] = resilience.WithActionTimeout(act, a.cfg.Plugins.ActionTimeout)
	}

	for _, b := range dc.Builtins {
		switch b.Kind {
		case config.BuiltinLog:
			acts = append(acts, actions.NewLogAction(b.Types))
		case config.BuiltinTag:
			acts = append(acts, actions.NewTagAction(a.store, dc.ID, b.Types))
		}
	}

	return plugin.Domain{
		ID:          dc.ID,
		Name:        dc.DisplayName(),
		Classifiers: classifiers,
		Actions:     acts,
		Config:      dc.Config,
	}
}

func (a *app) registerDomains(ctx context.Context, reg *loader.Registry) error {
	for _, dc := range a.cfg.Domains {
		d, err := a.buildDomain(dc, reg)
		if err != nil {
			return err
		}
		if err := a.engine.RegisterDomain(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// swapPlugins replaces every domain's plugins with those in reg and releases
// the old registry. Providers and their cursors are left untouched.
func (a *app) swapPlugins(ctx context.Context, reg *loader.Registry) {
	for _, dc := range a.cfg.Domains {
		if err := a.engine.ReplaceDomain(a.domainPlugins(dc, reg)); err != nil {
			a.logger.WithDomain(dc.ID).WithError(err).Error("Failed to replace domain plugins")
		}
	}

	a.mu.Lock()
	old := a.plugins
	a.plugins = reg
	a.mu.Unlock()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to release previous plugins")
		}
	}
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Stop(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to stop engine")
		}
	}
	a.mu.Lock()
	plugins := a.plugins
	a.plugins = nil
	a.mu.Unlock()
	if plugins != nil {
		if err := plugins.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to release plugins")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close store")
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to shut down telemetry")
		}
	}
}
