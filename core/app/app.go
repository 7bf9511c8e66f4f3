// Package app assembles the runtime: configuration, permission store and engine,
// event bus, command dispatcher on its worker pool, the module runtime and the
// gateways feeding it messages.
package app

import (
	"sourcebot/core/auth"
	"sourcebot/core/command"
	"sourcebot/core/config"
	"sourcebot/core/events"
	"sourcebot/core/jobs"
	"sourcebot/core/kernel"
	"sourcebot/core/logger"
	"sourcebot/core/metrics"
	"sourcebot/core/plugin"
	"sourcebot/core/store"

	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Gateway connects a chat platform. It fires command.MessageEvent on the bus for
// every inbound message.
type Gateway interface {
	Name() string
	Start(ctx context.Context, bus events.Bus) error
	Stop(ctx context.Context) error
}

// App owns every long-lived component. Fields are set by New and read-only after.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Bus         events.Bus
	Store       store.Backend
	Permissions *auth.Engine
	Commands    *command.Registry
	Dispatcher  *command.Dispatcher
	Pool        *jobs.Pool
	Runtime     *kernel.Runtime

	mu       sync.Mutex
	gateways []Gateway
	started  []Gateway
	builtins []*plugin.Descriptor
	running  bool
}

// New builds the application from cfg. Nothing is started.
func New(ctx context.Context, cfg *config.Config, l *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	l = logger.OrNop(l)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open permission store: %w", err)
	}
	engine, err := auth.NewEngine(ctx, backend, auth.Options{GlobalAdmins: cfg.GlobalAdmins, Logger: l, Metrics: m})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	if err := engine.Seed(ctx, cfg.Auth.Roles); err != nil {
		l.Warn("Some configured roles were not seeded", zap.Error(err))
	}

	bus := events.New(l, m)
	commands := command.NewRegistry(l)
	if _, err := commands.Watch(bus); err != nil {
		backend.Close()
		return nil, fmt.Errorf("watch module lifecycle: %w", err)
	}

	pool := jobs.NewPool(jobs.PoolOptions{
		Workers:   cfg.Commands.Workers,
		QueueSize: cfg.Commands.QueueSize,
		Logger:    l,
		Metrics:   m,
	})
	dispatcher := command.NewDispatcher(commands, engine, pool, command.Options{
		Prefix:         cfg.Commands.Prefix,
		DeleteAfter:    cfg.Commands.DeleteAfter,
		HandlerTimeout: cfg.Commands.HandlerTimeout,
		RateLimit:      cfg.Commands.RateLimit,
		RateBurst:      cfg.Commands.RateBurst,
		Footer:         cfg.Alert.Footer,
		Logger:         l,
		Metrics:        m,
	})

	runtime := kernel.New(kernel.Options{
		Bus:              bus,
		Commands:         commands,
		Permissions:      engine,
		ModuleConfig:     cfg.ModuleConfig,
		CacheDir:         cfg.Modules.CacheDirectory,
		OperationTimeout: cfg.ModuleOperationTimeout(),
		Logger:           l,
		Metrics:          m,
	})

	return &App{
		Config:      cfg,
		Logger:      l.Named("app"),
		Registry:    reg,
		Metrics:     m,
		Bus:         bus,
		Store:       backend,
		Permissions: engine,
		Commands:    commands,
		Dispatcher:  dispatcher,
		Pool:        pool,
		Runtime:     runtime,
	}, nil
}

// AddGateway registers a gateway to start with the app.
func (a *App) AddGateway(g Gateway) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gateways = append(a.gateways, g)
}

// AddBuiltin registers a module compiled into the binary. It loads with the
// discovered modules, which may depend on it.
func (a *App) AddBuiltin(name, version string, f kernel.Factory, deps ...string) error {
	desc, err := plugin.New(name, version, kernel.BuiltinSymbol(name), deps...)
	if err != nil {
		return err
	}
	if err := a.Runtime.RegisterBuiltin(name, f); err != nil {
		return err
	}
	a.mu.Lock()
	a.builtins = append(a.builtins, desc)
	a.mu.Unlock()
	return nil
}

// Start runs the worker pool, attaches the dispatcher, loads and enables every
// module, then starts the gateways. Module failures are reported, not returned.
func (a *App) Start(ctx context.Context) (*kernel.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil, errors.New("app already running")
	}

	handlers := jobs.NewHandlers()
	if err := handlers.RegisterHandler(command.JobType, a.Dispatcher); err != nil {
		return nil, err
	}
	if err := a.Pool.Start(ctx, handlers); err != nil {
		return nil, fmt.Errorf("start worker pool: %w", err)
	}
	if _, err := a.Dispatcher.Attach(a.Bus, 0); err != nil {
		return nil, fmt.Errorf("attach dispatcher: %w", err)
	}
	a.Config.OnChange(a.applyConfig)
	a.Config.Watch()

	report, err := a.loadModules(ctx)
	if err != nil {
		return nil, err
	}

	for _, g := range a.gateways {
		if err := g.Start(ctx, a.Bus); err != nil {
			a.Logger.Error("Failed to start gateway", zap.String("gateway", g.Name()), zap.Error(err))
			continue
		}
		a.started = append(a.started, g)
		a.Logger.Info("Gateway started", zap.String("gateway", g.Name()))
	}
	a.running = true
	a.Logger.Info("Started",
		zap.Int("modules", len(report.Enabled)),
		zap.Int("failed", len(report.Failures)),
		zap.Int("gateways", len(a.started)))
	return report, nil
}

func (a *App) loadModules(ctx context.Context) (*kernel.Report, error) {
	dir := a.Config.Modules.Directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create modules directory: %w", err)
	}

	report := a.Runtime.Load(ctx, a.builtins)
	discovered, err := a.Runtime.LoadModules(ctx, dir)
	if err != nil {
		return nil, err
	}
	report.Order = append(report.Order, discovered.Order...)
	report.Enabled = append(report.Enabled, discovered.Enabled...)
	for name, ferr := range discovered.Failures {
		report.Failures[name] = ferr
	}
	for name, ferr := range report.Failures {
		a.Logger.Error("Module not enabled", zap.String("module", name), zap.Error(ferr))
	}
	return report, nil
}

// applyConfig applies the settings that can change without a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.Dispatcher.SetPrefix(cfg.Commands.Prefix)
	a.Dispatcher.SetDeleteAfter(cfg.Commands.DeleteAfter)
	a.Dispatcher.SetFooter(cfg.Alert.Footer)
	a.Permissions.SetGlobalAdmins(cfg.GlobalAdmins)
	a.Logger.Info("Configuration reloaded",
		zap.String("prefix", cfg.Commands.Prefix),
		zap.Duration("delete_after", cfg.Commands.DeleteAfter),
		zap.Int("global_admins", len(cfg.GlobalAdmins)))
}

// Stop shuts down in reverse start order: gateways, modules, workers, then the
// bus and store. It returns every error encountered.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for i := len(a.started) - 1; i >= 0; i-- {
		g := a.started[i]
		if err := g.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop gateway %s: %w", g.Name(), err))
		}
	}
	a.started = nil

	if err := a.Runtime.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.running {
		if err := a.Pool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.Dispatcher.Close()
	a.Bus.Close()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	a.running = false
	a.Logger.Info("Stopped")
	return errors.Join(errs...)
}
