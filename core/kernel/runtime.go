package kernel

import (
	"sourcebot/core/auth"
	"sourcebot/core/command"
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/events"
	"sourcebot/core/logger"
	"sourcebot/core/metrics"
	"sourcebot/core/plugin"
	"sourcebot/core/registry"

	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultOperationTimeout = 30 * time.Second

// Options wires a Runtime to the rest of the application.
type Options struct {
	Bus         events.Bus
	Commands    *command.Registry
	Permissions *auth.Engine
	// Host is the host symbol table every module scope falls back to.
	Host *registry.Table
	// ModuleConfig returns operator overrides for a module's declared config.
	ModuleConfig func(module string) map[string]any
	// CacheDir receives extracted module archives.
	CacheDir string
	// OperationTimeout bounds the context handed to each lifecycle hook.
	OperationTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Runtime owns every module. One lifecycle mutex serializes all transitions, so the
// dependency invariants hold at every observable instant. Hooks run with the mutex
// held and must not call back into the Runtime.
//
// Lifecycle events are fired by the calling goroutine after the mutex is released.
// The events of one call arrive in transition order, and a caller sees all of them
// delivered before its call returns. Calls made concurrently from different
// goroutines may interleave their module.* events. Listeners are free to call back
// into the Runtime, which a lock held across delivery would not allow.
type Runtime struct {
	mu      sync.Mutex
	known   map[string]*plugin.Descriptor
	modules map[string]*entry
	seq     int
	pending []events.TypedEvent

	bus      events.Bus
	commands *command.Registry
	perms    *auth.Engine
	host     *registry.Table
	config   func(string) map[string]any
	cacheDir string
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New creates an empty runtime.
func New(opts Options) *Runtime {
	l := logger.OrNop(opts.Logger).Named("kernel")
	r := &Runtime{
		known:    make(map[string]*plugin.Descriptor),
		modules:  make(map[string]*entry),
		bus:      opts.Bus,
		commands: opts.Commands,
		perms:    opts.Permissions,
		host:     opts.Host,
		config:   opts.ModuleConfig,
		cacheDir: opts.CacheDir,
		timeout:  opts.OperationTimeout,
		logger:   l,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("sourcebot-kernel"),
	}
	if r.bus == nil {
		r.bus = events.New(l, opts.Metrics)
	}
	if r.host == nil {
		r.host = registry.NewTable("host")
	}
	if r.timeout <= 0 {
		r.timeout = defaultOperationTimeout
	}
	return r
}

// HostSymbols is the table shared by every module scope.
func (r *Runtime) HostSymbols() *registry.Table { return r.host }

// RegisterBuiltin exports f so descriptors can name it as "builtin:<name>".
func (r *Runtime) RegisterBuiltin(name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("builtin %s: %w: nil factory", name, coreerrors.ErrInvalidInput)
	}
	return r.host.Export(BuiltinSymbol(name), f)
}

// Register makes desc known without loading it, so that loading a dependent can
// pull it in.
func (r *Runtime) Register(desc *plugin.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, loaded := r.modules[desc.Name]; !loaded {
		r.known[desc.Name] = desc
	}
}

// transition runs fn under the lifecycle lock, then fires the events fn queued on
// the calling goroutine with the lock released.
func (r *Runtime) transition(ctx context.Context, fn func() error) error {
	r.mu.Lock()
	err := fn()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, ev := range pending {
		r.bus.Fire(ctx, ev)
	}
	return err
}

func (r *Runtime) emit(eventType string, e *entry, err error) {
	r.pending = append(r.pending, events.ModuleEvent{
		Type:    eventType,
		Module:  e.desc.Name,
		Version: e.desc.Version,
		Err:     err,
	})
}

// safelyExecute runs a module hook with the operation timeout, recovering panics.
func (r *Runtime) safelyExecute(ctx context.Context, module, operation string, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic recovered in module",
				zap.String("module", module),
				zap.String("operation", operation),
				zap.Any("panic", p))
			err = fmt.Errorf("panic in module %s during %s: %v", module, operation, p)
		}
	}()
	return fn(ctx)
}

// LoadModule loads desc and, first, any known but unloaded dependency. Loading a
// name that already has a record returns that record unchanged.
func (r *Runtime) LoadModule(ctx context.Context, desc *plugin.Descriptor) (Info, error) {
	if desc == nil {
		return Info{}, &coreerrors.ModuleLoadError{Kind: coreerrors.MissingDescriptor, Err: errors.New("nil descriptor")}
	}
	var info Info
	err := r.transition(ctx, func() error {
		e, err := r.loadLocked(ctx, desc, nil)
		if e != nil {
			info = e.info()
		}
		return err
	})
	return info, err
}

func (r *Runtime) loadLocked(ctx context.Context, desc *plugin.Descriptor, visiting []string) (*entry, error) {
	name := desc.Name
	if e, ok := r.modules[name]; ok {
		return e, nil
	}
	for i, v := range visiting {
		if v == name {
			cycle := append([]string(nil), visiting[i:]...)
			sort.Strings(cycle)
			return nil, &coreerrors.ModuleLoadError{Module: name, Kind: coreerrors.CircularDependency, Related: cycle}
		}
	}
	r.known[name] = desc
	visiting = append(visiting, name)

	depScopes := make([]*registry.Scope, 0, len(desc.Deps()))
	for _, dep := range desc.Deps() {
		de, ok := r.modules[dep.Name]
		if !ok {
			depDesc, known := r.known[dep.Name]
			if !known {
				return nil, &coreerrors.ModuleLoadError{Module: name, Kind: coreerrors.MissingDependency, Related: []string{dep.Name}}
			}
			var err error
			if de, err = r.loadLocked(ctx, depDesc, visiting); err != nil {
				var lerr *coreerrors.ModuleLoadError
				if errors.As(err, &lerr) && lerr.Kind == coreerrors.CircularDependency && slices.Contains(lerr.Related, name) {
					return nil, &coreerrors.ModuleLoadError{Module: name, Kind: coreerrors.CircularDependency, Related: lerr.Related}
				}
				return nil, &coreerrors.ModuleLoadError{Module: name, Kind: coreerrors.DependencyFailed, Related: []string{dep.Name}, Err: err}
			}
		}
		if de.state == Failed {
			return nil, &coreerrors.ModuleLoadError{Module: name, Kind: coreerrors.DependencyFailed, Related: []string{dep.Name}, Err: de.err}
		}
		if !dep.Allows(de.desc.Version) {
			return nil, &coreerrors.ModuleLoadError{
				Module:  name,
				Kind:    coreerrors.MissingDependency,
				Related: []string{dep.Name},
				Err:     fmt.Errorf("%s %s does not satisfy %s", dep.Name, de.desc.Version, dep),
			}
		}
		depScopes = append(depScopes, de.scope)
	}

	scope := registry.NewScope(name, r.host, depScopes...)
	module, err := r.instantiate(ctx, desc, scope)
	if err != nil {
		scope.Release()
		r.metrics.ModuleTransition(name, "load", "failed")
		r.logger.Error("Failed to load module", zap.String("module", name), zap.Error(err))
		return nil, err
	}

	r.seq++
	e := &entry{desc: desc, state: Loaded, scope: scope, module: module, seq: r.seq}
	r.modules[name] = e
	r.metrics.ModuleTransition(name, "load", "success")
	r.logger.Info("Module loaded",
		zap.String("module", name),
		zap.String("version", desc.Version),
		zap.Strings("dependencies", desc.DependencyNames()))
	r.emit(events.ModuleLoadedEventType, e, nil)
	return e, nil
}

func (r *Runtime) instantiate(ctx context.Context, desc *plugin.Descriptor, scope *registry.Scope) (Module, error) {
	factory, err := resolveFactory(desc, scope)
	if err != nil {
		return nil, err
	}
	var module Module
	err = r.safelyExecute(ctx, desc.Name, "instantiate", func(context.Context) error {
		var ferr error
		module, ferr = factory(desc)
		return ferr
	})
	if err == nil && module == nil {
		err = errors.New("factory returned no module")
	}
	if err != nil {
		return nil, entryPointError(desc, err)
	}
	if loader, ok := module.(Loader); ok {
		if err := r.safelyExecute(ctx, desc.Name, "OnLoad", func(ctx context.Context) error {
			return loader.OnLoad(ctx, scope)
		}); err != nil {
			return nil, entryPointError(desc, fmt.Errorf("OnLoad: %w", err))
		}
	}
	return module, nil
}

// EnableModule runs the module's OnEnable hook. The module must be Loaded or
// Disabled and every dependency Enabled. A failing hook moves the module to Failed,
// releases what it registered and publishes module.failed; other modules are
// unaffected.
func (r *Runtime) EnableModule(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "Runtime.EnableModule", trace.WithAttributes(attribute.String("module.name", name)))
	defer span.End()

	err := r.transition(ctx, func() error { return r.enableLocked(ctx, name) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runtime) enableLocked(ctx context.Context, name string) error {
	e, ok := r.modules[name]
	if !ok {
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.NotLoaded}
	}
	switch e.state {
	case Enabled:
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.AlreadyEnabled}
	case Failed:
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.NotLoaded, Err: fmt.Errorf("module failed, unload and load it again: %w", e.err)}
	}

	var notEnabled []string
	for _, dep := range e.desc.DependencyNames() {
		if de, ok := r.modules[dep]; !ok || de.state != Enabled {
			notEnabled = append(notEnabled, dep)
		}
	}
	if len(notEnabled) > 0 {
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.DependencyNotEnabled, Related: notEnabled}
	}

	host := r.newHost(e)
	r.metrics.ModuleTransition(name, "enable", "attempt")
	err := r.safelyExecute(ctx, name, "OnEnable", func(ctx context.Context) error {
		return e.module.OnEnable(ctx, host)
	})
	if err != nil {
		host.release()
		lerr := &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.HookFailed, Err: err}
		e.state, e.err, e.host = Failed, lerr, nil
		r.metrics.ModuleTransition(name, "enable", "failed")
		r.logger.Error("Failed to enable module", zap.String("module", name), zap.Error(err))
		r.emit(events.ModuleFailedEventType, e, lerr)
		return lerr
	}

	e.state, e.err, e.host = Enabled, nil, host
	r.metrics.ModuleTransition(name, "enable", "success")
	r.logger.Info("Module enabled", zap.String("module", name))
	r.emit(events.ModuleEnabledEventType, e, nil)
	return nil
}

func (r *Runtime) newHost(e *entry) *Host {
	var cfg map[string]any
	if r.config != nil {
		cfg = r.config(e.desc.Name)
	}
	return &Host{
		desc:     e.desc,
		scope:    e.scope,
		bus:      r.bus,
		commands: r.commands,
		perms:    r.perms,
		logger:   r.logger.With(zap.String("module", e.desc.Name)),
		config:   cfg,
	}
}

// DisableModule stops an Enabled module. It fails with DependentsStillActive while
// any Loaded or Enabled module depends on it.
func (r *Runtime) DisableModule(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "Runtime.DisableModule", trace.WithAttributes(attribute.String("module.name", name)))
	defer span.End()

	err := r.transition(ctx, func() error { return r.disableLocked(ctx, name) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runtime) disableLocked(ctx context.Context, name string) error {
	e, ok := r.modules[name]
	if !ok {
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.NotLoaded}
	}
	if e.state != Enabled {
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.NotEnabled, Err: fmt.Errorf("state is %s", e.state)}
	}
	if active := r.dependentsLocked(name, func(s State) bool { return s == Loaded || s == Enabled }); len(active) > 0 {
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.DependentsStillActive, Related: active}
	}

	err := r.safelyExecute(ctx, name, "OnDisable", func(ctx context.Context) error {
		return e.module.OnDisable(ctx)
	})
	e.host.release()
	e.host = nil
	if err != nil {
		lerr := &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.HookFailed, Err: err}
		e.state, e.err = Failed, lerr
		r.metrics.ModuleTransition(name, "disable", "failed")
		r.logger.Error("Module failed while disabling", zap.String("module", name), zap.Error(err))
		r.emit(events.ModuleFailedEventType, e, lerr)
		return lerr
	}

	e.state = Disabled
	r.metrics.ModuleTransition(name, "disable", "success")
	r.logger.Info("Module disabled", zap.String("module", name))
	r.emit(events.ModuleDisabledEventType, e, nil)
	return nil
}

// UnloadModule disables the module if needed, runs its OnUnload hook, releases its
// scope and forgets it. A Loaded or Enabled dependent blocks the unload. Disabled and
// Failed dependents do not: their scopes stop resolving this module's exports, and
// enabling them again fails with DependencyNotEnabled until it is reloaded.
func (r *Runtime) UnloadModule(ctx context.Context, name string) error {
	return r.transition(ctx, func() error { return r.unloadLocked(ctx, name) })
}

func (r *Runtime) unloadLocked(ctx context.Context, name string) error {
	e, ok := r.modules[name]
	if !ok {
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.NotLoaded}
	}
	active := func(s State) bool { return s == Loaded || s == Enabled }
	if dependents := r.dependentsLocked(name, active); len(dependents) > 0 {
		return &coreerrors.ModuleLifecycleError{Module: name, Kind: coreerrors.DependentsStillActive, Related: dependents}
	}
	if e.state == Enabled {
		if err := r.disableLocked(ctx, name); err != nil && !errors.Is(err, coreerrors.ErrHookFailed) {
			return err
		}
	}
	if u, ok := e.module.(Unloader); ok {
		if err := r.safelyExecute(ctx, name, "OnUnload", u.OnUnload); err != nil {
			r.logger.Warn("Module OnUnload failed", zap.String("module", name), zap.Error(err))
		}
	}
	if e.host != nil {
		e.host.release()
	}
	e.scope.Release()
	delete(r.modules, name)
	e.state = Unloaded
	r.metrics.ModuleTransition(name, "unload", "success")
	r.logger.Info("Module unloaded", zap.String("module", name))
	r.emit(events.ModuleUnloadedEventType, e, nil)
	return nil
}

// dependentsLocked lists modules whose state matches and that declare name as a dependency.
func (r *Runtime) dependentsLocked(name string, match func(State) bool) []string {
	var out []string
	for other, e := range r.modules {
		if !match(e.state) {
			continue
		}
		for _, dep := range e.desc.DependencyNames() {
			if dep == name {
				out = append(out, other)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Module returns the current view of one module.
func (r *Runtime) Module(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.modules[name]
	if !ok {
		return Info{Name: name, State: Unloaded}, false
	}
	return e.info(), true
}

// State returns the module's lifecycle state; Unloaded for unknown names.
func (r *Runtime) State(name string) State {
	info, _ := r.Module(name)
	return info.State
}

// Modules lists every module with a record, in load order.
func (r *Runtime) Modules() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infosLocked(false)
}

func (r *Runtime) infosLocked(reverse bool) []Info {
	entries := make([]*entry, 0, len(r.modules))
	for _, e := range r.modules {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if reverse {
			return entries[i].seq > entries[j].seq
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]Info, len(entries))
	for i, e := range entries {
		out[i] = e.info()
	}
	return out
}

// Shutdown unloads every module, dependents before their dependencies.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	infos := r.infosLocked(true)
	r.mu.Unlock()

	var errs []error
	for _, info := range infos {
		if err := r.UnloadModule(ctx, info.Name); err != nil && !errors.Is(err, coreerrors.ErrNotLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
