package kernel

import (
	"sourcebot/core/auth"
	"sourcebot/core/command"
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/events"
	"sourcebot/core/plugin"
	"sourcebot/core/registry"

	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Host is a module's handle on the application while it is enabled. It implements
// events.Bus so modules can subscribe with events.On; every subscription and command
// registered through it belongs to the module and is released when the module stops.
type Host struct {
	desc     *plugin.Descriptor
	scope    *registry.Scope
	bus      events.Bus
	commands *command.Registry
	perms    *auth.Engine
	logger   *zap.Logger
	config   map[string]any

	mu       sync.Mutex
	handles  []events.Handle
	released bool
}

var _ events.Bus = (*Host)(nil)

// Name is the module's name.
func (h *Host) Name() string { return h.desc.Name }

// Descriptor is the module's parsed descriptor.
func (h *Host) Descriptor() *plugin.Descriptor { return h.desc }

// Logger is named after the module.
func (h *Host) Logger() *zap.Logger { return h.logger }

// Scope resolves symbols exported by the module, its dependencies and the host.
func (h *Host) Scope() *registry.Scope { return h.scope }

// Permissions is the shared permission engine. Nil when the runtime has none.
func (h *Host) Permissions() *auth.Engine { return h.perms }

// DecodeConfig decodes the descriptor's config, overlaid with the operator's
// modules.config.<name> section, into out.
func (h *Host) DecodeConfig(out any) error {
	return h.desc.DecodeConfig(out, h.config)
}

func (h *Host) Subscribe(eventType string, l events.Listener, priority int) (events.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0, fmt.Errorf("module %s: subscribe after release: %w", h.desc.Name, coreerrors.ErrClosed)
	}
	handle, err := h.bus.Subscribe(eventType, l, priority)
	if err != nil {
		return 0, err
	}
	h.handles = append(h.handles, handle)
	return handle, nil
}

func (h *Host) Unsubscribe(handle events.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, owned := range h.handles {
		if owned == handle {
			h.handles = append(h.handles[:i], h.handles[i+1:]...)
			return h.bus.Unsubscribe(handle)
		}
	}
	return false
}

func (h *Host) Fire(ctx context.Context, ev events.TypedEvent) { h.bus.Fire(ctx, ev) }

// Close releases the module's subscriptions without touching the shared bus.
func (h *Host) Close() { h.release() }

// RegisterCommands registers cmds as owned by this module.
func (h *Host) RegisterCommands(cmds ...*command.Command) error {
	if h.commands == nil {
		return fmt.Errorf("module %s: no command registry", h.desc.Name)
	}
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return fmt.Errorf("module %s: register after release: %w", h.desc.Name, coreerrors.ErrClosed)
	}
	for _, c := range cmds {
		if c != nil {
			c.Module = h.desc.Name
		}
	}
	return h.commands.Register(cmds...)
}

// release drops everything the module registered. Safe to call more than once.
func (h *Host) release() {
	h.mu.Lock()
	handles := h.handles
	h.handles = nil
	h.released = true
	h.mu.Unlock()

	for _, handle := range handles {
		h.bus.Unsubscribe(handle)
	}
	if h.commands != nil {
		h.commands.UnregisterModule(h.desc.Name)
	}
}
