// Package kernel is the module runtime. It discovers module descriptors, orders them
// by dependency, gives every module an isolated symbol scope and drives the
// Unloaded, Loaded, Enabled, Disabled and Failed lifecycle.
package kernel

import (
	"sourcebot/core/plugin"
	"sourcebot/core/registry"

	"context"
)

// Module is the code behind a descriptor's entry point.
type Module interface {
	// OnEnable starts the module. Listeners and commands registered through host are
	// released automatically when the module is disabled or fails.
	OnEnable(ctx context.Context, host *Host) error
	// OnDisable stops the module.
	OnDisable(ctx context.Context) error
}

// Loader is implemented by modules that export symbols for their dependents. OnLoad
// runs once, right after instantiation, with the module's own scope.
type Loader interface {
	OnLoad(ctx context.Context, scope *registry.Scope) error
}

// Unloader is implemented by modules that hold resources across enable cycles.
type Unloader interface {
	OnUnload(ctx context.Context) error
}

// Factory instantiates a module. Built-in modules export a Factory under
// "builtin:<name>" in the host symbol table.
type Factory func(desc *plugin.Descriptor) (Module, error)

// State is a module lifecycle state.
type State int

const (
	Unloaded State = iota
	Loaded
	Enabled
	Disabled
	Failed
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	case Failed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Info is a point-in-time view of a module.
type Info struct {
	Name         string
	Version      string
	State        State
	Dependencies []string
	Exports      []string
	Err          error // last lifecycle error, set in Failed
}

// entry is the runtime's record of a module. Guarded by Runtime.mu.
type entry struct {
	desc   *plugin.Descriptor
	state  State
	scope  *registry.Scope
	module Module
	host   *Host
	err    error
	seq    int // load order
}

func (e *entry) info() Info {
	return Info{
		Name:         e.desc.Name,
		Version:      e.desc.Version,
		State:        e.state,
		Dependencies: e.desc.DependencyNames(),
		Exports:      e.scope.Exports(),
		Err:          e.err,
	}
}
