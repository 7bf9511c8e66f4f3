package kernel

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/plugin"
	"sourcebot/core/registry"

	"fmt"
	"path/filepath"
	goplugin "plugin"
	"strings"
)

// Entry point forms:
//
//	builtin:<name>         a Factory exported by the host under that symbol
//	plugin:<file>[#Symbol] a Go plugin next to the descriptor; Symbol defaults to NewModule
//	<symbol>               any Factory visible through the module's scope
const (
	BuiltinPrefix = "builtin:"
	PluginPrefix  = "plugin:"

	defaultPluginSymbol = "NewModule"
)

// BuiltinSymbol is the host symbol under which a built-in module's factory is exported.
func BuiltinSymbol(name string) string { return BuiltinPrefix + name }

// resolveFactory finds the factory behind desc's entry point.
func resolveFactory(desc *plugin.Descriptor, scope *registry.Scope) (Factory, error) {
	ep := strings.TrimSpace(desc.EntryPoint)
	if ref, ok := strings.CutPrefix(ep, PluginPrefix); ok {
		return openPlugin(desc, ref)
	}
	sym, owner, ok := scope.ResolveOwner(ep)
	if !ok {
		return nil, entryPointError(desc, fmt.Errorf("symbol %q is not visible to the module", ep))
	}
	f, err := asFactory(sym)
	if err != nil {
		return nil, entryPointError(desc, fmt.Errorf("symbol %q exported by %s: %w", ep, owner, err))
	}
	return f, nil
}

// openPlugin loads a Go plugin built with -buildmode=plugin.
func openPlugin(desc *plugin.Descriptor, ref string) (Factory, error) {
	path, symbol, _ := strings.Cut(ref, "#")
	if symbol == "" {
		symbol = defaultPluginSymbol
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(desc.Dir(), path)
	}
	if err := desc.VerifyEntryPoint(path); err != nil {
		return nil, err
	}
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, entryPointError(desc, fmt.Errorf("open plugin %s: %w", path, err))
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, entryPointError(desc, fmt.Errorf("plugin %s: %w", path, err))
	}
	f, err := asFactory(sym)
	if err != nil {
		return nil, entryPointError(desc, fmt.Errorf("plugin %s symbol %s: %w", path, symbol, err))
	}
	return f, nil
}

func asFactory(sym any) (Factory, error) {
	switch f := sym.(type) {
	case Factory:
		return f, nil
	case func(*plugin.Descriptor) (Module, error):
		return f, nil
	case func() Module:
		return func(*plugin.Descriptor) (Module, error) { return f(), nil }, nil
	case *Factory:
		if f != nil && *f != nil {
			return *f, nil
		}
	case Module:
		return func(*plugin.Descriptor) (Module, error) { return f, nil }, nil
	}
	return nil, fmt.Errorf("%T is not a module factory", sym)
}

func entryPointError(desc *plugin.Descriptor, err error) error {
	return &coreerrors.ModuleLoadError{Module: desc.Name, Kind: coreerrors.EntryPoint, Err: err}
}
