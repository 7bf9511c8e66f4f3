// Package registry provides the symbol tables that give every module an isolated
// view of code: its own exports, those of its declared dependencies, and the host.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrSymbolNotFound is returned when no table in a scope exports a name.
var ErrSymbolNotFound = errors.New("symbol not found")

// Resolver looks up a symbol by name.
type Resolver interface {
	Resolve(name string) (any, bool)
}

// Table is a named set of exported symbols owned by one module or by the host.
type Table struct {
	owner   string
	mu      sync.RWMutex
	symbols map[string]any
}

// NewTable creates an empty table for owner.
func NewTable(owner string) *Table {
	return &Table{owner: owner, symbols: make(map[string]any)}
}

// Owner returns the module (or "host") that owns the table.
func (t *Table) Owner() string { return t.owner }

// Export publishes a symbol. Names are unique per table.
func (t *Table) Export(name string, symbol any) error {
	if name == "" {
		return errors.New("export: empty symbol name")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.symbols[name]; exists {
		return fmt.Errorf("symbol '%s' already exported by %s", name, t.owner)
	}
	t.symbols[name] = symbol
	return nil
}

// Lookup consults this table only.
func (t *Table) Lookup(name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.symbols[name]
	return s, ok
}

// Names lists exported symbols in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.symbols))
	for n := range t.symbols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t *Table) clear() {
	t.mu.Lock()
	t.symbols = make(map[string]any)
	t.mu.Unlock()
}

// Scope is a module's view of code. Resolution order is the module's own table,
// then each direct dependency's table in declared order, then the host. Modules
// that are not declared dependencies are never visible.
type Scope struct {
	own      *Table
	deps     []*Scope
	host     *Table
	released atomic.Bool
}

// NewScope creates the scope for module, able to see deps and host.
func NewScope(module string, host *Table, deps ...*Scope) *Scope {
	return &Scope{own: NewTable(module), deps: deps, host: host}
}

// Module returns the owning module name.
func (s *Scope) Module() string { return s.own.owner }

// Export publishes a symbol from this module.
func (s *Scope) Export(name string, symbol any) error {
	if s.released.Load() {
		return fmt.Errorf("export %s: scope of %s was released", name, s.own.owner)
	}
	return s.own.Export(name, symbol)
}

// Resolve implements Resolver.
func (s *Scope) Resolve(name string) (any, bool) {
	v, _, ok := s.ResolveOwner(name)
	return v, ok
}

// ResolveOwner is Resolve that also reports which table supplied the symbol.
func (s *Scope) ResolveOwner(name string) (any, string, bool) {
	if s.released.Load() {
		return nil, "", false
	}
	if v, ok := s.own.Lookup(name); ok {
		return v, s.own.owner, true
	}
	for _, d := range s.deps {
		if d.released.Load() {
			continue
		}
		if v, ok := d.own.Lookup(name); ok {
			return v, d.own.owner, true
		}
	}
	if s.host != nil {
		if v, ok := s.host.Lookup(name); ok {
			return v, s.host.owner, true
		}
	}
	return nil, "", false
}

// Exports lists this module's own symbols.
func (s *Scope) Exports() []string { return s.own.Names() }

// Release drops every symbol the module exported. Later lookups through this
// scope, or through dependents' scopes, no longer see them.
func (s *Scope) Release() {
	if s.released.Swap(true) {
		return
	}
	s.own.clear()
}

// Lookup resolves name through r and asserts its type.
func Lookup[T any](r Resolver, name string) (T, error) {
	var zero T
	v, ok := r.Resolve(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("symbol %s has type %T, want %T", name, v, zero)
	}
	return typed, nil
}
