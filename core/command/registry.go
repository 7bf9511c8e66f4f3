package command

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/events"
	"sourcebot/core/logger"

	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry maps lower-cased names and aliases to commands.
type Registry struct {
	mu       sync.RWMutex
	byLabel  map[string]*Command
	commands map[string]*Command // by lower-cased name
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(l *zap.Logger) *Registry {
	return &Registry{
		byLabel:  make(map[string]*Command),
		commands: make(map[string]*Command),
		logger:   logger.OrNop(l).Named("commands"),
	}
}

// Register adds cmds. Any name or alias already taken, by a registered command or by
// another command in the same batch, fails the whole batch with a NameConflictError.
func (r *Registry) Register(cmds ...*Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[string]*Command)
	for _, c := range cmds {
		if c == nil || strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("register command: %w: empty name", coreerrors.ErrInvalidInput)
		}
		if c.Handler == nil {
			return fmt.Errorf("register command %s: %w: nil handler", c.Name, coreerrors.ErrInvalidInput)
		}
		for _, label := range c.Labels() {
			if label == "" || strings.ContainsAny(label, " \t\n") {
				return fmt.Errorf("register command %s: %w: invalid label %q", c.Name, coreerrors.ErrInvalidInput, label)
			}
			if existing, ok := r.byLabel[label]; ok {
				return &coreerrors.NameConflictError{Name: label, Existing: existing.Name}
			}
			if existing, ok := staged[label]; ok && existing != c {
				return &coreerrors.NameConflictError{Name: label, Existing: existing.Name}
			}
			staged[label] = c
		}
	}

	for label, c := range staged {
		r.byLabel[label] = c
		r.commands[strings.ToLower(c.Name)] = c
	}
	for _, c := range cmds {
		r.logger.Debug("Command registered", zap.String("command", c.Name), zap.Strings("aliases", c.Aliases), zap.String("module", c.Module))
	}
	return nil
}

// Lookup resolves a name or alias, ignoring case.
func (r *Registry) Lookup(label string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byLabel[strings.ToLower(label)]
	return c, ok
}

// Unregister removes a command by name. It reports whether it was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[strings.ToLower(name)]
	if !ok {
		return false
	}
	r.removeLocked(c)
	return true
}

// UnregisterModule removes every command owned by module and returns how many.
func (r *Registry) UnregisterModule(module string) int {
	if module == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c.Module == module {
			r.removeLocked(c)
			n++
		}
	}
	if n > 0 {
		r.logger.Info("Dropped module commands", zap.String("module", module), zap.Int("count", n))
	}
	return n
}

func (r *Registry) removeLocked(c *Command) {
	delete(r.commands, strings.ToLower(c.Name))
	for _, label := range c.Labels() {
		if r.byLabel[label] == c {
			delete(r.byLabel, label)
		}
	}
}

// List returns registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch drops a module's commands whenever the module leaves Enabled.
func (r *Registry) Watch(bus events.Bus) (events.Handle, error) {
	if bus == nil {
		return 0, errors.New("watch module events: nil bus")
	}
	return events.On(bus, events.ModuleEventType, 0, func(ctx context.Context, ev events.ModuleEvent) error {
		switch ev.Type {
		case events.ModuleDisabledEventType, events.ModuleFailedEventType, events.ModuleUnloadedEventType:
			r.UnregisterModule(ev.Module)
		}
		return nil
	})
}
