// Package auth evaluates hierarchical permission nodes for users and roles.
//
// A permission node is a dot-separated path such as "guild.manage.roles". Rules may
// end in a wildcard segment ("guild.manage.*") that covers the node itself and
// everything nested below it. Decisions are made by Engine, backed by a Store.
package auth

import (
	"context"
)

// contextKey is an unexported type for context keys.
type contextKey int

const (
	principalContextKey contextKey = iota
)

// PrincipalFromContext retrieves the Principal from the given context.
// Returns nil if no Principal is found.
func PrincipalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalContextKey).(Principal); ok {
		return p
	}
	return nil
}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// Principal is whoever invokes an operation: a chat user, or a system actor such
// as the CLI.
type Principal interface {
	// ID returns the identifier used for permission lookups.
	ID() string
	// Type returns the kind of principal (e.g. "user", "system").
	Type() string
	// Name returns a display name; it may be empty.
	Name() string
}

// DefaultPrincipal is a basic implementation of the Principal interface.
type DefaultPrincipal struct {
	id            string
	principalType string
	name          string
}

// NewDefaultPrincipal creates a new DefaultPrincipal.
func NewDefaultPrincipal(id, principalType, name string) *DefaultPrincipal {
	return &DefaultPrincipal{id: id, principalType: principalType, name: name}
}

func (p *DefaultPrincipal) ID() string   { return p.id }
func (p *DefaultPrincipal) Type() string { return p.principalType }
func (p *DefaultPrincipal) Name() string { return p.name }

// Rule grants or denies a node pattern.
type Rule struct {
	Node  Node `json:"node" yaml:"node" mapstructure:"node"`
	Allow bool `json:"allow" yaml:"allow" mapstructure:"allow"`
}

// Role is a prioritized set of rules. Higher priority roles are consulted first.
type Role struct {
	ID       string `json:"id" yaml:"id" mapstructure:"id"`
	Priority int    `json:"priority" yaml:"priority" mapstructure:"priority"`
	Rules    []Rule `json:"rules" yaml:"rules" mapstructure:"rules"`
}

// User carries role assignments and explicit overrides that outrank every role.
type User struct {
	ID        string   `json:"id"`
	RoleIDs   []string `json:"roleIds"`
	Overrides []Rule   `json:"overrides"`
}

// Store is the persistent CRUD service behind the engine. Lookups of unknown ids
// return an error wrapping errors.ErrNotFound from sourcebot/core/errors.
type Store interface {
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	PutRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, id string) error

	GetUser(ctx context.Context, id string) (User, error)
	PutUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, id string) error
}

// withRule returns a copy of rules where node is set to allow, replacing any
// existing rule for the same node.
func withRule(rules []Rule, node Node, allow bool) []Rule {
	out := make([]Rule, 0, len(rules)+1)
	replaced := false
	for _, r := range rules {
		if r.Node == node {
			out = append(out, Rule{Node: node, Allow: allow})
			replaced = true
			continue
		}
		out = append(out, r)
	}
	if !replaced {
		out = append(out, Rule{Node: node, Allow: allow})
	}
	return out
}

// withoutRule returns a copy of rules without node and whether it was present.
func withoutRule(rules []Rule, node Node) ([]Rule, bool) {
	out := make([]Rule, 0, len(rules))
	found := false
	for _, r := range rules {
		if r.Node == node {
			found = true
			continue
		}
		out = append(out, r)
	}
	return out, found
}
