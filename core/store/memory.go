// Package store provides the persistent implementations of auth.Store: an in-memory
// store for tests and ephemeral runs, a JSON file store, and SQLite.
package store

import (
	"sourcebot/core/auth"
	coreerrors "sourcebot/core/errors"

	"context"
	"fmt"
	"sort"
	"sync"
)

// Compile-time interface guards.
var (
	_ auth.Store = (*Memory)(nil)
	_ auth.Store = (*File)(nil)
	_ auth.Store = (*SQLite)(nil)
)

// Memory keeps roles and users in maps. It is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	roles map[string]auth.Role
	users map[string]auth.User
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{roles: map[string]auth.Role{}, users: map[string]auth.User{}}
}

func (m *Memory) GetRole(ctx context.Context, id string) (auth.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return auth.Role{}, fmt.Errorf("role %s: %w", id, coreerrors.ErrNotFound)
	}
	return copyRole(r), nil
}

func (m *Memory) ListRoles(ctx context.Context) ([]auth.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]auth.Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, copyRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutRole(ctx context.Context, role auth.Role) error {
	if role.ID == "" {
		return fmt.Errorf("put role: %w: empty id", coreerrors.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = copyRole(role)
	return nil
}

func (m *Memory) DeleteRole(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return fmt.Errorf("role %s: %w", id, coreerrors.ErrNotFound)
	}
	delete(m.roles, id)
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (auth.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return auth.User{}, fmt.Errorf("user %s: %w", id, coreerrors.ErrNotFound)
	}
	return copyUser(u), nil
}

func (m *Memory) PutUser(ctx context.Context, user auth.User) error {
	if user.ID == "" {
		return fmt.Errorf("put user: %w: empty id", coreerrors.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = copyUser(user)
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, coreerrors.ErrNotFound)
	}
	delete(m.users, id)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (m *Memory) clone() *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &Memory{roles: make(map[string]auth.Role, len(m.roles)), users: make(map[string]auth.User, len(m.users))}
	for k, v := range m.roles {
		c.roles[k] = v
	}
	for k, v := range m.users {
		c.users[k] = v
	}
	return c
}

func (m *Memory) replace(from *Memory) {
	m.mu.Lock()
	m.roles, m.users = from.roles, from.users
	m.mu.Unlock()
}

func copyRole(r auth.Role) auth.Role {
	r.Rules = append([]auth.Rule(nil), r.Rules...)
	return r
}

func copyUser(u auth.User) auth.User {
	u.RoleIDs = append([]string(nil), u.RoleIDs...)
	u.Overrides = append([]auth.Rule(nil), u.Overrides...)
	return u
}
