package auth

import (
	coreerrors "sourcebot/core/errors"

	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// CreateRole adds an empty role.
func (e *Engine) CreateRole(ctx context.Context, id string, priority int) error {
	if id == "" {
		return fmt.Errorf("create role: %w: empty id", coreerrors.ErrInvalidInput)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, ok := e.Role(id); ok {
		return fmt.Errorf("create role %s: %w", id, coreerrors.ErrAlreadyExists)
	}
	return e.commitRole(ctx, Role{ID: id, Priority: priority}, "Role created")
}

// DeleteRole removes a role. Users that still reference it simply stop inheriting
// its rules.
func (e *Engine) DeleteRole(ctx context.Context, id string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, ok := e.Role(id); !ok {
		return fmt.Errorf("delete role %s: %w", id, coreerrors.ErrNotFound)
	}
	if err := e.store.DeleteRole(ctx, id); err != nil {
		return fmt.Errorf("delete role %s: %w", id, err)
	}
	e.mu.Lock()
	delete(e.roles, id)
	e.mu.Unlock()
	e.logger.Info("Role deleted", zap.String("role", id))
	return nil
}

// SetRolePriority changes where a role sits in the evaluation order.
func (e *Engine) SetRolePriority(ctx context.Context, id string, priority int) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	role, ok := e.Role(id)
	if !ok {
		return fmt.Errorf("set priority on role %s: %w", id, coreerrors.ErrNotFound)
	}
	role.Priority = priority
	return e.commitRole(ctx, role, "Role priority changed")
}

// GrantRole sets an allow or deny rule on a role.
func (e *Engine) GrantRole(ctx context.Context, roleID, node string, allow bool) error {
	n, err := ParseNode(node)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	role, ok := e.Role(roleID)
	if !ok {
		return fmt.Errorf("grant on role %s: %w", roleID, coreerrors.ErrNotFound)
	}
	role.Rules = withRule(role.Rules, n, allow)
	return e.commitRole(ctx, role, "Role rule set", zap.String("node", node), zap.Bool("allow", allow))
}

// RevokeRole removes a rule from a role.
func (e *Engine) RevokeRole(ctx context.Context, roleID, node string) error {
	n, err := ParseNode(node)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	role, ok := e.Role(roleID)
	if !ok {
		return fmt.Errorf("revoke on role %s: %w", roleID, coreerrors.ErrNotFound)
	}
	rules, found := withoutRule(role.Rules, n)
	if !found {
		return fmt.Errorf("revoke %s on role %s: %w", node, roleID, coreerrors.ErrNotFound)
	}
	role.Rules = rules
	return e.commitRole(ctx, role, "Role rule revoked", zap.String("node", node))
}

// GrantUser sets an explicit override on a user.
func (e *Engine) GrantUser(ctx context.Context, userID, node string, allow bool) error {
	n, err := ParseNode(node)
	if err != nil {
		return err
	}
	return e.mutateUser(ctx, userID, func(u *User) error {
		u.Overrides = withRule(u.Overrides, n, allow)
		return nil
	}, "User override set", zap.String("node", node), zap.Bool("allow", allow))
}

// RevokeUser removes an explicit override from a user.
func (e *Engine) RevokeUser(ctx context.Context, userID, node string) error {
	n, err := ParseNode(node)
	if err != nil {
		return err
	}
	return e.mutateUser(ctx, userID, func(u *User) error {
		rules, found := withoutRule(u.Overrides, n)
		if !found {
			return fmt.Errorf("revoke %s on user %s: %w", node, userID, coreerrors.ErrNotFound)
		}
		u.Overrides = rules
		return nil
	}, "User override revoked", zap.String("node", node))
}

// AssignRole adds roleID to a user's roles. Assigning twice is a no-op.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID string) error {
	if _, ok := e.Role(roleID); !ok {
		return fmt.Errorf("assign role %s: %w", roleID, coreerrors.ErrNotFound)
	}
	return e.mutateUser(ctx, userID, func(u *User) error {
		if !slices.Contains(u.RoleIDs, roleID) {
			u.RoleIDs = append(u.RoleIDs, roleID)
		}
		return nil
	}, "Role assigned", zap.String("role", roleID))
}

// UnassignRole removes roleID from a user's roles.
func (e *Engine) UnassignRole(ctx context.Context, userID, roleID string) error {
	return e.mutateUser(ctx, userID, func(u *User) error {
		idx := slices.Index(u.RoleIDs, roleID)
		if idx < 0 {
			return fmt.Errorf("unassign role %s from %s: %w", roleID, userID, coreerrors.ErrNotFound)
		}
		u.RoleIDs = slices.Delete(u.RoleIDs, idx, idx+1)
		return nil
	}, "Role unassigned", zap.String("role", roleID))
}

// commitRole persists role, then swaps it into the cache. Callers hold writeMu.
func (e *Engine) commitRole(ctx context.Context, role Role, msg string, fields ...zap.Field) error {
	if err := e.store.PutRole(ctx, role); err != nil {
		return fmt.Errorf("store role %s: %w", role.ID, err)
	}
	compiled := e.compileRole(role)
	e.mu.Lock()
	e.roles[role.ID] = compiled
	e.mu.Unlock()
	e.logger.Info(msg, append([]zap.Field{zap.String("role", role.ID)}, fields...)...)
	return nil
}

// mutateUser applies fn to a fresh copy of the user read from the store, persists
// it, then replaces the cached copy.
func (e *Engine) mutateUser(ctx context.Context, userID string, fn func(*User) error, msg string, fields ...zap.Field) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", coreerrors.ErrInvalidInput)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	user = cloneUser(user)
	if err := fn(&user); err != nil {
		return err
	}
	if err := e.store.PutUser(ctx, user); err != nil {
		return fmt.Errorf("store user %s: %w", userID, err)
	}
	compiled := e.compileUser(user)
	e.mu.Lock()
	e.users[userID] = compiled
	e.mu.Unlock()
	e.logger.Info(msg, append([]zap.Field{zap.String("user", userID)}, fields...)...)
	return nil
}

// Seed creates roles that do not exist yet. Existing roles are left untouched so
// edits made at runtime survive a restart.
func (e *Engine) Seed(ctx context.Context, roles []Role) error {
	var errs []error
	for _, r := range roles {
		if _, ok := e.Role(r.ID); ok {
			continue
		}
		valid := true
		for _, rule := range r.Rules {
			if _, err := ParseNode(string(rule.Node)); err != nil {
				errs = append(errs, fmt.Errorf("seed role %s: %w", r.ID, err))
				valid = false
			}
		}
		if !valid {
			continue
		}
		e.writeMu.Lock()
		err := e.commitRole(ctx, cloneRole(r), "Role seeded")
		e.writeMu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
