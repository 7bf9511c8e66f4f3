package auth

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/logger"
	"sourcebot/core/metrics"

	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Decision sources, also used as metric labels.
const (
	SourceAdmin   = "admin"
	SourceUser    = "user"
	SourceRole    = "role"
	SourceDefault = "default"
	SourceInvalid = "invalid"
)

// Decision explains a permission check.
type Decision struct {
	Allowed bool
	Source  string
	Role    string // set when Source is SourceRole
	Rule    Node   // matching pattern, empty for admin and default decisions
}

type compiledRole struct {
	role Role
	trie *ruleTrie
}

type compiledUser struct {
	user User
	trie *ruleTrie
}

// Options configures an Engine.
type Options struct {
	GlobalAdmins []string
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Engine answers permission checks from an in-memory cache of compiled rule tries
// and applies mutations write-through: the store is written first, and the cache
// only changes once the store has acknowledged.
type Engine struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex // serializes mutations

	mu     sync.RWMutex
	admins map[string]struct{}
	roles  map[string]*compiledRole
	users  map[string]*compiledUser
}

// NewEngine loads every role from store and returns a ready engine. Users are
// loaded lazily on first check.
func NewEngine(ctx context.Context, store Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("auth: nil store")
	}
	e := &Engine{
		store:   store,
		logger:  logger.OrNop(opts.Logger).Named("auth"),
		metrics: opts.Metrics,
		roles:   make(map[string]*compiledRole),
		users:   make(map[string]*compiledUser),
	}
	e.SetGlobalAdmins(opts.GlobalAdmins)
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload discards cached users and reloads roles from the store.
func (e *Engine) Reload(ctx context.Context) error {
	roles, err := e.store.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	compiled := make(map[string]*compiledRole, len(roles))
	for _, r := range roles {
		compiled[r.ID] = e.compileRole(r)
	}
	e.mu.Lock()
	e.roles = compiled
	e.users = make(map[string]*compiledUser)
	e.mu.Unlock()
	e.logger.Debug("Permission cache reloaded", zap.Int("roles", len(compiled)))
	return nil
}

// SetGlobalAdmins replaces the set of user ids that pass every check.
func (e *Engine) SetGlobalAdmins(ids []string) {
	admins := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		admins[id] = struct{}{}
	}
	e.mu.Lock()
	e.admins = admins
	e.mu.Unlock()
}

// Invalidate drops a cached user so the next check reads it from the store.
func (e *Engine) Invalidate(userID string) {
	e.mu.Lock()
	delete(e.users, userID)
	e.mu.Unlock()
}

// HasPermission reports whether userID may use node. Store failures and malformed
// nodes deny.
func (e *Engine) HasPermission(ctx context.Context, userID, node string) bool {
	d, err := e.Check(ctx, userID, node)
	if err != nil {
		e.logger.Warn("Permission check failed, denying",
			zap.String("user", userID), zap.String("node", node), zap.Error(err))
		return false
	}
	return d.Allowed
}

// Check evaluates node for userID and explains the decision.
func (e *Engine) Check(ctx context.Context, userID, node string) (Decision, error) {
	n, err := ParseNode(node)
	if err == nil && n.IsWildcard() {
		err = fmt.Errorf("%w: %q: checks require a concrete node", ErrInvalidNode, node)
	}
	if err != nil {
		e.metrics.PermissionChecked(SourceInvalid, false)
		return Decision{Source: SourceInvalid}, err
	}
	subject, err := e.Snapshot(ctx, userID)
	if err != nil {
		return Decision{Source: SourceDefault}, err
	}
	d := subject.Check(n)
	e.metrics.PermissionChecked(d.Source, d.Allowed)
	return d, nil
}

// Subject is an immutable view of one user and their roles. Every Check on the
// same Subject sees the same rules.
type Subject struct {
	admin bool
	user  *compiledUser
	roles []*compiledRole // descending priority
}

// Snapshot captures userID's current rules for repeated checks.
func (e *Engine) Snapshot(ctx context.Context, userID string) (*Subject, error) {
	u, err := e.cachedUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	_, admin := e.admins[userID]
	roles := make([]*compiledRole, 0, len(u.user.RoleIDs))
	for _, id := range u.user.RoleIDs {
		if r, ok := e.roles[id]; ok {
			roles = append(roles, r)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].role.Priority != roles[j].role.Priority {
			return roles[i].role.Priority > roles[j].role.Priority
		}
		return roles[i].role.ID < roles[j].role.ID
	})
	return &Subject{admin: admin, user: u, roles: roles}, nil
}

// Check applies, in order: global admin, the most specific user override, the
// first role (by priority) holding any matching rule, and finally default deny.
func (s *Subject) Check(node Node) Decision {
	if s.admin {
		return Decision{Allowed: true, Source: SourceAdmin}
	}
	segs := node.Segments()
	if m, ok := s.user.trie.lookup(segs); ok {
		return Decision{Allowed: m.rule.Allow, Source: SourceUser, Rule: m.rule.Node}
	}
	for _, r := range s.roles {
		if m, ok := r.trie.lookup(segs); ok {
			return Decision{Allowed: m.rule.Allow, Source: SourceRole, Role: r.role.ID, Rule: m.rule.Node}
		}
	}
	return Decision{Source: SourceDefault}
}

// Has is Check reduced to a boolean.
func (s *Subject) Has(node Node) bool { return s.Check(node).Allowed }

func (e *Engine) cachedUser(ctx context.Context, userID string) (*compiledUser, error) {
	e.mu.RLock()
	u, ok := e.users[userID]
	e.mu.RUnlock()
	if ok {
		return u, nil
	}

	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u = e.compileUser(user)

	e.mu.Lock()
	// A concurrent mutation may have cached a newer copy while we were reading.
	if existing, ok := e.users[userID]; ok {
		u = existing
	} else {
		e.users[userID] = u
	}
	e.mu.Unlock()
	return u, nil
}

func (e *Engine) loadUser(ctx context.Context, userID string) (User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, coreerrors.ErrNotFound) {
		return User{ID: userID}, nil
	}
	if err != nil {
		return User{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	return user, nil
}

func (e *Engine) compileRole(r Role) *compiledRole {
	return &compiledRole{role: r, trie: newRuleTrie(e.validRules(r.Rules, zap.String("role", r.ID)))}
}

func (e *Engine) compileUser(u User) *compiledUser {
	return &compiledUser{user: u, trie: newRuleTrie(e.validRules(u.Overrides, zap.String("user", u.ID)))}
}

// validRules drops rules whose node fails validation, which can only happen when
// the store was edited by hand.
func (e *Engine) validRules(rules []Rule, owner zap.Field) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if _, err := ParseNode(string(r.Node)); err != nil {
			e.logger.Warn("Ignoring stored rule", owner, zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out
}

// Role returns a copy of a cached role.
func (e *Engine) Role(id string) (Role, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.roles[id]
	if !ok {
		return Role{}, false
	}
	return cloneRole(r.role), true
}

// Roles returns every cached role in descending priority.
func (e *Engine) Roles() []Role {
	e.mu.RLock()
	out := make([]Role, 0, len(e.roles))
	for _, r := range e.roles {
		out = append(out, cloneRole(r.role))
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// User returns the current record for userID, loading it if needed.
func (e *Engine) User(ctx context.Context, userID string) (User, error) {
	u, err := e.cachedUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	return cloneUser(u.user), nil
}

func cloneRole(r Role) Role {
	r.Rules = append([]Rule(nil), r.Rules...)
	return r
}

func cloneUser(u User) User {
	u.RoleIDs = append([]string(nil), u.RoleIDs...)
	u.Overrides = append([]Rule(nil), u.Overrides...)
	return u
}
