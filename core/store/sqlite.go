package store

import (
	"sourcebot/core/auth"
	coreerrors "sourcebot/core/errors"

	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS roles (
		id       TEXT PRIMARY KEY,
		priority INTEGER NOT NULL DEFAULT 0,
		rules    TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id        TEXT PRIMARY KEY,
		role_ids  TEXT NOT NULL DEFAULT '[]',
		overrides TEXT NOT NULL DEFAULT '[]'
	)`,
}

// SQLite implements auth.Store on modernc.org/sqlite. Rule lists are stored as JSON
// columns; the store never interprets them.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a database at path and applies the schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetRole(ctx context.Context, id string) (auth.Role, error) {
	var (
		r     = auth.Role{ID: id}
		rules string
	)
	err := s.db.QueryRowContext(ctx, "SELECT priority, rules FROM roles WHERE id = ?", id).Scan(&r.Priority, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("role %s: %w", id, coreerrors.ErrNotFound)
	}
	if err != nil {
		return auth.Role{}, fmt.Errorf("query role %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(rules), &r.Rules); err != nil {
		return auth.Role{}, fmt.Errorf("decode rules of role %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLite) ListRoles(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, priority, rules FROM roles ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		var (
			r     auth.Role
			rules string
		)
		if err := rows.Scan(&r.ID, &r.Priority, &rules); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		if err := json.Unmarshal([]byte(rules), &r.Rules); err != nil {
			return nil, fmt.Errorf("decode rules of role %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) PutRole(ctx context.Context, role auth.Role) error {
	if role.ID == "" {
		return fmt.Errorf("put role: %w: empty id", coreerrors.ErrInvalidInput)
	}
	rules, err := marshalList(role.Rules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (id, priority, rules) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET priority = excluded.priority, rules = excluded.rules`,
		role.ID, role.Priority, rules)
	if err != nil {
		return fmt.Errorf("upsert role %s: %w", role.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteRole(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "roles", id)
}

func (s *SQLite) GetUser(ctx context.Context, id string) (auth.User, error) {
	var (
		u                  = auth.User{ID: id}
		roleIDs, overrides string
	)
	err := s.db.QueryRowContext(ctx, "SELECT role_ids, overrides FROM users WHERE id = ?", id).Scan(&roleIDs, &overrides)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, fmt.Errorf("user %s: %w", id, coreerrors.ErrNotFound)
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("query user %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(roleIDs), &u.RoleIDs); err != nil {
		return auth.User{}, fmt.Errorf("decode roles of user %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(overrides), &u.Overrides); err != nil {
		return auth.User{}, fmt.Errorf("decode overrides of user %s: %w", id, err)
	}
	return u, nil
}

func (s *SQLite) PutUser(ctx context.Context, user auth.User) error {
	if user.ID == "" {
		return fmt.Errorf("put user: %w: empty id", coreerrors.ErrInvalidInput)
	}
	roleIDs, err := marshalList(user.RoleIDs)
	if err != nil {
		return err
	}
	overrides, err := marshalList(user.Overrides)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, role_ids, overrides) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role_ids = excluded.role_ids, overrides = excluded.overrides`,
		user.ID, roleIDs, overrides)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteUser(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "users", id)
}

// deleteByID is only called with the two fixed table names above.
func (s *SQLite) deleteByID(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, coreerrors.ErrNotFound)
	}
	return nil
}

// marshalList encodes a slice as JSON, writing "[]" for nil.
func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}
