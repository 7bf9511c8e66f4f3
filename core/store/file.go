package store

import (
	"sourcebot/core/auth"

	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// document is the on-disk layout of a File store.
type document struct {
	Roles []auth.Role `json:"roles"`
	Users []auth.User `json:"users"`
}

// File is a JSON-backed store intended for small deployments and CLI use. Every
// write rewrites the whole file through a temporary file and a rename.
type File struct {
	path string
	mu   sync.Mutex // serializes writers
	mem  *Memory
}

// NewFile loads path, or starts empty if the file does not exist yet.
func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file store: empty path")
	}
	f := &File{path: path, mem: NewMemory()}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal store: %w", err)
	}
	for _, r := range doc.Roles {
		f.mem.roles[r.ID] = r
	}
	for _, u := range doc.Users {
		f.mem.users[u.ID] = u
	}
	return f, nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) GetRole(ctx context.Context, id string) (auth.Role, error) {
	return f.mem.GetRole(ctx, id)
}

func (f *File) ListRoles(ctx context.Context) ([]auth.Role, error) {
	return f.mem.ListRoles(ctx)
}

func (f *File) PutRole(ctx context.Context, role auth.Role) error {
	return f.write(func(s *Memory) error { return s.PutRole(ctx, role) })
}

func (f *File) DeleteRole(ctx context.Context, id string) error {
	return f.write(func(s *Memory) error { return s.DeleteRole(ctx, id) })
}

func (f *File) GetUser(ctx context.Context, id string) (auth.User, error) {
	return f.mem.GetUser(ctx, id)
}

func (f *File) PutUser(ctx context.Context, user auth.User) error {
	return f.write(func(s *Memory) error { return s.PutUser(ctx, user) })
}

func (f *File) DeleteUser(ctx context.Context, id string) error {
	return f.write(func(s *Memory) error { return s.DeleteUser(ctx, id) })
}

// Close is a no-op; every write is already on disk.
func (f *File) Close() error { return nil }

// write applies fn to a scratch copy, persists the copy, and only then swaps it in,
// so a failed save leaves the loaded state untouched.
func (f *File) write(fn func(scratch *Memory) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	scratch := f.mem.clone()
	if err := fn(scratch); err != nil {
		return err
	}
	if err := save(f.path, scratch); err != nil {
		return err
	}
	f.mem.replace(scratch)
	return nil
}

func save(path string, m *Memory) error {
	doc := document{Roles: make([]auth.Role, 0, len(m.roles)), Users: make([]auth.User, 0, len(m.users))}
	for _, r := range m.roles {
		doc.Roles = append(doc.Roles, r)
	}
	for _, u := range m.users {
		doc.Users = append(doc.Users, u)
	}
	sort.Slice(doc.Roles, func(i, j int) bool { return doc.Roles[i].ID < doc.Roles[j].ID })
	sort.Slice(doc.Users, func(i, j int) bool { return doc.Users[i].ID < doc.Users[j].ID })

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
