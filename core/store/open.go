package store

import (
	"sourcebot/core/auth"

	"context"
	"fmt"
	"io"
	"strings"
)

// Backend is an auth.Store that owns resources.
type Backend interface {
	auth.Store
	io.Closer
}

// Open selects a backend from a connection descriptor:
//
//	memory://            in-process maps, lost on exit
//	file://<path>        JSON document
//	sqlite://<path>      SQLite database
//
// A bare path is treated as sqlite.
func Open(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		scheme, rest = "sqlite", dsn
	}
	switch scheme {
	case "memory":
		return NewMemory(), nil
	case "file", "json":
		return NewFile(rest)
	case "sqlite":
		if rest == "" {
			return nil, fmt.Errorf("store dsn %q: missing path", dsn)
		}
		return NewSQLite(ctx, rest)
	default:
		return nil, fmt.Errorf("store dsn %q: unsupported scheme %q", dsn, scheme)
	}
}
