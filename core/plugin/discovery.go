package plugin

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/logger"

	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xyproto/unzip"
	"go.uber.org/zap"
)

const cacheMarker = ".sha256"

// Discovery scans a modules directory. Each entry is either a directory holding a
// descriptor or a .zip archive with one at its root; archives are extracted into
// CacheDir and re-extracted only when their digest changes.
type Discovery struct {
	Dir      string
	CacheDir string // defaults to <Dir>/.cache
	Logger   *zap.Logger
}

// Result is the outcome of a scan. Descriptors are in discovery order (directory
// entries sorted by name); Failures hold one ModuleLoadError per rejected entry.
type Result struct {
	Descriptors []*Descriptor
	Failures    []error
}

// Discover is a convenience wrapper around Discovery.Scan.
func Discover(dir, cacheDir string, l *zap.Logger) (*Result, error) {
	return (&Discovery{Dir: dir, CacheDir: cacheDir, Logger: l}).Scan()
}

// Scan reads every entry of Dir. It fails only when Dir itself cannot be read.
func (d *Discovery) Scan() (*Result, error) {
	log := logger.OrNop(d.Logger).Named("discovery")
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("read modules directory %s: %w", d.Dir, err)
	}

	res := &Result{}
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(d.Dir, name)

		var desc *Descriptor
		switch {
		case entry.IsDir():
			desc, err = LoadDir(path)
		case strings.EqualFold(filepath.Ext(name), ".zip"):
			desc, err = d.loadArchive(path)
		default:
			log.Debug("Skipping non-module entry", zap.String("path", path))
			continue
		}
		if err != nil {
			log.Warn("Rejected module", zap.String("path", path), zap.Error(err))
			res.Failures = append(res.Failures, err)
			continue
		}
		if first, dup := seen[desc.Name]; dup {
			err := invalid(desc.Name, fmt.Errorf("duplicate module name, already declared by %s", first))
			log.Warn("Rejected module", zap.String("path", path), zap.Error(err))
			res.Failures = append(res.Failures, err)
			continue
		}
		seen[desc.Name] = desc.Source()
		res.Descriptors = append(res.Descriptors, desc)
		log.Debug("Discovered module",
			zap.String("module", desc.Name),
			zap.String("version", desc.Version),
			zap.String("source", desc.Source()))
	}
	return res, nil
}

func (d *Discovery) cacheDir() string {
	if d.CacheDir != "" {
		return d.CacheDir
	}
	return filepath.Join(d.Dir, ".cache")
}

// loadArchive verifies and extracts archive, then reads its descriptor.
func (d *Discovery) loadArchive(archive string) (*Descriptor, error) {
	stem := archiveStem(archive)
	digest, err := Checksum(archive)
	if err != nil {
		return nil, err
	}
	if want, ok, err := readSidecar(archive); err != nil {
		return nil, err
	} else if ok && !strings.EqualFold(want, digest) {
		return nil, &coreerrors.ModuleLoadError{
			Module: stem,
			Kind:   coreerrors.InvalidDescriptor,
			Err:    fmt.Errorf("%s: %w", archive, ErrChecksumMismatch),
		}
	}

	target := filepath.Join(d.cacheDir(), stem)
	if cached, err := os.ReadFile(filepath.Join(target, cacheMarker)); err != nil || strings.TrimSpace(string(cached)) != digest {
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("clear module cache %s: %w", target, err)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return nil, fmt.Errorf("create module cache %s: %w", target, err)
		}
		if err := unzip.Extract(archive, target); err != nil {
			return nil, &coreerrors.ModuleLoadError{Module: stem, Kind: coreerrors.InvalidDescriptor, Err: fmt.Errorf("extract %s: %w", archive, err)}
		}
		if err := os.WriteFile(filepath.Join(target, cacheMarker), []byte(digest+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write cache marker: %w", err)
		}
	}

	desc, err := LoadDir(target)
	var le *coreerrors.ModuleLoadError
	if errors.As(err, &le) && le.Kind == coreerrors.MissingDescriptor {
		// Archives built by zipping the module folder carry it as a single top-level directory.
		desc, err = LoadDir(filepath.Join(target, stem))
	}
	if err != nil {
		return nil, err
	}
	desc.source = archive
	return desc, nil
}

func archiveStem(archive string) string {
	base := filepath.Base(archive)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
