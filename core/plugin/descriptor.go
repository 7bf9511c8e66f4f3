// Package plugin reads module descriptors from disk. A descriptor names a module,
// its version, the entry point the runtime instantiates, the modules it depends on
// and free-form configuration. Descriptors are immutable once parsed.
package plugin

import (
	coreerrors "sourcebot/core/errors"

	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Descriptor file names, in lookup order.
const (
	JSONDescriptor = "module.json"
	YAMLDescriptor = "module.yaml"
	YMLDescriptor  = "module.yml"
	TOMLDescriptor = "module.toml"
)

var descriptorFiles = []string{JSONDescriptor, YAMLDescriptor, YMLDescriptor, TOMLDescriptor}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Descriptor is the parsed form of module.json / module.yaml.
type Descriptor struct {
	Name         string         `json:"name" yaml:"name" toml:"name"`
	Version      string         `json:"version" yaml:"version" toml:"version"`
	EntryPoint   string         `json:"entryPoint" yaml:"entryPoint" toml:"entryPoint"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
	// Checksum is the hex sha256 of the entry point's shared object, checked
	// before the runtime opens it.
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty" toml:"checksum,omitempty"`

	dir    string
	source string
	deps   []Dependency
}

// Dependency is one parsed entry of Descriptor.Dependencies: a module name with an
// optional semver constraint, written "name" or "name@constraint".
type Dependency struct {
	Name       string
	Constraint *semver.Constraints
	raw        string
}

// String returns the dependency as written in the descriptor.
func (d Dependency) String() string { return d.raw }

// Allows reports whether version satisfies the constraint. A dependency without a
// constraint accepts any valid version.
func (d Dependency) Allows(version string) bool {
	if d.Constraint == nil {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return d.Constraint.Check(v)
}

// Parse decodes and validates a descriptor. format is "json", "yaml" or "toml".
func Parse(data []byte, format string) (*Descriptor, error) {
	var d Descriptor
	var err error
	switch format {
	case "json":
		err = json.Unmarshal(data, &d)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &d)
	case "toml":
		err = toml.Unmarshal(data, &d)
	default:
		return nil, fmt.Errorf("unknown descriptor format %q", format)
	}
	if err != nil {
		return nil, invalid(d.Name, fmt.Errorf("decode %s descriptor: %w", format, err))
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDir reads the descriptor of the module rooted at dir.
func LoadDir(dir string) (*Descriptor, error) {
	for _, name := range descriptorFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read descriptor %s: %w", path, err)
		}
		d, err := Parse(data, strings.TrimPrefix(filepath.Ext(name), "."))
		if err != nil {
			return nil, err
		}
		d.dir = dir
		d.source = path
		return d, nil
	}
	return nil, &coreerrors.ModuleLoadError{
		Module: filepath.Base(dir),
		Kind:   coreerrors.MissingDescriptor,
		Err:    fmt.Errorf("no %s in %s", strings.Join(descriptorFiles, " or "), dir),
	}
}

func (d *Descriptor) validate() error {
	if !namePattern.MatchString(d.Name) {
		return invalid(d.Name, fmt.Errorf("invalid module name %q", d.Name))
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return invalid(d.Name, fmt.Errorf("invalid version %q: %w", d.Version, err))
	}
	if strings.TrimSpace(d.EntryPoint) == "" {
		return invalid(d.Name, errors.New("missing entryPoint"))
	}
	if d.Checksum != "" && !sha256Pattern.MatchString(d.Checksum) {
		return invalid(d.Name, fmt.Errorf("checksum %q is not a hex sha256 digest", d.Checksum))
	}

	seen := make(map[string]bool, len(d.Dependencies))
	d.deps = make([]Dependency, 0, len(d.Dependencies))
	for _, raw := range d.Dependencies {
		dep, err := parseDependency(raw)
		if err != nil {
			return invalid(d.Name, err)
		}
		if dep.Name == d.Name {
			return invalid(d.Name, errors.New("module depends on itself"))
		}
		if seen[dep.Name] {
			return invalid(d.Name, fmt.Errorf("duplicate dependency %q", dep.Name))
		}
		seen[dep.Name] = true
		d.deps = append(d.deps, dep)
	}
	return nil
}

func parseDependency(raw string) (Dependency, error) {
	name, constraint, hasConstraint := strings.Cut(strings.TrimSpace(raw), "@")
	if !namePattern.MatchString(name) {
		return Dependency{}, fmt.Errorf("invalid dependency %q", raw)
	}
	dep := Dependency{Name: name, raw: raw}
	if hasConstraint {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return Dependency{}, fmt.Errorf("dependency %q: invalid version constraint: %w", raw, err)
		}
		dep.Constraint = c
	}
	return dep, nil
}

func invalid(name string, err error) error {
	return &coreerrors.ModuleLoadError{Module: name, Kind: coreerrors.InvalidDescriptor, Err: err}
}

// Deps returns the parsed dependencies in declared order.
func (d *Descriptor) Deps() []Dependency {
	out := make([]Dependency, len(d.deps))
	copy(out, d.deps)
	return out
}

// DependencyNames returns the names of the declared dependencies in order.
func (d *Descriptor) DependencyNames() []string {
	names := make([]string, len(d.deps))
	for i, dep := range d.deps {
		names[i] = dep.Name
	}
	return names
}

// Dir is the directory the module was read from (empty for in-memory descriptors).
func (d *Descriptor) Dir() string { return d.dir }

// Source is the descriptor file, or the archive it was extracted from.
func (d *Descriptor) Source() string { return d.source }

// DecodeConfig decodes the declared configuration, overlaid with override, into out.
// out is typically a pointer to a struct with mapstructure tags.
func (d *Descriptor) DecodeConfig(out any, override map[string]any) error {
	merged := make(map[string]any, len(d.Config)+len(override))
	for k, v := range d.Config {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("module %s config decoder: %w", d.Name, err)
	}
	if err := dec.Decode(merged); err != nil {
		return fmt.Errorf("decode module %s config: %w", d.Name, err)
	}
	return nil
}

// New builds a validated descriptor in memory, for built-in modules and tests.
func New(name, version, entryPoint string, deps ...string) (*Descriptor, error) {
	d := &Descriptor{Name: name, Version: version, EntryPoint: entryPoint, Dependencies: deps}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// MustNew is New that panics on an invalid descriptor.
func MustNew(name, version, entryPoint string, deps ...string) *Descriptor {
	d, err := New(name, version, entryPoint, deps...)
	if err != nil {
		panic(err)
	}
	return d
}
