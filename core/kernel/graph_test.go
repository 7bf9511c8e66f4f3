package kernel

import (
	"errors"
	"reflect"
	"testing"

	coreerrors "sourcebot/core/errors"
	"sourcebot/core/plugin"
)

func names(descs []*plugin.Descriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Name
	}
	return out
}

func TestResolve(t *testing.T) {
	d := plugin.MustNew
	tests := []struct {
		name      string
		descs     []*plugin.Descriptor
		available map[string]string
		order     []string
		failures  map[string]error
	}{
		{
			name:  "discovery order breaks ties",
			descs: []*plugin.Descriptor{d("c", "1.0.0", "x"), d("a", "1.0.0", "x"), d("b", "1.0.0", "x")},
			order: []string{"c", "a", "b"},
		},
		{
			name: "dependencies first",
			descs: []*plugin.Descriptor{
				d("web", "1.0.0", "x", "auth", "db"),
				d("auth", "1.0.0", "x", "db"),
				d("db", "1.0.0", "x"),
			},
			order: []string{"db", "auth", "web"},
		},
		{
			name:      "already loaded modules satisfy dependencies",
			descs:     []*plugin.Descriptor{d("web", "1.0.0", "x", "db@~1.2")},
			available: map[string]string{"db": "1.2.7"},
			order:     []string{"web"},
		},
		{
			name:      "already loaded module with the wrong version",
			descs:     []*plugin.Descriptor{d("web", "1.0.0", "x", "db@~1.2")},
			available: map[string]string{"db": "1.3.0"},
			failures:  map[string]error{"web": coreerrors.ErrMissingDependency},
		},
		{
			name: "cycle and its dependents fail, the rest orders",
			descs: []*plugin.Descriptor{
				d("a", "1.0.0", "x", "b"),
				d("b", "1.0.0", "x", "a"),
				d("c", "1.0.0", "x", "b"),
				d("d", "1.0.0", "x"),
				d("e", "1.0.0", "x", "d"),
			},
			order: []string{"d", "e"},
			failures: map[string]error{
				"a": coreerrors.ErrCircularDependency,
				"b": coreerrors.ErrCircularDependency,
				"c": coreerrors.ErrDependencyFailed,
			},
		},
		{
			name: "missing dependency propagates",
			descs: []*plugin.Descriptor{
				d("top", "1.0.0", "x", "mid"),
				d("mid", "1.0.0", "x", "ghost"),
			},
			failures: map[string]error{
				"mid": coreerrors.ErrMissingDependency,
				"top": coreerrors.ErrDependencyFailed,
			},
		},
		{
			name:  "repeated name keeps the first",
			descs: []*plugin.Descriptor{d("a", "1.0.0", "x"), d("a", "2.0.0", "x")},
			order: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Resolve(tt.descs, tt.available)
			if got := names(plan.Order); len(got) != len(tt.order) || (len(got) > 0 && !reflect.DeepEqual(got, tt.order)) {
				t.Errorf("order = %v, want %v", got, tt.order)
			}
			if len(plan.Failures) != len(tt.failures) {
				t.Errorf("failures = %v, want %d", plan.Failures, len(tt.failures))
			}
			for name, want := range tt.failures {
				if !errors.Is(plan.Failures[name], want) {
					t.Errorf("%s: got %v, want %v", name, plan.Failures[name], want)
				}
			}
		})
	}
}

func TestResolve_OrderRespectsEveryEdge(t *testing.T) {
	descs := []*plugin.Descriptor{
		plugin.MustNew("f", "1.0.0", "x", "e", "b"),
		plugin.MustNew("e", "1.0.0", "x", "d"),
		plugin.MustNew("d", "1.0.0", "x", "a", "c"),
		plugin.MustNew("c", "1.0.0", "x", "b"),
		plugin.MustNew("b", "1.0.0", "x", "a"),
		plugin.MustNew("a", "1.0.0", "x"),
	}
	plan := Resolve(descs, nil)
	pos := make(map[string]int)
	for i, d := range plan.Order {
		pos[d.Name] = i
	}
	if len(pos) != len(descs) {
		t.Fatalf("order = %v", names(plan.Order))
	}
	for _, desc := range descs {
		for _, dep := range desc.DependencyNames() {
			if pos[dep] >= pos[desc.Name] {
				t.Errorf("%s placed before its dependency %s", desc.Name, dep)
			}
		}
	}
}
