package registry

import (
	"errors"
	"testing"
)

func TestScope_ResolutionOrder(t *testing.T) {
	host := NewTable("host")
	host.Export("greeting", "from host")
	host.Export("host.only", 1)

	base := NewScope("base", host)
	base.Export("greeting", "from base")
	base.Export("base.only", 2)

	unrelated := NewScope("unrelated", host)
	unrelated.Export("secret", 3)

	app := NewScope("app", host, base)

	tests := []struct {
		name      string
		wantOwner string
		wantOK    bool
	}{
		{"greeting", "base", true},
		{"base.only", "base", true},
		{"host.only", "host", true},
		{"secret", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, owner, ok := app.ResolveOwner(tt.name)
			if ok != tt.wantOK || owner != tt.wantOwner {
				t.Fatalf("ResolveOwner(%q) = (%q, %v), want (%q, %v)", tt.name, owner, ok, tt.wantOwner, tt.wantOK)
			}
		})
	}

	app.Export("greeting", "from app")
	if v, _ := app.Resolve("greeting"); v != "from app" {
		t.Fatalf("own table must win, got %v", v)
	}
}

func TestScope_DependenciesAreNotTransitive(t *testing.T) {
	host := NewTable("host")
	low := NewScope("low", host)
	low.Export("low.fn", true)
	mid := NewScope("mid", host, low)
	top := NewScope("top", host, mid)

	if _, ok := mid.Resolve("low.fn"); !ok {
		t.Fatal("mid should see its direct dependency")
	}
	if _, ok := top.Resolve("low.fn"); ok {
		t.Fatal("top must not see an undeclared transitive dependency")
	}
}

func TestScope_Release(t *testing.T) {
	host := NewTable("host")
	dep := NewScope("dep", host)
	dep.Export("dep.fn", 1)
	user := NewScope("user", host, dep)

	dep.Release()
	if _, ok := user.Resolve("dep.fn"); ok {
		t.Fatal("released dependency still visible")
	}
	if err := dep.Export("again", 1); err == nil {
		t.Fatal("export on released scope should fail")
	}
	if len(dep.Exports()) != 0 {
		t.Fatal("released scope kept exports")
	}
}

func TestTable_DuplicateExport(t *testing.T) {
	tbl := NewTable("host")
	if err := tbl.Export("x", 1); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Export("x", 2); err == nil {
		t.Fatal("expected duplicate export to fail")
	}
	if v, ok := tbl.Lookup("x"); !ok || v != 1 {
		t.Fatalf("Lookup(x) = %v, %v; the first export must stay", v, ok)
	}
}

func TestLookup(t *testing.T) {
	host := NewTable("host")
	host.Export("answer", 42)
	s := NewScope("m", host)

	n, err := Lookup[int](s, "answer")
	if err != nil || n != 42 {
		t.Fatalf("Lookup[int] = %v, %v", n, err)
	}
	if _, err := Lookup[string](s, "answer"); err == nil {
		t.Fatal("expected type mismatch error")
	}
	if _, err := Lookup[int](s, "missing"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("missing symbol error = %v", err)
	}
}
