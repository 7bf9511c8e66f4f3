package cmd

import (
	"sourcebot/core/config"
	"sourcebot/core/plugin"

	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// run executes the root command with args and returns its combined output.
// Package-level flag variables are reset first since cobra keeps them between runs.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, permsDSN, permsUserFlag, permsDenyFlag, rolePriority = "", "", false, false, 0
	modDirFlag, modForceFlag, modVersionFlag, modEntryPointFlag, modDependenciesFlag = "modules", false, "", "", nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// writeConfig writes a config using a file store and modules directory inside dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`store:
  dsn: file://%s
modules:
  directory: %s
auth:
  roles:
    - id: default
      rules:
        - node: help
          allow: true
`, filepath.Join(dir, "permissions.json"), filepath.Join(dir, "modules"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeDescriptor(t *testing.T, dir, name, version string, deps ...string) {
	t.Helper()
	d := plugin.MustNew(name, version, "builtin:"+name, deps...)
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name, plugin.JSONDescriptor), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestModuleCreateScaffold(t *testing.T) {
	temp := t.TempDir()
	if _, err := run(t, "module", "create", "mymod",
		"--dir", temp, "--version", "1.2.3", "--dependencies", "ping@^1"); err != nil {
		t.Fatalf("run create: %v", err)
	}

	target := filepath.Join(temp, "mymod")
	desc, err := plugin.LoadDir(target)
	if err != nil {
		t.Fatalf("scaffolded descriptor does not load: %v", err)
	}
	if desc.Name != "mymod" || desc.Version != "1.2.3" || desc.EntryPoint != "plugin:mymod.so" {
		t.Errorf("unexpected descriptor: %+v", desc)
	}
	if got := desc.DependencyNames(); len(got) != 1 || got[0] != "ping" {
		t.Errorf("dependencies = %v, want [ping]", got)
	}
	for _, f := range []string{"configs/default-config.yaml", "docs/README.md"} {
		if _, err := os.Stat(filepath.Join(target, f)); err != nil {
			t.Errorf("%s missing: %v", f, err)
		}
	}

	_, err = run(t, "module", "create", "mymod", "--dir", temp, "--version", "1.2.3", "--dependencies", "")
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second create = %v, want already exists", err)
	}
}

func TestModuleAdd_KeepsOperatorValues(t *testing.T) {
	dir := t.TempDir()
	modules := filepath.Join(dir, "modules")
	if err := os.MkdirAll(filepath.Join(modules, "greeter", "configs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(modules, "greeter", "configs", "default-config.yaml"),
		[]byte("reply: hi\ntimeout: 5s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfg, []byte("modules:\n  config:\n    greeter:\n      reply: mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--config", cfg, "module", "add", "greeter", "--dir", modules)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "added 1 default") {
		t.Errorf("add output = %q", out)
	}

	b, err := os.ReadFile(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Modules struct {
			Config map[string]map[string]string `yaml:"config"`
		} `yaml:"modules"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	got := doc.Modules.Config["greeter"]
	if got["reply"] != "mine" || got["timeout"] != "5s" {
		t.Errorf("greeter config = %v", got)
	}

	if _, err := run(t, "--config", cfg, "module", "add", "missing", "--dir", modules); err == nil {
		t.Error("add of a module without defaults succeeded")
	}
}

func TestModuleCreate_RejectsInvalidDescriptor(t *testing.T) {
	temp := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{"bad name", []string{"Bad Name", "--version", "1.0.0"}},
		{"bad version", []string{"mod", "--version", "one"}},
		{"self dependency", []string{"mod", "--version", "1.0.0", "--dependencies", "mod"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"module", "create", "--dir", temp}, tt.args...)
			if !containsFlag(tt.args, "--dependencies") {
				args = append(args, "--dependencies", "")
			}
			if _, err := run(t, args...); err == nil {
				t.Fatal("create succeeded")
			}
			entries, _ := os.ReadDir(temp)
			if len(entries) != 0 {
				t.Errorf("invalid create left %d entries behind", len(entries))
			}
		})
	}
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func TestModulesOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	modules := filepath.Join(dir, "modules")
	writeDescriptor(t, modules, "app", "1.0.0", "db")
	writeDescriptor(t, modules, "db", "1.0.0")
	writeDescriptor(t, modules, "orphan", "1.0.0", "ghost")

	out, err := run(t, "--config", cfg, "modules", "order")
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	db, app := strings.Index(out, "1. db"), strings.Index(out, "2. app")
	if db < 0 || app < 0 {
		t.Fatalf("order output = %q", out)
	}
	if !strings.Contains(out, "Rejected") || !strings.Contains(out, "orphan") {
		t.Errorf("missing dependency not reported: %q", out)
	}

	out, err = run(t, "--config", cfg, "modules", "list", modules)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "depends on db") || !strings.Contains(out, "orphan") {
		t.Errorf("list output = %q", out)
	}
}

func TestPerms(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	steps := [][]string{
		{"perms", "role", "create", "mods", "--priority", "10"},
		{"perms", "grant", "mods", "mod.*"},
		{"perms", "assign", "alice", "mods"},
		{"perms", "grant", "alice", "mod.ban", "--user", "--deny"},
	}
	for _, s := range steps {
		if out, err := run(t, append([]string{"--config", cfg}, s...)...); err != nil {
			t.Fatalf("%v: %v\n%s", s, err, out)
		}
	}

	tests := []struct {
		user, node string
		want       []string
	}{
		{"alice", "mod.kick", []string{"allowed", "role mods", "mod.*"}},
		{"alice", "mod.ban", []string{"denied", "user override"}},
		{"bob", "mod.kick", []string{"denied", "no rule matched"}},
	}
	for _, tt := range tests {
		t.Run(tt.user+" "+tt.node, func(t *testing.T) {
			out, err := run(t, "--config", cfg, "perms", "check", tt.user, tt.node)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q is missing %q", out, w)
				}
			}
		})
	}

	out, err := run(t, "--config", cfg, "perms", "roles")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Index(out, "mods") > strings.Index(out, "default") {
		t.Errorf("roles not listed by priority: %q", out)
	}

	if _, err := run(t, "--config", cfg, "perms", "check", "alice", "mod.*"); err == nil {
		t.Error("check accepted a wildcard node")
	}
	if _, err := run(t, "--config", cfg, "perms", "grant", "nobody", "x"); err == nil {
		t.Error("grant on an unknown role succeeded")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	out, err := run(t, "config", "init", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "written") {
		t.Errorf("init output = %q", out)
	}
	if out, _ := run(t, "config", "init", path); !strings.Contains(out, "left unchanged") {
		t.Errorf("second init output = %q", out)
	}

	out, err = run(t, "--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("validate example: %v", err)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("validate output = %q", out)
	}

	if err := os.WriteFile(path, []byte("commands:\n  workers: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", path, "config", "validate"); err == nil {
		t.Error("validate accepted workers: 0")
	}
	if !bytes.Contains([]byte(config.Example), []byte("gateways:")) {
		t.Error("example config has no gateways section")
	}
}
