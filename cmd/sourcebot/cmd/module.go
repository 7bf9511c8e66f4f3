package cmd

import (
	"sourcebot/core/config"
	"sourcebot/core/kernel"
	"sourcebot/core/plugin"

	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	modDirFlag          string
	modForceFlag        bool
	modVersionFlag      string
	modEntryPointFlag   string
	modDependenciesFlag []string
)

func init() {
	rootCmd.AddCommand(moduleCmd)
	moduleCmd.AddCommand(moduleCreateCmd)
	moduleCmd.AddCommand(moduleAddCmd)

	moduleCreateCmd.Flags().StringVar(&modDirFlag, "dir", "modules", "base directory where the module will be created")
	moduleCreateCmd.Flags().BoolVar(&modForceFlag, "force", false, "overwrite an existing module directory")
	moduleCreateCmd.Flags().StringVar(&modVersionFlag, "version", "", "semantic version written into module.json")
	moduleCreateCmd.Flags().StringVar(&modEntryPointFlag, "entry-point", "", "entry point (default plugin:<name>.so)")
	moduleCreateCmd.Flags().StringSliceVar(&modDependenciesFlag, "dependencies", nil, "comma-separated dependencies, e.g. ping@^1,store")

	moduleAddCmd.Flags().StringVar(&modDirFlag, "dir", "modules", "base directory where the module is located")
}

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Module utilities (scaffolding, etc.)",
}

var moduleCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a module directory with a descriptor and default config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		if name == "" {
			if err := survey.AskOne(&survey.Input{Message: "Module name:"}, &name, survey.WithValidator(survey.Required)); err != nil {
				return err
			}
		}
		name = strings.TrimSpace(name)

		version := modVersionFlag
		if version == "" {
			if err := survey.AskOne(&survey.Input{Message: "Version:", Default: "0.1.0"}, &version); err != nil {
				return err
			}
		}

		deps := modDependenciesFlag
		if !cmd.Flags().Changed("dependencies") {
			var input string
			if err := survey.AskOne(&survey.Input{Message: "Dependencies (comma-separated, e.g. ping@^1):"}, &input); err != nil {
				return err
			}
			deps = splitList(input)
		}

		entry := strings.TrimSpace(modEntryPointFlag)
		if entry == "" {
			entry = kernel.PluginPrefix + name + ".so"
		}

		// Validate before touching the filesystem.
		desc, err := plugin.New(name, strings.TrimSpace(version), entry, deps...)
		if err != nil {
			return err
		}

		target := filepath.Join(strings.TrimSpace(modDirFlag), name)
		if st, err := os.Stat(target); err == nil {
			if !st.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", target)
			}
			if !modForceFlag {
				return fmt.Errorf("module directory already exists: %s (use --force to overwrite)", target)
			}
		}
		if err := scaffoldModule(target, desc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "module scaffolded: %s\n", target)
		return nil
	},
}

var moduleAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Copy a module's default configuration into the main config file",
	Long:  "Copy a module's configs/default-config.yaml under modules.config.<name> of the main config file. Keys already set there are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.ToLower(strings.TrimSpace(args[0]))
		defaultsPath := filepath.Join(strings.TrimSpace(modDirFlag), name, "configs", "default-config.yaml")
		data, err := os.ReadFile(defaultsPath)
		if err != nil {
			return fmt.Errorf("read default config for module %s: %w", name, err)
		}
		var defaults map[string]any
		if err := yaml.Unmarshal(data, &defaults); err != nil {
			return fmt.Errorf("parse %s: %w", defaultsPath, err)
		}

		mainPath := configFile
		if mainPath == "" {
			mainPath = config.DefaultFile
		}
		doc := map[string]any{}
		if b, err := os.ReadFile(mainPath); err == nil {
			if err := yaml.Unmarshal(b, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", mainPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if doc == nil {
			doc = map[string]any{}
		}

		section := childMap(childMap(doc, "modules"), "config")
		existing := childMap(section, name)
		added := 0
		for k, v := range defaults {
			if _, ok := existing[k]; !ok {
				existing[k] = v
				added++
			}
		}

		out, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		if err := os.WriteFile(mainPath, out, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", mainPath, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %d default setting(s) for module %s to %s\n", added, name, mainPath)
		return nil
	},
}

// childMap returns m[key] as a map, creating it when absent or not a map.
func childMap(m map[string]any, key string) map[string]any {
	if c, ok := m[key].(map[string]any); ok {
		return c
	}
	c := map[string]any{}
	m[key] = c
	return c
}

func scaffoldModule(target string, desc *plugin.Descriptor) error {
	for _, d := range []string{target, filepath.Join(target, "configs"), filepath.Join(target, "docs")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	b, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(target, plugin.JSONDescriptor), append(b, '\n'), 0o644); err != nil {
		return err
	}

	defaults := fmt.Sprintf(`# Default configuration for the %s module.
# Merged under modules.config.%s of the main config; operator values win.
# Example:
# reply: "hello"
# timeout: 30s
`, desc.Name, desc.Name)
	if err := os.WriteFile(filepath.Join(target, "configs", "default-config.yaml"), []byte(defaults), 0o644); err != nil {
		return err
	}

	readme := fmt.Sprintf("# %s\n\nEntry point: `%s`\n\nBuild the shared object with `go build -buildmode=plugin` and export a `NewModule` function returning the module.\n", desc.Name, desc.EntryPoint)
	return os.WriteFile(filepath.Join(target, "docs", "README.md"), []byte(readme), 0o644)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
