package cmd

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/kernel"
	"sourcebot/core/plugin"

	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.AddCommand(modulesListCmd)
	modulesCmd.AddCommand(modulesOrderCmd)
}

// modulesCmd inspects a modules directory without loading anything.
var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect the modules directory",
}

var modulesListCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List discovered modules and rejected entries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := discover(args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		p := newPalette(out)
		if len(res.Descriptors) == 0 && len(res.Failures) == 0 {
			fmt.Fprintln(out, p.muted.Render("no modules found"))
			return nil
		}
		for _, d := range res.Descriptors {
			fmt.Fprintf(out, "%s %s %s\n", p.name.Render(d.Name), d.Version, p.muted.Render(d.EntryPoint))
			if len(d.Dependencies) > 0 {
				fmt.Fprintf(out, "  %s %s\n", p.muted.Render("depends on"), strings.Join(d.Dependencies, ", "))
			}
		}
		printFailures(out, p, failuresByModule(res.Failures))
		return nil
	},
}

var modulesOrderCmd = &cobra.Command{
	Use:   "order [dir]",
	Short: "Print the order modules would be enabled in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := discover(args)
		if err != nil {
			return err
		}
		plan := kernel.Resolve(res.Descriptors, nil)
		failures := failuresByModule(res.Failures)
		for name, ferr := range plan.Failures {
			failures[name] = ferr
		}

		out := cmd.OutOrStdout()
		p := newPalette(out)
		fmt.Fprintln(out, p.title.Render("Load order"))
		if len(plan.Order) == 0 {
			fmt.Fprintln(out, p.muted.Render("  (none)"))
		}
		for i, d := range plan.Order {
			fmt.Fprintf(out, "%3d. %s %s\n", i+1, p.ok.Render(d.Name), d.Version)
		}
		printFailures(out, p, failures)
		return nil
	},
}

// discover scans the directory given in args, or the configured one.
func discover(args []string) (*plugin.Result, error) {
	cfg, err := loadConfig(nil)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	dir := cfg.Modules.Directory
	if len(args) > 0 {
		dir = args[0]
	}
	return plugin.Discover(dir, cfg.Modules.CacheDirectory, nil)
}

func failuresByModule(errs []error) map[string]error {
	out := make(map[string]error, len(errs))
	for i, err := range errs {
		var lerr *coreerrors.ModuleLoadError
		if errors.As(err, &lerr) && lerr.Module != "" {
			out[lerr.Module] = err
			continue
		}
		out[fmt.Sprintf("entry %d", i+1)] = err
	}
	return out
}

func printFailures(out io.Writer, p palette, failures map[string]error) {
	if len(failures) == 0 {
		return
	}
	names := make([]string, 0, len(failures))
	for n := range failures {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintln(out, p.fail.Bold(true).Render("Rejected"))
	for _, n := range names {
		fmt.Fprintf(out, "  %s %s\n", p.fail.Render(n), failures[n])
	}
}
