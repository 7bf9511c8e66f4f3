package cmd

import (
	"sourcebot/core/auth"
	"sourcebot/core/store"

	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	permsDSN      string
	permsUserFlag bool
	permsDenyFlag bool
	rolePriority  int
)

func init() {
	rootCmd.AddCommand(permsCmd)
	permsCmd.PersistentFlags().StringVar(&permsDSN, "dsn", "", "permission store (default: store.dsn from the configuration)")

	permsCmd.AddCommand(permsGrantCmd, permsRevokeCmd, permsAssignCmd, permsUnassignCmd, permsCheckCmd, permsRolesCmd, permsRoleCmd)
	for _, c := range []*cobra.Command{permsGrantCmd, permsRevokeCmd} {
		c.Flags().BoolVar(&permsUserFlag, "user", false, "target a user override instead of a role")
	}
	permsGrantCmd.Flags().BoolVar(&permsDenyFlag, "deny", false, "write a negated rule")

	permsRoleCmd.AddCommand(permsRoleCreateCmd, permsRoleDeleteCmd, permsRolePriorityCmd)
	permsRoleCreateCmd.Flags().IntVar(&rolePriority, "priority", 0, "role priority; higher is consulted first")
}

// permsCmd edits the permission store the bot reads at startup.
var permsCmd = &cobra.Command{
	Use:   "perms",
	Short: "Inspect and edit permissions",
}

var permsGrantCmd = &cobra.Command{
	Use:   "grant <role|user> <node>",
	Short: "Add or replace a rule on a role (or a user with --user)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			allow := !permsDenyFlag
			if permsUserFlag {
				return e.GrantUser(ctx, args[0], args[1], allow)
			}
			return e.GrantRole(ctx, args[0], args[1], allow)
		}, "Rule %s written to %s.", ruleString(args[1], !permsDenyFlag), args[0])
	},
}

var permsRevokeCmd = &cobra.Command{
	Use:   "revoke <role|user> <node>",
	Short: "Remove a rule from a role (or a user with --user)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			if permsUserFlag {
				return e.RevokeUser(ctx, args[0], args[1])
			}
			return e.RevokeRole(ctx, args[0], args[1])
		}, "Rule %s removed from %s.", args[1], args[0])
	},
}

var permsAssignCmd = &cobra.Command{
	Use:   "assign <user> <role>",
	Short: "Assign a role to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			return e.AssignRole(ctx, args[0], args[1])
		}, "Role %s assigned to %s.", args[1], args[0])
	},
}

var permsUnassignCmd = &cobra.Command{
	Use:   "unassign <user> <role>",
	Short: "Remove a role from a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			return e.UnassignRole(ctx, args[0], args[1])
		}, "Role %s removed from %s.", args[1], args[0])
	},
}

var permsCheckCmd = &cobra.Command{
	Use:   "check <user> <node>",
	Short: "Explain whether a user may use a permission node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			d, err := e.Check(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			p := newPalette(out)
			verdict := p.fail.Render("denied")
			if d.Allowed {
				verdict = p.ok.Render("allowed")
			}
			fmt.Fprintf(out, "%s %s %s\n", p.name.Render(args[0]), args[1], verdict)
			switch d.Source {
			case auth.SourceRole:
				fmt.Fprintf(out, "  %s role %s, rule %s\n", p.muted.Render("by"), d.Role, d.Rule)
			case auth.SourceUser:
				fmt.Fprintf(out, "  %s user override %s\n", p.muted.Render("by"), d.Rule)
			case auth.SourceAdmin:
				fmt.Fprintf(out, "  %s global admin\n", p.muted.Render("by"))
			default:
				fmt.Fprintf(out, "  %s\n", p.warn.Render("no rule matched"))
			}
			return nil
		}, "")
	},
}

var permsRolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List roles by priority",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			out := cmd.OutOrStdout()
			p := newPalette(out)
			roles := e.Roles()
			if len(roles) == 0 {
				fmt.Fprintln(out, p.muted.Render("no roles"))
			}
			for _, r := range roles {
				fmt.Fprintf(out, "%s %s\n", p.name.Render(r.ID), p.muted.Render("priority "+strconv.Itoa(r.Priority)))
				for _, rule := range r.Rules {
					fmt.Fprintf(out, "  %s\n", ruleString(string(rule.Node), rule.Allow))
				}
			}
			return nil
		}, "")
	},
}

var permsRoleCmd = &cobra.Command{
	Use:   "role",
	Short: "Create, delete and reprioritize roles",
}

var permsRoleCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create an empty role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			return e.CreateRole(ctx, args[0], rolePriority)
		}, "Role %s created.", args[0])
	},
}

var permsRoleDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			return e.DeleteRole(ctx, args[0])
		}, "Role %s deleted.", args[0])
	},
}

var permsRolePriorityCmd = &cobra.Command{
	Use:   "priority <id> <priority>",
	Short: "Change a role's priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("priority %q is not an integer", args[1])
		}
		return withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
			return e.SetRolePriority(ctx, args[0], priority)
		}, "Role %s priority set to %d.", args[0], priority)
	},
}

// withEngine opens the configured store, runs fn against an engine over it and
// prints done (a format string) on success.
func withEngine(cmd *cobra.Command, fn func(context.Context, *auth.Engine) error, done string, a ...any) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(nil)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	dsn := cfg.Store.DSN
	if permsDSN != "" {
		dsn = permsDSN
	}
	backend, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer backend.Close()

	engine, err := auth.NewEngine(ctx, backend, auth.Options{GlobalAdmins: cfg.GlobalAdmins})
	if err != nil {
		return err
	}
	if err := engine.Seed(ctx, cfg.Auth.Roles); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	if err := fn(ctx, engine); err != nil {
		return err
	}
	if done != "" {
		fmt.Fprintf(cmd.OutOrStdout(), done+"\n", a...)
	}
	return nil
}

func ruleString(node string, allow bool) string {
	if allow {
		return node
	}
	return "-" + node
}
