package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/principal"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create every table and index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		tables := []struct {
			name   string
			ensure func(context.Context) error
		}{
			{"tasks", app.tasks.EnsureTable},
			{"principals", app.principals.EnsureTable},
			{"grants", app.grants.EnsureTable},
			{"audit", app.events.EnsureTable},
		}
		for _, t := range tables {
			if err := t.ensure(ctx); err != nil {
				return fmt.Errorf("ensure %s table: %w", t.name, err)
			}
		}
		fmt.Println(okStyle.Render("all tables initialized"))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts, principals and audit chain health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		counts, err := app.tasks.CountByStatus(ctx)
		if err != nil {
			return err
		}
		principals, err := app.principals.List(ctx)
		if err != nil {
			return err
		}
		events, err := app.events.Count(ctx, audit.Filter{})
		if err != nil {
			return err
		}
		chainErr := app.events.VerifyChain(ctx)

		if jsonOutput {
			chain := "ok"
			if chainErr != nil {
				chain = chainErr.Error()
			}
			return printJSON(os.Stdout, map[string]any{
				"tasks":        counts,
				"principals":   len(principals),
				"audit_events": events,
				"audit_chain":  chain,
			})
		}
		printCounts(os.Stdout, counts)
		fmt.Printf("%-12s %d\n", "principals", len(principals))
		fmt.Printf("%-12s %d\n", "audit", events)
		printChain(os.Stdout, chainErr)
		return nil
	},
}

// --- principals ---

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Manage principals",
}

var (
	principalName string
	principalRole string
)

var principalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a principal and print its API key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		role := principal.Role(principalRole)
		if role != principal.RoleUser && role != principal.RoleAdmin {
			return fmt.Errorf("--role must be user or admin, got %q", principalRole)
		}
		p, key, err := app.principals.Register(cmd.Context(), principalName, role, permission.DefaultsFor(role))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, map[string]any{"principal": p, "api_key": key})
		}
		fmt.Printf("%s  %s  %s\n", p.ID, p.Name, p.Role)
		fmt.Println(warnStyle.Render("api key (shown once): " + key))
		return nil
	},
}

var principalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List principals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ps, err := app.principals.List(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, ps)
		}
		printPrincipals(os.Stdout, ps)
		return nil
	},
}

// --- grants ---

var (
	grantResource string
	grantExpires  time.Duration
	grantBy       string
)

var grantCmd = &cobra.Command{
	Use:   "grant <principal> <permission>",
	Short: "Grant a permission beyond the principal's role defaults",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := app.resolvePrincipal(ctx, args[0])
		if err != nil {
			return err
		}
		g := &permission.Grant{PrincipalID: p.ID, Permission: args[1], Resource: grantResource, GrantedBy: grantBy}
		if grantExpires > 0 {
			exp := time.Now().Add(grantExpires)
			g.ExpiresAt = &exp
		}
		g, err = app.checker.Grant(ctx, g)
		if err != nil {
			return err
		}
		app.recorder.Record(ctx, audit.Event{
			UserID: p.ID,
			Action: audit.ActionPermissionGranted,
			Source: source,
			Details: map[string]any{
				"permission": g.Permission,
				"resource":   g.Resource,
				"granted_by": g.GrantedBy,
			},
		})
		if jsonOutput {
			return printJSON(os.Stdout, g)
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("granted %s to %s", g.Permission, p.Name)))
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <principal> <permission>",
	Short: "Revoke a granted permission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := app.resolvePrincipal(ctx, args[0])
		if err != nil {
			return err
		}
		n, err := app.checker.Revoke(ctx, p.ID, args[1], grantResource)
		if err != nil {
			return err
		}
		if n > 0 {
			app.recorder.Record(ctx, audit.Event{
				UserID:  p.ID,
				Action:  audit.ActionPermissionRevoked,
				Source:  source,
				Details: map[string]any{"permission": args[1], "resource": grantResource, "revoked": n},
			})
		}
		fmt.Printf("revoked %d grant(s)\n", n)
		return nil
	},
}

var grantsCmd = &cobra.Command{
	Use:   "grants <principal>",
	Short: "Show a principal's effective permissions and grant history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := app.resolvePrincipal(ctx, args[0])
		if err != nil {
			return err
		}
		grants, err := app.checker.Grants(ctx, p.ID)
		if err != nil {
			return err
		}
		effective := app.checker.Effective(ctx, p.ID).Sorted()
		if jsonOutput {
			return printJSON(os.Stdout, map[string]any{"effective": effective, "grants": grants})
		}
		fmt.Printf("effective: %v\n", effective)
		printGrants(os.Stdout, grants, time.Now())
		return nil
	},
}

func init() {
	principalCreateCmd.Flags().StringVar(&principalName, "name", "", "principal name")
	principalCreateCmd.Flags().StringVar(&principalRole, "role", string(principal.RoleUser), "user or admin")
	_ = principalCreateCmd.MarkFlagRequired("name")
	principalCmd.AddCommand(principalCreateCmd, principalListCmd)

	grantCmd.Flags().StringVar(&grantResource, "resource", "", "restrict the grant to one resource")
	grantCmd.Flags().DurationVar(&grantExpires, "expires", 0, "grant lifetime, e.g. 24h (0 never expires)")
	grantCmd.Flags().StringVar(&grantBy, "by", source, "who is granting")
	revokeCmd.Flags().StringVar(&grantResource, "resource", "", "resource the grant was scoped to")

	rootCmd.AddCommand(initCmd, statusCmd, principalCmd, grantCmd, revokeCmd, grantsCmd)
}
