package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/client"
	"github.com/kartoza/kartoza-pgql/internal/tui"
)

const adminTimeout = 30 * time.Second

var (
	newAppRole        string
	newAppTables      []string
	newAppDescription string
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage registered applications",
	Long: `List, create, delete and rotate the keys of applications registered with
a running server. These commands use the dashboard key
(set with: kartoza-pgql config set-secret dashboard_api_key <value>).`,
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
		defer cancel()

		list, err := serverClient(logger).ListApps(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, tui.LabelStyle.Render("No applications registered"))
			return nil
		}
		for _, app := range list {
			fmt.Fprintln(out, renderApp(app))
		}
		return nil
	},
}

var appsCreateCmd = &cobra.Command{
	Use:   "create <app-id>",
	Short: "Register an application and print its key",
	Example: `  kartoza-pgql apps create reports --tables orders,customers
  kartoza-pgql apps create ops --role write --description "operations bot"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := apps.Role(strings.ToLower(newAppRole))
		if !role.Valid() {
			return fmt.Errorf("invalid role %q: use read or write", newAppRole)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
		defer cancel()

		app, err := serverClient(logger).CreateApp(ctx, client.NewApp{
			AppID:         args[0],
			Description:   newAppDescription,
			AllowedTables: newAppTables,
			Role:          string(role),
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, tui.SuccessStyle.Render("✓ Created "+app.ID))
		fmt.Fprintln(out, renderApp(app))
		fmt.Fprintln(out, tui.ErrorStyle.Render("Store this key now; it is not shown again."))
		return nil
	},
}

var appsDeleteCmd = &cobra.Command{
	Use:   "delete <app-id>",
	Short: "Remove an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
		defer cancel()

		if err := serverClient(logger).DeleteApp(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tui.SuccessStyle.Render("✓ Deleted "+args[0]))
		return nil
	},
}

var appsRotateCmd = &cobra.Command{
	Use:   "rotate <app-id>",
	Short: "Issue a new key for an application",
	Long:  `Issue a new key for an application. The old key stops working immediately.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
		defer cancel()

		key, err := serverClient(logger).RegenerateKey(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, tui.SuccessStyle.Render("✓ New key for "+args[0]))
		fmt.Fprintln(out, tui.ValueStyle.Render(key))
		return nil
	},
}

var appsReloadCmd = &cobra.Command{
	Use:   "reload-schema",
	Short: "Reload the tracked table list from the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
		defer cancel()

		tables, err := serverClient(logger).ReloadSchema(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tui.SuccessStyle.Render(fmt.Sprintf("✓ %d tables tracked", len(tables))))
		return nil
	},
}

func renderApp(app apps.Application) string {
	status := tui.SuccessStyle.Render("active")
	if !app.Active {
		status = tui.InactiveStyle.Render("inactive")
	}
	tables := "all"
	if app.Restricted() {
		tables = strings.Join(app.AllowedTables, ", ")
	}

	lines := []string{
		tui.TitleStyle.Render(app.ID) + "  " + status,
		field("Role", string(app.Role)),
		field("Tables", tables),
		field("Key", app.APIKey),
	}
	if app.Description != "" {
		lines = append(lines, field("Description", app.Description))
	}
	if !app.CreatedAt.IsZero() {
		lines = append(lines, field("Created", app.CreatedAt.Local().Format("2006-01-02 15:04")))
	}
	return tui.BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func field(label, value string) string {
	return tui.LabelStyle.Render(fmt.Sprintf("%-12s", label)) + tui.ValueStyle.Render(value)
}

func init() {
	appsCreateCmd.Flags().StringVar(&newAppRole, "role", string(apps.RoleRead), "read or write")
	appsCreateCmd.Flags().StringSliceVar(&newAppTables, "tables", nil, "tables the application may query (default all)")
	appsCreateCmd.Flags().StringVar(&newAppDescription, "description", "", "what the application is for")

	appsCmd.AddCommand(appsListCmd, appsCreateCmd, appsDeleteCmd, appsRotateCmd, appsReloadCmd)
}
