package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kartoza/kartoza-pgql/internal/client"
	"github.com/kartoza/kartoza-pgql/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show application status",
	Long:  `Show the configured server, whether it is reachable, which application the chat client asks as and the local history size.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		c := serverClient(logger)
		lines := []string{tui.TitleStyle.Render("Kartoza PGQL Status"), ""}
		lines = append(lines, field("Server", c.BaseURL()))

		health, err := c.Health(ctx)
		if err != nil {
			lines = append(lines, field("Reachable", "")+tui.ErrorStyle.Render("no ("+err.Error()+")"))
		} else {
			lines = append(lines,
				field("Reachable", "")+tui.SuccessStyle.Render("yes"),
				field("Version", health.Version),
				field("Uptime", (time.Duration(health.UptimeSeconds)*time.Second).String()),
			)
		}

		lines = append(lines, identityLines(ctx, c)...)
		lines = append(lines,
			field("Dashboard key", configured(cfg.Server.DashboardAPIKey != "")),
			field("Gateway", orUnset(cfg.Gateway.Endpoint)),
			field("LLM", cfg.LLM.Provider+" / "+cfg.LLM.Model),
			field("History", fmt.Sprintf("%d questions", len(cfg.QueryHistory))),
		)

		fmt.Fprintln(cmd.OutOrStdout(), tui.BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
		return nil
	},
}

func identityLines(ctx context.Context, c *client.Client) []string {
	if cfg.Server.AppAPIKey == "" {
		return []string{field("Application", "") + tui.InactiveStyle.Render("no key (config set-secret app_api_key)")}
	}
	id, err := c.Me(ctx)
	if err != nil {
		return []string{field("Application", "") + tui.ErrorStyle.Render(err.Error())}
	}
	tables := "all"
	if len(id.AllowedTables) > 0 {
		tables = fmt.Sprintf("%d allowed", len(id.AllowedTables))
	}
	return []string{
		field("Application", id.AppID),
		field("Role", string(id.Role)),
		field("Tables", tables),
	}
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "not set"
}

func orUnset(v string) string {
	if v == "" {
		return "not set"
	}
	return v
}
