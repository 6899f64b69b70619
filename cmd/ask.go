package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/config"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
	"github.com/kartoza/kartoza-pgql/internal/tui"
)

var (
	askShowQuery bool
	askMaxLimit  int
	askTimeout   time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and print the answer",
	Long: `Send one question to the server as the configured application and print
the answer. The question is added to the local history.`,
	Example: `  kartoza-pgql ask "how many users signed up this week?"
  kartoza-pgql ask --graphql --max-limit 10 "list the latest orders"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVarP(&askShowQuery, "graphql", "g", false, "print the generated GraphQL query")
	askCmd.Flags().IntVar(&askMaxLimit, "max-limit", 0, "row limit for the query (default from settings)")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 2*time.Minute, "how long to wait for an answer")
}

func runAsk(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	maxLimit := askMaxLimit
	if maxLimit <= 0 {
		maxLimit = cfg.Settings.DefaultMaxLimit
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()

	c := serverClient(logger)
	start := time.Now()
	resp, err := c.Query(ctx, prompt, maxLimit)
	elapsed := time.Since(start)

	entry := config.QueryHistoryEntry{
		Timestamp:     start,
		Prompt:        prompt,
		ExecutionTime: float64(elapsed.Microseconds()) / 1000,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	} else {
		entry.Success = resp.Success
		entry.GeneratedQL = resp.Query
		entry.Pipeline = resp.Pipeline
		if id, meErr := c.Me(ctx); meErr == nil {
			entry.AppID = id.AppID
		}
	}
	saveHistory(entry)

	if err != nil {
		return err
	}
	printAnswer(cmd.OutOrStdout(), resp, askShowQuery)
	return nil
}

// saveHistory records entry; a failed save only warrants a warning
func saveHistory(entry config.QueryHistoryEntry) {
	cfg.AddQueryToHistory(entry)
	if err := cfg.Save(); err != nil {
		logger.Warn("could not save query history", zap.Error(err))
	}
}

func printAnswer(w io.Writer, resp *pipeline.Response, showQuery bool) {
	fmt.Fprintln(w, resp.Answer)

	if resp.Pipeline == pipeline.BranchRuleBased {
		note := "answered by the rule-based planner"
		if resp.FallbackReason != "" {
			note += ": " + resp.FallbackReason
		}
		fmt.Fprintln(w, tui.LabelStyle.Render(note))
	}

	if showQuery && resp.Query != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, tui.TitleStyle.Render("GraphQL"))
		fmt.Fprintln(w, tui.GraphQLStyle.Render(resp.Query))
		if resp.Usage.TotalTokens > 0 {
			fmt.Fprintln(w, tui.LabelStyle.Render(fmt.Sprintf("%d tokens", resp.Usage.TotalTokens)))
		}
	}
}
