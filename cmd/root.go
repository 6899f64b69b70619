package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/client"
	"github.com/kartoza/kartoza-pgql/internal/config"
	"github.com/kartoza/kartoza-pgql/internal/logging"
	"github.com/kartoza/kartoza-pgql/internal/tui"
)

var (
	appVersion = "dev"
	noSplash   bool
	configPath string
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config
)

// SetVersion sets the application version
func SetVersion(v string) {
	appVersion = v
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kartoza-pgql",
	Short: "Natural language questions answered through a GraphQL gateway",
	Long: `Kartoza PGQL - ask questions of a Hasura-compatible GraphQL gateway in
plain language.

This tool allows you to:
  - Serve a query API where registered applications ask questions
  - Restrict each application to a role and a set of tables
  - Generate GraphQL with a language model, falling back to rules
  - Chat with the server from a terminal interface
  - Manage applications and their API keys

Built with love by Kartoza.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.New(logging.Options{Level: level, Development: verbose, OutputPaths: []string{"stderr"}})
		if err != nil {
			return err
		}

		cfg, err = config.LoadFrom(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// serverClient builds a client for the configured server
func serverClient(log *zap.Logger) *client.Client {
	return client.New(client.Options{
		BaseURL:      cfg.Server.URL,
		AppKey:       cfg.Server.AppAPIKey,
		DashboardKey: cfg.Server.DashboardAPIKey,
		Logger:       log,
	})
}

func runChat() error {
	if !noSplash {
		if err := tui.ShowSplashScreen(1500 * time.Millisecond); err != nil {
			fmt.Fprintf(os.Stderr, "Error showing splash: %v\n", err)
		}
	}

	// log lines would tear the alternate screen
	if err := tui.RunApp(serverClient(zap.NewNop()), cfg); err != nil {
		return fmt.Errorf("running application: %w", err)
	}

	if !noSplash {
		if err := tui.ShowExitSplashScreen(800 * time.Millisecond); err != nil {
			fmt.Fprintf(os.Stderr, "Error showing exit splash: %v\n", err)
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/kartoza-pgql/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&noSplash, "nosplash", false, "Skip the splash screen animations")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
