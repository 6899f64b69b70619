package cmd

import (
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server in the terminal",
	Long: `Open the terminal chat client. Questions are sent to the server at
server.url using the application key stored as app_api_key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func init() {
	chatCmd.Flags().BoolVar(&noSplash, "nosplash", false, "Skip the splash screen animations")
}
