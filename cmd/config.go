package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kartoza/kartoza-pgql/internal/config"
	"github.com/kartoza/kartoza-pgql/internal/logging"
	"github.com/kartoza/kartoza-pgql/internal/tui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration and manage secrets",
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <name> [value]",
	Short: "Store a secret in the system keyring",
	Long: `Store a secret in the system keyring. Without a value it is read from
standard input. Known names: ` + strings.Join(config.SecretNames(), ", ") + `.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			value = strings.TrimSpace(line)
		}
		if value == "" {
			return errors.New("secret value must not be empty")
		}

		if err := config.StoreSecret(name, value); err != nil {
			return secretError(name, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tui.SuccessStyle.Render("✓ Stored "+name+" in the keyring"))
		return nil
	},
}

var configDeleteSecretCmd = &cobra.Command{
	Use:   "delete-secret <name>",
	Short: "Remove a secret from the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DeleteSecret(args[0]); err != nil {
			return secretError(args[0], err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tui.SuccessStyle.Render("✓ Removed "+args[0]))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		shown.QueryHistory = nil
		shown.Gateway.AdminSecret = maskSet(shown.Gateway.AdminSecret)
		shown.LLM.APIKey = maskSet(shown.LLM.APIKey)
		shown.Server.DashboardAPIKey = maskSet(shown.Server.DashboardAPIKey)
		shown.Server.JWTSecret = maskSet(shown.Server.JWTSecret)
		shown.Server.AppAPIKey = maskSet(shown.Server.AppAPIKey)
		shown.Store.DSN = maskSet(shown.Store.DSN)

		data, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			var err error
			if path, err = config.ConfigPath(); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// maskSet masks value, leaving unset secrets empty
func maskSet(value string) string {
	if value == "" {
		return ""
	}
	return logging.MaskSecret(value)
}

func secretError(name string, err error) error {
	if errors.Is(err, config.ErrUnknownSecret) {
		return fmt.Errorf("%w %q; known names: %s", err, name, strings.Join(config.SecretNames(), ", "))
	}
	return fmt.Errorf("keyring: %w", err)
}

func init() {
	configCmd.AddCommand(configSetSecretCmd, configDeleteSecretCmd, configShowCmd, configPathCmd)
}
