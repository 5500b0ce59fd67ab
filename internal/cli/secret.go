package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/goliatone/go-erpsync/security"
	"github.com/spf13/cobra"
)

func NewSecretCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage sealed credentials",
	}

	seal := &cobra.Command{
		Use:   "seal [value]",
		Short: "Encrypt a credential for sap.password or shopify.access_token",
		Long: `Seal a credential with the app key. The printed value can replace the
plain text in a config file; erpsync decrypts it at startup when the same
app key is set. Without an argument the value is read from stdin.`,
		Example:       "  ERPSYNC_APP_KEY=... erpsync secret seal shpat_xxx",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(rootOpts.AppKey) == "" {
				return NewExitError(ExitCommandError, "--app-key or $"+AppKeyEnv+" is required")
			}
			value := ""
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return WrapExitError(ExitCommandError, "read secret", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return NewExitError(ExitCommandError, "secret value is empty")
			}

			sealer, err := security.NewAppKeySealerFromString(rootOpts.AppKey)
			if err != nil {
				return WrapExitError(ExitCommandError, "seal secret", err)
			}
			sealed, err := security.Seal(commandContext(cmd), sealer, value)
			if err != nil {
				return WrapExitError(ExitFailure, "seal secret", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return err
		},
	}

	cmd.AddCommand(seal)
	return cmd
}
