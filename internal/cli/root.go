package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	erpsync "github.com/goliatone/go-erpsync"
	"github.com/spf13/cobra"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// AppKeyEnv names the environment variable holding the credential sealing key.
const AppKeyEnv = "ERPSYNC_APP_KEY"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatText, FormatJSON}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	Format     string
	Verbose    bool
	AppKey     string

	// EngineOptions are applied after the flag derived options. Tests use
	// them to inject in-memory clients and stores.
	EngineOptions []erpsync.EngineOption
}

// NewRootCommand creates the erpsync command tree.
func NewRootCommand(engineOpts ...erpsync.EngineOption) *cobra.Command {
	opts := &RootOptions{EngineOptions: engineOpts}

	cmd := &cobra.Command{
		Use:   "erpsync",
		Short: "Synchronize SAP Business One and Shopify entities",
		Long: `erpsync keeps item groups, items, orders, payments, credits and customers
in step between SAP Business One (sap) and Shopify (shopify).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to a JSON or YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with ERPSYNC_* overrides")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.AppKey, "app-key", os.Getenv(AppKeyEnv), "key for sealed credentials (default $"+AppKeyEnv+")")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewMappingCommand(opts))
	cmd.AddCommand(NewGroupCommand(opts))
	cmd.AddCommand(NewSecretCommand(opts))

	return cmd
}

// Execute runs the command tree against args and returns the process exit code.
func Execute(ctx context.Context, args []string, engineOpts ...erpsync.EngineOption) int {
	cmd := NewRootCommand(engineOpts...)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return GetExitCode(err)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) printer(cmd *cobra.Command) Printer {
	return Printer{Format: o.Format, Out: cmd.OutOrStdout()}
}

// openEngine builds the engine for one command. Failures are startup errors.
func (o *RootOptions) openEngine(cmd *cobra.Command) (*erpsync.Engine, error) {
	level := "info"
	if o.Verbose {
		level = "debug"
	}
	engineOpts := []erpsync.EngineOption{
		erpsync.WithConfigFile(o.ConfigFile),
		erpsync.WithEnvFile(o.EnvFile),
		erpsync.WithLogOutput(cmd.ErrOrStderr(), level),
		erpsync.WithAppKey(o.AppKey),
	}
	engineOpts = append(engineOpts, o.EngineOptions...)
	engine, err := erpsync.NewEngine(commandContext(cmd), engineOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "startup failed", err)
	}
	return engine, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// interruptible cancels the returned context on SIGINT or SIGTERM so a run
// stops between batches.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
}
