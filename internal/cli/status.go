package cli

import (
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/spf13/cobra"
)

// StatusOptions holds flags shared by the status subcommands.
type StatusOptions struct {
	*RootOptions
	Entity    string
	Direction string
	Limit     int
	Resolved  bool
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect sync state",
	}
	cmd.PersistentFlags().StringVar(&opts.Entity, "entity", "", "limit output to one entity type")

	failed := &cobra.Command{
		Use:           "failed",
		Short:         "List failed records awaiting retry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.failedFilter()
			if err != nil {
				return err
			}
			engine, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()
			records, err := engine.Bus().FailedRecords(commandContext(cmd), filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "list failed records", err)
			}
			return opts.printer(cmd).FailedRecords(records)
		},
	}
	failed.Flags().StringVar(&opts.Direction, "direction", "", "sap-to-shopify or shopify-to-sap")
	failed.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to list")
	failed.Flags().BoolVar(&opts.Resolved, "resolved", false, "list resolved records instead")

	checkpoints := &cobra.Command{
		Use:           "checkpoints",
		Short:         "List incremental sync checkpoints",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := optionalEntity(opts.Entity)
			if err != nil {
				return err
			}
			engine, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()
			out, err := engine.Bus().Checkpoints(commandContext(cmd), entity)
			if err != nil {
				return WrapExitError(ExitCommandError, "list checkpoints", err)
			}
			return opts.printer(cmd).Checkpoints(out)
		},
	}

	runs := &cobra.Command{
		Use:           "runs",
		Short:         "List recent sync runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit < 0 {
				return NewExitError(ExitCommandError, "limit must not be negative")
			}
			engine, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()
			out, err := engine.Bus().Runs(commandContext(cmd), opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "list runs", err)
			}
			return opts.printer(cmd).Runs(out)
		},
	}
	runs.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list")

	cmd.AddCommand(failed, checkpoints, runs)
	return cmd
}

func (o *StatusOptions) failedFilter() (core.FailedRecordFilter, error) {
	entity, err := optionalEntity(o.Entity)
	if err != nil {
		return core.FailedRecordFilter{}, err
	}
	filter := core.FailedRecordFilter{EntityType: entity, Limit: o.Limit}
	if strings.TrimSpace(o.Direction) != "" {
		direction, err := core.ParseDirection(o.Direction)
		if err != nil || direction == core.DirectionBoth {
			return filter, NewExitError(ExitCommandError, "invalid direction "+o.Direction)
		}
		filter.Direction = direction
	}
	if o.Resolved {
		filter.Status = core.FailedRecordStatusResolved
	}
	return filter, nil
}

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	Entity string
}

func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry failed records from the ledger",
		Long: `Re-fetch and re-sync every open failed record. Records that succeed are
marked resolved; the rest stay in the ledger with an incremented attempt count.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := optionalEntity(opts.Entity)
			if err != nil {
				return err
			}
			engine, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, stop := interruptible(cmd)
			defer stop()
			summary, runErr := engine.Bus().RetryFailed(ctx, core.FailedRecordFilter{EntityType: entity})
			return finishRun(cmd, opts.RootOptions, summary, runErr)
		},
	}
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "retry only one entity type")
	return cmd
}

func optionalEntity(value string) (core.EntityType, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	entity, err := core.ParseEntityType(value)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid entity", err)
	}
	return entity, nil
}
