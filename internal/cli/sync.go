package cli

import (
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/sync"
	"github.com/spf13/cobra"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Direction string
	Mode      string
	BatchSize int
	GroupID   string
	OrderID   string
	Name      string
	WithItems bool
	DryRun    bool
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <entity>",
		Short: "Synchronize one entity type",
		Long: `Synchronize group, item, order, payment, credit or customer records.

The run summary is printed whether or not records failed. The exit code is 1
when any record failed and 2 when the run could not start.

Example:
  erpsync sync groups --direction shopify-to-sap --mode incremental
  erpsync sync groups --direction sap-to-shopify --group-id 100 --with-items
  erpsync sync orders --order-id 9001 --dry-run`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args[0])
			if err != nil {
				return err
			}
			return runSync(cmd, opts.RootOptions, req)
		},
	}

	cmd.Flags().StringVarP(&opts.Direction, "direction", "d", "", "sap-to-shopify, shopify-to-sap or both (defaults to the only flow of one-way entities)")
	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", string(core.SyncModeIncremental), "full or incremental")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "records per batch (0 uses sync.batch_size)")
	cmd.Flags().StringVar(&opts.GroupID, "group-id", "", "limit the run to one item group")
	cmd.Flags().StringVar(&opts.OrderID, "order-id", "", "limit the run to one order")
	cmd.Flags().StringVar(&opts.Name, "name", "", "limit the run to records matching a name")
	cmd.Flags().BoolVar(&opts.WithItems, "with-items", false, "cascade group syncs to member items")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "translate and validate without writing")

	return cmd
}

func (o *SyncOptions) request(entityArg string) (sync.RunRequest, error) {
	entity, err := core.ParseEntityType(entityArg)
	if err != nil {
		return sync.RunRequest{}, WrapExitError(ExitCommandError, "invalid entity", err)
	}
	direction, err := resolveDirection(entity, o.Direction)
	if err != nil {
		return sync.RunRequest{}, err
	}
	mode, err := core.ParseSyncMode(o.Mode)
	if err != nil {
		return sync.RunRequest{}, WrapExitError(ExitCommandError, "invalid mode", err)
	}
	if o.BatchSize < 0 {
		return sync.RunRequest{}, NewExitError(ExitCommandError, "batch size must not be negative")
	}
	if o.WithItems && entity != core.EntityGroup {
		return sync.RunRequest{}, NewExitError(ExitCommandError, "--with-items only applies to group syncs")
	}
	return sync.RunRequest{
		EntityType: entity,
		Direction:  direction,
		Mode:       mode,
		BatchSize:  o.BatchSize,
		Scope: core.Scope{
			GroupID: o.GroupID,
			OrderID: o.OrderID,
			Name:    o.Name,
		}.Normalize(),
		WithItems: o.WithItems,
		DryRun:    o.DryRun,
	}, nil
}

func resolveDirection(entity core.EntityType, value string) (core.Direction, error) {
	if strings.TrimSpace(value) == "" {
		service, ok := sync.DefaultServices()[entity]
		if ok && len(service.Flows) == 1 {
			return service.Flows[0], nil
		}
		return "", NewExitError(ExitCommandError, "--direction is required for "+string(entity))
	}
	direction, err := core.ParseDirection(value)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid direction", err)
	}
	return direction, nil
}

func runSync(cmd *cobra.Command, opts *RootOptions, req sync.RunRequest) error {
	engine, err := opts.openEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := interruptible(cmd)
	defer stop()

	summary, runErr := engine.Bus().RunSync(ctx, req)
	return finishRun(cmd, opts, summary, runErr)
}

// finishRun prints the summary of a run that started and maps it to an exit code.
func finishRun(cmd *cobra.Command, opts *RootOptions, summary sync.RunSummary, runErr error) error {
	if runErr != nil && summary.RunID == "" {
		return WrapExitError(ExitCommandError, "sync could not start", runErr)
	}
	if err := opts.printer(cmd).Summary(summary); err != nil {
		return WrapExitError(ExitCommandError, "print summary", err)
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "sync aborted", runErr)
	}
	if summary.Failed() {
		return NewExitError(ExitFailure, "sync finished with failed records")
	}
	return nil
}
