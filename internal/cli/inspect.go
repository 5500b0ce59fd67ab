package cli

import (
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/spf13/cobra"
)

func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test operations and connections",
	}

	connection := &cobra.Command{
		Use:           "connection [sap|shopify|all]",
		Short:         "Check SAP and Shopify credentials",
		Args:          cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs:     []string{"sap", "shopify", "all"},
		Example:       "  erpsync test connection all",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			system := "all"
			if len(args) == 1 {
				system = args[0]
			}
			engine, err := rootOpts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()

			report, err := engine.Bus().TestConnection(commandContext(cmd), system)
			if err != nil {
				return WrapExitError(ExitCommandError, "test connection", err)
			}
			if err := rootOpts.printer(cmd).Connections(report); err != nil {
				return err
			}
			if report.Failed() {
				return NewExitError(ExitFailure, "connection test failed")
			}
			return nil
		},
	}

	cmd.AddCommand(connection)
	return cmd
}

func NewMappingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect field mappings",
	}

	show := &cobra.Command{
		Use:           "show <entity>",
		Short:         "Print the field mapping table of an entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := core.ParseEntityType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity", err)
			}
			engine, err := rootOpts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()

			description, err := engine.Bus().DescribeMapping(commandContext(cmd), entity)
			if err != nil {
				return WrapExitError(ExitCommandError, "describe mapping", err)
			}
			return rootOpts.printer(cmd).Mapping(description)
		},
	}

	cmd.AddCommand(show)
	return cmd
}

func NewGroupCommand(rootOpts *RootOptions) *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:   "group",
		Short: "Item group maintenance",
	}

	checkItems := &cobra.Command{
		Use:           "check-items",
		Short:         "List items of a SAP group that Shopify would reject",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID = strings.TrimSpace(groupID)
			if groupID == "" {
				return NewExitError(ExitCommandError, "--group-id is required")
			}
			engine, err := rootOpts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer engine.Close()

			missing, err := engine.Bus().CheckItems(commandContext(cmd), groupID)
			if err != nil {
				return WrapExitError(ExitFailure, "check items", err)
			}
			if err := rootOpts.printer(cmd).MissingFields(groupID, missing); err != nil {
				return err
			}
			if len(missing) > 0 {
				return NewExitError(ExitFailure, "items are missing required fields")
			}
			return nil
		},
	}
	checkItems.Flags().StringVar(&groupID, "group-id", "", "SAP item group number")

	cmd.AddCommand(checkItems)
	return cmd
}
