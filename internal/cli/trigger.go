package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zoobzio/rill/providers/postgres"
)

// TriggerOptions holds flags for the install-trigger command.
type TriggerOptions struct {
	*RootOptions
	Ensure  bool
	Columns []string
	Print   bool
}

// NewInstallTriggerCommand creates the install-trigger command.
func NewInstallTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TriggerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "install-trigger COLLECTION...",
		Short: "Install the PostgreSQL change-feed trigger",
		Long: `Install the trigger that publishes row changes of each collection
on the NOTIFY channel rill_<collection>. Re-running it is safe.

With --ensure the collection tables are created first. With --print the
DDL is written to stdout and no database is contacted.

Examples:
  rill install-trigger notifications tasks
  rill install-trigger notifications --ensure --column title --column status
  rill install-trigger notifications --print > trigger.sql`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstallTrigger(opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Ensure, "ensure", false, "create missing collection tables")
	cmd.Flags().StringSliceVar(&opts.Columns, "column", nil, "extra text columns for --ensure (repeatable)")
	cmd.Flags().BoolVar(&opts.Print, "print", false, "print the DDL instead of executing it")

	return cmd
}

func runInstallTrigger(opts *TriggerOptions, cmd *cobra.Command, collections []string) error {
	if opts.Print {
		for _, c := range collections {
			for _, stmt := range postgres.TriggerDDL(c) {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", strings.TrimSpace(stmt)); err != nil {
					return err
				}
			}
		}
		return nil
	}

	ctx := cmd.Context()

	b, err := openStore(opts.cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() { _ = b.close() }()
	if b.postgres == nil {
		return WrapExitError(ExitCommandError, "install-trigger requires a postgres:// dsn", nil)
	}

	for _, c := range collections {
		if opts.Ensure {
			if err := b.ensure(ctx, c, opts.Columns); err != nil {
				return WrapExitError(ExitFailure, "failed to create collection", err)
			}
		}
		if err := b.postgres.InstallTrigger(ctx, c); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to install trigger on %s", c), err)
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", c, postgres.NotifyChannel(c)); err != nil {
			return err
		}
	}
	return nil
}
