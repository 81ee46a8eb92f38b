package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail COLLECTION",
		Short: "Print the change feed of a collection",
		Long: `Subscribe to a collection's change feed and print every insert,
update and delete as it arrives, until interrupted.

On PostgreSQL the collection needs the notify trigger (see install-trigger).

Examples:
  rill tail notifications
  rill tail notifications --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.close() }()

			collection := args[0]
			sub, err := s.backend.store.Subscribe(ctx, collection, "tail-"+uuid.NewString())
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("failed to subscribe to %s", collection), err)
			}
			defer func() { _ = sub.Close() }()

			out := rootOpts.printer(cmd)
			for ev := range sub.Events() {
				if err := out.event(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
