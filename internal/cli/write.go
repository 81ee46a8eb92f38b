package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoobzio/rill"
)

// NewWriteCommands creates the create, update and remove commands. Writes go
// through a Mutator, so they are stamped with and scoped to the principal.
func NewWriteCommands(rootOpts *RootOptions) []*cobra.Command {
	create := &cobra.Command{
		Use:   "create COLLECTION column=value...",
		Short: "Insert a row owned by the principal",
		Example: `  rill create notifications title="Deploy finished" status=unread --principal u1
  rill create notes body=hi --dsn sqlite:./app.db`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseAssignments(args[1:])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid row", err)
			}
			return rootOpts.mutate(cmd, args[0], func(m *rill.Mutator, p *printer) error {
				row, err := m.Create(cmd.Context(), rill.Row(data))
				if err != nil {
					return err
				}
				return p.rows([]rill.Row{row})
			})
		},
	}

	update := &cobra.Command{
		Use:           "update COLLECTION ID column=value...",
		Short:         "Patch a row owned by the principal",
		Args:          cobra.MinimumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args[2:])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid patch", err)
			}
			return rootOpts.mutate(cmd, args[0], func(m *rill.Mutator, p *printer) error {
				row, err := m.Update(cmd.Context(), args[1], rill.Row(patch))
				if err != nil {
					return err
				}
				if row == nil {
					return fmt.Errorf("no row %s owned by the principal", args[1])
				}
				return p.rows([]rill.Row{row})
			})
		},
	}

	var hard bool
	remove := &cobra.Command{
		Use:           "remove COLLECTION ID",
		Short:         "Soft-delete (or with --hard, delete) a row owned by the principal",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.mutate(cmd, args[0], func(m *rill.Mutator, _ *printer) error {
				ok, err := m.Remove(cmd.Context(), args[1], hard)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no row %s owned by the principal", args[1])
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "removed", args[1])
				return err
			})
		},
	}
	remove.Flags().BoolVar(&hard, "hard", false, "delete the row instead of stamping deleted_at")

	return []*cobra.Command{create, update, remove}
}

func (o *RootOptions) mutate(cmd *cobra.Command, collection string, fn func(*rill.Mutator, *printer) error) error {
	s, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()

	if err := fn(s.client.Mutator(collection), o.printer(cmd)); err != nil {
		return WrapExitError(ExitFailure, "write failed", err)
	}
	return nil
}
