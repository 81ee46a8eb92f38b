package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zoobzio/rill"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Collection string
	Columns    []string
	Filters    []string
	Order      string
	Ascending  bool
	Limit      int
	SoftDelete bool
	Follow     bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query [NAME]",
		Short: "Run a live query",
		Long: `Run a query against a collection and print the result set.

NAME selects a query from the config file; flags override its fields.
With --follow the query subscribes to the change feed and reprints the
merged result set whenever it changes, until interrupted.

Examples:
  rill query --collection notifications --filter status=unread --soft-delete
  rill query unread --follow
  rill query --collection tasks --order title --asc --limit 20 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Collection, "collection", "", "collection to query")
	cmd.Flags().StringSliceVar(&opts.Columns, "column", nil, "columns to select (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Filters, "filter", nil, `equality filter column=value; "all" disables it (repeatable)`)
	cmd.Flags().StringVar(&opts.Order, "order", "", "order column (default created_at)")
	cmd.Flags().BoolVar(&opts.Ascending, "asc", false, "ascending order")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows to fetch")
	cmd.Flags().BoolVar(&opts.SoftDelete, "soft-delete", false, "hide rows with deleted_at set")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep the result set live")

	return cmd
}

// spec merges the named query with the flags that were set.
func (o *QueryOptions) spec(cmd *cobra.Command, args []string) (rill.QuerySpec, error) {
	var spec rill.QuerySpec
	if len(args) == 1 {
		s, err := o.cfg.Query(args[0])
		if err != nil {
			return spec, err
		}
		spec = s
	}

	flags := cmd.Flags()
	if flags.Changed("collection") {
		spec.Collection = o.Collection
	}
	if flags.Changed("column") {
		spec.Columns = o.Columns
	}
	if len(o.Filters) > 0 {
		filters, err := parseAssignments(o.Filters)
		if err != nil {
			return spec, err
		}
		if spec.Filters == nil {
			spec.Filters = rill.Filters{}
		}
		for k, v := range filters {
			spec.Filters[k] = v
		}
	}
	if flags.Changed("order") || flags.Changed("asc") {
		col := o.Order
		if col == "" {
			col = rill.ColumnCreatedAt
		}
		spec.Order = &rill.Order{Column: col, Ascending: o.Ascending}
	}
	if flags.Changed("limit") {
		spec.Limit = o.Limit
	}
	if flags.Changed("soft-delete") {
		spec.SoftDelete = o.SoftDelete
	}
	if o.Follow {
		spec.Realtime = true
	}
	if spec.Collection == "" {
		return spec, fmt.Errorf("a query name or --collection is required")
	}
	return spec, nil
}

func runQuery(opts *QueryOptions, cmd *cobra.Command, args []string) error {
	spec, err := opts.spec(cmd, args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	ctx := cmd.Context()

	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()

	q := s.client.Query(spec)
	defer func() { _ = q.Close() }()
	if err := q.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	out := opts.printer(cmd)
	if !opts.Follow {
		return out.rows(q.Rows())
	}

	for range q.Updates() {
		snap := q.Snapshot()
		if snap.Loading {
			continue
		}
		if snap.Err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "error:", snap.Err)
			continue
		}
		if err := out.rows(snap.Rows); err != nil {
			return err
		}
	}
	return nil
}

// parseAssignments parses column=value pairs.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected column=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
