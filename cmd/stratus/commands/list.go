package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/stores"
)

func newListCommand() *cobra.Command {
	var (
		tenant      string
		showDeleted bool
		limit       int
		offset      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stacks",
		Long:  `List stacks, newest first. Soft-deleted stacks are hidden unless --deleted is given.`,
		Example: `  # List all stacks
  stratus list

  # List one tenant's stacks as JSON
  stratus list --tenant acme --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				filter := stores.ListStacksFilter{
					ShowDeleted: showDeleted,
					Limit:       limit,
					Offset:      offset,
				}
				if cmd.Flags().Changed("tenant") {
					filter.Tenant = &tenant
				}

				stacks, err := r.svc.ListStacks(ctx, filter)
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(stacks)
				}
				if len(stacks) == 0 {
					fmt.Println("No stacks found")
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "NAME\tTENANT\tSTATE\tRESOURCES\tUPDATED\tID")
				for _, stack := range stacks {
					resources, err := r.svc.ListStackResources(ctx, stack.ID)
					if err != nil {
						return err
					}
					tenantCol := stack.Tenant
					if tenantCol == "" {
						tenantCol = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						stack.Name, tenantCol,
						engine.FormatState(stack.Action, stack.Status),
						len(resources), formatTime(stack.UpdatedAt), stack.ID)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	cmd.Flags().BoolVar(&showDeleted, "deleted", false, "include soft-deleted stacks")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of stacks to return (0 = all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of stacks to skip")

	return cmd
}
