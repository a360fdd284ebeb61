package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCommand() *cobra.Command {
	var (
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "delete <stack-name|stack-id>",
		Short: "Delete a stack and its resources",
		Long: `Delete a stack: every resource is deleted in reverse dependency order,
then the stack record is soft-deleted. Resources whose physical counterpart
is already gone are treated as deleted.`,
		Example: `  # Delete a stack and wait for teardown
  stratus delete web --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				traversalID, err := r.svc.DeleteStack(ctx, stack.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Stack %s delete started: traversal %s\n", stack.Name, traversalID)

				if wait {
					return waitForStack(ctx, r.svc, stack.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "block until teardown completes")

	return cmd
}
