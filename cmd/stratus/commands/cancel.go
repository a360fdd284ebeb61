package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	var (
		rollback bool
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "cancel <stack-name|stack-id>",
		Short: "Cancel an in-progress stack update",
		Long: `Cancel the running update traversal of a stack. By default the traversal
stops where it is and the stack is marked failed. With --rollback the engine
instead converges the stack back to the previous template revision.`,
		Example: `  # Stop the running update
  stratus cancel web

  # Cancel and roll back to the previous revision
  stratus cancel web --rollback --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				traversalID, err := r.svc.StackCancelUpdate(ctx, stack.ID, rollback)
				if err != nil {
					return err
				}
				if rollback {
					fmt.Printf("Stack %s rollback started: traversal %s\n", stack.Name, traversalID)
				} else {
					fmt.Printf("Stack %s update cancelled\n", stack.Name)
				}

				if wait {
					return waitForStack(ctx, r.svc, stack.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back to the previous template revision")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the stack settles")

	return cmd
}
