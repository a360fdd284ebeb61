package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCommand() *cobra.Command {
	var (
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "resume <stack-name|stack-id>",
		Short: "Resume a suspended stack",
		Long: `Resume a suspended stack's resources in dependency order, restoring them
to their converged state.`,
		Example: `  stratus resume web --wait`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				traversalID, err := r.svc.ResumeStack(ctx, stack.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Stack %s resume started: traversal %s\n", stack.Name, traversalID)

				if wait {
					return waitForStack(ctx, r.svc, stack.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "block until the stack is resumed")

	return cmd
}
