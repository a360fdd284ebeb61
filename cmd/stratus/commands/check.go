package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCommand() *cobra.Command {
	var (
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "check <stack-name|stack-id>",
		Short: "Check a stack's resources for drift",
		Long: `Run a read-only health check over every resource of a stack. Each adapter
inspects its physical resource and reports whether it still matches the
recorded state. Nothing is modified; drifted resources are marked failed so
a subsequent converge can repair them.`,
		Example: `  stratus check web --wait`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				traversalID, err := r.svc.CheckStack(ctx, stack.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Stack %s check started: traversal %s\n", stack.Name, traversalID)

				if wait {
					return waitForStack(ctx, r.svc, stack.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "block until the check completes")

	return cmd
}
