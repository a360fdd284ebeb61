package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSuspendCommand() *cobra.Command {
	var (
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "suspend <stack-name|stack-id>",
		Short: "Suspend a stack's resources",
		Long: `Suspend every resource of a stack that supports suspension, in reverse
dependency order. Suspended resources keep their physical identity and can
be brought back with resume.`,
		Example: `  stratus suspend web --wait`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				traversalID, err := r.svc.SuspendStack(ctx, stack.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Stack %s suspend started: traversal %s\n", stack.Name, traversalID)

				if wait {
					return waitForStack(ctx, r.svc, stack.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "block until suspension completes")

	return cmd
}
