package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newConvergeCommand() *cobra.Command {
	var (
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "converge <stack-name|stack-id>",
		Short: "Re-converge a stack onto its current template",
		Long: `Re-run convergence against the stack's current template revision. Healthy
resources are verified in place; drifted or failed resources are repaired or
replaced. Use this after a check reports drift, or to retry a failed stack
without changing its template.`,
		Example: `  stratus converge web --wait`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				traversalID, err := r.svc.ConvergeStack(ctx, stack.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Stack %s converge started: traversal %s\n", stack.Name, traversalID)

				if wait {
					return waitForStack(ctx, r.svc, stack.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "block until convergence completes")

	return cmd
}
