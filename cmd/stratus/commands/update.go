package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/engine"
)

func newUpdateCommand() *cobra.Command {
	var (
		file            string
		paramFlags      []string
		timeout         time.Duration
		disableRollback bool
		wait            bool
	)

	cmd := &cobra.Command{
		Use:   "update <stack-name|stack-id>",
		Short: "Update a stack with a new template",
		Long: `Update an existing stack to a new template revision. The engine diffs the
new template against recorded resource state, converges changed resources in
dependency order, replaces resources whose immutable properties changed, and
deletes resources no longer declared.

Updating a stack whose previous update is still in progress supersedes the
running traversal; already-converged resources are not repeated.`,
		Example: `  # Update a stack and wait
  stratus update web --file ./stack.yaml --wait

  # Change a parameter only
  stratus update web --file ./stack.yaml --param size=medium --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}
			params, err := parseParams(paramFlags)
			if err != nil {
				return err
			}

			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				traversalID, err := r.svc.UpdateStack(ctx, &engine.UpdateStackInput{
					StackID:         stack.ID,
					Template:        raw,
					Parameters:      params,
					Timeout:         timeout,
					DisableRollback: disableRollback,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Stack %s update started: traversal %s\n", stack.Name, traversalID)

				if wait {
					return waitForStack(ctx, r.svc, stack.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "template file path")
	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "template parameter (key=value, repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "traversal timeout (0 uses the engine default)")
	cmd.Flags().BoolVar(&disableRollback, "disable-rollback", false, "leave failed resources in place instead of rolling back")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the traversal completes")
	cmd.MarkFlagRequired("file")

	return cmd
}
