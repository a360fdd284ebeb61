package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		file            string
		paramFlags      []string
		tenant          string
		tags            []string
		timeout         time.Duration
		disableRollback bool
		wait            bool
	)

	cmd := &cobra.Command{
		Use:   "create <stack-name>",
		Short: "Create a stack from a template",
		Long: `Create a new stack and start a create traversal that converges every
declared resource. With --wait the command blocks until the traversal
finishes and exits nonzero on failure; without it the traversal continues
in the background only as long as the process runs, so --wait is the
normal mode for one-shot CLI use.`,
		Example: `  # Create a stack and wait for convergence
  stratus create web --file ./stack.yaml --wait

  # Create with parameters and tags
  stratus create web --file ./stack.yaml --param size=large --tag team-a --wait`,
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
				stackID, err := r.svc.CreateStack(ctx, &engine.CreateStackInput{
					Name:            args[0],
					Tenant:          tenant,
					Template:        raw,
					Parameters:      params,
					Timeout:         timeout,
					DisableRollback: disableRollback,
					Tags:            tags,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Stack %s created: %s\n", args[0], stackID)

				if wait {
					return waitForStack(ctx, r.svc, stackID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "template file path")
	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "template parameter (key=value, repeatable)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant the stack belongs to")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "stack tag (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "traversal timeout (0 uses the engine default)")
	cmd.Flags().BoolVar(&disableRollback, "disable-rollback", false, "leave failed resources in place instead of rolling back")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the traversal completes")
	cmd.MarkFlagRequired("file")

	return cmd
}
