package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		resource string
	)

	cmd := &cobra.Command{
		Use:   "status <stack-name|stack-id>",
		Short: "Show stack and resource status",
		Long: `Show a stack's current state and the state of every resource row,
including replaced copies still awaiting cleanup. With --resource, show the
full record of a single logical resource instead.`,
		Example: `  # Full stack status
  stratus status web

  # One resource, as JSON
  stratus status web --resource instance --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				if resource != "" {
					row, err := r.svc.DescribeResource(ctx, args[0], resource)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(row)
					}
					printResource(row)
					return nil
				}

				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}
				resources, err := r.svc.ListStackResources(ctx, stack.ID)
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(struct {
						Stack     *stores.Stack      `json:"stack"`
						Resources []*stores.Resource `json:"resources"`
					}{stack, resources})
				}

				fmt.Printf("Stack:     %s (%s)\n", stack.Name, stack.ID)
				if stack.Tenant != "" {
					fmt.Printf("Tenant:    %s\n", stack.Tenant)
				}
				fmt.Printf("State:     %s\n", engine.FormatState(stack.Action, stack.Status))
				if stack.StatusReason != "" {
					fmt.Printf("Reason:    %s\n", stack.StatusReason)
				}
				if stack.CurrentTraversal != "" {
					fmt.Printf("Traversal: %s\n", stack.CurrentTraversal)
				}
				if stack.Outputs != nil {
					fmt.Printf("Outputs:   %s\n", *stack.Outputs)
				}
				fmt.Printf("Updated:   %s\n", formatTime(stack.UpdatedAt))

				if len(resources) == 0 {
					return nil
				}
				fmt.Println()
				w := newTable()
				fmt.Fprintln(w, "RESOURCE\tTYPE\tSTATE\tPHYSICAL ID\tREASON")
				for _, row := range resources {
					reason := row.StatusReason
					if reason == "" {
						reason = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						row.Name, row.Type,
						engine.FormatState(row.Action, row.Status),
						deref(row.PhysicalID), reason)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&resource, "resource", "", "show a single logical resource")

	return cmd
}

func printResource(row *stores.Resource) {
	fmt.Printf("Resource:  %s (row %d)\n", row.Name, row.ID)
	fmt.Printf("Type:      %s\n", row.Type)
	fmt.Printf("State:     %s\n", engine.FormatState(row.Action, row.Status))
	if row.StatusReason != "" {
		fmt.Printf("Reason:    %s\n", row.StatusReason)
	}
	fmt.Printf("Physical:  %s\n", deref(row.PhysicalID))
	if row.Properties != nil {
		fmt.Printf("Properties: %s\n", *row.Properties)
	}
	if row.Attributes != nil {
		fmt.Printf("Attributes: %s\n", *row.Attributes)
	}
	if row.Replaces != nil {
		fmt.Printf("Replaces:  row %d\n", *row.Replaces)
	}
	if row.ReplacedBy != nil {
		fmt.Printf("ReplacedBy: row %d\n", *row.ReplacedBy)
	}
	fmt.Printf("Updated:   %s\n", formatTime(row.UpdatedAt))
}
