package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "events <stack-name|stack-id>",
		Short: "Show a stack's event history",
		Long: `Show the stack's event history, newest first. Events record every stack
and resource state transition with the traversal that caused it.`,
		Example: `  # Last 50 events
  stratus events web

  # Page through older events
  stratus events web --limit 20 --offset 40`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				events, err := r.svc.ListStackEvents(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(events)
				}
				if len(events) == 0 {
					fmt.Println("No events recorded")
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "TIME\tRESOURCE\tACTION\tSTATUS\tREASON")
				for _, ev := range events {
					resource := deref(ev.ResourceKey)
					reason := ev.Reason
					if reason == "" {
						reason = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						formatTime(ev.Timestamp), resource, ev.Action, ev.Status, reason)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}
