package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		file       string
		paramFlags []string
	)

	cmd := &cobra.Command{
		Use:   "watch <stack-name|stack-id>",
		Short: "Watch a template file and re-converge on change",
		Long: `Watch a template file and start a stack update whenever it changes.
Saving mid-update is fine: the new update supersedes the running traversal
and already-converged resources are not repeated. Runs until interrupted.`,
		Example: `  # Keep a stack converged onto its template file
  stratus watch web --file ./stack.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramFlags)
			if err != nil {
				return err
			}

			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				stack, err := r.svc.GetStack(ctx, args[0])
				if err != nil {
					return err
				}

				watcher, err := fsnotify.NewWatcher()
				if err != nil {
					return fmt.Errorf("failed to create watcher: %w", err)
				}
				defer watcher.Close()

				// Watch the directory; editors often replace the file
				// rather than writing it in place.
				absPath, err := filepath.Abs(file)
				if err != nil {
					return err
				}
				if err := watcher.Add(filepath.Dir(absPath)); err != nil {
					return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
				}

				apply := func() {
					raw, err := os.ReadFile(absPath)
					if err != nil {
						fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
						return
					}
					traversalID, err := r.svc.UpdateStack(ctx, &engine.UpdateStackInput{
						StackID:    stack.ID,
						Template:   raw,
						Parameters: params,
					})
					if err != nil {
						fmt.Fprintf(os.Stderr, "update rejected: %v\n", err)
						return
					}
					fmt.Printf("%s changed, update started: traversal %s\n", file, traversalID)
				}

				fmt.Printf("Watching %s for stack %s (Ctrl-C to stop)\n", file, stack.Name)

				var debounce *time.Timer
				for {
					select {
					case <-ctx.Done():
						return nil
					case event, ok := <-watcher.Events:
						if !ok {
							return nil
						}
						if filepath.Clean(event.Name) != absPath {
							continue
						}
						if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
							continue
						}
						if debounce != nil {
							debounce.Stop()
						}
						debounce = time.AfterFunc(500*time.Millisecond, apply)
					case err, ok := <-watcher.Errors:
						if !ok {
							return nil
						}
						fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
					}
				}
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "template file to watch")
	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "template parameter (key=value, repeatable)")
	cmd.MarkFlagRequired("file")

	return cmd
}
