package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/rpc"
)

func newWorkerCommand() *cobra.Command {
	var (
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a remote resource worker",
		Long: `Run a worker process that executes resource checks dispatched by a
coordinating engine. The worker shares the coordinator's database and
adapter configuration; resource outputs are streamed back over the
connection that delivered the work.`,
		Example: `  # Listen for dispatched work
  stratus worker --listen :7433

  # On the coordinator, point the workers list at it:
  #   workers: ["10.0.0.5:7433"]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *engineRuntime) error {
				hostname, _ := os.Hostname()
				server := rpc.NewServer(r.svc, rpc.ServerConfig{
					EngineID: r.svc.EngineID(),
					Hostname: hostname,
					Version:  rootVersion,
				}, r.tel)

				fmt.Printf("Worker %s listening on %s\n", r.svc.EngineID(), listenAddr)
				return server.ListenAndServe(ctx, listenAddr)
			})
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":7433", "address to listen on for dispatched work")

	return cmd
}
