package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openstratus/stratus/pkg/stores"
)

const defaultConfigTemplate = `# Stratus engine configuration

engine:
  database_path: %s
  default_timeout: 1h
  heartbeat_interval: 10s
  heartbeat_ttl: 30s

telemetry:
  log_level: info
  log_format: console
  metrics_enabled: false
  metrics_listen: ":9464"

policy:
  paths: []
  watch: false

adapters:
  wasm_dir: ""
  remote:
    enabled: false
    user: root

# Remote worker addresses for distributed resource checks.
workers: []
`

const exampleTemplate = `stratus_template_version: "2026-01-01"
description: Example stack with two sandbox resources

parameters:
  size:
    type: string
    default: small
    allowed: [small, medium, large]

resources:
  network:
    type: sandbox.network
    properties:
      cidr: 10.0.0.0/24

  instance:
    type: sandbox.instance
    properties:
      size: { get_param: size }
      network_id: { get_attr: [network, id] }

outputs:
  instance_id:
    value: { get_attr: [instance, id] }
`

func newInitCommand() *cobra.Command {
	var (
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Stratus workspace",
		Long: `Initialize a new Stratus workspace: data directory, SQLite database,
default configuration file and an example template.`,
		Example: `  # Initialize in the current directory
  stratus init

  # Initialize with a custom data directory
  stratus init --data-dir /var/lib/stratus`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			databasePath := filepath.Join(dataDir, "stratus.db")
			store, err := stores.NewSQLiteStore(stores.Config{Path: databasePath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", databasePath)

			if configPath == "" {
				configPath = "stratus.yaml"
			}
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("✓ Config file already exists: %s\n", configPath)
			} else {
				content := fmt.Sprintf(defaultConfigTemplate, databasePath)
				if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			}

			examplePath := filepath.Join(dataDir, "example-stack.yaml")
			if _, err := os.Stat(examplePath); os.IsNotExist(err) {
				if err := os.WriteFile(examplePath, []byte(exampleTemplate), 0o644); err != nil {
					return fmt.Errorf("failed to write example template: %w", err)
				}
				fmt.Printf("✓ Created example template: %s\n", examplePath)
			}

			fmt.Printf("\n✅ Workspace initialized!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Validate the example template:\n")
			fmt.Printf("     stratus validate %s\n\n", examplePath)
			fmt.Printf("  2. Create a stack from it:\n")
			fmt.Printf("     stratus create my-stack --file %s --wait\n\n", examplePath)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "workspace data directory")

	return cmd
}
