package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openstratus/stratus/pkg/adapters"
	"github.com/openstratus/stratus/pkg/adapters/remote"
	"github.com/openstratus/stratus/pkg/adapters/sandbox"
	"github.com/openstratus/stratus/pkg/adapters/wasm"
	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/policy"
	"github.com/openstratus/stratus/pkg/rpc"
	"github.com/openstratus/stratus/pkg/stores"
	"github.com/openstratus/stratus/pkg/telemetry"
	"github.com/openstratus/stratus/pkg/template"
)

var validate = validator.New()

// duration parses "10s"/"1h" style values from YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// FileConfig is the engine configuration file (stratus.yaml).
type FileConfig struct {
	Engine struct {
		// ID identifies this engine process; empty generates one per run.
		ID string `yaml:"id"`

		// DatabasePath is the SQLite database location.
		DatabasePath string `yaml:"database_path" validate:"required"`

		// DefaultTimeout bounds traversals without an explicit timeout.
		DefaultTimeout duration `yaml:"default_timeout" validate:"min=0"`

		// HeartbeatInterval is how often the engine heartbeat is written.
		HeartbeatInterval duration `yaml:"heartbeat_interval" validate:"min=0"`

		// HeartbeatTTL is the liveness window granted to other engines.
		HeartbeatTTL duration `yaml:"heartbeat_ttl" validate:"min=0"`
	} `yaml:"engine"`

	Telemetry struct {
		LogLevel        string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
		LogFormat       string `yaml:"log_format" validate:"omitempty,oneof=console json"`
		MetricsEnabled  bool   `yaml:"metrics_enabled"`
		MetricsListen   string `yaml:"metrics_listen"`
		TracingEnabled  bool   `yaml:"tracing_enabled"`
		TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
		TracingEndpoint string `yaml:"tracing_endpoint"`
	} `yaml:"telemetry"`

	Policy struct {
		// Paths are policy files or directories loaded on top of builtins.
		Paths []string `yaml:"paths"`

		// Watch reloads policies when a watched file changes.
		Watch bool `yaml:"watch"`
	} `yaml:"policy"`

	Adapters struct {
		// WasmDir holds WASM adapter manifests to load at startup.
		WasmDir string `yaml:"wasm_dir"`

		Remote struct {
			Enabled        bool   `yaml:"enabled"`
			User           string `yaml:"user"`
			Port           int    `yaml:"port"`
			PrivateKey     string `yaml:"private_key"`
			KnownHosts     string `yaml:"known_hosts"`
			StrictHostKeys *bool  `yaml:"strict_host_keys"`
		} `yaml:"remote"`
	} `yaml:"adapters"`

	// Workers are remote worker addresses. When set, resource checks are
	// dispatched over TCP instead of the in-process task groups.
	Workers []string `yaml:"workers"`
}

// loadConfig reads the config file, applies flag overrides and fills
// defaults. A missing file (and no --config flag) yields defaults.
func loadConfig() (*FileConfig, error) {
	cfg := &FileConfig{}

	path := configPath
	if path == "" {
		if _, err := os.Stat("stratus.yaml"); err == nil {
			path = "stratus.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if dbPath != "" {
		cfg.Engine.DatabasePath = dbPath
	}
	if cfg.Engine.DatabasePath == "" {
		cfg.Engine.DatabasePath = "stratus.db"
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	if cfg.Telemetry.LogFormat == "" {
		cfg.Telemetry.LogFormat = "console"
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// buildTelemetry assembles the telemetry bundle from the file config.
func buildTelemetry(cfg *FileConfig) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.Logging.Level = cfg.Telemetry.LogLevel
	tcfg.Logging.Format = cfg.Telemetry.LogFormat
	tcfg.Logging.Output = "stderr"
	tcfg.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	if cfg.Telemetry.MetricsListen != "" {
		tcfg.Metrics.ListenAddress = cfg.Telemetry.MetricsListen
	}
	tcfg.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	if cfg.Telemetry.TracingExporter != "" {
		tcfg.Tracing.Exporter = cfg.Telemetry.TracingExporter
	}
	tcfg.Tracing.Endpoint = cfg.Telemetry.TracingEndpoint
	return telemetry.NewTelemetry(tcfg)
}

// engineRuntime is the assembled engine and everything it owns, shared by
// every command that needs a running service.
type engineRuntime struct {
	cfg        *FileConfig
	tel        *telemetry.Telemetry
	store      *stores.SQLiteStore
	gate       *policy.Gate
	svc        *engine.Service
	dispatcher *rpc.Dispatcher
	wasmLoaded []*wasm.Adapter
}

// openRuntime builds the store, adapters, policy gate and service, and
// starts the service (engine registration, heartbeat, in-flight recovery).
func openRuntime(ctx context.Context) (*engineRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tel, err := buildTelemetry(cfg)
	if err != nil {
		return nil, err
	}

	r := &engineRuntime{cfg: cfg, tel: tel}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Engine.DatabasePath})
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	r.store = store
	if err := store.Init(ctx); err != nil {
		r.Close(ctx)
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		r.Close(ctx)
		return nil, err
	}

	registry := adapters.NewRegistry()
	registry.MustRegister("sandbox.*", sandbox.New())

	if cfg.Adapters.Remote.Enabled {
		rcfg := remote.DefaultConfig(cfg.Adapters.Remote.User)
		if cfg.Adapters.Remote.Port != 0 {
			rcfg.Port = cfg.Adapters.Remote.Port
		}
		if cfg.Adapters.Remote.PrivateKey != "" {
			rcfg.PrivateKeyPath = cfg.Adapters.Remote.PrivateKey
		}
		if cfg.Adapters.Remote.KnownHosts != "" {
			rcfg.KnownHostsPath = cfg.Adapters.Remote.KnownHosts
		}
		if cfg.Adapters.Remote.StrictHostKeys != nil {
			rcfg.StrictHostKeyChecking = *cfg.Adapters.Remote.StrictHostKeys
		}
		remoteAdapter, err := remote.New(rcfg, tel)
		if err != nil {
			r.Close(ctx)
			return nil, err
		}
		registry.MustRegister("remote.*", remoteAdapter)
	}

	if cfg.Adapters.WasmDir != "" {
		loaded, err := wasm.LoadDir(ctx, cfg.Adapters.WasmDir, registry, nil, tel)
		if err != nil {
			r.Close(ctx)
			return nil, err
		}
		r.wasmLoaded = loaded
	}

	gate, err := policy.NewGate(tel)
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	r.gate = gate
	if len(cfg.Policy.Paths) > 0 {
		if err := gate.LoadPaths(ctx, cfg.Policy.Paths); err != nil {
			r.Close(ctx)
			return nil, err
		}
		if cfg.Policy.Watch {
			if err := gate.Watch(ctx, cfg.Policy.Paths); err != nil {
				r.Close(ctx)
				return nil, err
			}
		}
	}

	svc := engine.NewService(store, template.NewEngine(), registry, gate, engine.ServiceConfig{
		EngineID:          cfg.Engine.ID,
		DefaultTimeout:    time.Duration(cfg.Engine.DefaultTimeout),
		HeartbeatInterval: time.Duration(cfg.Engine.HeartbeatInterval),
		HeartbeatTTL:      time.Duration(cfg.Engine.HeartbeatTTL),
	}, tel)
	r.svc = svc

	if len(cfg.Workers) > 0 {
		dispatcher, err := rpc.NewDispatcher(cfg.Workers, svc.Sink(), tel)
		if err != nil {
			r.Close(ctx)
			return nil, err
		}
		r.dispatcher = dispatcher
		svc.SetDispatcher(dispatcher)
	}

	if cfg.Telemetry.MetricsEnabled && tel.Metrics != nil {
		if err := tel.StartMetricsServer(); err != nil {
			r.Close(ctx)
			return nil, err
		}
	}

	if err := svc.Run(ctx); err != nil {
		r.Close(ctx)
		return nil, err
	}
	return r, nil
}

// Close shuts down in reverse construction order.
func (r *engineRuntime) Close(ctx context.Context) {
	if r.svc != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		_ = r.svc.Shutdown(shutdownCtx)
		cancel()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	for _, a := range r.wasmLoaded {
		_ = a.Close(ctx)
	}
	if r.gate != nil {
		_ = r.gate.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = r.tel.Shutdown(shutdownCtx)
		cancel()
	}
}

// withRuntime runs fn against an assembled engine runtime and tears it down
// afterwards.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, r *engineRuntime) error) error {
	ctx := cmd.Context()
	r, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Close(ctx)
	return fn(ctx, r)
}

// waitForStack polls until the stack's current action settles, then reports
// the terminal state. Failed traversals surface as an error so the command
// exits nonzero.
func waitForStack(ctx context.Context, svc *engine.Service, stackID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		stack, err := svc.GetStack(ctx, stackID)
		if err != nil {
			return err
		}
		status := engine.StackStatus(stack.Status)
		if status.IsTerminal() {
			state := engine.FormatState(stack.Action, stack.Status)
			if status == engine.StackStatusFailed {
				return fmt.Errorf("stack %s: %s: %s", stack.Name, state, stack.StatusReason)
			}
			fmt.Printf("%s: %s\n", stack.Name, state)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
