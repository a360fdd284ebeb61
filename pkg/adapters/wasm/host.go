package wasm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openstratus/stratus/pkg/telemetry"
)

// HostConfig bounds a hosted adapter module.
type HostConfig struct {
	// MemoryLimitPages caps guest memory in 64KiB pages.
	MemoryLimitPages uint32

	// CallTimeout bounds each adapter call.
	CallTimeout time.Duration
}

// DefaultHostConfig returns the default resource limits: 256 pages (16MiB)
// of guest memory and a 30 second call timeout.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		MemoryLimitPages: 256,
		CallTimeout:      30 * time.Second,
	}
}

// Host owns one instantiated adapter module and its wazero runtime.
type Host struct {
	manifest *Manifest
	cfg      *HostConfig
	runtime  wazero.Runtime
	module   api.Module
	bridge   *bridge
	logger   *telemetry.Logger
}

// NewHost compiles and instantiates an adapter module under a fresh wazero
// runtime with WASI and the stratus host functions available.
func NewHost(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *HostConfig, tel *telemetry.Telemetry) (*Host, error) {
	if cfg == nil {
		cfg = DefaultHostConfig()
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger := tel.Logger.NewComponentLogger("wasm-adapter").
		WithField("adapter", manifest.Metadata.Name)

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	h := &Host{
		manifest: manifest,
		cfg:      cfg,
		runtime:  runtime,
		logger:   logger,
	}
	if err := h.instantiateHostModule(ctx); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	compiled, err := runtime.CompileModule(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile adapter module %s: %w", manifest.Metadata.Name, err)
	}

	moduleCfg := wazero.NewModuleConfig().
		WithName(manifest.Metadata.Name).
		WithStartFunctions("_initialize", "_start")
	module, err := runtime.InstantiateModule(ctx, compiled, moduleCfg)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate adapter module %s: %w", manifest.Metadata.Name, err)
	}
	h.module = module

	bridge, err := newBridge(module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("adapter module %s: %w", manifest.Metadata.Name, err)
	}
	h.bridge = bridge

	logger.WithField("version", manifest.Metadata.Version).
		Infof("adapter module instantiated with %d memory pages", cfg.MemoryLimitPages)
	return h, nil
}

// instantiateHostModule exposes the "env" host functions the guest imports:
// structured logging, a wall clock, and read-only environment lookup.
func (h *Host) instantiateHostModule(ctx context.Context) error {
	builder := h.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			msg := string(data)
			switch level {
			case 0:
				h.logger.Debug(msg)
			case 1:
				h.logger.Info(msg)
			case 2:
				h.logger.Warn(msg)
			default:
				h.logger.Error(msg)
			}
		}).
		Export("stratus_log")

	builder.NewFunctionBuilder().
		WithFunc(func() uint64 {
			return uint64(time.Now().UnixMilli())
		}).
		Export("stratus_now_ms")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) uint32 {
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return 0
			}
			value, found := os.LookupEnv(string(key))
			if !found {
				return 0
			}
			n := uint32(len(value))
			if n > outCap {
				return n
			}
			if !mod.Memory().Write(outPtr, []byte(value)) {
				return 0
			}
			return n
		}).
		Export("stratus_env_get")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// Manifest returns the manifest this host was built from.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// Call invokes a named adapter export with a JSON payload, bounded by the
// configured call timeout.
func (h *Host) Call(ctx context.Context, export string, payload []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()
	return h.bridge.call(callCtx, export, payload)
}

// Close releases the runtime and all guest memory.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
