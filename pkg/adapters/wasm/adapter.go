package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openstratus/stratus/pkg/adapters"
	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/telemetry"
)

// Adapter exposes a hosted WASM module through the engine adapter interface.
type Adapter struct {
	host *Host
}

var _ engine.Adapter = (*Adapter)(nil)

// NewAdapter wraps an instantiated host.
func NewAdapter(host *Host) *Adapter {
	return &Adapter{host: host}
}

// guestError is the error envelope a guest embeds in any response.
type guestError struct {
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *guestError) toEngineError(op string) error {
	if e.Error == "" {
		return nil
	}
	msg := fmt.Sprintf("adapter %s: %s", op, e.Error)
	if e.Retryable {
		return engine.NewTransientError(msg, nil)
	}
	return engine.NewPermanentError(msg, nil)
}

// Create calls the guest's adapter_create export.
func (a *Adapter) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	var resp struct {
		guestError
		engine.CreateResult
	}
	if err := a.roundTrip(ctx, exportCreate, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.toEngineError("create"); err != nil {
		return nil, err
	}
	if resp.PhysicalID == "" {
		return nil, engine.NewPermanentError("adapter create returned no physical id", nil)
	}
	return &resp.CreateResult, nil
}

// Update calls the guest's adapter_update export.
func (a *Adapter) Update(ctx context.Context, req *engine.UpdateRequest) (*engine.UpdateResult, error) {
	var resp struct {
		guestError
		engine.UpdateResult
	}
	if err := a.roundTrip(ctx, exportUpdate, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.toEngineError("update"); err != nil {
		return nil, err
	}
	return &resp.UpdateResult, nil
}

// Delete calls the guest's adapter_delete export.
func (a *Adapter) Delete(ctx context.Context, req *engine.DeleteRequest) error {
	var resp guestError
	if err := a.roundTrip(ctx, exportDelete, req, &resp); err != nil {
		return err
	}
	return resp.toEngineError("delete")
}

// Check calls the guest's adapter_check export.
func (a *Adapter) Check(ctx context.Context, req *engine.CheckRequest) (*engine.CheckResult, error) {
	var resp struct {
		guestError
		engine.CheckResult
	}
	if err := a.roundTrip(ctx, exportCheck, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.toEngineError("check"); err != nil {
		return nil, err
	}
	return &resp.CheckResult, nil
}

func (a *Adapter) roundTrip(ctx context.Context, export string, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("failed to marshal %s request", export), err)
	}
	out, err := a.host.Call(ctx, export, payload)
	if err != nil {
		// Guest traps and host-side call failures are retryable; the module
		// is reinstantiated on the next dispatch if it was closed.
		return engine.NewTransientError(fmt.Sprintf("%s failed for %s", export, a.host.Manifest().Metadata.Name), err)
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("invalid %s response from adapter", export), err)
	}
	return nil
}

// Close releases the underlying module.
func (a *Adapter) Close(ctx context.Context) error {
	return a.host.Close(ctx)
}

// LoadDir loads every adapter manifest (*.yaml, *.yml) under dir,
// instantiates its module, and registers the adapter for each resource type
// the manifest claims. It returns the loaded adapters so callers can close
// them at shutdown.
func LoadDir(ctx context.Context, dir string, registry *adapters.Registry, cfg *HostConfig, tel *telemetry.Telemetry) ([]*Adapter, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter directory %s: %w", dir, err)
	}

	loader := NewManifestLoader(dir)
	var loaded []*Adapter
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		manifest, err := loader.LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			closeAll(ctx, loaded)
			return nil, err
		}
		wasmModule, err := os.ReadFile(manifest.WasmPath)
		if err != nil {
			closeAll(ctx, loaded)
			return nil, fmt.Errorf("failed to read WASM module for %s: %w", manifest.Metadata.Name, err)
		}
		if manifest.Checksum != "" {
			if err := manifest.VerifyChecksum(wasmModule); err != nil {
				closeAll(ctx, loaded)
				return nil, err
			}
		}

		host, err := NewHost(ctx, manifest, wasmModule, cfg, tel)
		if err != nil {
			closeAll(ctx, loaded)
			return nil, err
		}
		adapter := NewAdapter(host)
		for _, typ := range manifest.TypeNames() {
			if err := registry.Register(typ, adapter); err != nil {
				adapter.Close(ctx)
				closeAll(ctx, loaded)
				return nil, err
			}
		}
		loaded = append(loaded, adapter)
	}
	return loaded, nil
}

func closeAll(ctx context.Context, adapters []*Adapter) {
	for _, a := range adapters {
		_ = a.Close(ctx)
	}
}
