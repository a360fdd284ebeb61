package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Exported entry points every adapter module must provide, alongside
// malloc/free for buffer exchange.
const (
	exportCreate = "adapter_create"
	exportUpdate = "adapter_update"
	exportDelete = "adapter_delete"
	exportCheck  = "adapter_check"
)

var requiredExports = []string{exportCreate, exportUpdate, exportDelete, exportCheck}

// bridge moves JSON payloads across the guest boundary. Every adapter
// export has the signature fn(ptr: u32, len: u32) -> u64, where the return
// value packs the output buffer as (ptr << 32) | len. Input buffers are
// allocated by the host via the guest's malloc; output buffers are allocated
// by the guest and freed by the host after reading.
type bridge struct {
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	exports map[string]api.Function
}

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{
		memory:  module.Memory(),
		exports: make(map[string]api.Function, len(requiredExports)),
	}
	if b.memory == nil {
		return nil, fmt.Errorf("module does not export memory")
	}

	if b.malloc = module.ExportedFunction("malloc"); b.malloc == nil {
		return nil, fmt.Errorf("module does not export malloc")
	}
	if b.free = module.ExportedFunction("free"); b.free == nil {
		return nil, fmt.Errorf("module does not export free")
	}

	for _, name := range requiredExports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("module does not export %s", name)
		}
		b.exports[name] = fn
	}
	return b, nil
}

func (b *bridge) call(ctx context.Context, export string, payload []byte) ([]byte, error) {
	fn, ok := b.exports[export]
	if !ok {
		return nil, fmt.Errorf("unknown adapter export %s", export)
	}

	var inputPtr, inputLen uint32
	if len(payload) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(payload)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		if !b.memory.Write(ptr, payload) {
			return nil, fmt.Errorf("failed to write payload to guest memory")
		}
		inputPtr, inputLen = ptr, uint32(len(payload))
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", export, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", export)
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read %s output from guest memory", export)
	}
	// Copy before freeing; Read returns a view into guest memory.
	out := make([]byte, len(output))
	copy(out, output)
	_ = b.deallocate(ctx, outputPtr)
	return out, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
