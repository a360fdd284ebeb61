// Package wasm hosts resource adapters compiled to WebAssembly. An adapter
// ships as a manifest plus a WASM module exporting the adapter entry points;
// the host instantiates the module under wazero, enforces a memory budget and
// call timeout, and exposes it through the engine's Adapter interface.
package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Metadata identifies an adapter module.
type Metadata struct {
	// Name is the adapter name.
	Name string `yaml:"name"`

	// Version is the adapter version.
	Version string `yaml:"version"`

	// Author is the adapter author.
	Author string `yaml:"author,omitempty"`

	// License is the adapter license.
	License string `yaml:"license,omitempty"`
}

// ResourceType describes one resource type the adapter claims.
type ResourceType struct {
	// Description is a human-readable summary.
	Description string `yaml:"description"`
}

// Manifest is a parsed adapter manifest.
type Manifest struct {
	// Metadata identifies the adapter.
	Metadata Metadata `yaml:"metadata"`

	// Entrypoint is the WASM module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the expected SHA-256 of the WASM module, hex encoded.
	// Empty skips verification.
	Checksum string `yaml:"checksum,omitempty"`

	// ResourceTypes maps resource type names (or glob patterns) to their
	// descriptions.
	ResourceTypes map[string]ResourceType `yaml:"resource_types"`

	// Path is where the manifest was loaded from; empty for byte loads.
	Path string `yaml:"-"`

	// WasmPath is the resolved module path; empty for byte loads.
	WasmPath string `yaml:"-"`

	// Verified reports whether the module checksum matched the manifest.
	Verified bool `yaml:"-"`
}

// ManifestLoader loads adapter manifests from disk or raw bytes.
type ManifestLoader struct {
	// BaseDir resolves relative entrypoints for byte loads.
	BaseDir string
}

// NewManifestLoader creates a loader rooted at baseDir.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile parses a manifest file and resolves its WASM module path.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	manifest, err := l.parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	manifest.Path = path

	if err := l.resolveWasmPath(manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// LoadFromBytes parses a manifest and verifies the provided module against
// the manifest checksum, when one is declared.
func (l *ManifestLoader) LoadFromBytes(data, wasmModule []byte) (*Manifest, error) {
	manifest, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

func (l *ManifestLoader) parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := manifest.validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (m *Manifest) validate() error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("adapter name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("adapter version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(m.ResourceTypes) == 0 {
		return fmt.Errorf("at least one resource type is required")
	}
	for name, rt := range m.ResourceTypes {
		if rt.Description == "" {
			return fmt.Errorf("resource type %s: description is required", name)
		}
	}
	return nil
}

func (l *ManifestLoader) resolveWasmPath(m *Manifest) error {
	switch {
	case filepath.IsAbs(m.Entrypoint):
		m.WasmPath = m.Entrypoint
	case m.Path != "":
		m.WasmPath = filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
	default:
		m.WasmPath = filepath.Join(l.BaseDir, m.Entrypoint)
	}

	if _, err := os.Stat(m.WasmPath); err != nil {
		return fmt.Errorf("WASM module not found at %s: %w", m.WasmPath, err)
	}
	return nil
}

// VerifyChecksum verifies the WASM module against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Checksum == "" {
		return fmt.Errorf("manifest %s declares no checksum", m.Metadata.Name)
	}
	sum := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch for %s: expected %s, got %s",
			m.Metadata.Name, m.Checksum, computed)
	}
	m.Verified = true
	return nil
}

// TypeNames returns the claimed resource type names.
func (m *Manifest) TypeNames() []string {
	names := make([]string, 0, len(m.ResourceTypes))
	for name := range m.ResourceTypes {
		names = append(names, name)
	}
	return names
}
