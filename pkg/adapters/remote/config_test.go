package remote

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("deploy")

	if cfg.User != "deploy" {
		t.Errorf("expected user deploy, got %q", cfg.User)
	}
	if cfg.Port != 22 {
		t.Errorf("expected port 22, got %d", cfg.Port)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if cfg.DialTimeout != 15*time.Second {
		t.Errorf("expected 15s dial timeout, got %v", cfg.DialTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	if err := os.WriteFile(keyPath, []byte("not a real key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "password auth",
			cfg:     Config{User: "root", Password: "secret"},
			wantErr: false,
		},
		{
			name:    "key auth",
			cfg:     Config{User: "root", PrivateKeyPath: keyPath},
			wantErr: false,
		},
		{
			name:    "missing user",
			cfg:     Config{Password: "secret"},
			wantErr: true,
		},
		{
			name:    "missing key file",
			cfg:     Config{User: "root", PrivateKeyPath: filepath.Join(dir, "nope")},
			wantErr: true,
		},
		{
			name:    "strict checking without known_hosts",
			cfg:     Config{User: "root", Password: "secret", StrictHostKeyChecking: true, KnownHostsPath: filepath.Join(dir, "nope")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := Config{User: "root", Password: "secret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Port != 22 {
		t.Errorf("expected port default 22, got %d", cfg.Port)
	}
	if cfg.DialTimeout != 15*time.Second {
		t.Errorf("expected dial timeout default, got %v", cfg.DialTimeout)
	}
}
