package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service.EnforcementMode != "authority" {
		t.Errorf("default enforcement mode = %q", cfg.Service.EnforcementMode)
	}
	if cfg.Ledger.BatchSize != 1024 {
		t.Errorf("default batch size = %d", cfg.Ledger.BatchSize)
	}
	if cfg.Ledger.BatchInterval != 60*time.Second {
		t.Errorf("default batch interval = %v", cfg.Ledger.BatchInterval)
	}
	if cfg.Cache.TTL != 60*time.Second || cfg.Cache.MaxEntries != 10_000 {
		t.Errorf("default cache config = %+v", cfg.Cache)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CARACAL_ENFORCEMENT_MODE", "dual")
	t.Setenv("CARACAL_LEDGER_BATCH_SIZE", "256")
	t.Setenv("CARACAL_GATEWAY_REPLAY_WINDOW", "120s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service.EnforcementMode != "dual" {
		t.Errorf("enforcement mode = %q, want dual", cfg.Service.EnforcementMode)
	}
	if cfg.Ledger.BatchSize != 256 {
		t.Errorf("batch size = %d, want 256", cfg.Ledger.BatchSize)
	}
	if cfg.Gateway.ReplayWindow != 120*time.Second {
		t.Errorf("replay window = %v, want 120s", cfg.Gateway.ReplayWindow)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caracal.yaml")
	body := []byte("service:\n  enforcement_mode: budget\nledger:\n  batch_size: 512\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CARACAL_CONFIG", path)
	t.Setenv("CARACAL_LEDGER_BATCH_SIZE", "128") // env wins over file

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service.EnforcementMode != "budget" {
		t.Errorf("enforcement mode = %q, want budget (from file)", cfg.Service.EnforcementMode)
	}
	if cfg.Ledger.BatchSize != 128 {
		t.Errorf("batch size = %d, want 128 (env over file)", cfg.Ledger.BatchSize)
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Service.EnforcementMode = "banana"
	cfg.Bus.Partitions = 0
	cfg.Archive.Backend = "s3" // missing bucket

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"enforcement_mode", "bus.partitions", "archive.bucket"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing mention of %s", err.Error(), want)
		}
	}
}
