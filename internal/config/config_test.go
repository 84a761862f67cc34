package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Settlement.DefaultBalance != 100000 {
		t.Errorf("expected default balance 100000, got %v", cfg.Settlement.DefaultBalance)
	}
	if cfg.Schedule.SettleCron == "" {
		t.Error("expected a default settle cron")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("server:\n  port: 9000\nadmin:\n  token: from-file\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ADMIN_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("file value not applied: %d", cfg.Server.Port)
	}
	if cfg.Admin.Token != "from-env" {
		t.Errorf("env override not applied: %q", cfg.Admin.Token)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Settlement.ChunkSize = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected negative chunk size to fail validation")
	}
}
