package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr, got %s", cfg.Server.Addr)
	}
	if cfg.Storage.Profile != "memory" {
		t.Fatalf("expected memory profile, got %s", cfg.Storage.Profile)
	}
}

func TestFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firesync.yaml")
	content := []byte(`
server:
  addr: ":9090"
  jwt_secret: file-secret
session:
  bundle_ttl: 48h
storage:
  profile: postgres
  dsn: postgres://file
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FIRESYNC_JWT_SECRET", "env-secret")
	t.Setenv("FIRESYNC_POSTGRES_DSN", "postgres://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected file addr, got %s", cfg.Server.Addr)
	}
	if cfg.Server.JWTSecret != "env-secret" {
		t.Fatalf("env must win over file, got %s", cfg.Server.JWTSecret)
	}
	if cfg.Storage.DSN != "postgres://env" {
		t.Fatalf("env must win over file, got %s", cfg.Storage.DSN)
	}
	if cfg.Session.BundleTTL != 48*time.Hour {
		t.Fatalf("expected 48h bundle ttl, got %s", cfg.Session.BundleTTL)
	}
}

func TestPostgresProfileRequiresDSN(t *testing.T) {
	t.Setenv("FIRESYNC_STORAGE_PROFILE", "postgres")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for postgres profile without dsn")
	}
}

func TestUnknownProfileRejected(t *testing.T) {
	t.Setenv("FIRESYNC_STORAGE_PROFILE", "cassandra")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown profile")
	}
}
