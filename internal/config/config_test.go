package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Executor.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Executor.Workers)
	}
	if cfg.Storage.MaxUploadBytes != 50*1024*1024 {
		t.Fatalf("expected 50MiB upload limit, got %d", cfg.Storage.MaxUploadBytes)
	}
	if cfg.Models.DefaultSpeakers["EN"] != "EN-Default" {
		t.Fatalf("expected EN default speaker, got %q", cfg.Models.DefaultSpeakers["EN"])
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timbre.yaml")
	data := []byte(`
runtime_name: timbre-test
storage:
  upload_dir: /tmp/up
  output_dir: /tmp/out
  max_upload_bytes: 1024
  allowed_extensions: [wav]
  retention_hours: 1
models:
  mode: mock
  languages: [EN, JP]
executor:
  workers: 2
  queue_size: 8
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "timbre-test" {
		t.Fatalf("expected runtime name override, got %q", cfg.RuntimeName)
	}
	if cfg.Storage.MaxUploadBytes != 1024 {
		t.Fatalf("expected upload limit 1024, got %d", cfg.Storage.MaxUploadBytes)
	}
	if len(cfg.Models.Languages) != 2 || cfg.Models.Languages[1] != "JP" {
		t.Fatalf("expected languages [EN JP], got %v", cfg.Models.Languages)
	}
	if cfg.Executor.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Executor.Workers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TIMBRE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("TIMBRE_BUS_USERNAME", "alice")
	t.Setenv("TIMBRE_BUS_PASSWORD", "secret")
	t.Setenv("TIMBRE_STORAGE_MAX_UPLOAD_BYTES", "2048")
	t.Setenv("TIMBRE_STORAGE_ALLOWED_EXTENSIONS", "wav, flac")
	t.Setenv("TIMBRE_MODELS_WATERMARK", "@Test")
	t.Setenv("TIMBRE_EXECUTOR_WORKERS", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Storage.MaxUploadBytes != 2048 {
		t.Fatalf("expected upload limit override, got %d", cfg.Storage.MaxUploadBytes)
	}
	if len(cfg.Storage.AllowedExtensions) != 2 || cfg.Storage.AllowedExtensions[1] != "flac" {
		t.Fatalf("expected extension override, got %v", cfg.Storage.AllowedExtensions)
	}
	if cfg.Models.Watermark != "@Test" {
		t.Fatalf("expected watermark override, got %q", cfg.Models.Watermark)
	}
	if cfg.Executor.Workers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.Executor.Workers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("TIMBRE_MODELS_MODE", "hologram")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown models.mode")
	}

	t.Setenv("TIMBRE_MODELS_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without commands")
	}

	t.Setenv("TIMBRE_MODELS_MODE", "mock")
	t.Setenv("TIMBRE_EXECUTOR_WORKERS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero workers")
	}
}
