package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
	if cfg.Device.Backend != "auto" {
		t.Errorf("default backend = %q, want auto", cfg.Device.Backend)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bank.QueueCapacity = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative queue capacity validated")
	}

	cfg = DefaultConfig()
	cfg.Device.Backend = "tpu"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend validated")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown log level validated")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
device:
  backend: cpu
bank:
  queue_capacity: 4096
  mirror: true
logging:
  level: debug
  console: false
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Device.Backend != "cpu" {
		t.Errorf("backend = %q, want cpu", cfg.Device.Backend)
	}
	if cfg.Bank.QueueCapacity != 4096 {
		t.Errorf("queue_capacity = %d, want 4096", cfg.Bank.QueueCapacity)
	}
	if !cfg.Bank.Mirror {
		t.Error("mirror = false, want true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	// Unset keys keep their defaults
	if cfg.Bank.FissionCapacity != 1<<18 {
		t.Errorf("fission_capacity = %d, want default %d", cfg.Bank.FissionCapacity, 1<<18)
	}
}
