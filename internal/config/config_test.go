// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("QUEUE_MAX_WAITING")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.MaxWaiting != 100 {
		t.Fatalf("expected default queue max_waiting 100, got %d", cfg.Queue.MaxWaiting)
	}
	if cfg.Mongo.URI == "" {
		t.Fatalf("expected default mongo uri")
	}
	if cfg.Backends == nil {
		t.Fatalf("expected non-nil backends map")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	os.Setenv("GATEWAY_TEST_MONGO_URI", "mongodb://env-host:27017")
	defer os.Unsetenv("GATEWAY_TEST_MONGO_URI")

	body := "mongo:\n  uri: \"${GATEWAY_TEST_MONGO_URI}\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mongo.URI != "mongodb://env-host:27017" {
		t.Fatalf("expected expanded mongo uri, got %q", cfg.Mongo.URI)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.MaxWaiting = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue.max_waiting < 1")
	}

	cfg = defaultConfig()
	cfg.Queue.TimeoutS = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue.timeout_s <= 0")
	}

	cfg = defaultConfig()
	cfg.AutoSwitch.MinRequestsForSwitch = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for auto_switch.min_requests_for_switch < 1")
	}

	cfg = defaultConfig()
	cfg.Backends["ocr"] = BackendConfig{
		Port:           8000,
		GPUMemoryFrac:  0.5,
		MaxModelLen:    2048,
		MaxConcurrent:  4,
		ResolutionMode: "extra-large",
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unrecognized resolution_mode")
	}

	cfg = defaultConfig()
	cfg.Backends["ocr"] = BackendConfig{
		Port:          0,
		GPUMemoryFrac: 0.5,
		MaxModelLen:   2048,
		MaxConcurrent: 4,
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid backend port")
	}
}
