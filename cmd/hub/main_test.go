package main

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigFallsBackToDefaultsWhenMissing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Radio.Backend != "stub" {
		t.Fatalf("expected default radio backend %q, got %q", "stub", cfg.Radio.Backend)
	}
	if cfg.LoRa.FrequencyHz != 868000000 {
		t.Fatalf("expected default frequency 868MHz, got %d", cfg.LoRa.FrequencyHz)
	}
}

func TestBuildRadioDriverSelectsBackend(t *testing.T) {
	cfg := defaultConfig()

	cfg.Radio.Backend = "stub"
	if _, err := buildRadioDriver(cfg); err != nil {
		t.Fatalf("buildRadioDriver(stub): %v", err)
	}

	cfg.Radio.Backend = "concentratord"
	if _, err := buildRadioDriver(cfg); err != nil {
		t.Fatalf("buildRadioDriver(concentratord): %v", err)
	}

	cfg.Radio.Backend = "unknown"
	if _, err := buildRadioDriver(cfg); err == nil {
		t.Fatal("expected error for unknown radio backend")
	}
}
