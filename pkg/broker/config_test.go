// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package broker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_ExplicitMissingPathErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected an explicit missing path to error")
	}
}

func TestLoadConfig_AutoDetectsFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ProcessingIntervalMs != 5000 {
		t.Errorf("expected default processingIntervalMs=5000, got %d", cfg.ProcessingIntervalMs)
	}
	if cfg.MaxQueueSize != 1000 {
		t.Errorf("expected default maxQueueSize=1000, got %d", cfg.MaxQueueSize)
	}
}

func TestLoadConfig_ReadsFileAndAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir)
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 250
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	t.Setenv("SPECFORGE_MAX_QUEUE_SIZE", "10")
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.MaxQueueSize != 10 {
		t.Errorf("expected env override to win, got %d", loaded.MaxQueueSize)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir)
	cfg := DefaultConfig()
	cfg.HeartbeatIntervalMs = 12345
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.HeartbeatIntervalMs != 12345 {
		t.Errorf("expected roundtrip heartbeatIntervalMs=12345, got %d", loaded.HeartbeatIntervalMs)
	}
}
