// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package broker wires the Operation Queue & Executor, Conflict
// Detector/Resolver, Specification Materializer, and Sync State/Change
// Watcher into one workspace-local service (spec.md §6).
//
// Config loading is grounded on cmd/cie/config.go's LoadConfig/
// findConfigFile/applyEnvOverrides trio: an upward directory search for
// the config file, then environment-variable overrides layered on top.
package broker

import (
	"fmt"
	"os"
	"path/filepath"

	kerrors "github.com/specforged/broker/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".vscode"
	configFileName = "specforge.yaml"
	configVersion  = "1"
)

// FileOpsConfig mirrors spec.md §6's fileOps.* configuration keys.
type FileOpsConfig struct {
	BackupEnabled bool `yaml:"backup_enabled"`
	MaxBackups    int  `yaml:"max_backups"`
}

// Config is the process-wide configuration loaded at broker init
// (spec.md §6, "Configuration keys").
type Config struct {
	Version string `yaml:"version"`

	ProcessingIntervalMs int `yaml:"processing_interval_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	CleanupIntervalMs    int `yaml:"cleanup_interval_ms"`

	MaxOperationAgeHours int `yaml:"max_operation_age_hours"`
	MaxQueueSize         int `yaml:"max_queue_size"`

	PriorityProcessingEnabled bool `yaml:"priority_processing_enabled"`
	ConflictDetectionEnabled  bool `yaml:"conflict_detection_enabled"`
	RetryFailedOperations     bool `yaml:"retry_failed_operations"`

	FileOps FileOpsConfig `yaml:"file_ops"`

	EnableBatchProcessing       bool `yaml:"enable_batch_processing"`
	EnableFileWatcherDebouncing bool `yaml:"enable_file_watcher_debouncing"`
	EnableOperationCaching      bool `yaml:"enable_operation_caching"`
	EnableMemoryOptimization    bool `yaml:"enable_memory_optimization"`
}

// DefaultConfig returns the configuration spec.md §6 names as defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:              configVersion,
		ProcessingIntervalMs: 5000,
		HeartbeatIntervalMs:  30000,
		CleanupIntervalMs:    3_600_000,

		MaxOperationAgeHours: 24,
		MaxQueueSize:         1000,

		PriorityProcessingEnabled: true,
		ConflictDetectionEnabled:  true,
		RetryFailedOperations:     true,

		FileOps: FileOpsConfig{BackupEnabled: true, MaxBackups: 5},

		EnableBatchProcessing:       true,
		EnableFileWatcherDebouncing: true,
		EnableOperationCaching:      true,
		EnableMemoryOptimization:    true,
	}
}

// ConfigPath joins dir with the workspace config file's conventional
// location.
func ConfigPath(dir string) string {
	return filepath.Join(dir, configDirName, configFileName)
}

// LoadConfig loads configPath (or auto-detects it by walking up from the
// working directory, or SPECFORGE_CONFIG_PATH if set), applies env
// overrides, and falls back to DefaultConfig if no file exists anywhere
// in the search path.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("SPECFORGE_CONFIG_PATH")
	}
	if configPath == "" {
		found, err := findConfigFile()
		if err != nil {
			return nil, err
		}
		configPath = found
	}

	if configPath == "" {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // path comes from config discovery or explicit override
	if err != nil {
		return nil, kerrors.NewConfigError("Cannot read configuration file",
			fmt.Sprintf("failed to read %s", configPath),
			"check file permissions and ensure the file exists", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, kerrors.NewConfigError("Invalid configuration format",
			"YAML parsing failed - the config file contains syntax errors",
			fmt.Sprintf("edit %s to fix syntax errors, or remove it to use defaults", configPath), err)
	}
	if cfg.Version != configVersion {
		return nil, kerrors.NewConfigError("Unsupported configuration version",
			fmt.Sprintf("config version %q is not supported (expected %q)", cfg.Version, configVersion),
			"regenerate the configuration file", nil)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// SaveConfig writes cfg to configPath as YAML, creating parent
// directories as needed.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return kerrors.NewInternalError("Cannot encode configuration",
			"YAML marshaling failed unexpectedly", "this is a bug", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return kerrors.NewPermissionError("Cannot create configuration directory",
			err.Error(), "check directory permissions", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return kerrors.NewPermissionError("Cannot write configuration file",
			err.Error(), "check file permissions", err)
	}
	return nil
}

// findConfigFile walks up from the working directory looking for
// .vscode/specforge.yaml, returning "" (not an error) if none is found —
// a missing config is not fatal, unlike the teacher's CIE, since
// DefaultConfig is a complete, usable configuration on its own.
func findConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", kerrors.NewInternalError("Cannot access working directory",
			"failed to determine current directory path", "check system permissions and try again", err)
	}

	for {
		candidate := ConfigPath(dir)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// applyEnvOverrides layers environment variables on top of the loaded
// file (spec.md §6 configuration keys; override names follow the
// SPECFORGE_ prefix convention).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SPECFORGE_PROCESSING_INTERVAL_MS"); v != "" {
		c.ProcessingIntervalMs = atoiOr(v, c.ProcessingIntervalMs)
	}
	if v := os.Getenv("SPECFORGE_HEARTBEAT_INTERVAL_MS"); v != "" {
		c.HeartbeatIntervalMs = atoiOr(v, c.HeartbeatIntervalMs)
	}
	if v := os.Getenv("SPECFORGE_MAX_QUEUE_SIZE"); v != "" {
		c.MaxQueueSize = atoiOr(v, c.MaxQueueSize)
	}
	if v := os.Getenv("SPECFORGE_CONFLICT_DETECTION_ENABLED"); v != "" {
		c.ConflictDetectionEnabled = v == "true" || v == "1"
	}
}

func atoiOr(s string, fallback int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 && s != "0" {
		return fallback
	}
	return n
}
