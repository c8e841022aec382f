// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package atomicfile implements the Atomic File I/O protocol (spec.md
// §4.1, component C1): temp-file-then-rename writes with embedded
// checksum, rotating backups, and an advisory per-path write lock.
//
// Grounded on pkg/ingestion/manifest.go's SaveManifest/LoadManifest
// (temp file + os.Rename, os.MkdirAll on the parent directory) extended
// with the checksum/backup/lock discipline spec.md requires.
package atomicfile

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	kerrors "github.com/specforged/broker/internal/errors"
)

// DefaultMaxBackups is the default backup rotation depth (spec.md §6,
// fileOps.maxBackups).
const DefaultMaxBackups = 5

// DefaultLockTimeout is the only hard timeout the broker imposes
// (spec.md §5).
const DefaultLockTimeout = 5 * time.Second

// Envelope wraps a payload with the metadata embedded by the write
// protocol: __checksum, __version, __schema.
type Envelope struct {
	Checksum string          `json:"__checksum"`
	Version  int             `json:"__version"`
	Schema   string          `json:"__schema"`
	Payload  json.RawMessage `json:"-"`
}

// FileWriteObserver receives one notification per attempted Write, so a
// metrics collector can count atomic writes without Store depending on
// any particular metrics implementation.
type FileWriteObserver interface {
	ObserveFileWrite(file, result string)
}

// Options configures a Store's write behavior.
type Options struct {
	BackupEnabled bool
	MaxBackups    int
	LockTimeout   time.Duration
	Schema        string
	Metrics       FileWriteObserver
}

// DefaultOptions returns the spec.md §6 defaults.
func DefaultOptions(schema string) Options {
	return Options{
		BackupEnabled: true,
		MaxBackups:    DefaultMaxBackups,
		LockTimeout:   DefaultLockTimeout,
		Schema:        schema,
	}
}

// lockRegistry is the process-wide table of per-path advisory locks
// (spec.md §4.1 step 1). The broker is single-process, so a sync.Mutex
// keyed by absolute path is sufficient.
var lockRegistry = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: make(map[string]*sync.Mutex)}

func lockFor(path string) *sync.Mutex {
	lockRegistry.mu.Lock()
	defer lockRegistry.mu.Unlock()
	l, ok := lockRegistry.locks[path]
	if !ok {
		l = &sync.Mutex{}
		lockRegistry.locks[path] = l
	}
	return l
}

// Store reads and writes a single JSON file using the atomic write
// protocol.
type Store struct {
	Path string
	Opts Options
}

// New returns a Store for the given absolute path.
func New(path string, opts Options) *Store {
	return &Store{Path: path, Opts: opts}
}

// Write serializes v, embeds a checksum/version/schema envelope, and
// atomically replaces Path via temp-file-then-rename (spec.md §4.1).
// version is the caller-incremented monotonic version to embed.
func (s *Store) Write(v interface{}, version int) (err error) {
	if s.Opts.Metrics != nil {
		defer func() {
			result := "success"
			if err != nil {
				result = "failure"
			}
			s.Opts.Metrics.ObserveFileWrite(filepath.Base(s.Path), result)
		}()
	}

	lock := lockFor(s.Path)
	done := make(chan struct{})
	go func() { lock.Lock(); close(done) }()
	select {
	case <-done:
		defer lock.Unlock()
	case <-time.After(s.Opts.LockTimeout):
		return kerrors.NewLockTimeoutError(
			fmt.Sprintf("timed out waiting for write lock on %s", s.Path),
			"retry the operation; if this persists another process may be holding the lock",
			nil)
	}

	payload, err := canonicalJSON(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	sum := checksum(payload)
	full := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &full); err != nil {
		return fmt.Errorf("re-unmarshal payload: %w", err)
	}
	full["__checksum"], _ = json.Marshal(sum)
	full["__version"], _ = json.Marshal(version)
	full["__schema"], _ = json.Marshal(s.Opts.Schema)

	out, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return kerrors.NewPermissionError("Cannot create directory",
			fmt.Sprintf("failed to create %s", dir), "check directory permissions", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf("%s.tmp-%d-%d", filepath.Base(s.Path), os.Getpid(), time.Now().UnixNano()))
	if err := os.WriteFile(tmpPath, out, 0600); err != nil {
		if os.IsPermission(err) {
			return kerrors.NewPermissionError("Cannot write file", fmt.Sprintf("permission denied writing %s", tmpPath), "check file permissions", err)
		}
		return kerrors.NewDiskFullError(fmt.Sprintf("failed to write temp file %s", tmpPath), "free up disk space and retry", err)
	}

	if s.Opts.BackupEnabled {
		if _, err := os.Stat(s.Path); err == nil {
			if err := s.rotateBackups(); err != nil {
				_ = os.Remove(tmpPath)
				return err
			}
		}
	}

	if err := os.Rename(tmpPath, s.Path); err != nil {
		_ = os.Remove(tmpPath)
		return kerrors.NewPermissionError("Cannot replace file", fmt.Sprintf("rename %s -> %s failed", tmpPath, s.Path), "check directory permissions", err)
	}

	return nil
}

// Read parses Path into v after validating its embedded checksum. A
// missing file returns (false, nil) — the caller supplies the
// component-defined empty value. A checksum mismatch or parse failure
// returns CORRUPT_FILE, naming the newest backup if one exists.
func (s *Store) Read(v interface{}) (found bool, err error) {
	data, err := os.ReadFile(s.Path) //nolint:gosec // path is workspace-local and caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		if os.IsPermission(err) {
			return false, kerrors.NewPermissionError("Cannot read file", fmt.Sprintf("permission denied reading %s", s.Path), "check file permissions", err)
		}
		return false, fmt.Errorf("read %s: %w", s.Path, err)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false, s.corruptError(err)
	}

	var storedChecksum string
	if raw, ok := envelope["__checksum"]; ok {
		_ = json.Unmarshal(raw, &storedChecksum)
	}
	delete(envelope, "__checksum")
	delete(envelope, "__version")
	delete(envelope, "__schema")

	stripped, err := json.Marshal(envelope)
	if err != nil {
		return false, s.corruptError(err)
	}

	canon, err := canonicalJSON(json.RawMessage(stripped))
	if err != nil {
		return false, s.corruptError(err)
	}

	if storedChecksum != "" && storedChecksum != checksum(canon) {
		return false, kerrors.NewChecksumMismatchError(
			fmt.Sprintf("checksum mismatch reading %s", s.Path),
			s.backupSuggestion(), nil)
	}

	if err := json.Unmarshal(stripped, v); err != nil {
		return false, s.corruptError(err)
	}

	return true, nil
}

func (s *Store) corruptError(cause error) error {
	return kerrors.NewCorruptFileError(
		fmt.Sprintf("failed to parse %s", s.Path), s.backupSuggestion(), cause)
}

func (s *Store) backupSuggestion() string {
	if path := s.newestBackup(); path != "" {
		return fmt.Sprintf("restore from backup at %s", path)
	}
	return "no backup is available; the file must be recreated"
}

func (s *Store) newestBackup() string {
	for i := 0; i < s.maxBackups(); i++ {
		p := fmt.Sprintf("%s.bak.%d", s.Path, i)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (s *Store) maxBackups() int {
	if s.Opts.MaxBackups > 0 {
		return s.Opts.MaxBackups
	}
	return DefaultMaxBackups
}

// rotateBackups shifts F.bak.N -> F.bak.N+1 (dropping the oldest) and
// copies the current file into F.bak.0.
func (s *Store) rotateBackups() error {
	max := s.maxBackups()
	oldest := fmt.Sprintf("%s.bak.%d", s.Path, max-1)
	_ = os.Remove(oldest)

	for i := max - 2; i >= 0; i-- {
		src := fmt.Sprintf("%s.bak.%d", s.Path, i)
		dst := fmt.Sprintf("%s.bak.%d", s.Path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}

	data, err := os.ReadFile(s.Path) //nolint:gosec // rotating our own managed file
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s for backup: %w", s.Path, err)
	}
	return os.WriteFile(fmt.Sprintf("%s.bak.0", s.Path), data, 0600)
}

// checksum computes the MD5 content fingerprint embedded as __checksum.
func checksum(payload []byte) string {
	sum := md5.Sum(payload) //nolint:gosec // fingerprint, not a security boundary
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-marshals v with sorted object keys so the checksum is
// stable across equivalent payloads (spec.md §4.1 step 2/3).
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte{'['}
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}

// CleanupOrphans deletes F.tmp-* files older than maxAge in dir (spec.md
// §4.1 cleanup, run on start and on the maintenance tick).
func CleanupOrphans(dir string, maxAge time.Duration) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !hasTmpMarker(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}

func hasTmpMarker(name string) bool {
	for i := 0; i+5 <= len(name); i++ {
		if name[i:i+5] == ".tmp-" {
			return true
		}
	}
	return false
}
