// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package atomicfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kerrors "github.com/specforged/broker/internal/errors"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "data.json"), DefaultOptions("test-schema"))

	in := sample{Name: "alpha", Count: 3}
	if err := store.Write(in, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out sample
	found, err := store.Read(&out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !found {
		t.Fatalf("expected file to be found")
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestRead_MissingFileReturnsNoError(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "missing.json"), DefaultOptions("test-schema"))

	var out sample
	found, err := store.Read(&out)
	if err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
	if found {
		t.Fatalf("expected found=false for missing file")
	}
}

func TestRead_ChecksumMismatchIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	store := New(path, DefaultOptions("test-schema"))

	if err := store.Write(sample{Name: "alpha"}, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Corrupt the payload in place without updating the checksum.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := []byte(strings.Replace(string(data), "alpha", "bravo", 1))
	_ = os.WriteFile(path, tampered, 0600)

	var out sample
	_, err = store.Read(&out)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !kerrors.As(err, kerrors.KindChecksumMismatch) {
		t.Errorf("expected KindChecksumMismatch, got %v", err)
	}
}

func TestWrite_BackupRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	opts := DefaultOptions("test-schema")
	opts.MaxBackups = 2
	store := New(path, opts)

	for i := 0; i < 4; i++ {
		if err := store.Write(sample{Name: "v", Count: i}, i+1); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".bak.0"); err != nil {
		t.Errorf("expected .bak.0 to exist: %v", err)
	}
	if _, err := os.Stat(path + ".bak.2"); err == nil {
		t.Errorf("expected only %d backups to be retained", opts.MaxBackups)
	}
}

func TestCleanupOrphans_RemovesOldTempFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "data.json.tmp-123-456")
	if err := os.WriteFile(old, []byte("{}"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	oldTime := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(old, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := CleanupOrphans(dir, 5*time.Minute); err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expected orphaned temp file to be removed")
	}
}
