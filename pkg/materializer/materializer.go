// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package materializer implements the Specification File Materializer
// (spec.md §4.2, component C2): the narrow file-tree operations the
// executor drives to create, update, and delete the per-specification
// directories under <workspace>/.specifications/<specId>/.
//
// Grounded on pkg/ingestion/manifest.go's diff-before-write approach and
// cmd/cie/config.go's directory-scaffolding style (os.MkdirAll followed
// by a templated write).
package materializer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/atomicfile"
	"github.com/specforged/broker/pkg/operation"
)

// specDirName is the directory under the workspace root that holds all
// materialized specifications (spec.md §6, workspace layout).
const specDirName = ".specifications"

var specIDRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// Materializer applies logical specification mutations to the file tree
// rooted at WorkspaceRoot.
type Materializer struct {
	WorkspaceRoot string
	FileOpts      atomicfile.Options
}

// New returns a Materializer rooted at workspaceRoot.
func New(workspaceRoot string, fileOpts atomicfile.Options) *Materializer {
	return &Materializer{WorkspaceRoot: workspaceRoot, FileOpts: fileOpts}
}

// SpecDir returns the directory for a given specId.
func (m *Materializer) SpecDir(specID string) string {
	return filepath.Join(m.WorkspaceRoot, specDirName, specID)
}

func (m *Materializer) specFile(specID string) *atomicfile.Store {
	return atomicfile.New(filepath.Join(m.SpecDir(specID), "spec.json"), m.FileOpts)
}

// Exists reports whether a spec directory has been materialized.
func (m *Materializer) Exists(specID string) bool {
	info, err := os.Stat(m.SpecDir(specID))
	return err == nil && info.IsDir()
}

// SpecRecord is the content of spec.json.
type SpecRecord struct {
	SpecID      string    `json:"specId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	IsCurrent   bool      `json:"isCurrent"`
}

// CreateSpec materializes a new specification directory with the four
// template files (spec.md §4.2). It is an error, not a clobber, to call
// this for a specId that already has a directory.
func (m *Materializer) CreateSpec(name, description, specID string) (*SpecRecord, error) {
	if specID == "" {
		specID = operation.DeriveSpecID(name)
	}
	if !specIDRe.MatchString(specID) {
		return nil, kerrors.NewValidationError(
			fmt.Sprintf("derived specId %q does not match ^[a-z0-9-]+$", specID),
			"supply an explicit specId or pick a name with alphanumeric words", nil)
	}
	if m.Exists(specID) {
		return nil, kerrors.NewSpecExistsError(
			fmt.Sprintf("a specification directory already exists for %q", specID),
			"choose a different name/specId, or delete the existing spec first", nil)
	}

	dir := m.SpecDir(specID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, kerrors.NewPermissionError("Cannot create specification directory",
			fmt.Sprintf("failed to create %s", dir), "check directory permissions", err)
	}

	rec := &SpecRecord{SpecID: specID, Name: name, Description: description, CreatedAt: time.Now()}
	if err := m.specFile(specID).Write(rec, 1); err != nil {
		return nil, err
	}

	for path, content := range map[string]string{
		"requirements.md": requirementsTemplate(name),
		"design.md":        designTemplate(name),
		"tasks.md":         tasksTemplate(name),
	} {
		if err := os.WriteFile(filepath.Join(dir, path), []byte(content), 0600); err != nil {
			return nil, kerrors.NewPermissionError("Cannot write template file",
				fmt.Sprintf("failed to write %s", path), "check directory permissions", err)
		}
	}

	return rec, nil
}

// readSpecRecord loads spec.json, returning SPEC_NOT_FOUND if the
// directory hasn't been materialized.
func (m *Materializer) readSpecRecord(specID string) (*SpecRecord, error) {
	if !m.Exists(specID) {
		return nil, kerrors.NewSpecNotFoundError(
			fmt.Sprintf("no specification directory for %q", specID),
			"create the specification first with create_spec", nil)
	}
	var rec SpecRecord
	found, err := m.specFile(specID).Read(&rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kerrors.NewSpecNotFoundError(
			fmt.Sprintf("spec.json is missing for %q", specID),
			"the specification directory is incomplete; recreate it", nil)
	}
	return &rec, nil
}

// UpdateRequirements overwrites requirements.md (spec.md §4.2).
func (m *Materializer) UpdateRequirements(specID, content string) error {
	return m.overwriteMarkdown(specID, "requirements.md", content)
}

// UpdateDesign overwrites design.md (spec.md §4.2).
func (m *Materializer) UpdateDesign(specID, content string) error {
	return m.overwriteMarkdown(specID, "design.md", content)
}

// UpdateTasks overwrites tasks.md (spec.md §4.2).
func (m *Materializer) UpdateTasks(specID, content string) error {
	return m.overwriteMarkdown(specID, "tasks.md", content)
}

func (m *Materializer) overwriteMarkdown(specID, filename, content string) error {
	if _, err := m.readSpecRecord(specID); err != nil {
		return err
	}
	path := filepath.Join(m.SpecDir(specID), filename)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return kerrors.NewPermissionError("Cannot write file",
			fmt.Sprintf("failed to write %s", path), "check file permissions", err)
	}
	return nil
}

// DeleteSpec recursively removes a specification directory. Deleting a
// missing specId is a success (spec.md §4.2 contract: no-op).
func (m *Materializer) DeleteSpec(specID string) error {
	dir := m.SpecDir(specID)
	if err := os.RemoveAll(dir); err != nil {
		return kerrors.NewPermissionError("Cannot delete specification",
			fmt.Sprintf("failed to remove %s", dir), "check directory permissions", err)
	}
	return nil
}

// SetCurrentSpec marks specID as the current spec, unsetting isCurrent
// on every other materialized spec. This wires the open question in
// spec.md §9 rather than leaving set_current_spec unhandled.
func (m *Materializer) SetCurrentSpec(specID string) error {
	target, err := m.readSpecRecord(specID)
	if err != nil {
		return err
	}

	others, err := m.ListSpecIDs()
	if err != nil {
		return err
	}
	for _, other := range others {
		if other == specID {
			continue
		}
		rec, err := m.readSpecRecord(other)
		if err != nil {
			continue // best-effort: a concurrently deleted spec is not fatal here
		}
		if rec.IsCurrent {
			rec.IsCurrent = false
			if err := m.specFile(other).Write(rec, 2); err != nil {
				return err
			}
		}
	}

	target.IsCurrent = true
	return m.specFile(specID).Write(target, 2)
}

// ListSpecIDs returns every materialized specId under .specifications/.
func (m *Materializer) ListSpecIDs() ([]string, error) {
	dir := filepath.Join(m.WorkspaceRoot, specDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// --- file-scoped operations (spec.md §3 operation types) ---

// resolvePath validates and resolves a workspace-relative path,
// rejecting anything that escapes WorkspaceRoot (spec.md §4.3).
func (m *Materializer) resolvePath(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") {
		return "", kerrors.NewValidationError(fmt.Sprintf("path %q is invalid", path),
			"use a workspace-relative path without '..' segments", nil)
	}
	full := filepath.Join(m.WorkspaceRoot, path)
	rel, err := filepath.Rel(m.WorkspaceRoot, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", kerrors.NewValidationError(fmt.Sprintf("path %q resolves outside the workspace", path),
			"use a path inside the workspace", nil)
	}
	return full, nil
}

// FileCreate creates a new file with content, failing if it already
// exists.
func (m *Materializer) FileCreate(path, content string) error {
	full, err := m.resolvePath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err == nil {
		return kerrors.NewValidationError(fmt.Sprintf("file %q already exists", path),
			"use file_write to overwrite an existing file", nil)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return kerrors.NewPermissionError("Cannot create directory", err.Error(), "check directory permissions", err)
	}
	if err := os.WriteFile(full, []byte(content), 0600); err != nil {
		return kerrors.NewPermissionError("Cannot create file", err.Error(), "check file permissions", err)
	}
	return nil
}

// FileWrite overwrites (or creates) a file with content.
func (m *Materializer) FileWrite(path, content string) error {
	full, err := m.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return kerrors.NewPermissionError("Cannot create directory", err.Error(), "check directory permissions", err)
	}
	if err := os.WriteFile(full, []byte(content), 0600); err != nil {
		return kerrors.NewPermissionError("Cannot write file", err.Error(), "check file permissions", err)
	}
	return nil
}

// FileDelete removes a file; a missing file is a success (symmetric
// with DeleteSpec's no-op contract).
func (m *Materializer) FileDelete(path string) error {
	full, err := m.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return kerrors.NewPermissionError("Cannot delete file", err.Error(), "check file permissions", err)
	}
	return nil
}

// DirectoryCreate creates a directory (and any missing parents).
func (m *Materializer) DirectoryCreate(path string) error {
	full, err := m.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0750); err != nil {
		return kerrors.NewPermissionError("Cannot create directory", err.Error(), "check directory permissions", err)
	}
	return nil
}
