// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package materializer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specforged/broker/pkg/atomicfile"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	dir := t.TempDir()
	return New(dir, atomicfile.DefaultOptions("spec.v1"))
}

func TestCreateSpec_MaterializesTemplateFiles(t *testing.T) {
	m := newTestMaterializer(t)

	rec, err := m.CreateSpec("User Auth", "handles login", "")
	if err != nil {
		t.Fatalf("CreateSpec: %v", err)
	}
	if rec.SpecID != "user-auth" {
		t.Errorf("expected derived specId 'user-auth', got %q", rec.SpecID)
	}

	for _, f := range []string{"spec.json", "requirements.md", "design.md", "tasks.md"} {
		if _, err := os.Stat(filepath.Join(m.SpecDir(rec.SpecID), f)); err != nil {
			t.Errorf("expected %s to be materialized: %v", f, err)
		}
	}
}

func TestCreateSpec_DuplicateIsRejected(t *testing.T) {
	m := newTestMaterializer(t)
	if _, err := m.CreateSpec("User Auth", "d", ""); err != nil {
		t.Fatalf("CreateSpec: %v", err)
	}
	if _, err := m.CreateSpec("User Auth", "d", ""); err == nil {
		t.Fatalf("expected SPEC_EXISTS error on duplicate CreateSpec")
	}
}

func TestDeleteSpec_RoundTrip(t *testing.T) {
	m := newTestMaterializer(t)
	rec, err := m.CreateSpec("Billing", "", "")
	if err != nil {
		t.Fatalf("CreateSpec: %v", err)
	}
	if err := m.DeleteSpec(rec.SpecID); err != nil {
		t.Fatalf("DeleteSpec: %v", err)
	}
	if m.Exists(rec.SpecID) {
		t.Errorf("expected spec directory to be gone after DeleteSpec")
	}
}

func TestDeleteSpec_MissingSpecIsNoOp(t *testing.T) {
	m := newTestMaterializer(t)
	if err := m.DeleteSpec("does-not-exist"); err != nil {
		t.Errorf("expected DeleteSpec on missing spec to be a no-op success, got %v", err)
	}
}

func TestSetCurrentSpec_UnsetsOthers(t *testing.T) {
	m := newTestMaterializer(t)
	a, _ := m.CreateSpec("Spec A", "", "")
	b, _ := m.CreateSpec("Spec B", "", "")

	if err := m.SetCurrentSpec(a.SpecID); err != nil {
		t.Fatalf("SetCurrentSpec(a): %v", err)
	}
	if err := m.SetCurrentSpec(b.SpecID); err != nil {
		t.Fatalf("SetCurrentSpec(b): %v", err)
	}

	recA, err := m.readSpecRecord(a.SpecID)
	if err != nil {
		t.Fatalf("readSpecRecord(a): %v", err)
	}
	recB, err := m.readSpecRecord(b.SpecID)
	if err != nil {
		t.Fatalf("readSpecRecord(b): %v", err)
	}
	if recA.IsCurrent {
		t.Errorf("expected spec A to no longer be current")
	}
	if !recB.IsCurrent {
		t.Errorf("expected spec B to be current")
	}
}

func TestUpdateTaskStatus_TogglesCheckbox(t *testing.T) {
	m := newTestMaterializer(t)
	rec, _ := m.CreateSpec("Tasks Demo", "", "")

	tasksPath := filepath.Join(m.SpecDir(rec.SpecID), "tasks.md")
	content := "# Tasks\n\n- [ ] 1. Write the parser\n- [ ] 1.1. Tokenizer\n- [ ] 2. Write the tests\n"
	if err := os.WriteFile(tasksPath, []byte(content), 0600); err != nil {
		t.Fatalf("seed tasks.md: %v", err)
	}

	if err := m.UpdateTaskStatus(rec.SpecID, "1.1", "completed"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	data, err := os.ReadFile(tasksPath)
	if err != nil {
		t.Fatalf("read tasks.md: %v", err)
	}
	lines := strings.Split(string(data), "\n")
	if lines[3] != "- [x] 1.1. Tokenizer" {
		t.Errorf("expected task 1.1 checked, got %q", lines[3])
	}
	if lines[2] != "- [ ] 1. Write the parser" {
		t.Errorf("expected task 1 to remain unchecked, got %q", lines[2])
	}
}

func TestUpdateTaskStatus_InProgressAnnotatesAndIsReversible(t *testing.T) {
	m := newTestMaterializer(t)
	rec, _ := m.CreateSpec("Tasks Demo", "", "")
	tasksPath := filepath.Join(m.SpecDir(rec.SpecID), "tasks.md")
	os.WriteFile(tasksPath, []byte("# Tasks\n\n- [ ] 1. Write the parser\n"), 0600)

	if err := m.UpdateTaskStatus(rec.SpecID, "1", "in_progress"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	data, _ := os.ReadFile(tasksPath)
	if !strings.Contains(string(data), "[in_progress]") {
		t.Errorf("expected in_progress annotation, got %q", string(data))
	}

	if err := m.UpdateTaskStatus(rec.SpecID, "1", "completed"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	data, _ = os.ReadFile(tasksPath)
	if strings.Contains(string(data), "[in_progress]") {
		t.Errorf("expected in_progress annotation to be stripped once completed, got %q", string(data))
	}
	if !strings.Contains(string(data), "- [x] 1.") {
		t.Errorf("expected task 1 checked, got %q", string(data))
	}
}

func TestUpdateTaskStatus_UnknownTaskNumber(t *testing.T) {
	m := newTestMaterializer(t)
	rec, _ := m.CreateSpec("Tasks Demo", "", "")
	tasksPath := filepath.Join(m.SpecDir(rec.SpecID), "tasks.md")
	os.WriteFile(tasksPath, []byte("# Tasks\n\n- [ ] 1. Only task\n"), 0600)

	if err := m.UpdateTaskStatus(rec.SpecID, "9", "completed"); err == nil {
		t.Fatalf("expected TASK_NOT_FOUND for unknown task number")
	}
}

func TestAddUserStory_NumbersAndFormatsEARS(t *testing.T) {
	m := newTestMaterializer(t)
	rec, _ := m.CreateSpec("User Auth", "", "")

	err := m.AddUserStory(rec.SpecID, "developer", "to log in with email", "I can access my account",
		[]string{"the user submits valid credentials"})
	if err != nil {
		t.Fatalf("AddUserStory: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(m.SpecDir(rec.SpecID), "requirements.md"))
	if err != nil {
		t.Fatalf("read requirements.md: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "## User Story US-001") {
		t.Errorf("expected first user story to be numbered US-001, got:\n%s", content)
	}
	if !strings.Contains(content, "[US-001-R01]") {
		t.Errorf("expected acceptance criterion tagged US-001-R01, got:\n%s", content)
	}
	if !strings.Contains(content, "THE SYSTEM SHALL") {
		t.Errorf("expected EARS-style 'THE SYSTEM SHALL' phrasing, got:\n%s", content)
	}

	// a second user story must be numbered US-002, not reuse US-001.
	if err := m.AddUserStory(rec.SpecID, "admin", "to reset passwords", "users regain access", nil); err != nil {
		t.Fatalf("AddUserStory second call: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(m.SpecDir(rec.SpecID), "requirements.md"))
	if !strings.Contains(string(data), "## User Story US-002") {
		t.Errorf("expected second user story numbered US-002, got:\n%s", string(data))
	}
}

func TestFileOperations_RejectPathTraversal(t *testing.T) {
	m := newTestMaterializer(t)

	if err := m.FileCreate("../outside.txt", "x"); err == nil {
		t.Fatalf("expected validation error for path traversal in FileCreate")
	}
	if err := m.FileWrite("../../etc/passwd", "x"); err == nil {
		t.Fatalf("expected validation error for path traversal in FileWrite")
	}
	if err := m.FileDelete("../outside.txt"); err == nil {
		t.Fatalf("expected validation error for path traversal in FileDelete")
	}
}

func TestFileOperations_RoundTrip(t *testing.T) {
	m := newTestMaterializer(t)

	if err := m.FileCreate("docs/readme.md", "hello"); err != nil {
		t.Fatalf("FileCreate: %v", err)
	}
	if err := m.FileCreate("docs/readme.md", "hello again"); err == nil {
		t.Fatalf("expected error creating a file that already exists")
	}
	if err := m.FileWrite("docs/readme.md", "updated"); err != nil {
		t.Fatalf("FileWrite: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(m.WorkspaceRoot, "docs/readme.md"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "updated" {
		t.Errorf("expected 'updated', got %q", string(data))
	}
	if err := m.FileDelete("docs/readme.md"); err != nil {
		t.Fatalf("FileDelete: %v", err)
	}
	if err := m.FileDelete("docs/readme.md"); err != nil {
		t.Errorf("expected FileDelete on missing file to be a no-op success, got %v", err)
	}
}

func TestDirectoryCreate(t *testing.T) {
	m := newTestMaterializer(t)
	if err := m.DirectoryCreate("a/b/c"); err != nil {
		t.Fatalf("DirectoryCreate: %v", err)
	}
	info, err := os.Stat(filepath.Join(m.WorkspaceRoot, "a/b/c"))
	if err != nil || !info.IsDir() {
		t.Errorf("expected a/b/c to be created as a directory")
	}
}
