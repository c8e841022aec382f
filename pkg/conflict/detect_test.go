// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package conflict

import (
	"testing"
	"time"

	"github.com/specforged/broker/pkg/operation"
)

func allExist(string) bool { return true }
func noneExist(string) bool { return false }

func TestDetectDuplicates_SameSignatureWithinWindow(t *testing.T) {
	d := New(allExist)
	op1 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	op2 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceExtension)

	conflicts := d.Detect([]*operation.Operation{op1, op2})
	found := false
	for _, c := range conflicts {
		if c.Type == TypeDuplicateOperation {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected duplicate_operation conflict, got %+v", conflicts)
	}
}

func TestDetectConcurrentModification_RequiresInProgress(t *testing.T) {
	d := New(allExist)
	op1 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "a"}, operation.PriorityNormal, operation.SourceMCP)
	op2 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "b"}, operation.PriorityNormal, operation.SourceMCP)

	// neither in_progress: no conflict yet.
	conflicts := d.Detect([]*operation.Operation{op1, op2})
	for _, c := range conflicts {
		if c.Type == TypeConcurrentModification {
			t.Fatalf("did not expect concurrent_modification before either op is in_progress")
		}
	}

	op1.Status = operation.StatusInProgress
	conflicts = d.Detect([]*operation.Operation{op1, op2})
	found := false
	for _, c := range conflicts {
		if c.Type == TypeConcurrentModification {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected concurrent_modification once one operation is in_progress")
	}
}

func TestDetectDependencyCycle(t *testing.T) {
	d := New(allExist)
	opA := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "a"}, operation.PriorityNormal, operation.SourceMCP)
	opB := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "b"}, operation.PriorityNormal, operation.SourceMCP)
	opA.Dependencies = []string{opB.ID}
	opB.Dependencies = []string{opA.ID}

	conflicts := d.Detect([]*operation.Operation{opA, opB})
	found := false
	for _, c := range conflicts {
		if c.Type == TypeDependencyCycle {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dependency_cycle conflict, got %+v", conflicts)
	}
}

func TestDetectResourceNotFound(t *testing.T) {
	d := New(noneExist)
	op := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "ghost"}, operation.PriorityNormal, operation.SourceMCP)

	conflicts := d.Detect([]*operation.Operation{op})
	found := false
	for _, c := range conflicts {
		if c.Type == TypeResourceNotFound {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected resource_not_found conflict, got %+v", conflicts)
	}
}

func TestDetectResourceNotFound_CreateSpecExempt(t *testing.T) {
	d := New(noneExist)
	op := operation.New(operation.TypeCreateSpec, operation.Params{SpecID: "new-one", Name: "New One"}, operation.PriorityNormal, operation.SourceMCP)

	conflicts := d.Detect([]*operation.Operation{op})
	for _, c := range conflicts {
		if c.Type == TypeResourceNotFound {
			t.Fatalf("create_spec should never trigger resource_not_found against itself")
		}
	}
}

func TestDetectDuplicates_IgnoresOutsideWindow(t *testing.T) {
	d := New(allExist)
	op1 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	op2 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	op2.Timestamp = op1.Timestamp.Add(time.Hour)

	conflicts := d.Detect([]*operation.Operation{op1, op2})
	for _, c := range conflicts {
		if c.Type == TypeDuplicateOperation {
			t.Fatalf("did not expect duplicate_operation outside the dedup window")
		}
	}
}
