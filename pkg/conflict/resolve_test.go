// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package conflict

import (
	"testing"

	"github.com/specforged/broker/pkg/operation"
)

func opsByID(ops ...*operation.Operation) map[string]*operation.Operation {
	m := make(map[string]*operation.Operation, len(ops))
	for _, op := range ops {
		m[op.ID] = op
	}
	return m
}

func TestResolve_DropNewerDuplicate(t *testing.T) {
	op1 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	op2 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	c := newConflict(TypeDuplicateOperation, "spec:s1", "dup", SeverityMedium, op1.ID, op2.ID)

	r := NewResolver(allExist)
	r.Resolve(c, opsByID(op1, op2), nil)

	if !c.Resolved() || c.ResolutionStrategy != StrategyDropNewerDuplicate {
		t.Fatalf("expected drop_newer_duplicate resolution, got %+v", c)
	}
	if op2.Status != operation.StatusCancelled {
		t.Errorf("expected op2 cancelled, got %v", op2.Status)
	}
	if op1.Status == operation.StatusCancelled {
		t.Errorf("expected op1 (the kept operation) to remain untouched")
	}
}

func TestResolve_SequenceByPriority(t *testing.T) {
	low := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "a"}, operation.PriorityLow, operation.SourceMCP)
	high := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "b"}, operation.PriorityHigh, operation.SourceMCP)
	low.Status = operation.StatusInProgress
	c := newConflict(TypeConcurrentModification, "spec:s1", "race", SeverityHigh, low.ID, high.ID)

	r := NewResolver(allExist)
	r.Resolve(c, opsByID(low, high), nil)

	if !c.Resolved() || c.ResolutionStrategy != StrategySequenceByPriority {
		t.Fatalf("expected sequence_by_priority resolution, got %+v", c)
	}
	found := false
	for _, dep := range low.Dependencies {
		if dep == high.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the lower-priority operation to depend on the higher-priority one")
	}
}

func TestResolve_RejectCycleMember(t *testing.T) {
	opA := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "a"}, operation.PriorityNormal, operation.SourceMCP)
	opB := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "b"}, operation.PriorityNormal, operation.SourceMCP)
	c := newConflict(TypeDependencyCycle, "spec:a", "cycle", SeverityCritical, opA.ID, opB.ID)

	r := NewResolver(allExist)
	r.Resolve(c, opsByID(opA, opB), nil)

	if !c.Resolved() || c.ResolutionStrategy != StrategyRejectCycleMember {
		t.Fatalf("expected reject_cycle_member resolution, got %+v", c)
	}
	if opA.Status != operation.StatusFailed {
		t.Errorf("expected the cycle-closing operation to be failed, got %v", opA.Status)
	}
	if opA.Retryable() {
		t.Errorf("expected the rejected operation to be non-retryable")
	}
}

func TestResolve_DeferResourceNotFound(t *testing.T) {
	creator := operation.New(operation.TypeCreateSpec, operation.Params{SpecID: "new-spec", Name: "New Spec"}, operation.PriorityNormal, operation.SourceMCP)
	dependent := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "new-spec", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	c := newConflict(TypeResourceNotFound, "spec:new-spec", "missing", SeverityHigh, dependent.ID)

	r := NewResolver(noneExist)
	r.Resolve(c, opsByID(creator, dependent), map[string]bool{"new-spec": true})

	if !c.Resolved() || c.ResolutionStrategy != StrategyDefer {
		t.Fatalf("expected defer resolution, got %+v", c)
	}
	found := false
	for _, dep := range dependent.Dependencies {
		if dep == creator.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected dependent to gain a synthetic dependency on the create_spec operation")
	}
}

func TestResolve_EscalatesWhenNoStrategyApplies(t *testing.T) {
	dependent := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "orphan", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	c := newConflict(TypeResourceNotFound, "spec:orphan", "missing", SeverityHigh, dependent.ID)

	r := NewResolver(noneExist)
	r.Resolve(c, opsByID(dependent), map[string]bool{})

	if c.Resolved() {
		t.Fatalf("escalated conflicts must remain unresolved")
	}
	if c.ResolutionStrategy != StrategyEscalate {
		t.Errorf("expected escalate strategy recorded, got %v", c.ResolutionStrategy)
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	op1 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	op2 := operation.New(operation.TypeUpdateRequirements, operation.Params{SpecID: "s1", Content: "x"}, operation.PriorityNormal, operation.SourceMCP)
	c := newConflict(TypeDuplicateOperation, "spec:s1", "dup", SeverityMedium, op1.ID, op2.ID)

	r := NewResolver(allExist)
	r.Resolve(c, opsByID(op1, op2), nil)
	resolvedAt := *c.ResolvedAt

	r.Resolve(c, opsByID(op1, op2), nil)
	if *c.ResolvedAt != resolvedAt {
		t.Errorf("expected re-resolving an already-resolved conflict to be a no-op")
	}
}
