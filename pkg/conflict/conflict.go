// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conflict implements the Conflict Detector & Resolver (spec.md
// §4.4, component C4): rules that identify when two queued operations
// contend for the same resource and policies for resolving them.
//
// The severity ladder (low/medium/high/critical) is grounded on the
// guardrails severity table in the specmcp reference
// (HARD_BLOCK/SOFT_BLOCK/WARNING/SUGGESTION, rank 1..4, "first
// applicable wins"); detection itself follows the pairwise
// old-state/new-state comparison shape of pkg/ingestion/manifest.go's
// ComputeFileDiff.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/specforged/broker/pkg/operation"
)

// Type names the kind of contention detected between queued operations.
type Type string

const (
	TypeDuplicateOperation     Type = "duplicate_operation"
	TypeConcurrentModification Type = "concurrent_modification"
	TypeDependencyCycle        Type = "dependency_cycle"
	TypeResourceNotFound       Type = "resource_not_found"
	TypePermissionDenied       Type = "permission_denied"
)

// Severity ranks how strongly a conflict should block progress, rank 1
// being the most severe (mirrors the HARD_BLOCK..SUGGESTION ladder).
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy names which resolution policy resolved (or attempted to
// resolve) a conflict.
type Strategy string

const (
	StrategyDropNewerDuplicate Strategy = "drop_newer_duplicate"
	StrategySequenceByPriority Strategy = "sequence_by_priority"
	StrategyRejectCycleMember  Strategy = "reject_cycle_member"
	StrategyDefer              Strategy = "defer"
	StrategyEscalate           Strategy = "escalate"
)

// Conflict is a recorded contention between two or more queued
// operations (spec.md §3).
type Conflict struct {
	ID                 string     `json:"id"`
	Type               Type       `json:"type"`
	OperationIDs       []string   `json:"operationIds"`
	ResourcePath       string     `json:"resourcePath"`
	Description        string     `json:"description"`
	DetectedAt         time.Time  `json:"detectedAt"`
	Severity           Severity   `json:"severity"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy         string     `json:"resolvedBy,omitempty"`
	ResolutionStrategy Strategy   `json:"resolutionStrategy,omitempty"`
}

// Resolved reports whether the conflict has already been dealt with.
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

func newConflict(t Type, resourcePath, description string, severity Severity, opIDs ...string) *Conflict {
	return &Conflict{
		ID:           uuid.NewString(),
		Type:         t,
		OperationIDs: append([]string(nil), opIDs...),
		ResourcePath: resourcePath,
		Description:  description,
		DetectedAt:   time.Now(),
		Severity:     severity,
	}
}

// severityFor assigns the ladder rank used when a conflict is first
// detected, before any resolution policy has had a chance to act.
func severityFor(t Type) Severity {
	switch t {
	case TypeDependencyCycle, TypePermissionDenied:
		return SeverityCritical
	case TypeConcurrentModification, TypeResourceNotFound:
		return SeverityHigh
	case TypeDuplicateOperation:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// contentChanging reports whether an operation type mutates content in
// a way that can race with another write to the same resource
// (concurrent_modification only fires for these types).
func contentChanging(t operation.Type) bool {
	switch t {
	case operation.TypeUpdateRequirements, operation.TypeUpdateDesign, operation.TypeUpdateTasks,
		operation.TypeAddUserStory, operation.TypeUpdateTaskStatus,
		operation.TypeFileWrite, operation.TypeFileCreate, operation.TypeFileDelete:
		return true
	default:
		return false
	}
}
