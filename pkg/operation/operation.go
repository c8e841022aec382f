// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package operation implements the Operation Model & Factory (spec.md
// §4.3, component C3): the typed Operation record, validation, signature
// derivation, and retry-timing math.
//
// Grounded on other_examples/9e590ae5_flyingrobots-go-redis-work-queue__
// internal-storage-backends-types.go.go (the Job record's id/type/
// priority/retryCount/maxRetries/timestamps/metadata shape), generalized
// to the spec's closed, domain-typed operation enum.
package operation

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Type is the closed enumeration of operation types (spec.md §3).
type Type string

const (
	TypeCreateSpec         Type = "create_spec"
	TypeUpdateRequirements Type = "update_requirements"
	TypeUpdateDesign       Type = "update_design"
	TypeUpdateTasks        Type = "update_tasks"
	TypeAddUserStory       Type = "add_user_story"
	TypeUpdateTaskStatus   Type = "update_task_status"
	TypeDeleteSpec         Type = "delete_spec"
	TypeSetCurrentSpec     Type = "set_current_spec"
	TypeFileCreate         Type = "file_create"
	TypeFileWrite          Type = "file_write"
	TypeFileDelete         Type = "file_delete"
	TypeDirectoryCreate    Type = "directory_create"
	TypeSyncStatus         Type = "sync_status"
	TypeHeartbeat          Type = "heartbeat"
)

// Status is the operation lifecycle state (spec.md §3).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders eligible operations within the queue (spec.md §3).
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Source identifies which peer submitted the operation (spec.md §3).
type Source string

const (
	SourceMCP       Source = "mcp"
	SourceExtension Source = "extension"
)

// DefaultMaxRetries is the default retry budget (spec.md §3).
const DefaultMaxRetries = 3

// Params is the type-discriminated payload whose shape depends on Type.
// Only the fields relevant to the operation's Type are populated; unused
// fields are the zero value and omitted from JSON.
type Params struct {
	// create_spec
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	SpecID      string `json:"specId,omitempty"`

	// update_requirements / update_design / update_tasks
	Content string `json:"content,omitempty"`

	// update_task_status
	TaskNumber string `json:"taskNumber,omitempty"`
	TaskStatus string `json:"taskStatus,omitempty"`

	// add_user_story
	AsA          string   `json:"asA,omitempty"`
	IWant        string   `json:"iWant,omitempty"`
	SoThat       string   `json:"soThat,omitempty"`
	Requirements []string `json:"requirements,omitempty"`

	// file_create / file_write / file_delete / directory_create
	Path string `json:"path,omitempty"`
}

// Operation is the typed mutation record described in spec.md §3.
type Operation struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Params   Params `json:"params"`
	Status   Status `json:"status"`
	Priority Priority `json:"priority"`
	Source   Source `json:"source"`

	Timestamp   time.Time  `json:"timestamp"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`

	EstimatedDurationMs *int64 `json:"estimatedDurationMs,omitempty"`
	ActualDurationMs    *int64 `json:"actualDurationMs,omitempty"`

	Dependencies []string `json:"dependencies,omitempty"`
	ConflictIDs  []string `json:"conflictIds,omitempty"`

	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// New constructs a pending Operation with the given type, params, and
// submission metadata. The id is assigned here (spec.md §3: "assigned at
// creation").
func New(t Type, params Params, priority Priority, source Source) *Operation {
	return &Operation{
		ID:         uuid.NewString(),
		Type:       t,
		Params:     params,
		Status:     StatusPending,
		Priority:   priority,
		Source:     source,
		Timestamp:  time.Now(),
		MaxRetries: DefaultMaxRetries,
		Metadata:   map[string]interface{}{},
	}
}

// Eligible reports whether op satisfies invariant I3: pending, every
// dependency completed, every referenced conflict resolved, and
// nextRetryAt (if set) in the past. completed and resolvedConflicts are
// supplied by the caller (the queue), which has the authoritative view
// of other operations and conflicts.
func (op *Operation) Eligible(completed map[string]bool, resolvedConflicts map[string]bool, now time.Time) bool {
	if op.Status != StatusPending {
		return false
	}
	for _, dep := range op.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	for _, c := range op.ConflictIDs {
		if !resolvedConflicts[c] {
			return false
		}
	}
	if op.NextRetryAt != nil && op.NextRetryAt.After(now) {
		return false
	}
	return true
}

// IsTerminal reports whether Status is one of the three terminal states.
func (op *Operation) IsTerminal() bool {
	switch op.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Retryable reports whether a failed operation still has retry budget
// (invariant I2).
func (op *Operation) Retryable() bool {
	return op.RetryCount < op.MaxRetries
}

// ResourcePath derives the resource-path component of the operation's
// signature (spec.md §3, Operation Signature): "spec:<specId>" for
// spec-scoped operations, "file:<path>" for file-scoped ones, else
// "operation:<type>".
func (op *Operation) ResourcePath() string {
	switch op.Type {
	case TypeCreateSpec, TypeUpdateRequirements, TypeUpdateDesign, TypeUpdateTasks,
		TypeAddUserStory, TypeUpdateTaskStatus, TypeDeleteSpec, TypeSetCurrentSpec:
		return "spec:" + op.Params.SpecID
	case TypeFileCreate, TypeFileWrite, TypeFileDelete, TypeDirectoryCreate:
		return "file:" + op.Params.Path
	default:
		return "operation:" + string(op.Type)
	}
}

// Signature derives the deterministic dedup string described in spec.md
// §3: {type, resource-path, key-params}, with large content fields
// collapsed to a 32-bit content hash before signing.
func (op *Operation) Signature() string {
	keyParams := keyParamsFor(op.Type, op.Params)
	h := sha256.New()
	h.Write([]byte(string(op.Type)))
	h.Write([]byte{0})
	h.Write([]byte(op.ResourcePath()))
	h.Write([]byte{0})
	for _, k := range sortedKeys(keyParams) {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(keyParams[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// keyParamsFor extracts the signature-relevant parameters per type,
// replacing Content (which may be up to 100,000 chars per spec.md §4.3)
// with a 32-bit hash.
func keyParamsFor(t Type, p Params) map[string]string {
	out := map[string]string{}
	switch t {
	case TypeCreateSpec:
		out["name"] = p.Name
	case TypeUpdateRequirements, TypeUpdateDesign, TypeUpdateTasks, TypeFileWrite:
		out["contentHash"] = hash32(p.Content)
	case TypeUpdateTaskStatus:
		out["taskNumber"] = p.TaskNumber
		out["taskStatus"] = p.TaskStatus
	case TypeAddUserStory:
		out["asA"] = p.AsA
		out["iWant"] = p.IWant
		out["soThat"] = p.SoThat
	case TypeFileCreate, TypeFileDelete, TypeDirectoryCreate:
		// path is already the resource-path; no additional key params.
	}
	return out
}

func hash32(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
