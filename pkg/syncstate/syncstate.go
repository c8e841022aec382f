// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package syncstate implements the Sync State & Change Watcher
// (spec.md §4.6, component C6): owns the in-memory sync state, mirrors
// it to specforge-sync.json after every change, and (see watcher.go)
// watches the three well-known files for external modification.
package syncstate

import (
	"time"

	"github.com/specforged/broker/pkg/atomicfile"
	"github.com/specforged/broker/pkg/queue"
)

// errorRingSize bounds syncErrors to the last N entries (spec.md §3).
const errorRingSize = 10

// SyncError is one entry in the bounded syncErrors ring.
type SyncError struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// SpecSummary is one entry in the specifications list (spec.md §3).
type SpecSummary struct {
	SpecID       string    `json:"specId"`
	LastModified time.Time `json:"lastModified"`
	Version      int       `json:"version"`
	Status       string    `json:"status"`
}

// Performance mirrors spec.md §3's performance sub-record.
type Performance struct {
	AverageOperationTimeMs float64 `json:"averageOperationTimeMs"`
	QueueProcessingRate    float64 `json:"queueProcessingRate"`
	LastProcessingDuration float64 `json:"lastProcessingDuration"`
}

// State is the Sync State record of spec.md §3.
type State struct {
	ExtensionOnline  bool          `json:"extensionOnline"`
	MCPServerOnline  bool          `json:"mcpServerOnline"`
	LastSync         time.Time     `json:"lastSync"`
	LastHeartbeat    time.Time     `json:"lastHeartbeat"`

	PendingOperations    int `json:"pendingOperations"`
	InProgressOperations int `json:"inProgressOperations"`
	FailedOperations     int `json:"failedOperations"`
	CompletedOperations  int `json:"completedOperations"`
	CancelledOperations  int `json:"cancelledOperations"`
	ActiveConflicts      int `json:"activeConflicts"`

	Specifications []SpecSummary `json:"specifications"`
	SyncErrors     []SyncError   `json:"syncErrors"`
	Performance    Performance   `json:"performance"`
}

// Manager owns State in memory and mirrors it to specforge-sync.json
// (spec.md §4.6).
type Manager struct {
	store *atomicfile.Store
	State State
	version int
}

// New returns a Manager persisted at path, loading existing state if
// present.
func New(path string, fileOpts atomicfile.Options) (*Manager, error) {
	m := &Manager{store: atomicfile.New(path, fileOpts)}
	found, err := m.store.Read(&m.State)
	if err != nil {
		return nil, err
	}
	if !found {
		m.State = State{}
	}
	return m, nil
}

// RecordError appends to the bounded syncErrors ring (spec.md §3: "bounded
// ring of the last 10").
func (m *Manager) RecordError(err error) {
	m.State.SyncErrors = append(m.State.SyncErrors, SyncError{Timestamp: time.Now(), Error: err.Error()})
	if len(m.State.SyncErrors) > errorRingSize {
		m.State.SyncErrors = m.State.SyncErrors[len(m.State.SyncErrors)-errorRingSize:]
	}
}

// RecomputeFromQueue derives the counters, which spec.md §3 marks
// "always derivable from the queue" rather than independently tracked.
func (m *Manager) RecomputeFromQueue(q *queue.Queue) {
	var pending, inProgress, failed, completed, cancelled int
	for _, op := range q.Operations() {
		switch {
		case op.Status == "pending":
			pending++
		case op.Status == "in_progress":
			inProgress++
		case op.Status == "failed":
			failed++
		case op.Status == "completed":
			completed++
		case op.Status == "cancelled":
			cancelled++
		}
	}
	active := 0
	for _, c := range q.Conflicts() {
		if !c.Resolved() {
			active++
		}
	}

	m.State.PendingOperations = pending
	m.State.InProgressOperations = inProgress
	m.State.FailedOperations = failed
	m.State.CompletedOperations = completed
	m.State.CancelledOperations = cancelled
	m.State.ActiveConflicts = active

	stats := q.Stats()
	m.State.Performance.AverageOperationTimeMs = stats.AverageProcessingTimeMs
	if stats.TotalProcessed > 0 {
		m.State.Performance.QueueProcessingRate = float64(stats.SuccessCount) / float64(stats.TotalProcessed)
	}
}

// Heartbeat refreshes lastHeartbeat (spec.md §4.6: "A periodic heartbeat
// (30s) refreshes lastHeartbeat").
func (m *Manager) Heartbeat() {
	m.State.LastHeartbeat = time.Now()
}

// Persist mirrors the in-memory State to specforge-sync.json.
func (m *Manager) Persist() error {
	m.State.LastSync = time.Now()
	m.version++
	return m.store.Write(&m.State, m.version)
}

// Reload re-reads specforge-sync.json, merging extensionOnline = true
// (spec.md §4.6: "State change: reload state (merging extensionOnline =
// true)") since an external write to this file is itself evidence the
// extension peer is alive.
func (m *Manager) Reload() error {
	var fresh State
	found, err := m.store.Read(&fresh)
	if err != nil {
		return err
	}
	if found {
		fresh.ExtensionOnline = true
		m.State = fresh
	}
	return nil
}
