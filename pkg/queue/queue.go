// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the Operation Queue & Executor (spec.md §4.5,
// component C5): a persistent priority queue, dependency-aware
// processing loop, result caching, signature dedup, and batching.
//
// The timer/backoff idiom is grounded on
// other_examples/4fb71dd5_iiAku-tezsign__broker-broker.go.go's reaper
// loop (time.Ticker plus a context-cancellation select), deliberately
// without tezsign's worker-goroutine pool: spec.md §5 mandates a single
// cooperative loop, so Tick is called synchronously from one goroutine
// rather than dispatched to workChan.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/specforged/broker/pkg/atomicfile"
	"github.com/specforged/broker/pkg/conflict"
	"github.com/specforged/broker/pkg/operation"
)

// MaxOperations bounds the persisted queue; the oldest terminal
// operation is evicted once the cap is reached (spec.md §4.5).
const MaxOperations = 1000

// ProcessingStats mirrors spec.md §3's processingStats record.
type ProcessingStats struct {
	TotalProcessed         int64   `json:"totalProcessed"`
	SuccessCount           int64   `json:"successCount"`
	FailureCount           int64   `json:"failureCount"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
}

// state is the JSON-persisted shape of mcp-operations.json (spec.md §6).
type state struct {
	Version         int                    `json:"version"`
	LastModified    time.Time              `json:"lastModified"`
	Operations      []*operation.Operation `json:"operations"`
	Conflicts       []*conflict.Conflict   `json:"conflicts"`
	ProcessingStats ProcessingStats        `json:"processingStats"`
}

// Queue is the durable, priority-ordered operation queue. All mutating
// methods must be called from the single cooperative-loop goroutine
// (spec.md §5); Queue itself holds a mutex only to protect introspection
// calls (getOperationQueue, getSyncState) made from other goroutines.
type Queue struct {
	mu    sync.Mutex
	store *atomicfile.Store
	s     state
}

// New returns a Queue persisted at path, loading existing state if
// present.
func New(path string, fileOpts atomicfile.Options) (*Queue, error) {
	q := &Queue{store: atomicfile.New(path, fileOpts)}
	found, err := q.store.Read(&q.s)
	if err != nil {
		return nil, err
	}
	if !found {
		q.s = state{Version: 0, LastModified: time.Now()}
	}
	return q, nil
}

// Operations returns a copy of the queue's operation slice. The
// elements are the queue's own records, so changes made through them
// are visible to the queue and written by its next persist.
func (q *Queue) Operations() []*operation.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*operation.Operation, len(q.s.Operations))
	copy(out, q.s.Operations)
	return out
}

// Conflicts returns a copy of the queue's conflict slice; the elements
// are the queue's own records.
func (q *Queue) Conflicts() []*conflict.Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*conflict.Conflict, len(q.s.Conflicts))
	copy(out, q.s.Conflicts)
	return out
}

// Version returns the queue's monotonically increasing persist counter.
func (q *Queue) Version() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.s.Version
}

// Stats returns a copy of the processing statistics.
func (q *Queue) Stats() ProcessingStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.s.ProcessingStats
}

// ByID looks up an operation by id.
func (q *Queue) ByID(id string) (*operation.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.s.Operations {
		if op.ID == id {
			return op, true
		}
	}
	return nil, false
}

// Insert adds op preserving priority/timestamp order (spec.md §4.5
// step 5: "Insert preserving priority/timestamp order"), evicting the
// oldest terminal operation if the queue is at MaxOperations, bumps
// version/lastModified, and persists.
func (q *Queue) Insert(op *operation.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.s.Operations) >= MaxOperations {
		q.evictOldestTerminalLocked()
	}

	idx := sort.Search(len(q.s.Operations), func(i int) bool {
		return lessPriority(q.s.Operations[i], op)
	})
	q.s.Operations = append(q.s.Operations, nil)
	copy(q.s.Operations[idx+1:], q.s.Operations[idx:])
	q.s.Operations[idx] = op

	return q.persistLocked()
}

// lessPriority reports whether b belongs before a in queue order: higher
// priority first, then earlier timestamp (spec.md §4.5 insertion order).
func lessPriority(a, b *operation.Operation) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Timestamp.After(b.Timestamp)
}

func (q *Queue) evictOldestTerminalLocked() {
	oldest := -1
	for i, op := range q.s.Operations {
		if op.IsTerminal() && (oldest < 0 || op.Timestamp.Before(q.s.Operations[oldest].Timestamp)) {
			oldest = i
		}
	}
	if oldest >= 0 {
		q.s.Operations = append(q.s.Operations[:oldest], q.s.Operations[oldest+1:]...)
	}
}

// UpsertConflict adds c, or replaces the existing conflict with the same
// id if already present.
func (q *Queue) UpsertConflict(c *conflict.Conflict) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.s.Conflicts {
		if existing.ID == c.ID {
			q.s.Conflicts[i] = c
			return q.persistLocked()
		}
	}
	q.s.Conflicts = append(q.s.Conflicts, c)
	return q.persistLocked()
}

// PruneConflicts removes resolved conflicts older than maxAge (spec.md
// §4.4 cleanup, default 24h) and persists the result.
func (q *Queue) PruneConflicts(maxAge time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.s.Conflicts = conflict.Cleanup(q.s.Conflicts, maxAge, time.Now())
	return q.persistLocked()
}

// RecordResult updates op's terminal fields and processing stats, then
// persists.
func (q *Queue) RecordResult(op *operation.Operation, durationMs int64, resultErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	op.CompletedAt = &now
	d := durationMs
	op.ActualDurationMs = &d

	q.s.ProcessingStats.TotalProcessed++
	if resultErr == nil {
		op.Status = operation.StatusCompleted
		q.s.ProcessingStats.SuccessCount++
	} else {
		op.Error = resultErr.Error()
		if op.Retryable() {
			op.RetryCount++
			op.Status = operation.StatusPending
			next := operation.NextRetryAt(now, op.RetryCount)
			op.NextRetryAt = &next
		} else {
			op.Status = operation.StatusFailed
			q.s.ProcessingStats.FailureCount++
		}
	}

	total := q.s.ProcessingStats.TotalProcessed
	prevAvg := q.s.ProcessingStats.AverageProcessingTimeMs
	q.s.ProcessingStats.AverageProcessingTimeMs = prevAvg + (float64(durationMs)-prevAvg)/float64(total)

	return q.persistLocked()
}

func (q *Queue) persistLocked() error {
	q.s.Version++
	q.s.LastModified = time.Now()
	if err := q.store.Write(&q.s, q.s.Version); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Reload re-reads the on-disk queue, taking it as canonical (spec.md §5:
// "conflicting in-memory state is reconciled by taking the on-disk queue
// as canonical"). Used by the sync-state watcher when an external writer
// has modified mcp-operations.json.
func (q *Queue) Reload() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var fresh state
	found, err := q.store.Read(&fresh)
	if err != nil {
		return err
	}
	if found {
		q.s = fresh
	}
	return nil
}
