// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package broker

import (
	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/conflict"
	"github.com/specforged/broker/pkg/operation"
	"github.com/specforged/broker/pkg/syncstate"
)

// GetSyncState returns a snapshot of the current sync state.
func (b *Broker) GetSyncState() syncstate.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Sync.State
}

// GetOperationQueue returns a snapshot of every operation currently in
// the queue.
func (b *Broker) GetOperationQueue() []*operation.Operation {
	return b.Queue.Operations()
}

// GetConflicts returns a snapshot of every recorded conflict.
func (b *Broker) GetConflicts() []*conflict.Conflict {
	return b.Queue.Conflicts()
}

// ResolveConflict applies strategy to the named conflict (or the
// resolver's own choice of strategy, if resolution is empty).
func (b *Broker) ResolveConflict(conflictID string, resolution conflict.Strategy) (*conflict.Conflict, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var target *conflict.Conflict
	for _, c := range b.Queue.Conflicts() {
		if c.ID == conflictID {
			target = c
			break
		}
	}
	if target == nil {
		return nil, kerrors.NewValidationError(
			"no conflict with that id is recorded", "call getConflicts() for the current set of ids", nil)
	}
	if target.Resolved() {
		return target, nil
	}

	byID := make(map[string]*operation.Operation)
	for _, op := range b.Queue.Operations() {
		byID[op.ID] = op
	}
	queuedCreateSpec := make(map[string]bool)
	for _, op := range b.Queue.Operations() {
		if op.Type == operation.TypeCreateSpec && !op.IsTerminal() {
			queuedCreateSpec[op.Params.SpecID] = true
		}
	}

	// Resolve/ResolveAs mutate target and the operations in byID in
	// place: the pointers in byID alias the queue's own backing slice
	// (see Queue.Operations), so UpsertConflict's persist captures both
	// the conflict and every operation touched in one write.
	if resolution != "" {
		b.Resolver.ResolveAs(target, resolution, byID, queuedCreateSpec)
	} else {
		b.Resolver.Resolve(target, byID, queuedCreateSpec)
	}

	if err := b.Queue.UpsertConflict(target); err != nil {
		return nil, err
	}
	return target, nil
}

// ForceSync recomputes the sync state from the queue and flushes it
// immediately, independent of the periodic ticker.
func (b *Broker) ForceSync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Sync.RecomputeFromQueue(b.Queue)
	return b.Sync.Persist()
}

// ListSpecifications returns every materialized specId.
func (b *Broker) ListSpecifications() ([]string, error) {
	return b.Materializer.ListSpecIDs()
}
