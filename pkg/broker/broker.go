// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package broker

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/atomicfile"
	"github.com/specforged/broker/pkg/conflict"
	"github.com/specforged/broker/pkg/materializer"
	"github.com/specforged/broker/pkg/metrics"
	"github.com/specforged/broker/pkg/notify"
	"github.com/specforged/broker/pkg/operation"
	"github.com/specforged/broker/pkg/queue"
	"github.com/specforged/broker/pkg/syncstate"
)

// fileNames are the three well-known files the broker owns inside
// .vscode/ (spec.md §2).
const (
	operationsFileName = "mcp-operations.json"
	stateFileName      = "specforge-sync.json"
	resultsFileName    = "mcp-results.json"
)

// Broker wires the Operation Queue & Executor (C5), Specification File
// Materializer (C2), Conflict Detector & Resolver (C4), and Sync State &
// Change Watcher (C6) into one workspace-local service, the way
// cmd/cie/index.go wires ingestion, storage, and a metrics endpoint
// around one signal-driven run loop.
type Broker struct {
	cfg           *Config
	workspaceRoot string
	logger        *slog.Logger

	Queue        *queue.Queue
	Results      *queue.ResultStore
	Materializer *materializer.Materializer
	Detector     *conflict.Detector
	Resolver     *conflict.Resolver
	Executor     *queue.Executor
	Sync         *syncstate.Manager
	Watcher      *syncstate.Watcher
	Metrics      *metrics.Registry

	mu         sync.Mutex
	isDisposed bool
	kick       chan struct{}
}

// Open constructs a Broker rooted at workspaceRoot, loading or creating
// the three well-known files under .vscode/.
func Open(workspaceRoot string, cfg *Config, sink notify.Sink, logger *slog.Logger) (*Broker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg := metrics.New()

	fileOpts := atomicfile.DefaultOptions("specforge.v1")
	fileOpts.BackupEnabled = cfg.FileOps.BackupEnabled
	fileOpts.MaxBackups = cfg.FileOps.MaxBackups
	fileOpts.Metrics = reg

	vscodeDir := filepath.Join(workspaceRoot, ".vscode")
	opsPath := filepath.Join(vscodeDir, operationsFileName)
	statePath := filepath.Join(vscodeDir, stateFileName)
	resultsPath := filepath.Join(vscodeDir, resultsFileName)

	q, err := queue.New(opsPath, fileOpts)
	if err != nil {
		return nil, err
	}
	results := queue.NewResultStore(resultsPath, fileOpts)
	mat := materializer.New(workspaceRoot, fileOpts)

	specExists := func(specID string) bool { return mat.Exists(specID) }
	detector := conflict.New(specExists)
	resolver := conflict.NewResolver(specExists)

	if sink == nil {
		sink = notify.NullSink{}
	}
	executor := queue.NewExecutor(q, results, mat, nil, detector, resolver, sink)
	executor.Metrics = reg

	sm, err := syncstate.New(statePath, fileOpts)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		logger:        logger,
		Queue:         q,
		Results:       results,
		Materializer:  mat,
		Detector:      detector,
		Resolver:      resolver,
		Executor:      executor,
		Sync:          sm,
		Metrics:       reg,
		kick:          make(chan struct{}, 1),
	}

	watcher, err := syncstate.NewWatcher(syncstate.Paths{
		Operations: opsPath,
		State:      statePath,
		Results:    resultsPath,
	}, syncstate.Handlers{
		OnOperationsChanged: b.handleOperationsChanged,
		OnStateChanged:      b.handleStateChanged,
		OnResultsChanged:    b.handleResultsChanged,
	}, logger)
	if err != nil {
		return nil, err
	}
	b.Watcher = watcher

	return b, nil
}

// handleOperationsChanged reacts to an external rewrite of
// mcp-operations.json (e.g. the extension appending an operation
// directly) by reloading the in-memory queue from disk (spec.md §5:
// "on-disk state is canonical") and scheduling an immediate processing
// tick (spec.md §4.6) instead of waiting for the next ticker fire.
func (b *Broker) handleOperationsChanged() {
	b.mu.Lock()
	disposed := b.isDisposed
	var reloadErr error
	if !disposed {
		reloadErr = b.Queue.Reload()
		if reloadErr != nil {
			b.logger.Warn("broker: failed to reload operations file", "err", reloadErr)
			b.Sync.RecordError(reloadErr)
		}
	}
	b.mu.Unlock()

	if !disposed && reloadErr == nil {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *Broker) handleStateChanged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isDisposed {
		return
	}
	if err := b.Sync.Reload(); err != nil {
		b.logger.Warn("broker: failed to reload sync state file", "err", err)
	}
}

// handleResultsChanged reconciles every unreconciled entry in
// mcp-results.json with its matching queued operation, then rewrites the
// file to drop whatever it managed to reconcile (spec.md §4.6).
// Results naming an operation this broker no longer knows about (e.g.
// one the extension already evicted) are left in place, unreconciled,
// for a future pass.
func (b *Broker) handleResultsChanged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isDisposed {
		return
	}

	results, err := b.Results.Unreconciled()
	if err != nil {
		b.logger.Warn("broker: failed to read unreconciled results", "err", err)
		return
	}
	if len(results) == 0 {
		return
	}

	reconciled := make(map[string]bool, len(results))
	for _, res := range results {
		op, ok := b.Queue.ByID(res.OperationID)
		if !ok {
			continue
		}
		if res.Status == "failure" {
			op.Error = res.Error
		} else {
			op.Result = res.Data
		}
		reconciled[res.OperationID] = true
	}
	if len(reconciled) == 0 {
		return
	}
	if err := b.Results.MarkReconciled(reconciled); err != nil {
		b.logger.Warn("broker: failed to rewrite results file", "err", err)
	}
}

// Submit enqueues a new operation, returning SERVICE_UNAVAILABLE once the
// broker has been disposed (spec.md §4.5).
func (b *Broker) Submit(intent operation.Intent) (*operation.Operation, error) {
	b.mu.Lock()
	disposed := b.isDisposed
	b.mu.Unlock()
	if disposed {
		return nil, kerrors.NewServiceUnavailableError(
			"the broker has been disposed", "restart the broker before submitting new operations", nil)
	}
	return b.Executor.Submit(intent)
}

// Start runs the processing/heartbeat/cleanup tickers and the file
// watcher until ctx is cancelled, mirroring cmd/cie/index.go's
// signal-driven run loop (minus the OS-signal wiring, which belongs to
// cmd/specforged).
func (b *Broker) Start(ctx context.Context) {
	go b.Watcher.Run(ctx)

	processing := time.NewTicker(time.Duration(b.cfg.ProcessingIntervalMs) * time.Millisecond)
	heartbeat := time.NewTicker(time.Duration(b.cfg.HeartbeatIntervalMs) * time.Millisecond)
	cleanup := time.NewTicker(time.Duration(b.cfg.CleanupIntervalMs) * time.Millisecond)
	defer processing.Stop()
	defer heartbeat.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Dispose()
			return
		case <-processing.C:
			b.tick(ctx)
		case <-b.kick:
			b.tick(ctx)
		case <-heartbeat.C:
			b.sendHeartbeat()
		case <-cleanup.C:
			b.runCleanup()
		}
	}
}

func (b *Broker) tick(ctx context.Context) {
	b.mu.Lock()
	disposed := b.isDisposed
	b.mu.Unlock()
	if disposed {
		return
	}

	if _, ok := b.Executor.Tick(ctx); !ok {
		return
	}
	b.Sync.RecomputeFromQueue(b.Queue)
	b.Metrics.SetQueueVersion(b.Queue.Version())
	b.Metrics.SetConflictsActive(len(activeConflicts(b.Queue)))
	if err := b.Sync.Persist(); err != nil {
		b.logger.Warn("broker: failed to persist sync state", "err", err)
	}
}

// sendHeartbeat refreshes lastHeartbeat, enqueues a heartbeat operation,
// and persists sync state (spec.md line 198). The enqueue happens
// outside the broker's own mutex since Submit takes it itself.
func (b *Broker) sendHeartbeat() {
	b.mu.Lock()
	disposed := b.isDisposed
	if !disposed {
		b.Sync.Heartbeat()
		b.Sync.State.MCPServerOnline = true
		if err := b.Sync.Persist(); err != nil {
			b.logger.Warn("broker: failed to persist heartbeat", "err", err)
		}
	}
	b.mu.Unlock()

	if disposed {
		return
	}
	if _, err := b.Submit(operation.Intent{Type: operation.TypeHeartbeat, Source: operation.SourceMCP}); err != nil {
		b.logger.Warn("broker: failed to enqueue heartbeat operation", "err", err)
	}
}

func (b *Broker) runCleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isDisposed {
		return
	}
	maxAge := time.Duration(b.cfg.MaxOperationAgeHours) * time.Hour
	if err := b.Queue.PruneConflicts(maxAge); err != nil {
		b.logger.Warn("broker: failed to prune conflicts", "err", err)
	}
}

// Dispose flips the broker into the disposed state: new submissions are
// refused, final sync state is flushed with extensionOnline = false, and
// the file watcher is closed (spec.md §5, disposal sequence).
func (b *Broker) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isDisposed {
		return
	}
	b.isDisposed = true
	b.Executor.Dispose()

	b.Sync.State.ExtensionOnline = false
	b.Sync.State.MCPServerOnline = false
	if err := b.Sync.Persist(); err != nil {
		b.logger.Warn("broker: failed to persist final sync state", "err", err)
	}
	if err := b.Watcher.Close(); err != nil {
		b.logger.Warn("broker: failed to close file watcher", "err", err)
	}
}

func activeConflicts(q *queue.Queue) []string {
	var ids []string
	for _, c := range q.Conflicts() {
		if !c.Resolved() {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
