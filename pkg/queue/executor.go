// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/conflict"
	"github.com/specforged/broker/pkg/notify"
	"github.com/specforged/broker/pkg/operation"
)

// Dispatcher runs an operation against its local spec-materializer
// target, or (for heartbeat/sync_status) an optional remote peer
// (spec.md §4.5: "Dispatcher selection").
type Dispatcher interface {
	Dispatch(ctx context.Context, op *operation.Operation) (map[string]interface{}, error)
}

// OperationObserver receives one notification per terminal dispatch, so
// a metrics collector can count operations without Executor depending
// on any particular metrics implementation.
type OperationObserver interface {
	ObserveOperation(opType, status string, durationSeconds float64)
}

// Executor drives submission and the single-threaded cooperative
// processing loop described in spec.md §4.5 and §5. All exported
// methods are intended to be called from one goroutine; Executor adds
// no internal locking beyond what Queue already provides for
// introspection reads.
type Executor struct {
	Queue      *Queue
	Results    *ResultStore
	Dispatcher Dispatcher
	Remote     Dispatcher
	Detector   *conflict.Detector
	Resolver   *conflict.Resolver
	Sink       notify.Sink
	Metrics    OperationObserver

	sigs  *signatureTracker
	cache *resultCache

	isProcessing bool
	disposed     bool
}

// NewExecutor wires an Executor. sink may be nil, in which case events
// are discarded via notify.NullSink.
func NewExecutor(q *Queue, results *ResultStore, dispatcher Dispatcher, remote Dispatcher,
	detector *conflict.Detector, resolver *conflict.Resolver, sink notify.Sink) *Executor {
	if sink == nil {
		sink = notify.NullSink{}
	}
	return &Executor{
		Queue:      q,
		Results:    results,
		Dispatcher: dispatcher,
		Remote:     remote,
		Detector:   detector,
		Resolver:   resolver,
		Sink:       sink,
		sigs:       newSignatureTracker(),
		cache:      newResultCache(),
	}
}

// Dispose flips the executor into a terminal state; further Submit
// calls return SERVICE_UNAVAILABLE (spec.md §5: "Cancellation").
func (e *Executor) Dispose() {
	e.disposed = true
}

// Submit runs the queueOperation flow of spec.md §4.5 steps 1-6.
func (e *Executor) Submit(intent operation.Intent) (*operation.Operation, error) {
	if e.disposed {
		return nil, kerrors.NewServiceUnavailableError(
			"broker has been disposed", "re-initialize the broker before submitting operations", nil)
	}

	if err := operation.Validate(intent); err != nil {
		return nil, err
	}

	op := operation.New(intent.Type, intent.Params, intent.Priority, intent.Source)
	op.Dependencies = intent.Dependencies

	sig := op.Signature()
	if !e.sigs.Claim(sig, op.ID) {
		return nil, kerrors.NewDuplicateOperationError(
			fmt.Sprintf("an equivalent operation is already pending or was recently submitted (signature %s)", sig[:8]),
			"wait for the existing operation to complete before resubmitting", nil)
	}

	if len(e.Queue.Operations()) >= MaxOperations {
		if err := e.Queue.PruneConflicts(24 * time.Hour); err != nil {
			e.sigs.Release(sig)
			return nil, err
		}
		evictable := false
		for _, existing := range e.Queue.Operations() {
			if existing.IsTerminal() {
				evictable = true
				break
			}
		}
		if !evictable {
			e.sigs.Release(sig)
			return nil, kerrors.NewQueueFullError(
				fmt.Sprintf("queue is at capacity (%d operations)", MaxOperations),
				"retry later once in-flight operations complete", nil)
		}
	}

	if e.Detector != nil {
		candidates := append(e.Queue.Operations(), op)
		for _, c := range e.Detector.Detect(candidates) {
			if e.Resolver != nil {
				byID := map[string]*operation.Operation{op.ID: op}
				for _, existing := range e.Queue.Operations() {
					byID[existing.ID] = existing
				}
				e.Resolver.Resolve(c, byID, nil)
			}
			if err := e.Queue.UpsertConflict(c); err != nil {
				e.sigs.Release(sig)
				return nil, err
			}
			if !c.Resolved() {
				op.ConflictIDs = append(op.ConflictIDs, c.ID)
				e.Sink.OnConflict(c.ID, c.Description, c.OperationIDs)
			}
		}
	}

	if err := e.Queue.Insert(op); err != nil {
		e.sigs.Release(sig)
		return nil, err
	}

	return op, nil
}

// eligible filters ops to invariant I3 and sorts by priority desc,
// timestamp asc (spec.md §4.5: "Eligibility selection").
func eligible(ops []*operation.Operation, resolvedConflicts map[string]bool, now time.Time) []*operation.Operation {
	completed := make(map[string]bool)
	for _, op := range ops {
		if op.Status == operation.StatusCompleted {
			completed[op.ID] = true
		}
	}

	var out []*operation.Operation
	for _, op := range ops {
		if op.Eligible(completed, resolvedConflicts, now) {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Tick runs one processing pass: select eligible operations, dispatch
// each in order, and record results (spec.md §4.5: "Processing tick").
// It is a no-op, returning false, if a tick is already in flight or the
// executor has been disposed.
func (e *Executor) Tick(ctx context.Context) (processed int, ok bool) {
	if e.isProcessing || e.disposed {
		return 0, false
	}
	e.isProcessing = true
	defer func() { e.isProcessing = false }()

	resolvedConflicts := make(map[string]bool)
	for _, c := range e.Queue.Conflicts() {
		if c.Resolved() {
			resolvedConflicts[c.ID] = true
		}
	}

	batch := eligible(e.Queue.Operations(), resolvedConflicts, time.Now())
	for _, op := range batch {
		e.dispatchOne(ctx, op)
		processed++
	}
	return processed, true
}

func (e *Executor) dispatchOne(ctx context.Context, op *operation.Operation) {
	if cached, hit := e.cache.Get(op); hit {
		now := time.Now()
		op.Status = operation.StatusInProgress
		op.StartedAt = &now
		_ = e.Queue.RecordResult(op, 0, nil)
		op.Result = cached
		e.writeResult(op, 0, cached, nil)
		if e.Metrics != nil {
			e.Metrics.ObserveOperation(string(op.Type), "success", 0)
		}
		e.sigs.Release(op.Signature())
		e.Sink.OnSuccess(op, cached)
		return
	}

	start := time.Now()
	op.Status = operation.StatusInProgress
	op.StartedAt = &start
	data, err := e.dispatch(ctx, op)
	duration := time.Since(start).Milliseconds()

	if recErr := e.Queue.RecordResult(op, duration, err); recErr != nil {
		e.Sink.OnFailure(op, recErr)
		return
	}

	e.writeResult(op, duration, data, err)

	if e.Metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		e.Metrics.ObserveOperation(string(op.Type), status, float64(duration)/1000.0)
	}

	if op.IsTerminal() {
		e.sigs.Release(op.Signature())
	}

	if err != nil {
		e.Sink.OnFailure(op, err)
		return
	}
	op.Result = data
	if cacheable(op.Type) {
		e.cache.Put(op, data)
	}
	e.Sink.OnSuccess(op, data)
}

func (e *Executor) writeResult(op *operation.Operation, durationMs int64, data map[string]interface{}, err error) {
	if e.Results == nil {
		return
	}
	res := &OperationResult{
		OperationID: op.ID,
		Type:        string(op.Type),
		Data:        data,
		DurationMs:  durationMs,
		CompletedAt: time.Now(),
	}
	if err != nil {
		res.Status = "failure"
		res.Error = err.Error()
	} else {
		res.Status = "success"
	}
	_ = e.Results.Append(res)
}

// dispatch routes op to its dispatcher: spec/file-mutation operations
// always run locally through C2 (e.Dispatcher); heartbeat/sync_status
// route to the remote dispatcher when one is configured (spec.md §4.5:
// "Dispatcher selection").
func (e *Executor) dispatch(ctx context.Context, op *operation.Operation) (map[string]interface{}, error) {
	switch op.Type {
	case operation.TypeHeartbeat, operation.TypeSyncStatus:
		if e.Remote != nil {
			return e.Remote.Dispatch(ctx, op)
		}
		return map[string]interface{}{"acknowledged": true}, nil
	default:
		if e.Dispatcher == nil {
			return nil, kerrors.NewInternalError("No dispatcher configured",
				fmt.Sprintf("operation type %q has no local dispatcher", op.Type), "wire a materializer-backed Dispatcher", nil)
		}
		return e.Dispatcher.Dispatch(ctx, op)
	}
}

// cacheable reports whether a successful result for t is safe to serve
// from cache on a later identical submission (spec.md §4.5: "Optional
// result cache"). Mutating operations are never cached — re-dispatching
// a cache hit for them would skip a write their caller expects.
func cacheable(t operation.Type) bool {
	switch t {
	case operation.TypeSyncStatus, operation.TypeHeartbeat:
		return true
	default:
		return false
	}
}
