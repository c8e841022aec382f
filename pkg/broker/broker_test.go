// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/specforged/broker/pkg/operation"
	"github.com/specforged/broker/pkg/queue"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	b, err := Open(dir, cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(b.Dispose)
	return b
}

func TestSubmitAndTick_CreatesSpecOnDisk(t *testing.T) {
	b := newTestBroker(t)

	op, err := b.Submit(operation.Intent{
		Type:     operation.TypeCreateSpec,
		Params:   operation.Params{Name: "Checkout Flow"},
		Priority: operation.PriorityNormal,
		Source:   operation.SourceMCP,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != operation.StatusPending {
		t.Fatalf("expected pending, got %v", op.Status)
	}

	b.tick(context.Background())

	ops := b.GetOperationQueue()
	if len(ops) != 1 || ops[0].Status != operation.StatusCompleted {
		t.Fatalf("expected one completed operation, got %+v", ops)
	}

	specs, err := b.ListSpecifications()
	if err != nil {
		t.Fatalf("ListSpecifications: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected one materialized spec, got %v", specs)
	}
}

func TestSubmit_RejectsAfterDispose(t *testing.T) {
	b := newTestBroker(t)
	b.Dispose()

	_, err := b.Submit(operation.Intent{Type: operation.TypeHeartbeat})
	if err == nil {
		t.Fatalf("expected SERVICE_UNAVAILABLE after Dispose")
	}
}

func TestForceSync_RecomputesAndPersists(t *testing.T) {
	b := newTestBroker(t)
	if err := b.ForceSync(); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if b.GetSyncState().LastSync.IsZero() {
		t.Errorf("expected lastSync to be set after ForceSync")
	}
}

func TestResolveConflict_UnknownIDIsAnError(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.ResolveConflict("does-not-exist", ""); err == nil {
		t.Fatalf("expected an error for an unknown conflict id")
	}
}

func TestDispose_IsIdempotent(t *testing.T) {
	b := newTestBroker(t)
	b.Dispose()
	b.Dispose()
	if !b.GetSyncState().LastSync.Before(time.Now().Add(time.Second)) {
		t.Errorf("unexpected lastSync in the future")
	}
}

func TestSendHeartbeat_EnqueuesHeartbeatOperation(t *testing.T) {
	b := newTestBroker(t)
	b.sendHeartbeat()

	var sawHeartbeat bool
	for _, op := range b.GetOperationQueue() {
		if op.Type == operation.TypeHeartbeat {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Fatalf("expected sendHeartbeat to enqueue a heartbeat operation")
	}
	if b.GetSyncState().LastHeartbeat.IsZero() {
		t.Errorf("expected lastHeartbeat to be refreshed")
	}
}

func TestHandleOperationsChanged_SchedulesImmediateTick(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.Submit(operation.Intent{
		Type:     operation.TypeCreateSpec,
		Params:   operation.Params{Name: "Checkout Flow"},
		Priority: operation.PriorityNormal,
		Source:   operation.SourceMCP,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	b.handleOperationsChanged()

	select {
	case <-b.kick:
	default:
		t.Fatalf("expected handleOperationsChanged to schedule an immediate tick")
	}
}

func TestHandleResultsChanged_ReconcilesMatchingOperation(t *testing.T) {
	b := newTestBroker(t)
	op, err := b.Submit(operation.Intent{
		Type:     operation.TypeCreateSpec,
		Params:   operation.Params{Name: "Checkout Flow"},
		Priority: operation.PriorityNormal,
		Source:   operation.SourceMCP,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := &queue.OperationResult{OperationID: op.ID, Type: string(op.Type), Status: "success", Data: map[string]interface{}{"specId": "checkout-flow"}}
	if err := b.Results.Append(res); err != nil {
		t.Fatalf("Results.Append: %v", err)
	}

	b.handleResultsChanged()

	queued, ok := b.Queue.ByID(op.ID)
	if !ok {
		t.Fatalf("expected operation %s to still be queued", op.ID)
	}
	if queued.Result["specId"] != "checkout-flow" {
		t.Errorf("expected reconciled result to be merged onto the operation, got %+v", queued.Result)
	}

	unreconciled, err := b.Results.Unreconciled()
	if err != nil {
		t.Fatalf("Unreconciled: %v", err)
	}
	if len(unreconciled) != 0 {
		t.Errorf("expected the reconciled entry to be dropped from the results file, got %d remaining", len(unreconciled))
	}
}
