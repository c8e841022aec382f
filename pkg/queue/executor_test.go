// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/specforged/broker/pkg/atomicfile"
	"github.com/specforged/broker/pkg/conflict"
	"github.com/specforged/broker/pkg/operation"
)

type fakeDispatcher struct {
	calls int
	err   error
	data  map[string]interface{}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, op *operation.Operation) (map[string]interface{}, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.data != nil {
		return f.data, nil
	}
	return map[string]interface{}{"specId": op.Params.SpecID}, nil
}

func newTestExecutor(t *testing.T, dispatcher Dispatcher) (*Executor, *Queue) {
	t.Helper()
	dir := t.TempDir()
	q, err := New(filepath.Join(dir, "mcp-operations.json"), atomicfile.DefaultOptions("queue.v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results := NewResultStore(filepath.Join(dir, "mcp-results.json"), atomicfile.DefaultOptions("results.v1"))
	detector := conflict.New(func(string) bool { return true })
	resolver := conflict.NewResolver(func(string) bool { return true })
	return NewExecutor(q, results, dispatcher, nil, detector, resolver, nil), q
}

func TestSubmit_RejectsDuplicateSignatureWithinWindow(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeDispatcher{})
	intent := operation.Intent{Type: operation.TypeUpdateRequirements, Params: operation.Params{SpecID: "s1", Content: "x"}, Priority: operation.PriorityNormal, Source: operation.SourceMCP}

	if _, err := e.Submit(intent); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := e.Submit(intent); err == nil {
		t.Fatalf("expected DUPLICATE_OPERATION on second identical submission")
	}
}

func TestSubmit_RejectsWhenDisposed(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeDispatcher{})
	e.Dispose()
	_, err := e.Submit(operation.Intent{Type: operation.TypeHeartbeat})
	if err == nil {
		t.Fatalf("expected SERVICE_UNAVAILABLE after Dispose")
	}
}

func TestTick_DispatchesEligibleOperationAndRecordsSuccess(t *testing.T) {
	d := &fakeDispatcher{}
	e, q := newTestExecutor(t, d)
	_, err := e.Submit(operation.Intent{Type: operation.TypeUpdateRequirements, Params: operation.Params{SpecID: "s1", Content: "x"}, Priority: operation.PriorityNormal, Source: operation.SourceMCP})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	processed, ok := e.Tick(context.Background())
	if !ok || processed != 1 {
		t.Fatalf("expected one operation processed, got %d ok=%v", processed, ok)
	}
	if d.calls != 1 {
		t.Fatalf("expected dispatcher called once, got %d", d.calls)
	}

	ops := q.Operations()
	if ops[0].Status != operation.StatusCompleted {
		t.Errorf("expected completed status, got %v", ops[0].Status)
	}
	if ops[0].StartedAt == nil {
		t.Errorf("expected startedAt to be stamped once the operation left pending (invariant I1)")
	}
}

func TestTick_FailureSchedulesRetry(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("disk full")}
	e, q := newTestExecutor(t, d)
	_, err := e.Submit(operation.Intent{Type: operation.TypeUpdateRequirements, Params: operation.Params{SpecID: "s1", Content: "x"}, Priority: operation.PriorityNormal, Source: operation.SourceMCP})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, ok := e.Tick(context.Background()); !ok {
		t.Fatalf("expected tick to run")
	}

	ops := q.Operations()
	if ops[0].Status != operation.StatusPending {
		t.Errorf("expected pending (awaiting retry), got %v", ops[0].Status)
	}
	if ops[0].NextRetryAt == nil {
		t.Errorf("expected nextRetryAt to be set after a retryable failure")
	}
}

func TestTick_NoOpWhileAlreadyProcessing(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeDispatcher{})
	e.isProcessing = true
	if _, ok := e.Tick(context.Background()); ok {
		t.Errorf("expected Tick to no-op while isProcessing is true")
	}
}

func TestTick_RoutesSyncStatusToRemoteDispatcher(t *testing.T) {
	remote := &fakeDispatcher{data: map[string]interface{}{"ok": true}}
	dir := t.TempDir()
	q, err := New(filepath.Join(dir, "mcp-operations.json"), atomicfile.DefaultOptions("queue.v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results := NewResultStore(filepath.Join(dir, "mcp-results.json"), atomicfile.DefaultOptions("results.v1"))
	detector := conflict.New(func(string) bool { return true })
	resolver := conflict.NewResolver(func(string) bool { return true })
	e := NewExecutor(q, results, &fakeDispatcher{}, remote, detector, resolver, nil)

	_, err = e.Submit(operation.Intent{Type: operation.TypeSyncStatus, Priority: operation.PriorityNormal, Source: operation.SourceExtension})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := e.Tick(context.Background()); !ok {
		t.Fatalf("expected tick to run")
	}
	if remote.calls != 1 {
		t.Fatalf("expected remote dispatcher called once, got %d", remote.calls)
	}
}

func TestTick_SyncStatusWithoutRemoteSucceedsAsNoOp(t *testing.T) {
	e, q := newTestExecutor(t, &fakeDispatcher{})

	_, err := e.Submit(operation.Intent{Type: operation.TypeSyncStatus, Priority: operation.PriorityNormal, Source: operation.SourceExtension})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := e.Tick(context.Background()); !ok {
		t.Fatalf("expected tick to run")
	}
	ops := q.Operations()
	if ops[0].Status != operation.StatusCompleted {
		t.Errorf("expected sync_status with no remote configured to complete as a no-op, got %v", ops[0].Status)
	}
}
