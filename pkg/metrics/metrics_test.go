// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperation_IncrementsCounters(t *testing.T) {
	r := New()
	r.ObserveOperation("update_requirements", "completed", 0.25)

	if got := testutil.ToFloat64(r.QueueOperations.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected counter 1, got %v", got)
	}
}

func TestSetQueueVersion_ReportsGauge(t *testing.T) {
	r := New()
	r.SetQueueVersion(42)
	if got := testutil.ToFloat64(r.QueueVersion); got != 42 {
		t.Errorf("expected gauge 42, got %v", got)
	}
}

func TestSetConflictsActive_ReportsGauge(t *testing.T) {
	r := New()
	r.SetConflictsActive(3)
	if got := testutil.ToFloat64(r.ConflictsActive); got != 3 {
		t.Errorf("expected gauge 3, got %v", got)
	}
}

func TestObserveFileWrite_IncrementsCounter(t *testing.T) {
	r := New()
	r.ObserveFileWrite("mcp-operations.json", "ok")
	if got := testutil.ToFloat64(r.FileWriteTotal.WithLabelValues("mcp-operations.json", "ok")); got != 1 {
		t.Errorf("expected counter 1, got %v", got)
	}
}
