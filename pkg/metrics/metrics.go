// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes the broker's Prometheus instrumentation over
// /metrics, the same way cmd/cie/index.go mounts promhttp.Handler() on
// its own mux — here backed by a dedicated registry and a fixed set of
// collectors instead of the default global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the broker's collectors behind one prometheus.Registerer
// so cmd/specforged can mount promhttp.HandlerFor(registry.Registry, ...)
// without reaching into package-level globals.
type Registry struct {
	Registry *prometheus.Registry

	QueueOperations   *prometheus.CounterVec
	QueueVersion      prometheus.Gauge
	ConflictsActive   prometheus.Gauge
	OperationDuration *prometheus.HistogramVec
	FileWriteTotal    *prometheus.CounterVec
}

// New constructs a Registry with all broker collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registry: reg,
		QueueOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specforged",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Operations processed by the queue, by terminal status.",
		}, []string{"status"}),
		QueueVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "specforged",
			Subsystem: "queue",
			Name:      "version",
			Help:      "Current mcp-operations.json version counter.",
		}),
		ConflictsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "specforged",
			Name:      "conflicts_active",
			Help:      "Number of unresolved conflicts.",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "specforged",
			Name:      "operation_duration_seconds",
			Help:      "Dispatch duration per operation type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		FileWriteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specforged",
			Name:      "file_write_total",
			Help:      "Atomic file writes, by target file and result.",
		}, []string{"file", "result"}),
	}

	reg.MustRegister(
		r.QueueOperations,
		r.QueueVersion,
		r.ConflictsActive,
		r.OperationDuration,
		r.FileWriteTotal,
	)
	return r
}

// ObserveOperation records a terminal operation outcome and its dispatch
// duration.
func (r *Registry) ObserveOperation(opType, status string, durationSeconds float64) {
	r.QueueOperations.WithLabelValues(status).Inc()
	r.OperationDuration.WithLabelValues(opType).Observe(durationSeconds)
}

// SetQueueVersion reports the current mcp-operations.json version.
func (r *Registry) SetQueueVersion(v int) {
	r.QueueVersion.Set(float64(v))
}

// SetConflictsActive reports the current unresolved conflict count.
func (r *Registry) SetConflictsActive(n int) {
	r.ConflictsActive.Set(float64(n))
}

// ObserveFileWrite records one atomic file write attempt.
func (r *Registry) ObserveFileWrite(file, result string) {
	r.FileWriteTotal.WithLabelValues(file, result).Inc()
}
