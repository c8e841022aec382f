// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify defines the Notification Sink (spec.md §4.7,
// component C7): the minimal contract the executor calls on
// progress/success/failure/conflict. Preferences (enable/disable by
// kind, quiet hours, minimum priority filter) belong to the sink's own
// implementation, not the broker's core state.
//
// Grounded on the null-object default used for Handler/logger fields in
// other_examples/4fb71dd5_iiAku-tezsign__broker-broker.go.go (options
// default to a no-op rather than requiring every caller to supply one).
package notify

import "github.com/specforged/broker/pkg/operation"

// Sink receives lifecycle events from the executor. The executor calls
// these synchronously from its single processing loop; a Sink
// implementation that blocks for a long time slows the loop.
type Sink interface {
	OnProgress(opID string, percent int, message string)
	OnSuccess(op *operation.Operation, result map[string]interface{})
	OnFailure(op *operation.Operation, err error)
	OnConflict(conflictID, description string, opIDs []string)
}

// NullSink discards every event; the default when no sink is
// configured.
type NullSink struct{}

func (NullSink) OnProgress(string, int, string)                        {}
func (NullSink) OnSuccess(*operation.Operation, map[string]interface{}) {}
func (NullSink) OnFailure(*operation.Operation, error)                  {}
func (NullSink) OnConflict(string, string, []string)                   {}

var _ Sink = NullSink{}
