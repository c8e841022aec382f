// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/internal/ui"
	"github.com/specforged/broker/pkg/broker"
)

// StatusResult is the JSON shape of 'specforged status --json'.
type StatusResult struct {
	ExtensionOnline      bool      `json:"extensionOnline"`
	MCPServerOnline      bool      `json:"mcpServerOnline"`
	PendingOperations    int       `json:"pendingOperations"`
	InProgressOperations int       `json:"inProgressOperations"`
	FailedOperations     int       `json:"failedOperations"`
	CompletedOperations  int       `json:"completedOperations"`
	CancelledOperations  int       `json:"cancelledOperations"`
	ActiveConflicts      int       `json:"activeConflicts"`
	Specifications       int       `json:"specifications"`
	LastSync             time.Time `json:"lastSync"`
}

// runStatus executes the 'status' CLI command, reading the current sync
// state without starting the processing loop.
//
// Flags:
//   - --json: output as JSON
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		kerrors.FatalError(kerrors.NewValidationError(err.Error(), "check status --help for usage", err), globals.JSON)
	}

	cfg, err := broker.LoadConfig(configPath)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	cwd, err := os.Getwd()
	if err != nil {
		kerrors.FatalError(kerrors.NewInternalError("Cannot access working directory",
			err.Error(), "check system permissions and try again", err), globals.JSON)
	}

	b, err := broker.Open(cwd, cfg, nil, nil)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}
	defer b.Dispose()

	if err := b.ForceSync(); err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	state := b.GetSyncState()
	specs, err := b.ListSpecifications()
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	result := StatusResult{
		ExtensionOnline:      state.ExtensionOnline,
		MCPServerOnline:      state.MCPServerOnline,
		PendingOperations:    state.PendingOperations,
		InProgressOperations: state.InProgressOperations,
		FailedOperations:     state.FailedOperations,
		CompletedOperations:  state.CompletedOperations,
		CancelledOperations:  state.CancelledOperations,
		ActiveConflicts:      state.ActiveConflicts,
		Specifications:       len(specs),
		LastSync:             state.LastSync,
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			kerrors.FatalError(kerrors.NewInternalError("Cannot encode status", err.Error(), "this is a bug", err), globals.JSON)
		}
		return
	}

	fmt.Printf("extension:  %s\n", onlineGlyph(result.ExtensionOnline))
	fmt.Printf("mcp server: %s\n", onlineGlyph(result.MCPServerOnline))
	fmt.Printf("pending:    %d\n", result.PendingOperations)
	fmt.Printf("in_progress:%d\n", result.InProgressOperations)
	fmt.Printf("failed:     %d\n", result.FailedOperations)
	fmt.Printf("completed:  %d\n", result.CompletedOperations)
	fmt.Printf("cancelled:  %d\n", result.CancelledOperations)
	fmt.Printf("conflicts:  %d\n", result.ActiveConflicts)
	fmt.Printf("specs:      %d\n", result.Specifications)
}

func onlineGlyph(online bool) string {
	if online {
		return ui.Success.Sprint("online")
	}
	return ui.Failure.Sprint("offline")
}
