// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/broker"
	"github.com/specforged/broker/pkg/operation"
)

// runSubmit executes the 'submit' CLI command: construct one
// OperationIntent from flags, hand it to the broker, and exit. It does
// not start the processing loop — `specforged serve` owns that; submit
// only appends to the durable queue for the running (or next) serve
// process to pick up.
//
// Flags:
//   - --type: operation type (required, e.g. create_spec)
//   - --spec-id, --name, --description, --content, --path: operation params
//   - --priority: low|normal|high|urgent (default: normal)
func runSubmit(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	opType := fs.String("type", "", "Operation type, e.g. create_spec")
	specID := fs.String("spec-id", "", "Specification id")
	name := fs.String("name", "", "Specification name (create_spec)")
	description := fs.String("description", "", "Specification description (create_spec)")
	content := fs.String("content", "", "Document content (update_requirements/design/tasks)")
	path := fs.String("path", "", "Workspace-relative file path (file_* operations)")
	priorityName := fs.String("priority", "normal", "low|normal|high|urgent")
	if err := fs.Parse(args); err != nil {
		kerrors.FatalError(kerrors.NewValidationError(err.Error(), "check submit --help for usage", err), globals.JSON)
	}

	if *opType == "" {
		kerrors.FatalError(kerrors.NewValidationError("--type is required",
			"pass one of the operation types named in the submission API", nil), globals.JSON)
	}

	priority, err := parsePriority(*priorityName)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
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

	intent := operation.Intent{
		Type: operation.Type(*opType),
		Params: operation.Params{
			SpecID:      *specID,
			Name:        *name,
			Description: *description,
			Content:     *content,
			Path:        *path,
		},
		Priority: priority,
		Source:   operation.SourceExtension,
	}

	op, err := b.Submit(intent)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(map[string]interface{}{"operationId": op.ID, "queued": true}); err != nil {
			kerrors.FatalError(kerrors.NewInternalError("Cannot encode result", err.Error(), "this is a bug", err), globals.JSON)
		}
		return
	}
	fmt.Printf("queued %s (%s)\n", op.ID, op.Type)
}

func parsePriority(name string) (operation.Priority, error) {
	switch name {
	case "low":
		return operation.PriorityLow, nil
	case "normal":
		return operation.PriorityNormal, nil
	case "high":
		return operation.PriorityHigh, nil
	case "urgent":
		return operation.PriorityUrgent, nil
	default:
		return 0, kerrors.NewValidationError(
			fmt.Sprintf("unknown priority %q", name), "use one of low, normal, high, urgent", nil)
	}
}
