// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/internal/ui"
	"github.com/specforged/broker/pkg/broker"
)

// runInit executes the 'init' CLI command, writing a default
// .vscode/specforge.yaml into the current workspace.
//
// Flags:
//   - --force: overwrite an existing configuration file (default: false)
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing configuration file")
	if err := fs.Parse(args); err != nil {
		kerrors.FatalError(kerrors.NewValidationError(err.Error(), "check init --help for usage", err), globals.JSON)
	}

	cwd, err := os.Getwd()
	if err != nil {
		kerrors.FatalError(kerrors.NewInternalError("Cannot access working directory",
			err.Error(), "check system permissions and try again", err), globals.JSON)
	}

	path := broker.ConfigPath(cwd)
	if _, statErr := os.Stat(path); statErr == nil && !*force {
		kerrors.FatalError(kerrors.NewValidationError(
			fmt.Sprintf("%s already exists", path), "pass --force to overwrite it", nil), globals.JSON)
	}

	if err := broker.SaveConfig(broker.DefaultConfig(), path); err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	if !globals.Quiet {
		fmt.Printf("%s Wrote %s\n", ui.Success.Sprint("✓"), path)
	}
}
