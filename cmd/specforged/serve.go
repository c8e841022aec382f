// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	kerrors "github.com/specforged/broker/internal/errors"
	"github.com/specforged/broker/pkg/broker"
)

// runServe starts the broker event loop and blocks until interrupted,
// the way cmd/cie/index.go starts an optional Prometheus endpoint
// alongside its own long-running work and waits on a signal channel.
//
// Flags:
//   - --metrics-addr: HTTP address to expose Prometheus metrics on (default: disabled)
//   - --debug: enable debug-level logging
func runServe(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "HTTP address for Prometheus metrics (empty disables)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		kerrors.FatalError(kerrors.NewValidationError(err.Error(), "check serve --help for usage", err), globals.JSON)
	}

	cfg, err := broker.LoadConfig(configPath)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cwd, err := os.Getwd()
	if err != nil {
		kerrors.FatalError(kerrors.NewInternalError("Cannot access working directory",
			err.Error(), "check system permissions and try again", err), globals.JSON)
	}

	b, err := broker.Open(cwd, cfg, nil, logger)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(b.Metrics.Registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	fmt.Printf("specforged serving %s\n", cwd)
	b.Start(ctx)
	return 0
}
