// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyimager/pkg/extensions"
	"github.com/AleutianAI/skyimager/services/imager/api"
	"github.com/AleutianAI/skyimager/services/imager/config"
	"github.com/AleutianAI/skyimager/services/imager/runner"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
	"github.com/AleutianAI/skyimager/services/imager/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the imaging pipeline over HTTP",
	Long: `Starts the HTTP API. When --config names a file it is watched and
valid edits apply to runs submitted afterwards; server limits and the
listen address are read once at start.`,
	Args: cobra.NoArgs,
	RunE: runServeCommand,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&apiToken, "token", "", "Require this bearer token on /v1 (default $"+tokenEnv+")")
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "skyimager-serve")
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	current := func() *config.Config { return cfg }
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, log)
		if err != nil {
			return err
		}
		watcher.Subscribe(func(c *config.Config) {
			log.Info("configuration reloaded", slog.String("hash", c.Hash()))
		})
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
		current = watcher.Current
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	scfg := runstore.DefaultConfig(cfg.Store.Path)
	scfg.Logger = log
	store, err := runstore.Open(scfg)
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	defer store.Close()

	hub := api.NewHub()
	ext := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(log))
	if token := resolveToken(); token != "" {
		ext = ext.WithAuth(extensions.NewTokenAuthProvider(token))
	} else {
		log.Warn("no API token configured; /v1 is open")
	}
	srv := api.New(current, store, runner.New(store, log, runner.WithObserver(hub.Publish)), log,
		api.WithHub(hub), api.WithExtensions(ext))

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", addr), slog.String("config_hash", cfg.Hash()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stop accepting requests first, then let in-flight runs record
	// their cancellation.
	httpErr := httpServer.Shutdown(shutdownCtx)
	runErr := srv.Shutdown(shutdownCtx)
	return errors.Join(httpErr, runErr)
}
