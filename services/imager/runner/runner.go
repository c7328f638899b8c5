// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner executes one configured imaging run end to end: simulate
// the observation, run the pipeline, export products and keep the ledger.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skyimager/services/imager/config"
	"github.com/AleutianAI/skyimager/services/imager/export"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
	"github.com/AleutianAI/skyimager/services/imager/simulate"
	"github.com/AleutianAI/skyimager/services/imager/telemetry"
)

var tracer = otel.Tracer("skyimager.runner")

// Runner wires the pipeline to its ledger and sinks.
//
// Thread Safety: Safe for concurrent use; each Run builds its own
// controller and sinks.
type Runner struct {
	store     *runstore.Store
	logger    *slog.Logger
	observers []func(runID string, rec pipeline.CycleRecord)
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver receives the cycle records of every run, after the ledger
// has stored them.
func WithObserver(fn func(runID string, rec pipeline.CycleRecord)) Option {
	return func(r *Runner) {
		r.observers = append(r.observers, fn)
	}
}

// New returns a runner recording into store. A nil store disables the
// ledger.
func New(store *runstore.Store, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{store: store, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run images the observation described by cfg under id.
//
// Outputs:
//
//	*pipeline.Result - The pipeline outputs.
//	[]string - Exported artifact locations.
//	error - Simulation, pipeline or export failure. The ledger records the
//	failure before Run returns.
func (r *Runner) Run(ctx context.Context, id string, cfg *config.Config) (*pipeline.Result, []string, error) {
	ctx, span := tracer.Start(ctx, "runner.Run", trace.WithAttributes(
		attribute.String("run.id", id),
		attribute.String("run.strategy", cfg.Imaging.Strategy.String()),
	))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, r.logger).With(slog.String("run_id", id))
	start := time.Now()

	if r.store != nil {
		if err := r.store.Begin(ctx, id, cfg.Hash(), cfg.Imaging.Strategy.String()); err != nil {
			return nil, nil, fmt.Errorf("ledger: %w", err)
		}
	}

	res, artifacts, err := r.run(ctx, id, cfg, logger)

	if r.store != nil {
		// The run context may already be cancelled; the outcome is still
		// recorded.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := r.store.Finish(finishCtx, id, res, artifacts, err); ferr != nil {
			logger.Warn("failed to record run outcome", slog.String("error", ferr.Error()))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("run.final_state", res.FinalState.String()))
	logger.Info("run completed",
		slog.String("state", res.FinalState.String()),
		slog.Int("artifacts", len(artifacts)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, artifacts, nil
}

func (r *Runner) run(ctx context.Context, id string, cfg *config.Config, logger *slog.Logger) (*pipeline.Result, []string, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, nil, err
	}
	obs, err := simulate.Run(ctx, cfg.Simulation)
	if err != nil {
		return nil, nil, fmt.Errorf("simulate: %w", err)
	}

	var opts []pipeline.Option
	if r.store != nil {
		opts = append(opts, pipeline.WithObserver(func(runID string, rec pipeline.CycleRecord) {
			if err := r.store.AppendCycle(ctx, runID, rec); err != nil {
				logger.Warn("failed to record cycle", slog.Int("cycle", rec.Cycle), slog.String("error", err.Error()))
			}
		}))
	}
	if in := cfg.Export.Influx; in.URL != "" {
		history := export.NewHistorySink(in.URL, in.Token, in.Org, in.Bucket, logger)
		defer history.Close()
		opts = append(opts, pipeline.WithObserver(history.Observer(ctx)))
	}
	for _, fn := range r.observers {
		opts = append(opts, pipeline.WithObserver(fn))
	}

	ctl, err := pipeline.New(settings, logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	res, err := ctl.Run(ctx, pipeline.Input{RunID: id, Vis: obs.Vis})
	if err != nil {
		return nil, nil, err
	}

	sinks, closeSinks, err := r.sinks(ctx, cfg)
	if err != nil {
		return res, nil, err
	}
	defer closeSinks()
	artifacts, err := export.NewExporter(logger, sinks...).Export(ctx, id, res)
	if err != nil {
		return res, nil, err
	}
	return res, artifacts, nil
}

func (r *Runner) sinks(ctx context.Context, cfg *config.Config) ([]export.Sink, func(), error) {
	var sinks []export.Sink
	var closers []func() error
	if cfg.Export.Dir != "" {
		sinks = append(sinks, export.DirSink{Dir: cfg.Export.Dir})
	}
	if g := cfg.Export.GCS; g.Bucket != "" {
		gcs, err := export.NewGCSSink(ctx, g.Bucket, g.Prefix, g.CredentialsFile)
		if err != nil {
			return nil, func() {}, err
		}
		sinks = append(sinks, gcs)
		closers = append(closers, gcs.Close)
	}
	return sinks, func() {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		if err := errors.Join(errs...); err != nil {
			r.logger.Warn("failed to close export sinks", slog.String("error", err.Error()))
		}
	}, nil
}
