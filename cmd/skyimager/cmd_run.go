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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyimager/pkg/ux"
	"github.com/AleutianAI/skyimager/services/imager/config"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/runner"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
	"github.com/AleutianAI/skyimager/services/imager/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Simulate an observation and image it",
	Long: `Simulates the configured observation, runs the imaging and
self-calibration pipeline to convergence or nmajor cycles, and writes the
model, residual, restored and PSF images as FITS.`,
	Args: cobra.NoArgs,
	RunE: runRunCommand,
}

var runFlags struct {
	out       string
	gcsBucket string
	store     string
	nmajor    int
	selfcal   bool
	jsonOut   bool
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.out, "out", "o", "", "Directory for FITS products (overrides export.dir)")
	f.StringVar(&runFlags.gcsBucket, "gcs-bucket", "", "Also upload products to this GCS bucket")
	f.StringVar(&runFlags.store, "store", "", "Run ledger directory (overrides store.path)")
	f.IntVar(&runFlags.nmajor, "nmajor", -1, "Override pipeline.nmajor")
	f.BoolVar(&runFlags.selfcal, "selfcal", false, "Enable self-calibration")
	f.BoolVar(&runFlags.jsonOut, "json", false, "Print the cycle history as JSON")
}

// applyRunFlags writes the command-line overrides into cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if runFlags.out != "" {
		cfg.Export.Dir = runFlags.out
	}
	if runFlags.gcsBucket != "" {
		cfg.Export.GCS.Bucket = runFlags.gcsBucket
	}
	if runFlags.store != "" {
		cfg.Store.Path = runFlags.store
	}
	if cmd.Flags().Changed("nmajor") {
		cfg.Pipeline.NMajor = runFlags.nmajor
	}
	if cmd.Flags().Changed("selfcal") {
		cfg.SelfCal.Enabled = runFlags.selfcal
	}
	return cfg.Validate()
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := newLogger(cfg, "skyimager-run")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Slog().Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	var store *runstore.Store
	if cfg.Store.Path != "" {
		scfg := runstore.DefaultConfig(cfg.Store.Path)
		scfg.Logger = logger.Slog()
		store, err = runstore.Open(scfg)
		if err != nil {
			return fmt.Errorf("open run ledger: %w", err)
		}
		defer store.Close()
	}

	p := printer(cmd)
	nmajor := cfg.Pipeline.NMajor
	progress := func(_ string, rec pipeline.CycleRecord) {
		if runFlags.jsonOut {
			return
		}
		p.Field(fmt.Sprintf("cycle %d", rec.Cycle),
			fmt.Sprintf("%s peak=%.4g flux=%.4g", p.ProgressBar(rec.Cycle+1, nmajor, 20), rec.ResidualPeak, rec.ModelFlux))
	}

	id := uuid.NewString()
	if !runFlags.jsonOut {
		p.Title("skyimager run " + id)
	}
	res, artifacts, err := runner.New(store, logger.Slog(), runner.WithObserver(progress)).Run(ctx, id, cfg)
	if err != nil {
		return err
	}
	if runFlags.jsonOut {
		return writeJSON(cmd, runSummary(res, artifacts))
	}
	printResult(p, res, artifacts)
	return nil
}

// summary is the --json form of a run.
type summary struct {
	RunID       string                 `json:"run_id"`
	FinalState  string                 `json:"final_state"`
	InitialPeak float64                `json:"initial_peak"`
	History     []pipeline.CycleRecord `json:"history"`
	BeamFWHMPix [2]float64             `json:"beam_fwhm_pixels"`
	Artifacts   []string               `json:"artifacts"`
}

func runSummary(res *pipeline.Result, artifacts []string) summary {
	major, minor := res.Beam.FWHM()
	if artifacts == nil {
		artifacts = []string{}
	}
	return summary{
		RunID:       res.RunID,
		FinalState:  res.FinalState.String(),
		InitialPeak: res.InitialPeak,
		History:     res.History,
		BeamFWHMPix: [2]float64{major, minor},
		Artifacts:   artifacts,
	}
}

func printResult(p *ux.Printer, res *pipeline.Result, artifacts []string) {
	rows := make([][]string, len(res.History))
	for i, c := range res.History {
		selfcal := "-"
		if c.SelfCal {
			selfcal = "yes"
			if c.Fallbacks > 0 {
				selfcal = "fallback"
			}
		}
		rows[i] = []string{
			fmt.Sprint(c.Cycle),
			fmt.Sprintf("%.4g", c.ResidualPeak),
			fmt.Sprintf("%.4g", c.ModelFlux),
			fmt.Sprint(c.Clean.Iterations),
			string(c.Clean.Stop),
			selfcal,
			fmt.Sprintf("%d/%d", c.NodesCached, c.NodesExecuted+c.NodesCached),
			c.Duration.Round(time.Millisecond).String(),
		}
	}
	p.Table([]string{"cycle", "peak", "flux", "clean", "stop", "selfcal", "cached", "time"}, rows)

	major, minor := res.Beam.FWHM()
	p.Field("initial peak", fmt.Sprintf("%.4g", res.InitialPeak))
	p.Field("beam (pix)", fmt.Sprintf("%.2f x %.2f", major, minor))
	for _, a := range artifacts {
		p.Field("artifact", a)
	}
	switch res.FinalState {
	case pipeline.StateConverged:
		p.Success(fmt.Sprintf("converged after %d cycles", len(res.History)))
	case pipeline.StateStalled:
		p.Warning(fmt.Sprintf("stalled after %d cycles: the last minor cycle made no progress", len(res.History)))
	default:
		p.Warning(fmt.Sprintf("stopped after %d cycles without converging", len(res.History)))
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
