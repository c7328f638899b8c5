// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command skyimager simulates interferometer observations and images them
// with the partitioned major/minor cycle pipeline.
//
//	skyimager run --config imaging.yaml --out ./products
//	skyimager simulate --config imaging.yaml
//	skyimager serve --config imaging.yaml
//	skyimager config print
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyimager/pkg/logging"
	"github.com/AleutianAI/skyimager/pkg/ux"
	"github.com/AleutianAI/skyimager/services/imager/config"
)

// version is overridden at link time.
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:           "skyimager",
		Short:         "Radio interferometric imaging and self-calibration",
		Long:          `skyimager grids, deconvolves and self-calibrates visibility data with a task-graph pipeline that can run locally or behind an HTTP API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath string
	outputMode string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration overlaid on the built-in defaults")
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "", "Terminal output: full, minimal or machine (default: detect)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level from the configuration")

	rootCmd.AddCommand(runCmd, simulateCmd, serveCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ux.NewPrinter(os.Stderr, outputLevel()).Error(err.Error())
		os.Exit(1)
	}
}

// loadConfig reads --config, or the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section. It also
// becomes slog's default so library code that falls back to
// slog.Default logs the same way.
func newLogger(cfg *config.Config, service string) (*logging.Logger, error) {
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging(service))
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Slog())
	return logger, nil
}

// outputLevel is the --output flag, or "" to detect from the terminal.
func outputLevel() ux.Level {
	if outputMode == "" {
		return ""
	}
	return ux.ParseLevel(outputMode)
}

func printer(cmd *cobra.Command) *ux.Printer {
	return ux.NewPrinter(cmd.OutOrStdout(), outputLevel())
}
