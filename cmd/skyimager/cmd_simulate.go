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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyimager/services/imager/simulate"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate the configured observation and summarise it",
	Args:  cobra.NoArgs,
	RunE:  runSimulateCommand,
}

var simulateJSON bool

func init() {
	simulateCmd.Flags().BoolVar(&simulateJSON, "json", false, "Print the summary as JSON")
}

func runSimulateCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	obs, err := simulate.Run(cmd.Context(), cfg.Simulation)
	if err != nil {
		return err
	}
	sum := simulate.Summarise(obs.Vis)
	if simulateJSON {
		return writeJSON(cmd, sum)
	}

	p := printer(cmd)
	p.Title("simulated observation")
	p.Field("antennas", cfg.Simulation.NAnt)
	p.Field("rows", sum.Rows)
	p.Field("baselines", sum.Baselines)
	p.Field("channels", sum.Channels)
	p.Field("pols", sum.Pols)
	p.Field("max baseline", fmt.Sprintf("%.1f m", sum.MaxBaseline))
	p.Field("max |w|", fmt.Sprintf("%.1f m", sum.MaxW))
	p.Field("total weight", fmt.Sprintf("%.4g", sum.TotalWeight))
	p.Field("fingerprint", obs.Vis.Fingerprint())
	return nil
}
