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

	"github.com/AleutianAI/skyimager/services/imager/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect and check configuration",
	}
	configPrintCmd = &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration (defaults plus --config)",
		Args:  cobra.NoArgs,
		RunE:  runConfigPrintCommand,
	}
	configDefaultsCmd = &cobra.Command{
		Use:   "defaults",
		Short: "Print the built-in default configuration with comments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write(config.DefaultYAML())
			return err
		},
	}
	configValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print its hash",
		Args:  cobra.NoArgs,
		RunE:  runConfigValidateCommand,
	}
)

func init() {
	configCmd.AddCommand(configPrintCmd, configDefaultsCmd, configValidateCmd)
}

func runConfigPrintCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigValidateCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := printer(cmd)
	source := configPath
	if source == "" {
		source = "built-in defaults"
	}
	p.Success(source + " is valid")
	p.Field("hash", cfg.Hash())
	p.Field("strategy", cfg.Imaging.Strategy.String())
	g := cfg.Geometry()
	p.Field("image", fmt.Sprintf("%d x %d px, %d chan, %d pol", g.NX, g.NY, g.NChan(), g.NPol))
	return nil
}
