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
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/skyimager/pkg/ux"
	"github.com/AleutianAI/skyimager/services/imager/config"
)

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file, asking for the common settings",
	Long: `Writes a configuration overlay. On a terminal a short form asks for
the imaging strategy, image size, cycle count and self-calibration; with
--yes, or without a terminal, the commented defaults are written instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInitCommand,
}

var configInitFlags struct {
	yes   bool
	force bool
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitFlags.yes, "yes", "y", false, "Skip the form and write the defaults")
	configInitCmd.Flags().BoolVar(&configInitFlags.force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}

// wizardAnswers holds the form fields. Numbers stay strings until
// overlay parses them, the way huh inputs hand them back.
type wizardAnswers struct {
	Strategy string
	NPixel   string
	CellSize string
	NMajor   string
	SelfCal  bool
	Global   bool
	ExportTo string
}

func defaultAnswers(cfg *config.Config) wizardAnswers {
	return wizardAnswers{
		Strategy: cfg.Imaging.Strategy.String(),
		NPixel:   strconv.Itoa(cfg.Image.NPixel),
		CellSize: strconv.FormatFloat(cfg.Image.CellSize, 'g', -1, 64),
		NMajor:   strconv.Itoa(cfg.Pipeline.NMajor),
		SelfCal:  cfg.SelfCal.Enabled,
		Global:   cfg.SelfCal.GlobalSolution,
		ExportTo: cfg.Export.Dir,
	}
}

// overlay renders the answers as a YAML overlay and checks that it parses
// into a valid configuration.
func (a wizardAnswers) overlay() ([]byte, error) {
	npixel, err := strconv.Atoi(a.NPixel)
	if err != nil {
		return nil, fmt.Errorf("image size: %w", err)
	}
	cell, err := strconv.ParseFloat(a.CellSize, 64)
	if err != nil {
		return nil, fmt.Errorf("cell size: %w", err)
	}
	nmajor, err := strconv.Atoi(a.NMajor)
	if err != nil {
		return nil, fmt.Errorf("major cycles: %w", err)
	}
	doc := map[string]any{
		"pipeline": map[string]any{"nmajor": nmajor},
		"image":    map[string]any{"npixel": npixel, "cellsize": cell},
		"imaging":  map[string]any{"strategy": a.Strategy},
		"selfcal":  map[string]any{"enabled": a.SelfCal, "global_solution": a.Global},
		"export":   map[string]any{"dir": a.ExportTo},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if _, err := config.Parse(data); err != nil {
		return nil, err
	}
	return data, nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return errors.New("enter a positive whole number")
	}
	return nil
}

func askAnswers(a *wizardAnswers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Imaging strategy").
				Options(huh.NewOptions("2d", "wstack", "timeslice", "facets", "wprojection")...).
				Value(&a.Strategy),
			huh.NewInput().Title("Image size (pixels)").Value(&a.NPixel).Validate(positiveInt),
			huh.NewInput().Title("Cell size (radians)").Value(&a.CellSize).Validate(func(s string) error {
				if v, err := strconv.ParseFloat(s, 64); err != nil || v <= 0 {
					return errors.New("enter a positive number")
				}
				return nil
			}),
			huh.NewInput().Title("Major cycles").Value(&a.NMajor).Validate(positiveInt),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable self-calibration?").Value(&a.SelfCal),
			huh.NewConfirm().Title("Solve gains over all partitions at once?").Value(&a.Global),
			huh.NewInput().Title("FITS output directory (empty for none)").Value(&a.ExportTo),
		),
	).Run()
}

func runConfigInitCommand(cmd *cobra.Command, args []string) error {
	path := "skyimager.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !configInitFlags.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	data := config.DefaultYAML()
	p := printer(cmd)
	if !configInitFlags.yes && p.Level() == ux.LevelFull {
		cfg, err := config.Default()
		if err != nil {
			return err
		}
		answers := defaultAnswers(cfg)
		if err := askAnswers(&answers); err != nil {
			return err
		}
		if data, err = answers.overlay(); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	p.Success("wrote " + path)
	return nil
}
