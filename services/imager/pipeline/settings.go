// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/deconvolve"
	"github.com/AleutianAI/skyimager/services/imager/graphs"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// ErrInvalidSettings is returned for settings the controller cannot run.
var ErrInvalidSettings = errors.New("invalid pipeline settings")

// State is a major-cycle controller state.
type State int

const (
	StateInit State = iota
	StateInvert
	StateDeconvolve
	StatePredictModel
	StateResidual
	StateConverged
	StateExhausted
	StateStalled
)

var stateNames = map[State]string{
	StateInit:         "init",
	StateInvert:       "invert",
	StateDeconvolve:   "deconvolve",
	StatePredictModel: "predict_model",
	StateResidual:     "residual",
	StateConverged:    "converged",
	StateExhausted:    "exhausted",
	StateStalled:      "stalled",
}

// String returns the state label.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state label.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the run has ended.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateExhausted || s == StateStalled
}

// SelfCal configures self-calibration.
type SelfCal struct {
	Enabled bool
	// FirstCycle is the 0-based major cycle from which gains are solved.
	FirstCycle int
	// GlobalSolution solves one table from all partitions.
	GlobalSolution bool
	// Solver estimates gains. Nil selects calibration.DefaultSolver().
	Solver calibration.Solver
}

// Coalesce configures baseline-dependent averaging before imaging.
type Coalesce struct {
	Enabled            bool
	TimeTolerance      float64
	FrequencyTolerance float64
}

// Settings is the controller configuration.
type Settings struct {
	Geometry image.Geometry

	Strategy  kernel.Strategy
	VisSlices int
	Facets    int

	// PartitionAxis and Partitions split the observation into graph entries.
	PartitionAxis visibility.Axis
	Partitions    int

	// Weighting is applied to each partition entry separately, so uniform
	// weights depend on Partitions. Natural weighting does not.
	Weighting visibility.Weighting

	Clean              deconvolve.Params
	DeconvolveMode     graphs.DeconvolveMode
	DeconvolveChannels int

	// NMajor bounds the number of major cycles. The run converges once the
	// peak absolute residual after a cycle is strictly below
	// Clean.Threshold, an absolute level in Jy/beam. FractionalThreshold
	// only bounds each minor cycle. A cycle whose minor cycle makes no
	// iteration ends the run as stalled.
	NMajor int

	SelfCal  SelfCal
	Coalesce Coalesce

	// Workers bounds concurrently running graph nodes; 0 selects
	// runtime.GOMAXPROCS(0).
	Workers     int
	NodeTimeout time.Duration
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if err := s.Geometry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if _, err := kernel.Describe(s.Strategy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if _, err := visibility.ParseAxis(string(s.PartitionAxis)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if err := s.Clean.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	switch {
	case s.NMajor < 0:
		return fmt.Errorf("%w: nmajor %d", ErrInvalidSettings, s.NMajor)
	case s.Partitions < 0 || s.VisSlices < 0 || s.Facets < 0 || s.Workers < 0:
		return fmt.Errorf("%w: negative count", ErrInvalidSettings)
	case s.SelfCal.FirstCycle < 0:
		return fmt.Errorf("%w: first_selfcal %d", ErrInvalidSettings, s.SelfCal.FirstCycle)
	case s.Coalesce.TimeTolerance < 0 || s.Coalesce.FrequencyTolerance < 0:
		return fmt.Errorf("%w: negative coalesce tolerance", ErrInvalidSettings)
	}
	switch s.DeconvolveMode {
	case "", graphs.DeconvolveWhole, graphs.DeconvolveFacets, graphs.DeconvolveChannels:
	default:
		return fmt.Errorf("%w: deconvolve mode %q", ErrInvalidSettings, s.DeconvolveMode)
	}
	return nil
}

// selfCalStartsAfter reports whether self-calibration switches on in the
// cycle following cycle, which changes the data the next minor cycle sees.
func (s Settings) selfCalStartsAfter(cycle int) bool {
	return s.SelfCal.Enabled && cycle+1 == s.SelfCal.FirstCycle
}

func (s Settings) plannerOptions() graphs.Options {
	return graphs.Options{
		Geometry:           s.Geometry,
		Strategy:           s.Strategy,
		VisSlices:          s.VisSlices,
		Facets:             s.Facets,
		Clean:              s.Clean,
		DeconvolveMode:     s.DeconvolveMode,
		DeconvolveChannels: s.DeconvolveChannels,
		Solver:             s.SelfCal.Solver,
		GlobalSolution:     s.SelfCal.GlobalSolution,
		NodeTimeout:        s.NodeTimeout,
	}
}
