// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyimager/pkg/logging"
	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

func TestDefault_IsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Pipeline.NMajor)
	assert.Equal(t, kernel.WStack, cfg.Imaging.Strategy)
	assert.Equal(t, visibility.AxisTime, cfg.Partition.Axis)
	assert.True(t, cfg.SelfCal.GlobalSolution)
	assert.Len(t, cfg.Simulation.Components, 2)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
pipeline:
  nmajor: 3
  node_timeout: 30s
imaging:
  strategy: timeslice
selfcal:
  enabled: true
  solve: amplitude_phase
`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.NMajor)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.NodeTimeout)
	assert.Equal(t, kernel.TimeSlice, cfg.Imaging.Strategy)
	assert.True(t, cfg.SelfCal.Enabled)
	assert.Equal(t, calibration.SolveAmplitudePhase, cfg.SelfCal.Solve)
	// Untouched keys keep their defaults.
	assert.Equal(t, 64, cfg.Image.NPixel)
	assert.Equal(t, 0.1, cfg.Deconvolution.Gain)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "pipeline:\n  nmajors: 3\n"},
		{"unknown strategy", "imaging:\n  strategy: fft\n"},
		{"gain above one", "deconvolution:\n  gain: 1.5\n"},
		{"zero gain", "deconvolution:\n  gain: 0\n"},
		{"negative first selfcal", "selfcal:\n  first_selfcal: -1\n"},
		{"bad axis", "partition:\n  axis: baseline\n"},
		{"bad weighting", "imaging:\n  weighting: robust\n"},
		{"facets do not divide", "imaging:\n  strategy: facets\n  facets: 5\n"},
		{"refant out of range", "selfcal:\n  refant: 40\n"},
		{"influx without org", "export:\n  influx:\n    url: http://localhost:8086\n"},
		{"bad fractional threshold", "deconvolution:\n  fractional_threshold: 1\n"},
		{"too few antennas", "simulation:\n  nant: 1\n"},
		{"gcs prefix traversal", "export:\n  gcs:\n    prefix: ../other\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSettings_CarriesEverySection(t *testing.T) {
	cfg, err := Parse([]byte(`
partition: {axis: frequency, count: 2}
deconvolution: {mode: channels, channels: 1, algorithm: msclean}
selfcal: {enabled: true, first_selfcal: 2, global_solution: false}
coalesce: {enabled: true, time_tolerance: 10}
pipeline: {workers: 3}
`))
	require.NoError(t, err)
	s, err := cfg.Settings()
	require.NoError(t, err)

	assert.Equal(t, visibility.AxisFrequency, s.PartitionAxis)
	assert.Equal(t, 2, s.Partitions)
	assert.Equal(t, 64, s.Geometry.NX)
	assert.Equal(t, cfg.Simulation.NPol, s.Geometry.NPol)
	assert.Equal(t, 2, s.SelfCal.FirstCycle)
	assert.False(t, s.SelfCal.GlobalSolution)
	assert.True(t, s.Coalesce.Enabled)
	assert.Equal(t, 10.0, s.Coalesce.TimeTolerance)
	assert.Equal(t, 3, s.Workers)
	require.IsType(t, &calibration.AntennaSolver{}, s.SelfCal.Solver)
	assert.Equal(t, cfg.SelfCal.MaxIter, s.SelfCal.Solver.(*calibration.AntennaSolver).MaxIter)
}

func TestLogging(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: debug\n  format: json\n  dir: /tmp/logs\n"))
	require.NoError(t, err)
	lc := cfg.Logging("skyimager-serve")
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "/tmp/logs", lc.Dir)
	assert.Equal(t, "skyimager-serve", lc.Service)
}

func TestHash_TracksContent(t *testing.T) {
	a, err := Default()
	require.NoError(t, err)
	b, err := a.Clone()
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())

	b.Pipeline.NMajor++
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestYAML_RoundTrips(t *testing.T) {
	a, err := Default()
	require.NoError(t, err)
	data, err := a.YAML()
	require.NoError(t, err)

	b, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.NMajor)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  nmajor: 2\n"), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pipeline.NMajor)
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  nmajor: 2\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	reloaded := make(chan *Config, 4)
	w.Subscribe(func(c *Config) { reloaded <- c })
	assert.Equal(t, 2, w.Current().Pipeline.NMajor)

	// An invalid edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("deconvolution:\n  gain: 7\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, w.Current().Pipeline.NMajor)

	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  nmajor: 5\n"), 0o644))
	select {
	case c := <-reloaded:
		assert.Equal(t, 5, c.Pipeline.NMajor)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	assert.Equal(t, 5, w.Current().Pipeline.NMajor)
}
