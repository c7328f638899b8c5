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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/deconvolve"
	"github.com/AleutianAI/skyimager/services/imager/graphs"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/simulate"
	"github.com/AleutianAI/skyimager/services/imager/skymodel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

var phase = visibility.Direction{Dec: -0.45}

func testSettings() Settings {
	return Settings{
		Geometry:      image.NewGeometry(16, 2e-3, []float64{1e8}, 1, phase),
		Strategy:      kernel.WStack,
		VisSlices:     2,
		PartitionAxis: visibility.AxisTime,
		Partitions:    2,
		Clean: deconvolve.Params{
			Algorithm: deconvolve.AlgorithmHogbom,
			Niter:     200,
			Gain:      0.2,
			Threshold: 0.01,
		},
		NMajor:  8,
		Workers: 4,
	}
}

func sources(g image.Geometry) []skymodel.Component {
	l1, m1 := g.LM(10, 5)
	l2, m2 := g.LM(4, 11)
	return []skymodel.Component{
		{Name: "a", L: l1, M: m1, Flux: []float64{2}},
		{Name: "b", L: l2, M: m2, Flux: []float64{0.7}},
	}
}

func observe(t *testing.T, gainError float64, freqs ...float64) *simulate.Observation {
	t.Helper()
	if len(freqs) == 0 {
		freqs = []float64{1e8}
	}
	obs, err := simulate.Run(context.Background(), simulate.Config{
		Layout:      simulate.LayoutRing,
		NAnt:        7,
		Radius:      500,
		Latitude:    -0.5,
		NTimes:      4,
		Integration: 400,
		StartHA:     -0.2,
		Frequencies: freqs,
		NPol:        1,
		Phase:       phase,
		Components:  sources(testSettings().Geometry),
		GainError:   gainError,
		Seed:        11,
	})
	require.NoError(t, err)
	return obs
}

func runPipeline(t *testing.T, s Settings, vis *visibility.Visibility, opts ...Option) *Result {
	t.Helper()
	c, err := New(s, nil, opts...)
	require.NoError(t, err)
	res, err := c.Run(context.Background(), Input{Vis: vis})
	require.NoError(t, err)
	return res
}

type neverConverges struct{}

func (neverConverges) Solve(_ context.Context, _, _ *visibility.Visibility) (*calibration.GainTable, error) {
	return nil, calibration.ErrNonConvergence
}

func TestRun_PointSourcesConverge(t *testing.T) {
	obs := observe(t, 0)
	res := runPipeline(t, testSettings(), obs.Vis)

	assert.Equal(t, StateConverged, res.FinalState)
	require.NotEmpty(t, res.History)
	last := res.History[len(res.History)-1]
	assert.LessOrEqual(t, last.ResidualPeak, 0.01)
	assert.Less(t, last.ResidualPeak, res.InitialPeak)
	assert.InDelta(t, 2.7, res.Model.Sum(), 0.1)

	peak := res.Model.PeakAbs()
	assert.Equal(t, 10, peak.X)
	assert.Equal(t, 5, peak.Y)

	require.NotNil(t, res.Restored)
	assert.True(t, res.Restored.Geometry.SameGrid(res.Model.Geometry))
	major, minor := res.Beam.FWHM()
	assert.Greater(t, major, 0.0)
	assert.GreaterOrEqual(t, major, minor)
}

func TestRun_StateSequence(t *testing.T) {
	s := testSettings()
	s.NMajor = 2
	s.Clean.Threshold = 0
	s.Clean.Niter = 20
	res := runPipeline(t, s, observe(t, 0).Vis)

	want := []State{StateInit}
	for i := 0; i < 2; i++ {
		want = append(want, StateInvert, StateDeconvolve, StatePredictModel, StateResidual)
	}
	want = append(want, StateExhausted)
	assert.Equal(t, want, res.Transitions)
	assert.Equal(t, StateExhausted, res.FinalState)
	assert.Len(t, res.History, 2)
}

func TestRun_LaterCyclesReuseEarlierWork(t *testing.T) {
	s := testSettings()
	s.NMajor = 2
	s.Clean.Threshold = 0
	s.Clean.Niter = 20
	res := runPipeline(t, s, observe(t, 0).Vis)

	require.Len(t, res.History, 2)
	for _, rec := range res.History {
		// PSF, partitions and the incoming residual come from the memo.
		assert.Greater(t, rec.NodesCached, 0, "cycle %d", rec.Cycle)
	}
}

func TestRun_ObserverSeesEveryCycle(t *testing.T) {
	s := testSettings()
	s.NMajor = 3
	s.Clean.Threshold = 0
	s.Clean.Niter = 20

	var seen []int
	var ids []string
	res := runPipeline(t, s, observe(t, 0).Vis, WithObserver(func(id string, rec CycleRecord) {
		seen = append(seen, rec.Cycle)
		ids = append(ids, id)
	}))

	assert.Equal(t, []int{0, 1, 2}, seen)
	for _, id := range ids {
		assert.Equal(t, res.RunID, id)
	}
}

func TestRun_SelfCalFallbackMatchesPlainImaging(t *testing.T) {
	obs := observe(t, 0.05)

	s := testSettings()
	s.NMajor = 3
	s.Clean.Threshold = 0
	s.Clean.Niter = 20
	plain := runPipeline(t, s, obs.Vis)

	s.SelfCal = SelfCal{Enabled: true, FirstCycle: 1, GlobalSolution: true, Solver: neverConverges{}}
	fallback := runPipeline(t, s, obs.Vis)

	assert.Equal(t, plain.Model.Fingerprint(), fallback.Model.Fingerprint())
	assert.Equal(t, plain.Residual.Fingerprint(), fallback.Residual.Fingerprint())
	require.Len(t, fallback.History, 3)
	assert.False(t, fallback.History[0].SelfCal)
	assert.True(t, fallback.History[1].SelfCal)
	assert.Equal(t, 1, fallback.History[1].Fallbacks)
	assert.Nil(t, fallback.Gains)
}

func TestRun_SelfCalImprovesCorruptedData(t *testing.T) {
	obs := observe(t, 0.15)

	s := testSettings()
	s.NMajor = 6
	s.Clean.Threshold = 0
	plain := runPipeline(t, s, obs.Vis)

	s.SelfCal = SelfCal{Enabled: true, FirstCycle: 1, GlobalSolution: true}
	calibrated := runPipeline(t, s, obs.Vis)

	plainPeak := plain.History[len(plain.History)-1].ResidualPeak
	calPeak := calibrated.History[len(calibrated.History)-1].ResidualPeak
	assert.Less(t, calPeak, plainPeak)
	require.NotNil(t, calibrated.Gains)
	assert.Equal(t, 0, calibrated.History[len(calibrated.History)-1].Fallbacks)
}

func TestRun_ThresholdIsAbsoluteAndStrict(t *testing.T) {
	obs := observe(t, 0)
	s := testSettings()
	s.Clean.Niter = 0
	s.Clean.Threshold = 1e6
	res := runPipeline(t, s, obs.Vis)
	// Jy/beam, not a fraction of the dirty peak.
	assert.Equal(t, StateConverged, res.FinalState)
	require.Len(t, res.History, 1)

	s.Clean.Threshold = res.History[0].ResidualPeak
	res = runPipeline(t, s, obs.Vis)
	assert.NotEqual(t, StateConverged, res.FinalState)
}

func TestRun_ZeroIterationCycleStalls(t *testing.T) {
	obs := observe(t, 0)
	s := testSettings()
	s.Clean.Niter = 0
	res := runPipeline(t, s, obs.Vis)

	assert.Equal(t, StateStalled, res.FinalState)
	require.Len(t, res.History, 1)
	assert.Zero(t, res.History[0].Clean.Iterations)
	assert.Greater(t, res.History[0].ResidualPeak, s.Clean.Threshold)
	assert.Equal(t, []State{StateInit, StateInvert, StateDeconvolve, StatePredictModel, StateResidual, StateStalled}, res.Transitions)
	require.NotNil(t, res.Restored)

	// Self-calibration switching on may change the next cycle's data.
	s.SelfCal = SelfCal{Enabled: true, FirstCycle: 1, GlobalSolution: true, Solver: neverConverges{}}
	res = runPipeline(t, s, obs.Vis)
	assert.Equal(t, StateStalled, res.FinalState)
	require.Len(t, res.History, 2)
	assert.True(t, res.History[1].SelfCal)
}

// invarianceCase runs one configuration against a reference run with a
// single partition, a single slice and one worker.
type invarianceCase struct {
	name   string
	freqs  []float64
	mutate func(*Settings)
}

func TestRun_PartitioningDoesNotChangeResults(t *testing.T) {
	cases := []invarianceCase{
		{name: "time3_slices2_w8", mutate: func(s *Settings) {
			s.PartitionAxis, s.Partitions, s.VisSlices, s.Workers = visibility.AxisTime, 3, 2, 8
		}},
		{name: "over_partition20", mutate: func(s *Settings) {
			s.PartitionAxis, s.Partitions = visibility.AxisTime, 20
		}},
		{name: "wplane5", mutate: func(s *Settings) {
			s.PartitionAxis, s.Partitions = visibility.AxisWPlane, 5
		}},
		{name: "facets2", mutate: func(s *Settings) {
			s.Strategy, s.Facets, s.Workers = kernel.Facet, 2, 4
		}},
		{name: "freq2", freqs: []float64{1e8, 1.2e8}, mutate: func(s *Settings) {
			s.PartitionAxis, s.Partitions, s.Workers = visibility.AxisFrequency, 2, 4
		}},
		{name: "workers8", mutate: func(s *Settings) {
			s.Workers = 8
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := observe(t, 0, tc.freqs...)

			ref := testSettings()
			if len(tc.freqs) > 0 {
				ref.Geometry = image.NewGeometry(16, 2e-3, tc.freqs, 1, phase)
			}
			ref.NMajor = 2
			ref.Clean.Niter = 30
			ref.Clean.Threshold = 0
			tc.mutate(&ref)
			got := runPipeline(t, ref, obs.Vis)

			ref.PartitionAxis, ref.Partitions, ref.VisSlices, ref.Workers = visibility.AxisNone, 1, 1, 1
			ref.Facets = 0
			want := runPipeline(t, ref, obs.Vis)

			assert.Equal(t, want.FinalState, got.FinalState)
			require.Len(t, got.History, len(want.History))
			for i := range want.History {
				assert.Equal(t, want.History[i].Clean.Iterations, got.History[i].Clean.Iterations, "cycle %d", i)
				assert.InDelta(t, want.History[i].ResidualPeak, got.History[i].ResidualPeak, 1e-9, "cycle %d", i)
			}
			assertImagesClose(t, want.Model, got.Model, 1e-9)
			assertImagesClose(t, want.Residual, got.Residual, 1e-9)
			assertImagesClose(t, want.PSF, got.PSF, 1e-9)
		})
	}
}

func assertImagesClose(t *testing.T, want, got *image.Image, delta float64) {
	t.Helper()
	require.True(t, want.Geometry.SameGrid(got.Geometry))
	for i := range want.Data {
		assert.InDelta(t, want.Data[i], got.Data[i], delta, "pixel %d", i)
	}
}

func TestRun_StartingModelFromComponents(t *testing.T) {
	obs := observe(t, 0)
	s := testSettings()
	c, err := New(s, nil)
	require.NoError(t, err)

	res, err := c.Run(context.Background(), Input{Vis: obs.Vis, Components: sources(s.Geometry)})
	require.NoError(t, err)

	// The exact model leaves nothing to clean.
	assert.Less(t, res.InitialPeak, 1e-6)
	assert.Equal(t, StateConverged, res.FinalState)
	assert.InDelta(t, 2.7, res.Model.Sum(), 1e-6)
}

func TestRun_Cancelled(t *testing.T) {
	c, err := New(testSettings(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Run(ctx, Input{Vis: observe(t, 0).Vis})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_InvalidInput(t *testing.T) {
	c, err := New(testSettings(), nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	s := testSettings()
	s.Geometry = image.NewGeometry(16, 2e-3, []float64{1e8}, 4, phase)
	c, err = New(s, nil)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Input{Vis: observe(t, 0).Vis})
	assert.ErrorIs(t, err, ErrInvalidInput)

	c, err = New(testSettings(), nil)
	require.NoError(t, err)
	wrong := image.New(image.NewGeometry(8, 2e-3, []float64{1e8}, 1, phase))
	_, err = c.Run(context.Background(), Input{Vis: observe(t, 0).Vis, Model: wrong})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"negative nmajor", func(s *Settings) { s.NMajor = -1 }},
		{"bad axis", func(s *Settings) { s.PartitionAxis = "baseline" }},
		{"bad strategy", func(s *Settings) { s.Strategy = kernel.Strategy(42) }},
		{"bad gain", func(s *Settings) { s.Clean.Gain = 0 }},
		{"bad mode", func(s *Settings) { s.DeconvolveMode = "rows" }},
		{"negative first selfcal", func(s *Settings) { s.SelfCal.FirstCycle = -1 }},
		{"negative tolerance", func(s *Settings) { s.Coalesce.TimeTolerance = -1 }},
		{"negative workers", func(s *Settings) { s.Workers = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
			_, err := New(s, nil)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, testSettings().Validate())

	s := testSettings()
	s.DeconvolveMode = graphs.DeconvolveChannels
	assert.NoError(t, s.Validate())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "predict_model", StatePredictModel.String())
	assert.Equal(t, "state(99)", State(99).String())
	assert.True(t, StateConverged.Terminal())
	assert.True(t, StateExhausted.Terminal())
	assert.True(t, StateStalled.Terminal())
	assert.Equal(t, "stalled", StateStalled.String())
	assert.False(t, StateResidual.Terminal())

	b, err := StateDeconvolve.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "deconvolve", string(b))
}
