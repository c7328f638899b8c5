// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reduce

import (
	"context"
	"fmt"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/simulate"
	"github.com/AleutianAI/skyimager/services/imager/skymodel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

func observation(t *testing.T) *visibility.Visibility {
	t.Helper()
	obs, err := simulate.Run(context.Background(), simulate.Config{
		Layout:      simulate.LayoutRandom,
		NAnt:        6,
		Radius:      500,
		Latitude:    -0.4,
		NTimes:      6,
		Integration: 400,
		Frequencies: []float64{1e8, 1.2e8},
		NPol:        1,
		Phase:       visibility.Direction{Dec: -0.3},
		Components: []skymodel.Component{
			{Name: "a", L: 0.004, M: 0.002, Flux: []float64{2}},
			{Name: "b", L: -0.006, M: 0.008, Flux: []float64{1}},
		},
		NoiseSigma: 0.05,
		Seed:       5,
	})
	require.NoError(t, err)
	return obs.Vis
}

func geometry(nchan int) image.Geometry {
	freqs := []float64{1.1e8}
	if nchan == 2 {
		freqs = []float64{1e8, 1.2e8}
	}
	return image.NewGeometry(16, 2e-3, freqs, 1, visibility.Direction{Dec: -0.3})
}

func invertParts(t *testing.T, parts []*visibility.Visibility, g image.Geometry) []*kernel.Partial {
	t.Helper()
	a, err := kernel.NewAdapter(kernel.WStack)
	require.NoError(t, err)
	out := make([]*kernel.Partial, len(parts))
	for i, p := range parts {
		out[i], err = a.Invert(context.Background(), p, g, false)
		require.NoError(t, err)
		out[i].Key = fmt.Sprintf("part-%02d", i)
	}
	return out
}

func TestCombineInvert_EqualsWholeInvert(t *testing.T) {
	v := observation(t)
	for _, nchan := range []int{1, 2} {
		g := geometry(nchan)
		whole := invertParts(t, []*visibility.Visibility{v}, g)[0]
		for _, axis := range []visibility.Axis{visibility.AxisTime, visibility.AxisWPlane, visibility.AxisFrequency} {
			t.Run(fmt.Sprintf("%s/%dchan", axis, nchan), func(t *testing.T) {
				parts, err := visibility.Partition(v, axis, 3)
				require.NoError(t, err)

				combined, err := CombineInvert(invertParts(t, parts, g))
				require.NoError(t, err)
				for i := range whole.Image.Data {
					assert.InDelta(t, whole.Image.Data[i], combined.Image.Data[i], 1e-10)
				}
				for i := range whole.SumWeight {
					assert.InDelta(t, whole.SumWeight[i], combined.SumWeight[i], 1e-9)
				}
			})
		}
	}
}

func TestCombineInvert_OrderInsensitive(t *testing.T) {
	v := observation(t)
	parts, err := visibility.Partition(v, visibility.AxisTime, 6)
	require.NoError(t, err)
	partials := invertParts(t, parts, geometry(1))

	ref, err := CombineInvert(partials)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5; i++ {
		shuffled := append([]*kernel.Partial(nil), partials...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := CombineInvert(shuffled)
		require.NoError(t, err)
		assert.Equal(t, ref.Image.Fingerprint(), got.Image.Fingerprint())
		assert.Equal(t, ref.Key, got.Key)
	}
}

func TestCombineInvert_Associative(t *testing.T) {
	v := observation(t)
	parts, err := visibility.Partition(v, visibility.AxisTime, 4)
	require.NoError(t, err)
	partials := invertParts(t, parts, geometry(1))

	all, err := CombineInvert(partials)
	require.NoError(t, err)
	left, err := CombineInvert(partials[:2])
	require.NoError(t, err)
	right, err := CombineInvert(partials[2:])
	require.NoError(t, err)
	nested, err := CombineInvert([]*kernel.Partial{left, right})
	require.NoError(t, err)
	for i := range all.Image.Data {
		assert.InDelta(t, all.Image.Data[i], nested.Image.Data[i], 1e-12)
	}
}

func TestCombineInvert_DropsEmpty(t *testing.T) {
	v := observation(t)
	partials := invertParts(t, []*visibility.Visibility{v}, geometry(1))
	zero := &kernel.Partial{Image: image.New(geometry(1)), SumWeight: []float64{0}, Key: "zero"}

	got, err := CombineInvert([]*kernel.Partial{nil, zero, partials[0]})
	require.NoError(t, err)
	for i := range got.Image.Data {
		assert.InDelta(t, partials[0].Image.Data[i], got.Image.Data[i], 1e-12)
	}

	_, err = CombineInvert([]*kernel.Partial{nil, zero})
	assert.ErrorIs(t, err, ErrNoPartials)
}

func TestCombineInvert_GridMismatch(t *testing.T) {
	v := observation(t)
	a := invertParts(t, []*visibility.Visibility{v}, geometry(1))[0]
	g := geometry(1)
	g.CellSize *= 2
	b := invertParts(t, []*visibility.Visibility{v}, g)[0]
	b.Key = "other"

	_, err := CombineInvert([]*kernel.Partial{a, b})
	assert.ErrorIs(t, err, ErrGridMismatch)
}

func TestSumPredict_FacetsEqualWhole(t *testing.T) {
	v := observation(t)
	a, err := kernel.NewAdapter(kernel.Facet)
	require.NoError(t, err)
	model := image.New(geometry(1))
	model.Data[model.Index(0, 0, 3, 4)] = 1.5
	model.Data[model.Index(0, 0, 12, 9)] = -0.5

	whole, err := a.Predict(context.Background(), visibility.Zero(v), model)
	require.NoError(t, err)

	facets, err := image.ScatterFacets(model, 2)
	require.NoError(t, err)
	preds := make([]*visibility.Visibility, len(facets))
	for i, f := range facets {
		preds[i], err = a.Predict(context.Background(), visibility.Zero(v), f)
		require.NoError(t, err)
	}
	summed, err := SumPredict(preds)
	require.NoError(t, err)
	rms, err := visibility.RMSDifference(whole, summed)
	require.NoError(t, err)
	assert.Less(t, rms, 1e-12)

	_, err = SumPredict([]*visibility.Visibility{nil})
	assert.ErrorIs(t, err, ErrNoPartials)
}

func TestCombinePredict_RestoresOrder(t *testing.T) {
	v := observation(t)
	parts, err := visibility.Partition(v, visibility.AxisWPlane, 4)
	require.NoError(t, err)
	parts = append([]*visibility.Visibility{nil}, parts...)

	back, err := CombinePredict(parts)
	require.NoError(t, err)
	assert.Equal(t, v.Fingerprint(), back.Fingerprint())
}

func TestMergeGainTables(t *testing.T) {
	a := calibration.NewGainTable(3, []float64{100}, 200, []float64{1e8})
	b := calibration.NewGainTable(3, []float64{300}, 200, []float64{1e8})
	c := calibration.NewGainTable(3, []float64{100}, 200, []float64{1e8})
	for ant := 0; ant < 3; ant++ {
		a.Gain[a.Index(0, ant, 0)] = cmplx.Rect(1, 0.1)
		a.Weight[a.Index(0, ant, 0)] = 1
		c.Gain[c.Index(0, ant, 0)] = cmplx.Rect(1, 0.3)
		c.Weight[c.Index(0, ant, 0)] = 3
		b.Weight[b.Index(0, ant, 0)] = 1
	}
	c.Converged = false
	c.Residual = 0.2

	merged, err := MergeGainTables([]*calibration.GainTable{b, nil, a, c})
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 300}, merged.Times)
	assert.False(t, merged.Converged)
	assert.Equal(t, 0.2, merged.Residual)

	want := (cmplx.Rect(1, 0.1) + 3*cmplx.Rect(1, 0.3)) / 4
	got, ok := merged.Lookup(90, 1e8, 1)
	require.True(t, ok)
	assert.InDelta(t, 0, cmplx.Abs(got-want), 1e-12)
	got, _ = merged.Lookup(310, 1e8, 2)
	assert.Equal(t, complex(1, 0), got)

	_, err = MergeGainTables([]*calibration.GainTable{a, calibration.NewGainTable(4, []float64{0}, 0, []float64{1e8})})
	assert.ErrorIs(t, err, calibration.ErrIncompatible)
}
