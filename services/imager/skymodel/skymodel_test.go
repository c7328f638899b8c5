// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package skymodel

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

func twoRowVis() *visibility.Visibility {
	v := visibility.New(2, []float64{1e8, 2e8}, 1)
	v.Antenna2[0], v.Antenna2[1] = 1, 2
	v.UVW[0] = [3]float64{0, 0, 0}
	v.UVW[1] = [3]float64{300, -150, 20}
	return v
}

func TestPredict_PointAtPhaseCentre(t *testing.T) {
	v := twoRowVis()
	comps := []Component{{Name: "a", Flux: []float64{2.5}}}

	out, err := Predict(context.Background(), v, comps, true)
	require.NoError(t, err)
	for _, s := range out.Vis {
		assert.InDelta(t, 2.5, real(s), 1e-12)
		assert.InDelta(t, 0, imag(s), 1e-12)
	}
}

func TestPredict_OffsetPointPhase(t *testing.T) {
	v := twoRowVis()
	c := Component{Name: "b", L: 0.01, M: -0.02, Flux: []float64{1}}

	out, err := Predict(context.Background(), v, []Component{c}, true)
	require.NoError(t, err)

	u, vv, w := v.UVWLambda(1, 1)
	want := cmplx.Exp(complex(0, -2*math.Pi*(u*c.L+vv*c.M+w*(c.N()-1))))
	got := out.Vis[out.Index(1, 1, 0)]
	assert.InDelta(t, real(want), real(got), 1e-12)
	assert.InDelta(t, imag(want), imag(got), 1e-12)
	assert.InDelta(t, 1, cmplx.Abs(got), 1e-12)
}

func TestPredict_GaussianTapers(t *testing.T) {
	v := twoRowVis()
	c := Component{Name: "g", Flux: []float64{1}, Shape: ShapeGaussian, Major: 0.01, Minor: 0.005}

	out, err := Predict(context.Background(), v, []Component{c}, false)
	require.NoError(t, err)
	assert.InDelta(t, 1, cmplx.Abs(out.Vis[out.Index(0, 0, 0)]), 1e-12)
	assert.Less(t, cmplx.Abs(out.Vis[out.Index(1, 1, 0)]), 1.0)
}

func TestPredict_SpectralIndex(t *testing.T) {
	v := twoRowVis()
	c := Component{Name: "s", Flux: []float64{1}, RefFrequency: 1e8, SpectralIndex: -1}

	out, err := Predict(context.Background(), v, []Component{c}, true)
	require.NoError(t, err)
	assert.InDelta(t, 1, real(out.Vis[out.Index(0, 0, 0)]), 1e-12)
	assert.InDelta(t, 0.5, real(out.Vis[out.Index(0, 1, 0)]), 1e-12)
}

func TestPredict_Invalid(t *testing.T) {
	v := twoRowVis()
	tests := []Component{
		{Name: "pols", Flux: []float64{1, 2}},
		{Name: "horizon", L: 0.8, M: 0.8, Flux: []float64{1}},
		{Name: "shape", Flux: []float64{1}, Shape: "disk"},
		{Name: "width", Flux: []float64{1}, Shape: ShapeGaussian},
	}
	for _, c := range tests {
		_, err := Predict(context.Background(), v, []Component{c}, true)
		assert.ErrorIs(t, err, ErrInvalidComponent, c.Name)
	}
}

func TestRasterise(t *testing.T) {
	geom := image.NewGeometry(16, 1e-3, []float64{1e8}, 1, visibility.Direction{})
	comps := []Component{
		{Name: "p", L: 2e-3, M: -3e-3, Flux: []float64{4}},
		{Name: "g", L: -2e-3, M: 2e-3, Flux: []float64{1}, Shape: ShapeGaussian, Major: 4e-3, Minor: 3e-3},
		{Name: "outside", L: 0.5, Flux: []float64{9}},
	}
	im, err := Rasterise(comps, geom)
	require.NoError(t, err)
	// g is about six pixels from p; its tail adds well under 1e-4 there.
	assert.InDelta(t, 4.0, im.At(0, 0, 5, 10), 1e-4)
	assert.InDelta(t, 5.0, im.Sum(), 0.02)
}
