// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package visibility

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Zero returns a copy of v with all sample values set to zero.
//
// Weights, flags and geometry are kept so the result can serve as the
// template for a prediction.
func Zero(v *Visibility) *Visibility {
	out := v.Copy()
	for i := range out.Vis {
		out.Vis[i] = 0
	}
	return out
}

// Subtract returns a − b sample by sample.
//
// Both tables must describe the same rows and channels in the same order.
func Subtract(a, b *Visibility) (*Visibility, error) {
	if err := sameLayout(a, b); err != nil {
		return nil, err
	}
	out := a.Copy()
	for i := range out.Vis {
		out.Vis[i] -= b.Vis[i]
	}
	return out, nil
}

// Divide returns obs / model as point-source-equivalent visibilities.
//
// Description:
//
//	Each sample becomes obs/model with weight w·|model|², which is what a
//	global gain solve against a unit model expects. Samples whose model is
//	zero are flagged with zero weight.
func Divide(obs, model *Visibility) (*Visibility, error) {
	if err := sameLayout(obs, model); err != nil {
		return nil, err
	}
	out := obs.Copy()
	for i := range out.Vis {
		m := model.Vis[i]
		amp2 := real(m)*real(m) + imag(m)*imag(m)
		if amp2 == 0 {
			out.Vis[i] = 0
			out.Weight[i] = 0
			out.Flag[i] = true
			continue
		}
		out.Vis[i] = obs.Vis[i] / m
		out.Weight[i] = obs.Weight[i] * amp2
	}
	return out, nil
}

// SameLayout reports whether two tables have identical rows and channels.
func SameLayout(a, b *Visibility) bool {
	return sameLayout(a, b) == nil
}

func sameLayout(a, b *Visibility) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: nil visibility", ErrIncompatible)
	}
	if a.NRows() != b.NRows() || a.NChan() != b.NChan() || a.NPol != b.NPol {
		return fmt.Errorf("%w: shapes (%d,%d,%d) and (%d,%d,%d)", ErrIncompatible,
			a.NRows(), a.NChan(), a.NPol, b.NRows(), b.NChan(), b.NPol)
	}
	for i := range a.RowIndex {
		if a.RowIndex[i] != b.RowIndex[i] {
			return fmt.Errorf("%w: row %d differs", ErrIncompatible, i)
		}
	}
	for i := range a.ChanIndex {
		if a.ChanIndex[i] != b.ChanIndex[i] {
			return fmt.Errorf("%w: channel %d differs", ErrIncompatible, i)
		}
	}
	return nil
}

// Weighting names an imaging weighting scheme.
type Weighting string

const (
	// WeightingNatural leaves the sample weights unchanged.
	WeightingNatural Weighting = "natural"

	// WeightingUniform divides each weight by the summed weight falling in
	// the same uv cell of the imaging grid.
	WeightingUniform Weighting = "uniform"
)

// Reweight applies an imaging weighting scheme.
//
// Inputs:
//
//	v - Source table.
//	npixel - Image size in pixels along one axis; sets the uv cell size.
//	cellsize - Image pixel size in radians.
//	scheme - Weighting scheme.
//
// Outputs:
//
//	*Visibility - Reweighted copy.
//	error - ErrUnknownWeighting or an invalid grid.
func Reweight(v *Visibility, npixel int, cellsize float64, scheme Weighting) (*Visibility, error) {
	switch scheme {
	case WeightingNatural, "":
		return v.Copy(), nil
	case WeightingUniform:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownWeighting, scheme)
	}
	if npixel < 1 || cellsize <= 0 {
		return nil, fmt.Errorf("%w: uniform weighting needs npixel >= 1 and cellsize > 0", ErrInvalidVisibility)
	}

	du := 1.0 / (float64(npixel) * cellsize)
	type cell struct{ iu, iv, c, p int }
	density := make(map[cell]float64)
	cellOf := func(r, c, p int) cell {
		u, vv, _ := v.UVWLambda(r, c)
		return cell{iu: int(math.Floor(u/du + 0.5)), iv: int(math.Floor(vv/du + 0.5)), c: c, p: p}
	}

	for r := 0; r < v.NRows(); r++ {
		for c := 0; c < v.NChan(); c++ {
			for p := 0; p < v.NPol; p++ {
				i := v.Index(r, c, p)
				if v.Flag[i] {
					continue
				}
				density[cellOf(r, c, p)] += v.Weight[i]
			}
		}
	}

	out := v.Copy()
	for r := 0; r < v.NRows(); r++ {
		for c := 0; c < v.NChan(); c++ {
			for p := 0; p < v.NPol; p++ {
				i := v.Index(r, c, p)
				if v.Flag[i] {
					continue
				}
				if d := density[cellOf(r, c, p)]; d > 0 {
					out.Weight[i] = v.Weight[i] / d
				}
			}
		}
	}
	return out, nil
}

// RMSDifference is the weighted relative difference between two tables:
// sqrt(Σw|a−b|² / Σw|a|²). Flagged samples in a are ignored.
func RMSDifference(a, b *Visibility) (float64, error) {
	if err := sameLayout(a, b); err != nil {
		return 0, err
	}
	var num, den float64
	for i := range a.Vis {
		if a.Flag[i] {
			continue
		}
		d := cmplx.Abs(a.Vis[i] - b.Vis[i])
		num += a.Weight[i] * d * d
		m := cmplx.Abs(a.Vis[i])
		den += a.Weight[i] * m * m
	}
	if den == 0 {
		return 0, nil
	}
	return math.Sqrt(num / den), nil
}
