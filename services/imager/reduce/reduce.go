// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reduce combines partial results produced by parallel graph
// branches into whole results.
//
// Every combiner is insensitive to the order of its inputs: invert partials
// are sorted by key before summation, so a permutation of the same partials
// yields a bit-identical image.
package reduce

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// Sentinel errors for the reduce package.
var (
	// ErrNoPartials is returned when nothing is left to combine.
	ErrNoPartials = errors.New("no partial results to combine")

	// ErrGridMismatch is returned when partial images lie on different grids.
	ErrGridMismatch = errors.New("partial images are on different grids")
)

// CombineInvert merges invert partials into one weighted image.
//
// Description:
//
//	Nil partials and partials with zero total weight are dropped. The rest
//	are sorted by Key (then by image fingerprint) and each (chan, pol) plane
//	is combined as Σ wᵢ·Iᵢ / Σ wᵢ, where wᵢ is the partial's weight for
//	that plane. The result carries the summed weights, so combining
//	combinations is the same as combining everything at once.
//
// Outputs:
//
//	*kernel.Partial - The combined partial.
//	error - ErrNoPartials or ErrGridMismatch.
func CombineInvert(partials []*kernel.Partial) (*kernel.Partial, error) {
	kept := make([]*kernel.Partial, 0, len(partials))
	for _, p := range partials {
		if p == nil || p.Image == nil || p.TotalWeight() == 0 {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return nil, ErrNoPartials
	}
	fps := make(map[*kernel.Partial]string, len(kept))
	for _, p := range kept {
		fps[p] = p.Image.Fingerprint()
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Key != kept[j].Key {
			return kept[i].Key < kept[j].Key
		}
		return fps[kept[i]] < fps[kept[j]]
	})

	g := kept[0].Image.Geometry
	npol := g.NPol
	for _, p := range kept[1:] {
		if !p.Image.Geometry.SameGrid(g) || len(p.SumWeight) != len(kept[0].SumWeight) {
			return nil, fmt.Errorf("%w: %q vs %q", ErrGridMismatch, kept[0].Key, p.Key)
		}
	}

	out := image.New(g)
	sumW := make([]float64, len(kept[0].SumWeight))
	h := sha256.New()
	for _, p := range kept {
		h.Write([]byte(p.Key))
		h.Write([]byte{0})
		for c := 0; c < g.NChan(); c++ {
			for pol := 0; pol < npol; pol++ {
				w := p.SumWeight[c*npol+pol]
				if w == 0 {
					continue
				}
				sumW[c*npol+pol] += w
				dst := out.Plane(pol, c)
				for i, v := range p.Image.Plane(pol, c) {
					dst[i] += w * v
				}
			}
		}
	}
	for c := 0; c < g.NChan(); c++ {
		for pol := 0; pol < npol; pol++ {
			w := sumW[c*npol+pol]
			if w == 0 {
				continue
			}
			dst := out.Plane(pol, c)
			for i := range dst {
				dst[i] /= w
			}
		}
	}
	return &kernel.Partial{Image: out, SumWeight: sumW, Key: hex.EncodeToString(h.Sum(nil))}, nil
}

// CombinePredict reassembles predicted partitions into the parent layout.
// Nil partitions are skipped.
func CombinePredict(parts []*visibility.Visibility) (*visibility.Visibility, error) {
	kept := make([]*visibility.Visibility, 0, len(parts))
	for _, p := range parts {
		if p != nil {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoPartials
	}
	return visibility.Combine(kept)
}

// SumPredict adds predictions made over the same rows, such as one per
// facet. Nil inputs are skipped.
func SumPredict(parts []*visibility.Visibility) (*visibility.Visibility, error) {
	var out *visibility.Visibility
	for _, p := range parts {
		if p == nil {
			continue
		}
		if out == nil {
			out = p.Copy()
			continue
		}
		if !visibility.SameLayout(out, p) {
			return nil, fmt.Errorf("%w: predictions cover different samples", visibility.ErrIncompatible)
		}
		for i := range out.Vis {
			out.Vis[i] += p.Vis[i]
		}
	}
	if out == nil {
		return nil, ErrNoPartials
	}
	return out, nil
}

// MergeGainTables merges local solutions into one table for reporting.
//
// Description:
//
//	Tables must agree on antenna count and channel groups. Solution slots
//	are unioned by centre time; where two tables solved the same slot the
//	gains are averaged by weight. The result converged only if every input
//	did; its residual is the largest input residual.
func MergeGainTables(tables []*calibration.GainTable) (*calibration.GainTable, error) {
	kept := make([]*calibration.GainTable, 0, len(tables))
	for _, t := range tables {
		if t != nil {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoPartials
	}
	first := kept[0]
	seen := make(map[float64]bool)
	var times []float64
	for _, t := range kept {
		if t.NAnt != first.NAnt || t.NChan() != first.NChan() {
			return nil, fmt.Errorf("%w: %d antennas × %d channels vs %d × %d",
				calibration.ErrIncompatible, t.NAnt, t.NChan(), first.NAnt, first.NChan())
		}
		for _, tm := range t.Times {
			if !seen[tm] {
				seen[tm] = true
				times = append(times, tm)
			}
		}
	}
	sort.Float64s(times)
	slotOf := make(map[float64]int, len(times))
	for i, tm := range times {
		slotOf[tm] = i
	}

	out := calibration.NewGainTable(first.NAnt, times, first.Interval, first.Frequency)
	acc := make([]complex128, len(out.Gain))
	for i := range out.Valid {
		out.Valid[i] = false
	}
	for _, t := range kept {
		out.Converged = out.Converged && t.Converged
		if t.Residual > out.Residual {
			out.Residual = t.Residual
		}
		if t.Iterations > out.Iterations {
			out.Iterations = t.Iterations
		}
		for s, tm := range t.Times {
			for a := 0; a < t.NAnt; a++ {
				for c := 0; c < t.NChan(); c++ {
					src := t.Index(s, a, c)
					if !t.Valid[src] {
						continue
					}
					dst := out.Index(slotOf[tm], a, c)
					w := t.Weight[src]
					if w <= 0 {
						w = 1
					}
					acc[dst] += complex(w, 0) * t.Gain[src]
					out.Weight[dst] += w
					out.Valid[dst] = true
				}
			}
		}
	}
	for i := range out.Gain {
		if out.Valid[i] {
			out.Gain[i] = acc[i] / complex(out.Weight[i], 0)
		}
	}
	return out, nil
}
