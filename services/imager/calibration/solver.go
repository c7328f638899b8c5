// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package calibration

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// Solver estimates gains that map model visibilities onto observed ones.
type Solver interface {
	Solve(ctx context.Context, obs, model *visibility.Visibility) (*GainTable, error)
}

// SolveMode selects which part of the gain is free.
type SolveMode string

const (
	// SolvePhase constrains gains to unit amplitude.
	SolvePhase SolveMode = "phase"
	// SolveAmplitudePhase solves for the full complex gain.
	SolveAmplitudePhase SolveMode = "amplitude_phase"
)

// AntennaSolver is an alternating least-squares antenna gain solver.
//
// Description:
//
//	For each solution slot and channel group it minimises
//	Σ w·|V_ab − g_a·conj(g_b)·M_ab|² by repeatedly solving each antenna
//	against the current estimate of the others, averaging old and new
//	estimates with Damping. The reference antenna's phase is held at zero.
type AntennaSolver struct {
	Mode       SolveMode
	RefAnt     int
	MaxIter    int
	Tol        float64
	Damping    float64
	Interval   float64
	PerChannel bool
}

// DefaultSolver returns the solver used when none is configured.
func DefaultSolver() *AntennaSolver {
	return &AntennaSolver{Mode: SolvePhase, MaxIter: 100, Tol: 1e-6, Damping: 0.5}
}

type block struct {
	x   [][]complex128
	y   [][]float64
	has []bool
}

func newBlock(nant int) *block {
	b := &block{x: make([][]complex128, nant), y: make([][]float64, nant), has: make([]bool, nant)}
	for a := range b.x {
		b.x[a] = make([]complex128, nant)
		b.y[a] = make([]float64, nant)
	}
	return b
}

// Solve implements Solver.
//
// Outputs:
//
//	*GainTable - Solutions. Returned with Converged=false alongside
//	             ErrNonConvergence when some slot failed to converge.
//	error - ErrIncompatible for mismatched inputs, ErrNonConvergence when
//	        there was nothing to solve from or tolerance was not reached.
func (s *AntennaSolver) Solve(ctx context.Context, obs, model *visibility.Visibility) (*GainTable, error) {
	if !visibility.SameLayout(obs, model) {
		return nil, fmt.Errorf("%w: observed and model visibilities differ in layout", ErrIncompatible)
	}
	nant := antennaCount(obs)
	times, slotOf := s.slots(obs)
	freqs, groupOf := s.groups(obs)
	table := NewGainTable(nant, times, s.Interval, freqs)

	blocks := make([]*block, len(times)*len(freqs))
	for i := range blocks {
		blocks[i] = newBlock(nant)
	}
	used := false
	for row := 0; row < obs.NRows(); row++ {
		a1, a2 := obs.Antenna1[row], obs.Antenna2[row]
		if a1 == a2 {
			continue
		}
		for ch := 0; ch < obs.NChan(); ch++ {
			b := blocks[slotOf[row]*len(freqs)+groupOf[ch]]
			for p := 0; p < obs.NPol; p++ {
				i := obs.Index(row, ch, p)
				w := obs.Weight[i]
				if obs.Flag[i] || model.Flag[i] || w <= 0 {
					continue
				}
				v, m := obs.Vis[i], model.Vis[i]
				m2 := real(m)*real(m) + imag(m)*imag(m)
				if m2 == 0 {
					continue
				}
				b.x[a1][a2] += complex(w, 0) * v * cmplx.Conj(m)
				b.x[a2][a1] += complex(w, 0) * cmplx.Conj(v) * m
				b.y[a1][a2] += w * m2
				b.y[a2][a1] += w * m2
				b.has[a1], b.has[a2] = true, true
				used = true
			}
		}
	}
	if !used {
		return nil, fmt.Errorf("%w: no usable samples", ErrNonConvergence)
	}

	maxIter := s.MaxIter
	if maxIter < 1 {
		maxIter = 1
	}
	damping := s.Damping
	if damping <= 0 || damping > 1 {
		damping = 0.5
	}

	failed := 0
	for slot := range times {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for grp := range freqs {
			b := blocks[slot*len(freqs)+grp]
			g, iters, ok := s.iterate(b, maxIter, damping)
			if iters > table.Iterations {
				table.Iterations = iters
			}
			if !ok {
				failed++
			}
			for a := 0; a < nant; a++ {
				i := table.Index(slot, a, grp)
				table.Valid[i] = b.has[a]
				if !b.has[a] {
					continue
				}
				table.Gain[i] = g[a]
				var w float64
				for o := 0; o < nant; o++ {
					w += real(g[o]*cmplx.Conj(g[o])) * b.y[a][o]
				}
				table.Weight[i] = w
			}
		}
	}
	table.Residual = residual(obs, model, table)
	if failed > 0 {
		table.Converged = false
		return table, fmt.Errorf("%w: %d of %d solutions after %d iterations",
			ErrNonConvergence, failed, len(blocks), maxIter)
	}
	return table, nil
}

// iterate runs the damped alternating solve on one block.
func (s *AntennaSolver) iterate(b *block, maxIter int, damping float64) ([]complex128, int, bool) {
	nant := len(b.has)
	g := make([]complex128, nant)
	for a := range g {
		g[a] = 1
	}
	ref := s.RefAnt
	if ref < 0 || ref >= nant || !b.has[ref] {
		ref = -1
		for a := range b.has {
			if b.has[a] {
				ref = a
				break
			}
		}
	}
	if ref < 0 {
		return g, 0, true
	}

	next := make([]complex128, nant)
	for it := 1; it <= maxIter; it++ {
		for a := 0; a < nant; a++ {
			next[a] = g[a]
			if !b.has[a] {
				continue
			}
			var num complex128
			var den float64
			for o := 0; o < nant; o++ {
				if b.y[a][o] == 0 {
					continue
				}
				num += g[o] * b.x[a][o]
				den += real(g[o]*cmplx.Conj(g[o])) * b.y[a][o]
			}
			if den == 0 {
				continue
			}
			est := num / complex(den, 0)
			if s.Mode != SolveAmplitudePhase {
				est = unit(est)
			}
			next[a] = complex(1-damping, 0)*g[a] + complex(damping, 0)*est
			if s.Mode != SolveAmplitudePhase {
				next[a] = unit(next[a])
			}
		}
		rot := unit(cmplx.Conj(next[ref]))
		var delta, scale float64
		for a := range next {
			if b.has[a] {
				next[a] *= rot
			}
			delta = math.Max(delta, cmplx.Abs(next[a]-g[a]))
			scale = math.Max(scale, cmplx.Abs(next[a]))
		}
		copy(g, next)
		if scale > 0 && delta/scale < s.Tol {
			return g, it, true
		}
	}
	return g, maxIter, false
}

func unit(z complex128) complex128 {
	a := cmplx.Abs(z)
	if a == 0 {
		return 1
	}
	return z / complex(a, 0)
}

// slots assigns rows to solution intervals.
func (s *AntennaSolver) slots(v *visibility.Visibility) ([]float64, []int) {
	slotOf := make([]int, v.NRows())
	if s.Interval <= 0 || v.NRows() == 0 {
		return []float64{meanTime(v)}, slotOf
	}
	t0 := v.Time[0]
	for _, t := range v.Time {
		t0 = math.Min(t0, t)
	}
	index := make(map[int]int)
	var keys []int
	for _, t := range v.Time {
		k := int(math.Floor((t - t0) / s.Interval))
		if _, ok := index[k]; !ok {
			index[k] = 0
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	times := make([]float64, len(keys))
	for i, k := range keys {
		index[k] = i
		times[i] = t0 + (float64(k)+0.5)*s.Interval
	}
	for row, t := range v.Time {
		slotOf[row] = index[int(math.Floor((t-t0)/s.Interval))]
	}
	return times, slotOf
}

// groups assigns channels to solution channel groups.
func (s *AntennaSolver) groups(v *visibility.Visibility) ([]float64, []int) {
	groupOf := make([]int, v.NChan())
	if !s.PerChannel {
		return []float64{meanFrequency(v.Frequency)}, groupOf
	}
	for c := range groupOf {
		groupOf[c] = c
	}
	return append([]float64(nil), v.Frequency...), groupOf
}

// residual is sqrt(Σw|V − g1·conj(g2)·M|² / Σw|V|²) over unflagged samples.
func residual(obs, model *visibility.Visibility, t *GainTable) float64 {
	var num, den float64
	for row := 0; row < obs.NRows(); row++ {
		for ch := 0; ch < obs.NChan(); ch++ {
			g1, ok1 := t.Lookup(obs.Time[row], obs.Frequency[ch], obs.Antenna1[row])
			g2, ok2 := t.Lookup(obs.Time[row], obs.Frequency[ch], obs.Antenna2[row])
			if !ok1 || !ok2 {
				continue
			}
			f := g1 * cmplx.Conj(g2)
			for p := 0; p < obs.NPol; p++ {
				i := obs.Index(row, ch, p)
				if obs.Flag[i] {
					continue
				}
				d := cmplx.Abs(obs.Vis[i] - f*model.Vis[i])
				a := cmplx.Abs(obs.Vis[i])
				num += obs.Weight[i] * d * d
				den += obs.Weight[i] * a * a
			}
		}
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}

// SolvePointEquivalent solves divided visibilities (observed / model)
// against a unit model. The result equals solving the undivided data.
func SolvePointEquivalent(ctx context.Context, s Solver, divided *visibility.Visibility) (*GainTable, error) {
	unitModel := visibility.Zero(divided)
	for i := range unitModel.Vis {
		unitModel.Vis[i] = 1
	}
	return s.Solve(ctx, divided, unitModel)
}
