// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package calibration solves for per-antenna complex gains and applies them
// to visibilities.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// Sentinel errors for the calibration package.
var (
	// ErrNonConvergence is returned when a solve does not reach tolerance
	// or has nothing to solve from. The table returned alongside it, if any,
	// must not be applied.
	ErrNonConvergence = errors.New("gain solution did not converge")

	// ErrIncompatible is returned when a table does not match a visibility.
	ErrIncompatible = errors.New("gain table incompatible with visibility")
)

// GainTable holds scalar complex gains per solution slot, antenna and
// channel group. The same gain applies to every polarisation.
//
// Description:
//
//	Gain, Weight and Valid are indexed (t·NAnt + a)·NChan() + c. Times holds
//	slot centres in seconds; Interval is the slot width (zero means a single
//	slot covering everything). Frequency holds the centre of each channel
//	group; a single entry means the solution applies to all channels.
type GainTable struct {
	NAnt       int          `json:"nant"`
	Times      []float64    `json:"times"`
	Interval   float64      `json:"interval"`
	Frequency  []float64    `json:"frequency"`
	Gain       []complex128 `json:"-"`
	Weight     []float64    `json:"weight"`
	Valid      []bool       `json:"valid"`
	Converged  bool         `json:"converged"`
	Residual   float64      `json:"residual"`
	Iterations int          `json:"iterations"`
}

// NewGainTable allocates a table of unit, valid gains.
func NewGainTable(nant int, times []float64, interval float64, freqs []float64) *GainTable {
	n := nant * len(times) * len(freqs)
	t := &GainTable{
		NAnt:      nant,
		Times:     append([]float64(nil), times...),
		Interval:  interval,
		Frequency: append([]float64(nil), freqs...),
		Gain:      make([]complex128, n),
		Weight:    make([]float64, n),
		Valid:     make([]bool, n),
		Converged: true,
	}
	for i := range t.Gain {
		t.Gain[i] = 1
		t.Valid[i] = true
	}
	return t
}

// NChan returns the number of channel groups.
func (t *GainTable) NChan() int { return len(t.Frequency) }

// Index returns the flat index of (slot, antenna, channel group).
func (t *GainTable) Index(slot, ant, chan_ int) int {
	return (slot*t.NAnt+ant)*len(t.Frequency) + chan_
}

// Copy returns a deep copy.
func (t *GainTable) Copy() *GainTable {
	out := *t
	out.Times = append([]float64(nil), t.Times...)
	out.Frequency = append([]float64(nil), t.Frequency...)
	out.Gain = append([]complex128(nil), t.Gain...)
	out.Weight = append([]float64(nil), t.Weight...)
	out.Valid = append([]bool(nil), t.Valid...)
	return &out
}

// slot returns the solution slot for a timestamp: the nearest centre.
func (t *GainTable) slot(time float64) int {
	if len(t.Times) <= 1 {
		return 0
	}
	i := sort.SearchFloat64s(t.Times, time)
	switch {
	case i == 0:
		return 0
	case i == len(t.Times):
		return len(t.Times) - 1
	case time-t.Times[i-1] <= t.Times[i]-time:
		return i - 1
	default:
		return i
	}
}

// channel returns the channel group for a frequency: the nearest centre.
func (t *GainTable) channel(freq float64) int {
	best, bestD := 0, math.Inf(1)
	for c, f := range t.Frequency {
		if d := math.Abs(f - freq); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// Lookup returns the gain of antenna ant at (time, freq).
func (t *GainTable) Lookup(time, freq float64, ant int) (complex128, bool) {
	if ant < 0 || ant >= t.NAnt {
		return 0, false
	}
	i := t.Index(t.slot(time), ant, t.channel(freq))
	return t.Gain[i], t.Valid[i]
}

// Identity returns a converged table of unit gains covering v.
func Identity(v *visibility.Visibility) *GainTable {
	return NewGainTable(antennaCount(v), []float64{meanTime(v)}, 0, []float64{meanFrequency(v.Frequency)})
}

// Mode selects the direction of Apply.
type Mode int

const (
	// Correct divides out the gains.
	Correct Mode = iota
	// Corrupt multiplies the gains in.
	Corrupt
)

// Apply returns v with gains applied.
//
// Description:
//
//	Correct replaces V by V / (g1·conj(g2)) and scales the weight by
//	|g1·g2|². Samples on antennas with invalid gains are flagged. Corrupt
//	replaces V by V·g1·conj(g2) and leaves weights alone.
func Apply(v *visibility.Visibility, t *GainTable, mode Mode) (*visibility.Visibility, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil table", ErrIncompatible)
	}
	if n := antennaCount(v); n > t.NAnt {
		return nil, fmt.Errorf("%w: visibility has %d antennas, table %d", ErrIncompatible, n, t.NAnt)
	}
	out := v.Copy()
	for row := 0; row < out.NRows(); row++ {
		for ch := 0; ch < out.NChan(); ch++ {
			g1, ok1 := t.Lookup(out.Time[row], out.Frequency[ch], out.Antenna1[row])
			g2, ok2 := t.Lookup(out.Time[row], out.Frequency[ch], out.Antenna2[row])
			f := g1 * cmplx.Conj(g2)
			for p := 0; p < out.NPol; p++ {
				i := out.Index(row, ch, p)
				if mode == Corrupt {
					out.Vis[i] *= f
					continue
				}
				if !ok1 || !ok2 || f == 0 {
					out.Flag[i] = true
					continue
				}
				out.Vis[i] /= f
				a := cmplx.Abs(f)
				out.Weight[i] *= a * a
			}
		}
	}
	return out, nil
}

func antennaCount(v *visibility.Visibility) int {
	n := 0
	for row := range v.Antenna1 {
		if v.Antenna1[row]+1 > n {
			n = v.Antenna1[row] + 1
		}
		if v.Antenna2[row]+1 > n {
			n = v.Antenna2[row] + 1
		}
	}
	return n
}

func meanTime(v *visibility.Visibility) float64 {
	if v.NRows() == 0 {
		return 0
	}
	lo, hi := v.Time[0], v.Time[0]
	for _, t := range v.Time {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return (lo + hi) / 2
}

func meanFrequency(freqs []float64) float64 {
	if len(freqs) == 0 {
		return 0
	}
	var s float64
	for _, f := range freqs {
		s += f
	}
	return s / float64(len(freqs))
}
