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
)

// Coalesced is a baseline-dependent average of a visibility table together
// with the mapping needed to expand it back.
type Coalesced struct {
	// Vis is the averaged table. Its RowIndex/ChanIndex number the averaged
	// rows and channels, not the parent's.
	Vis *Visibility

	// RowMap maps each parent row position to its averaged row.
	RowMap []int

	// ChanMap maps each parent channel position to its averaged channel.
	ChanMap []int

	template *Visibility
}

// Coalesce averages v along time and frequency.
//
// Description:
//
//	Short baselines change slowly in the uv plane, so they tolerate longer
//	averaging. The time bin width for a baseline of mean length |b| is
//	timeTolerance·maxBaseline/|b| seconds, measured from the earliest
//	timestamp. Channels are binned in windows of frequencyTolerance Hz. A
//	zero tolerance disables averaging on that axis. Averages are weighted;
//	flagged samples do not contribute.
//
//	Halving a tolerance splits every bin in two, so the averaging error of
//	Decoalesce(Coalesce(v)) never grows as a tolerance shrinks.
//
// Inputs:
//
//	v - Source table.
//	timeTolerance - Seconds at the longest baseline. Must be >= 0.
//	frequencyTolerance - Hz. Must be >= 0.
//
// Outputs:
//
//	*Coalesced - Averaged table plus expansion maps.
//	error - Non-nil for negative tolerances or an invalid table.
func Coalesce(v *Visibility, timeTolerance, frequencyTolerance float64) (*Coalesced, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if timeTolerance < 0 || frequencyTolerance < 0 {
		return nil, fmt.Errorf("%w: tolerances must be >= 0", ErrInvalidVisibility)
	}

	nrows := v.NRows()
	rowMap, ngroups := timeGroups(v, timeTolerance)
	chanMap, nbins := channelBins(v, frequencyTolerance)

	out := &Visibility{
		Time:        make([]float64, ngroups),
		Antenna1:    make([]int, ngroups),
		Antenna2:    make([]int, ngroups),
		UVW:         make([][3]float64, ngroups),
		RowIndex:    make([]int, ngroups),
		Frequency:   make([]float64, nbins),
		ChanIndex:   make([]int, nbins),
		NPol:        v.NPol,
		PhaseCentre: v.PhaseCentre,
	}
	members := make([]int, ngroups)
	for r := 0; r < nrows; r++ {
		g := rowMap[r]
		members[g]++
		out.Time[g] += v.Time[r]
		out.Antenna1[g] = v.Antenna1[r]
		out.Antenna2[g] = v.Antenna2[r]
		for k := 0; k < 3; k++ {
			out.UVW[g][k] += v.UVW[r][k]
		}
	}
	for g := 0; g < ngroups; g++ {
		n := float64(members[g])
		out.Time[g] /= n
		for k := 0; k < 3; k++ {
			out.UVW[g][k] /= n
		}
		out.RowIndex[g] = g
	}

	chanMembers := make([]int, nbins)
	for c, b := range chanMap {
		chanMembers[b]++
		out.Frequency[b] += v.Frequency[c]
	}
	for b := range out.Frequency {
		out.Frequency[b] /= float64(chanMembers[b])
		out.ChanIndex[b] = b
	}

	n := ngroups * nbins * v.NPol
	out.Vis = make([]complex128, n)
	out.Weight = make([]float64, n)
	out.Flag = make([]bool, n)
	contributors := make([]int, n)
	last := make([]complex128, n)
	for r := 0; r < nrows; r++ {
		for c := 0; c < v.NChan(); c++ {
			for p := 0; p < v.NPol; p++ {
				src := v.Index(r, c, p)
				if v.Flag[src] {
					continue
				}
				dst := out.Index(rowMap[r], chanMap[c], p)
				w := v.Weight[src]
				out.Vis[dst] += complex(w, 0) * v.Vis[src]
				out.Weight[dst] += w
				contributors[dst]++
				last[dst] = v.Vis[src]
			}
		}
	}
	for i := range out.Vis {
		switch {
		case contributors[i] == 1:
			// A lone sample is its own average; skip the rounding of w·V/w.
			out.Vis[i] = last[i]
		case out.Weight[i] > 0:
			out.Vis[i] /= complex(out.Weight[i], 0)
		default:
			out.Flag[i] = true
		}
	}

	return &Coalesced{Vis: out, RowMap: rowMap, ChanMap: chanMap, template: v.Copy()}, nil
}

// Decoalesce expands an averaged table back onto the parent's rows and
// channels. Weights and flags are those of the parent.
func Decoalesce(c *Coalesced) (*Visibility, error) {
	if c == nil || c.Vis == nil || c.template == nil {
		return nil, fmt.Errorf("%w: nil coalesced table", ErrInvalidVisibility)
	}
	return DecoalesceValues(c, c.Vis)
}

// DecoalesceValues expands values laid out like c.Vis (for example a model
// predicted on the averaged table) onto the parent's rows and channels.
func DecoalesceValues(c *Coalesced, values *Visibility) (*Visibility, error) {
	if err := sameLayout(c.Vis, values); err != nil {
		return nil, err
	}
	out := c.template.Copy()
	for r := 0; r < out.NRows(); r++ {
		for ch := 0; ch < out.NChan(); ch++ {
			for p := 0; p < out.NPol; p++ {
				out.Vis[out.Index(r, ch, p)] = values.Vis[values.Index(c.RowMap[r], c.ChanMap[ch], p)]
			}
		}
	}
	return out, nil
}

// timeGroups assigns each row to an averaged row.
func timeGroups(v *Visibility, tol float64) ([]int, int) {
	nrows := v.NRows()
	rowMap := make([]int, nrows)
	if tol == 0 || nrows == 0 {
		for r := range rowMap {
			rowMap[r] = r
		}
		return rowMap, nrows
	}

	type baseline struct{ a1, a2 int }
	lengthSum := make(map[baseline]float64)
	lengthN := make(map[baseline]int)
	t0 := math.Inf(1)
	for r := 0; r < nrows; r++ {
		b := baseline{v.Antenna1[r], v.Antenna2[r]}
		lengthSum[b] += math.Hypot(v.UVW[r][0], v.UVW[r][1])
		lengthN[b]++
		t0 = math.Min(t0, v.Time[r])
	}
	maxLen := 0.0
	meanLen := make(map[baseline]float64, len(lengthSum))
	for b, s := range lengthSum {
		meanLen[b] = s / float64(lengthN[b])
		maxLen = math.Max(maxLen, meanLen[b])
	}

	type key struct {
		b   baseline
		bin int64
	}
	groups := make(map[key]int)
	for r := 0; r < nrows; r++ {
		b := baseline{v.Antenna1[r], v.Antenna2[r]}
		width := tol
		if l := meanLen[b]; l > 0 && maxLen > 0 {
			width = tol * maxLen / l
		}
		k := key{b: b, bin: int64(math.Floor((v.Time[r] - t0) / width))}
		g, ok := groups[k]
		if !ok {
			g = len(groups)
			groups[k] = g
		}
		rowMap[r] = g
	}
	return rowMap, len(groups)
}

// channelBins assigns each channel to an averaged channel.
func channelBins(v *Visibility, tol float64) ([]int, int) {
	nchan := v.NChan()
	chanMap := make([]int, nchan)
	if tol == 0 || nchan == 0 {
		for c := range chanMap {
			chanMap[c] = c
		}
		return chanMap, nchan
	}
	f0 := math.Inf(1)
	for _, f := range v.Frequency {
		f0 = math.Min(f0, f)
	}
	bins := make(map[int64]int)
	for c, f := range v.Frequency {
		k := int64(math.Floor((f - f0) / tol))
		b, ok := bins[k]
		if !ok {
			b = len(bins)
			bins[k] = b
		}
		chanMap[c] = b
	}
	return chanMap, len(bins)
}
