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
	"sort"
)

// Axis selects how a visibility table is partitioned.
type Axis string

const (
	// AxisTime groups rows by timestamp into contiguous time slices.
	AxisTime Axis = "time"

	// AxisWPlane groups rows into equal-width slices of the w coordinate.
	AxisWPlane Axis = "wplane"

	// AxisFrequency splits the channel axis into contiguous windows.
	AxisFrequency Axis = "frequency"

	// AxisNone leaves the table whole (a single partition).
	AxisNone Axis = "none"
)

// ParseAxis converts a configuration string into an Axis.
func ParseAxis(s string) (Axis, error) {
	switch Axis(s) {
	case AxisTime, AxisWPlane, AxisFrequency, AxisNone:
		return Axis(s), nil
	case "":
		return AxisNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAxis, s)
	}
}

// Partition splits v into at most n disjoint, non-empty sub-tables.
//
// Description:
//
//	The union of the returned partitions is exactly v. Partitions that would
//	be empty (for example a w range with no rows) are dropped rather than
//	returned as zero-filled tables. When v has fewer distinct times, rows or
//	channels than n, fewer partitions are returned; this is not an error.
//	Rows keep their original relative order inside each partition.
//
// Inputs:
//
//	v - The table to split. Must be valid.
//	axis - Partition axis.
//	n - Requested partition count. Must be >= 1.
//
// Outputs:
//
//	[]*Visibility - Ordered partitions (by time, by w, or by channel).
//	error - ErrInvalidCount, ErrUnknownAxis or a validation error.
func Partition(v *Visibility, axis Axis, n int) ([]*Visibility, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	switch axis {
	case AxisNone:
		if v.NRows() == 0 || v.NChan() == 0 {
			return nil, nil
		}
		return []*Visibility{v.Copy()}, nil
	case AxisTime:
		return partitionTime(v, n), nil
	case AxisWPlane:
		return partitionW(v, n), nil
	case AxisFrequency:
		return partitionFrequency(v, n), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAxis, axis)
	}
}

func partitionTime(v *Visibility, n int) []*Visibility {
	distinct := make([]float64, 0)
	seen := make(map[float64]bool)
	for _, t := range v.Time {
		if !seen[t] {
			seen[t] = true
			distinct = append(distinct, t)
		}
	}
	sort.Float64s(distinct)
	d := len(distinct)
	if d == 0 {
		return nil
	}
	if n > d {
		n = d
	}

	group := make(map[float64]int, d)
	for g := 0; g < n; g++ {
		for _, t := range distinct[g*d/n : (g+1)*d/n] {
			group[t] = g
		}
	}

	rows := make([][]int, n)
	for r, t := range v.Time {
		g := group[t]
		rows[g] = append(rows[g], r)
	}
	return collectRows(v, rows)
}

func partitionW(v *Visibility, n int) []*Visibility {
	if v.NRows() == 0 {
		return nil
	}
	wmin, wmax := math.Inf(1), math.Inf(-1)
	for _, uvw := range v.UVW {
		wmin = math.Min(wmin, uvw[2])
		wmax = math.Max(wmax, uvw[2])
	}

	rows := make([][]int, n)
	span := wmax - wmin
	for r, uvw := range v.UVW {
		slice := 0
		if span > 0 {
			slice = int(math.Floor((uvw[2] - wmin) / span * float64(n)))
			if slice >= n {
				slice = n - 1
			}
		}
		rows[slice] = append(rows[slice], r)
	}
	return collectRows(v, rows)
}

func partitionFrequency(v *Visibility, n int) []*Visibility {
	nchan := v.NChan()
	if nchan == 0 || v.NRows() == 0 {
		return nil
	}
	if n > nchan {
		n = nchan
	}
	parts := make([]*Visibility, 0, n)
	for g := 0; g < n; g++ {
		lo, hi := g*nchan/n, (g+1)*nchan/n
		chans := make([]int, 0, hi-lo)
		for c := lo; c < hi; c++ {
			chans = append(chans, c)
		}
		parts = append(parts, v.selectChannels(chans))
	}
	return parts
}

// collectRows materialises row groups, dropping empty ones.
func collectRows(v *Visibility, rows [][]int) []*Visibility {
	parts := make([]*Visibility, 0, len(rows))
	for _, r := range rows {
		if len(r) == 0 {
			continue
		}
		parts = append(parts, v.selectRows(r))
	}
	return parts
}

// Combine reassembles partitions of a common parent table.
//
// Description:
//
//	Accepts any mix of row partitions and channel partitions. Rows and
//	channels are restored to the parent's order using RowIndex and ChanIndex,
//	so the result is independent of the order of parts. Nil entries are
//	ignored. Cells not covered by any part are returned flagged with zero
//	weight.
//
// Outputs:
//
//	*Visibility - The recombined table.
//	error - ErrNoParts, ErrIncompatible or ErrOverlap.
func Combine(parts []*Visibility) (*Visibility, error) {
	present := make([]*Visibility, 0, len(parts))
	for _, p := range parts {
		if p != nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return nil, ErrNoParts
	}

	first := present[0]
	type rowMeta struct {
		time   float64
		a1, a2 int
		uvw    [3]float64
	}
	rowMetas := make(map[int]rowMeta)
	chanFreq := make(map[int]float64)
	for _, p := range present {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.NPol != first.NPol {
			return nil, fmt.Errorf("%w: npol %d != %d", ErrIncompatible, p.NPol, first.NPol)
		}
		if p.PhaseCentre != first.PhaseCentre {
			return nil, fmt.Errorf("%w: phase centres differ", ErrIncompatible)
		}
		for r, id := range p.RowIndex {
			if _, ok := rowMetas[id]; !ok {
				rowMetas[id] = rowMeta{time: p.Time[r], a1: p.Antenna1[r], a2: p.Antenna2[r], uvw: p.UVW[r]}
			}
		}
		for c, id := range p.ChanIndex {
			chanFreq[id] = p.Frequency[c]
		}
	}

	rowIDs := make([]int, 0, len(rowMetas))
	for id := range rowMetas {
		rowIDs = append(rowIDs, id)
	}
	sort.Ints(rowIDs)
	chanIDs := make([]int, 0, len(chanFreq))
	for id := range chanFreq {
		chanIDs = append(chanIDs, id)
	}
	sort.Ints(chanIDs)

	freqs := make([]float64, len(chanIDs))
	for i, id := range chanIDs {
		freqs[i] = chanFreq[id]
	}
	out := New(len(rowIDs), freqs, first.NPol)
	out.PhaseCentre = first.PhaseCentre
	copy(out.ChanIndex, chanIDs)

	rowPos := make(map[int]int, len(rowIDs))
	for i, id := range rowIDs {
		rowPos[id] = i
		m := rowMetas[id]
		out.Time[i] = m.time
		out.Antenna1[i] = m.a1
		out.Antenna2[i] = m.a2
		out.UVW[i] = m.uvw
		out.RowIndex[i] = id
	}
	chanPos := make(map[int]int, len(chanIDs))
	for i, id := range chanIDs {
		chanPos[id] = i
	}

	filled := make([]bool, out.NRows()*out.NChan())
	for _, p := range present {
		for r, rid := range p.RowIndex {
			dr := rowPos[rid]
			for c, cid := range p.ChanIndex {
				dc := chanPos[cid]
				cell := dr*out.NChan() + dc
				if filled[cell] {
					return nil, fmt.Errorf("%w: row %d channel %d", ErrOverlap, rid, cid)
				}
				filled[cell] = true
				for pol := 0; pol < p.NPol; pol++ {
					src := p.Index(r, c, pol)
					dst := out.Index(dr, dc, pol)
					out.Vis[dst] = p.Vis[src]
					out.Weight[dst] = p.Weight[src]
					out.Flag[dst] = p.Flag[src]
				}
			}
		}
	}

	for cell, ok := range filled {
		if ok {
			continue
		}
		for pol := 0; pol < out.NPol; pol++ {
			i := cell*out.NPol + pol
			out.Weight[i] = 0
			out.Flag[i] = true
		}
	}
	return out, nil
}
