// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package visibility holds the interferometric visibility value type and the
// partitioning operations the imaging graphs are built from.
//
// A Visibility is a struct-of-arrays table of rows (one per baseline and
// timestamp). Each row carries NChan()*NPol complex samples with matching
// weights and flags. Values are treated as immutable once constructed: every
// operation in this package returns a new Visibility and never writes into
// its arguments.
//
// Thread Safety:
//
//	A Visibility is safe for concurrent reads. Nothing in this package
//	mutates an argument.
package visibility

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// SpeedOfLight in metres per second.
const SpeedOfLight = 299792458.0

// Direction is a sky direction in radians.
type Direction struct {
	RA  float64 `json:"ra" yaml:"ra"`
	Dec float64 `json:"dec" yaml:"dec"`
}

// Visibility is a table of interferometric samples.
//
// Description:
//
//	Row metadata (Time, Antenna1, Antenna2, UVW, RowIndex) has one entry per
//	row. Vis, Weight and Flag are row-major with stride NChan()*NPol, laid out
//	as [row][chan][pol]. RowIndex and ChanIndex record the identity of each
//	row and channel in the parent table so partitions can be recombined
//	exactly.
type Visibility struct {
	Time      []float64
	Antenna1  []int
	Antenna2  []int
	UVW       [][3]float64
	RowIndex  []int
	Frequency []float64
	ChanIndex []int
	NPol      int

	Vis    []complex128
	Weight []float64
	Flag   []bool

	PhaseCentre Direction
}

// New allocates a zero-valued visibility table.
//
// Inputs:
//
//	nrows - Number of rows.
//	freqs - Channel frequencies in Hz. Copied.
//	npol - Number of polarisations. Must be >= 1.
//
// Outputs:
//
//	*Visibility - Table with RowIndex/ChanIndex set to 0..n-1, unit weights.
func New(nrows int, freqs []float64, npol int) *Visibility {
	nchan := len(freqs)
	v := &Visibility{
		Time:      make([]float64, nrows),
		Antenna1:  make([]int, nrows),
		Antenna2:  make([]int, nrows),
		UVW:       make([][3]float64, nrows),
		RowIndex:  make([]int, nrows),
		Frequency: append([]float64(nil), freqs...),
		ChanIndex: make([]int, nchan),
		NPol:      npol,
		Vis:       make([]complex128, nrows*nchan*npol),
		Weight:    make([]float64, nrows*nchan*npol),
		Flag:      make([]bool, nrows*nchan*npol),
	}
	for i := range v.RowIndex {
		v.RowIndex[i] = i
	}
	for c := range v.ChanIndex {
		v.ChanIndex[c] = c
	}
	for i := range v.Weight {
		v.Weight[i] = 1
	}
	return v
}

// NRows returns the number of rows.
func (v *Visibility) NRows() int { return len(v.Time) }

// NChan returns the number of channels.
func (v *Visibility) NChan() int { return len(v.Frequency) }

// Stride is the number of samples per row.
func (v *Visibility) Stride() int { return len(v.Frequency) * v.NPol }

// NSamples returns rows × channels × polarisations.
func (v *Visibility) NSamples() int { return len(v.Vis) }

// Index returns the flat sample index of (row, chan, pol).
func (v *Visibility) Index(row, chan_, pol int) int {
	return (row*len(v.Frequency)+chan_)*v.NPol + pol
}

// TotalWeight sums the weights of unflagged samples.
func (v *Visibility) TotalWeight() float64 {
	var sum float64
	for i, w := range v.Weight {
		if !v.Flag[i] {
			sum += w
		}
	}
	return sum
}

// UVWLambda returns the uvw coordinate of a row in wavelengths at a channel.
func (v *Visibility) UVWLambda(row, chan_ int) (u, vv, w float64) {
	scale := v.Frequency[chan_] / SpeedOfLight
	uvw := v.UVW[row]
	return uvw[0] * scale, uvw[1] * scale, uvw[2] * scale
}

// Validate checks internal consistency of the table.
func (v *Visibility) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil visibility", ErrInvalidVisibility)
	}
	n := len(v.Time)
	if len(v.Antenna1) != n || len(v.Antenna2) != n || len(v.UVW) != n || len(v.RowIndex) != n {
		return fmt.Errorf("%w: row metadata lengths disagree", ErrInvalidVisibility)
	}
	if v.NPol < 1 {
		return fmt.Errorf("%w: npol must be >= 1, got %d", ErrInvalidVisibility, v.NPol)
	}
	if len(v.ChanIndex) != len(v.Frequency) {
		return fmt.Errorf("%w: channel index length %d != %d channels", ErrInvalidVisibility, len(v.ChanIndex), len(v.Frequency))
	}
	want := n * v.Stride()
	if len(v.Vis) != want || len(v.Weight) != want || len(v.Flag) != want {
		return fmt.Errorf("%w: expected %d samples", ErrInvalidVisibility, want)
	}
	return nil
}

// Copy returns a deep copy.
func (v *Visibility) Copy() *Visibility {
	return &Visibility{
		Time:        append([]float64(nil), v.Time...),
		Antenna1:    append([]int(nil), v.Antenna1...),
		Antenna2:    append([]int(nil), v.Antenna2...),
		UVW:         append([][3]float64(nil), v.UVW...),
		RowIndex:    append([]int(nil), v.RowIndex...),
		Frequency:   append([]float64(nil), v.Frequency...),
		ChanIndex:   append([]int(nil), v.ChanIndex...),
		NPol:        v.NPol,
		Vis:         append([]complex128(nil), v.Vis...),
		Weight:      append([]float64(nil), v.Weight...),
		Flag:        append([]bool(nil), v.Flag...),
		PhaseCentre: v.PhaseCentre,
	}
}

// Fingerprint returns a deterministic content hash of the table.
//
// Description:
//
//	Used as the anchor key when a visibility enters a task graph, so two
//	graphs built from equal data share node keys.
func (v *Visibility) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	putF := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	putI := func(i int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(i)))
		h.Write(buf[:])
	}

	putI(len(v.Time))
	putI(len(v.Frequency))
	putI(v.NPol)
	putF(v.PhaseCentre.RA)
	putF(v.PhaseCentre.Dec)
	for i := range v.Time {
		putF(v.Time[i])
		putI(v.Antenna1[i])
		putI(v.Antenna2[i])
		putF(v.UVW[i][0])
		putF(v.UVW[i][1])
		putF(v.UVW[i][2])
		putI(v.RowIndex[i])
	}
	for c := range v.Frequency {
		putF(v.Frequency[c])
		putI(v.ChanIndex[c])
	}
	for i := range v.Vis {
		putF(real(v.Vis[i]))
		putF(imag(v.Vis[i]))
		putF(v.Weight[i])
		if v.Flag[i] {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// selectRows builds a new table holding the given rows (in the given order).
func (v *Visibility) selectRows(rows []int) *Visibility {
	stride := v.Stride()
	out := &Visibility{
		Time:        make([]float64, len(rows)),
		Antenna1:    make([]int, len(rows)),
		Antenna2:    make([]int, len(rows)),
		UVW:         make([][3]float64, len(rows)),
		RowIndex:    make([]int, len(rows)),
		Frequency:   append([]float64(nil), v.Frequency...),
		ChanIndex:   append([]int(nil), v.ChanIndex...),
		NPol:        v.NPol,
		Vis:         make([]complex128, len(rows)*stride),
		Weight:      make([]float64, len(rows)*stride),
		Flag:        make([]bool, len(rows)*stride),
		PhaseCentre: v.PhaseCentre,
	}
	for i, r := range rows {
		out.Time[i] = v.Time[r]
		out.Antenna1[i] = v.Antenna1[r]
		out.Antenna2[i] = v.Antenna2[r]
		out.UVW[i] = v.UVW[r]
		out.RowIndex[i] = v.RowIndex[r]
		copy(out.Vis[i*stride:(i+1)*stride], v.Vis[r*stride:(r+1)*stride])
		copy(out.Weight[i*stride:(i+1)*stride], v.Weight[r*stride:(r+1)*stride])
		copy(out.Flag[i*stride:(i+1)*stride], v.Flag[r*stride:(r+1)*stride])
	}
	return out
}

// selectChannels builds a new table holding the given channels of every row.
func (v *Visibility) selectChannels(chans []int) *Visibility {
	nrows := v.NRows()
	npol := v.NPol
	out := &Visibility{
		Time:        append([]float64(nil), v.Time...),
		Antenna1:    append([]int(nil), v.Antenna1...),
		Antenna2:    append([]int(nil), v.Antenna2...),
		UVW:         append([][3]float64(nil), v.UVW...),
		RowIndex:    append([]int(nil), v.RowIndex...),
		Frequency:   make([]float64, len(chans)),
		ChanIndex:   make([]int, len(chans)),
		NPol:        npol,
		PhaseCentre: v.PhaseCentre,
	}
	for i, c := range chans {
		out.Frequency[i] = v.Frequency[c]
		out.ChanIndex[i] = v.ChanIndex[c]
	}
	n := nrows * len(chans) * npol
	out.Vis = make([]complex128, n)
	out.Weight = make([]float64, n)
	out.Flag = make([]bool, n)
	for r := 0; r < nrows; r++ {
		for i, c := range chans {
			for p := 0; p < npol; p++ {
				src := v.Index(r, c, p)
				dst := out.Index(r, i, p)
				out.Vis[dst] = v.Vis[src]
				out.Weight[dst] = v.Weight[src]
				out.Flag[dst] = v.Flag[src]
			}
		}
	}
	return out
}
