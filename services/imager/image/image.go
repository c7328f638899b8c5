// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package image holds the four-axis sky image value type used by the imaging
// pipeline, together with facet and channel partitioning, beam fitting and
// restoration.
//
// Axis order is (polarisation, channel, y, x). Pixel (x, y) of a grid maps to
// direction cosines relative to the phase centre through Geometry.LM.
package image

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// Sentinel errors for the image package.
var (
	// ErrInvalidGeometry is returned for grids with no pixels or no cell size.
	ErrInvalidGeometry = errors.New("invalid image geometry")

	// ErrGridMismatch is returned when images on different grids are combined.
	ErrGridMismatch = errors.New("image grids differ")

	// ErrBadFacets is returned when the grid cannot be split evenly.
	ErrBadFacets = errors.New("facet count does not divide the image")

	// ErrBeamFit is returned when no beam can be fitted to a PSF.
	ErrBeamFit = errors.New("cannot fit beam to psf")
)

// Geometry describes the pixel grid of an image.
//
// Description:
//
//	RefX/RefY is the pixel of the full (parent) grid that sits on the phase
//	centre. OffsetX/OffsetY locate pixel (0,0) of this grid inside the parent,
//	which is how facets keep their sky positions. ChanOffset plays the same
//	role for channel sub-images.
type Geometry struct {
	NX         int                  `json:"nx"`
	NY         int                  `json:"ny"`
	CellSize   float64              `json:"cellsize"`
	RefX       float64              `json:"ref_x"`
	RefY       float64              `json:"ref_y"`
	OffsetX    int                  `json:"offset_x"`
	OffsetY    int                  `json:"offset_y"`
	Frequency  []float64            `json:"frequency"`
	ChanOffset int                  `json:"chan_offset"`
	NPol       int                  `json:"npol"`
	Phase      visibility.Direction `json:"phase_centre"`
}

// NewGeometry returns a square grid centred on the phase centre.
func NewGeometry(npixel int, cellsize float64, freqs []float64, npol int, phase visibility.Direction) Geometry {
	return Geometry{
		NX:        npixel,
		NY:        npixel,
		CellSize:  cellsize,
		RefX:      float64(npixel / 2),
		RefY:      float64(npixel / 2),
		Frequency: append([]float64(nil), freqs...),
		NPol:      npol,
		Phase:     phase,
	}
}

// NChan returns the number of channels.
func (g Geometry) NChan() int { return len(g.Frequency) }

// Padded returns a grid factor times larger per axis with the same cell
// size, centred on the same sky position as the centre of g. Facet offsets
// are folded into the reference pixel.
func (g Geometry) Padded(factor int) Geometry {
	if factor < 1 {
		factor = 1
	}
	out := g
	out.Frequency = append([]float64(nil), g.Frequency...)
	out.NX = g.NX * factor
	out.NY = g.NY * factor
	out.RefX = g.RefX - float64(g.OffsetX) + float64(out.NX/2-g.NX/2)
	out.RefY = g.RefY - float64(g.OffsetY) + float64(out.NY/2-g.NY/2)
	out.OffsetX, out.OffsetY = 0, 0
	return out
}

// LM returns the direction cosines of pixel (x, y) of this grid.
func (g Geometry) LM(x, y int) (l, m float64) {
	l = (float64(x+g.OffsetX) - g.RefX) * g.CellSize
	m = (float64(y+g.OffsetY) - g.RefY) * g.CellSize
	return l, m
}

// Pixel returns the nearest pixel of this grid to (l, m); ok is false when
// the direction falls outside the grid.
func (g Geometry) Pixel(l, m float64) (x, y int, ok bool) {
	x = int(math.Round(l/g.CellSize+g.RefX)) - g.OffsetX
	y = int(math.Round(m/g.CellSize+g.RefY)) - g.OffsetY
	return x, y, x >= 0 && x < g.NX && y >= 0 && y < g.NY
}

// Validate checks the grid is usable.
func (g Geometry) Validate() error {
	if g.NX < 1 || g.NY < 1 {
		return fmt.Errorf("%w: %dx%d pixels", ErrInvalidGeometry, g.NX, g.NY)
	}
	if !(g.CellSize > 0) || math.IsInf(g.CellSize, 0) {
		return fmt.Errorf("%w: cellsize %v", ErrInvalidGeometry, g.CellSize)
	}
	if g.NPol < 1 || len(g.Frequency) < 1 {
		return fmt.Errorf("%w: npol=%d nchan=%d", ErrInvalidGeometry, g.NPol, len(g.Frequency))
	}
	return nil
}

// SameGrid reports whether two geometries describe the same pixels.
func (g Geometry) SameGrid(o Geometry) bool {
	if g.NX != o.NX || g.NY != o.NY || g.CellSize != o.CellSize ||
		g.RefX != o.RefX || g.RefY != o.RefY ||
		g.OffsetX != o.OffsetX || g.OffsetY != o.OffsetY ||
		g.NPol != o.NPol || g.ChanOffset != o.ChanOffset ||
		g.Phase != o.Phase || len(g.Frequency) != len(o.Frequency) {
		return false
	}
	for i := range g.Frequency {
		if g.Frequency[i] != o.Frequency[i] {
			return false
		}
	}
	return true
}

// Image is a (pol, chan, y, x) cube of float64 pixels.
type Image struct {
	Geometry Geometry
	Data     []float64
}

// New allocates a zero image on the given grid.
func New(g Geometry) *Image {
	g.Frequency = append([]float64(nil), g.Frequency...)
	return &Image{Geometry: g, Data: make([]float64, g.NPol*g.NChan()*g.NY*g.NX)}
}

// NewLike allocates a zero image on the same grid as im.
func NewLike(im *Image) *Image { return New(im.Geometry) }

// Copy returns a deep copy.
func (im *Image) Copy() *Image {
	out := New(im.Geometry)
	copy(out.Data, im.Data)
	return out
}

// Index returns the flat index of (pol, chan, y, x).
func (im *Image) Index(pol, chan_, y, x int) int {
	g := im.Geometry
	return ((pol*g.NChan()+chan_)*g.NY+y)*g.NX + x
}

// Plane returns the slice backing one (pol, chan) plane. Callers must not
// write into planes of images they do not own.
func (im *Image) Plane(pol, chan_ int) []float64 {
	n := im.Geometry.NX * im.Geometry.NY
	start := (pol*im.Geometry.NChan() + chan_) * n
	return im.Data[start : start+n]
}

// At returns the pixel value at (pol, chan, y, x).
func (im *Image) At(pol, chan_, y, x int) float64 {
	return im.Data[im.Index(pol, chan_, y, x)]
}

// Validate checks the data length matches the grid.
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidGeometry)
	}
	if err := im.Geometry.Validate(); err != nil {
		return err
	}
	g := im.Geometry
	if want := g.NPol * g.NChan() * g.NY * g.NX; len(im.Data) != want {
		return fmt.Errorf("%w: data length %d, want %d", ErrInvalidGeometry, len(im.Data), want)
	}
	return nil
}

// Add returns a + b.
func Add(a, b *Image) (*Image, error) {
	if !a.Geometry.SameGrid(b.Geometry) {
		return nil, ErrGridMismatch
	}
	out := a.Copy()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out, nil
}

// Scale returns s·im.
func Scale(im *Image, s float64) *Image {
	out := im.Copy()
	for i := range out.Data {
		out.Data[i] *= s
	}
	return out
}

// Sum returns the sum of all pixels.
func (im *Image) Sum() float64 {
	var s float64
	for _, v := range im.Data {
		s += v
	}
	return s
}

// Peak describes the largest absolute pixel of an image.
type Peak struct {
	Value float64
	Pol   int
	Chan  int
	X     int
	Y     int
}

// PeakAbs returns the pixel with the largest absolute value. Ties keep the
// first pixel in storage order.
func (im *Image) PeakAbs() Peak {
	g := im.Geometry
	best := Peak{}
	bestAbs := -1.0
	for p := 0; p < g.NPol; p++ {
		for c := 0; c < g.NChan(); c++ {
			for y := 0; y < g.NY; y++ {
				for x := 0; x < g.NX; x++ {
					v := im.Data[im.Index(p, c, y, x)]
					if a := math.Abs(v); a > bestAbs {
						bestAbs = a
						best = Peak{Value: v, Pol: p, Chan: c, X: x, Y: y}
					}
				}
			}
		}
	}
	return best
}

// Fingerprint returns a deterministic content hash of the image.
func (im *Image) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	putF := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	g := im.Geometry
	for _, v := range []float64{
		float64(g.NX), float64(g.NY), g.CellSize, g.RefX, g.RefY,
		float64(g.OffsetX), float64(g.OffsetY), float64(g.ChanOffset), float64(g.NPol),
		g.Phase.RA, g.Phase.Dec,
	} {
		putF(v)
	}
	for _, f := range g.Frequency {
		putF(f)
	}
	for _, v := range im.Data {
		putF(v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
