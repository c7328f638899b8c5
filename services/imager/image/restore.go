// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package image

import (
	"fmt"
	"math"
)

// Beam is an elliptical Gaussian clean beam in pixel units.
type Beam struct {
	// SigmaMajor and SigmaMinor are the Gaussian standard deviations.
	SigmaMajor float64 `json:"sigma_major"`
	SigmaMinor float64 `json:"sigma_minor"`
	// PA is the angle of the major axis from the +x axis, radians.
	PA float64 `json:"pa"`
}

const fwhmPerSigma = 2.3548200450309493

// FWHM returns the major and minor full widths at half maximum in pixels.
func (b Beam) FWHM() (major, minor float64) {
	return b.SigmaMajor * fwhmPerSigma, b.SigmaMinor * fwhmPerSigma
}

// inverseCovariance returns the inverse covariance matrix entries (a, b, c) of
// the quadratic form a·x² + 2b·xy + c·y².
func (b Beam) inverseCovariance() (a, bb, c float64) {
	cs, sn := math.Cos(b.PA), math.Sin(b.PA)
	i1 := 1 / (b.SigmaMajor * b.SigmaMajor)
	i2 := 1 / (b.SigmaMinor * b.SigmaMinor)
	a = cs*cs*i1 + sn*sn*i2
	bb = cs * sn * (i1 - i2)
	c = sn*sn*i1 + cs*cs*i2
	return a, bb, c
}

// Value returns the peak-normalised beam at pixel offset (dx, dy).
func (b Beam) Value(dx, dy float64) float64 {
	a, bb, c := b.inverseCovariance()
	return math.Exp(-0.5 * (a*dx*dx + 2*bb*dx*dy + c*dy*dy))
}

// FitPSF fits a Gaussian to the main lobe of the first plane of a PSF.
//
// Description:
//
//	The main lobe is the set of pixels at or above half the peak that are
//	connected to the peak pixel. A least-squares fit of a quadratic to the
//	logarithm of those pixels gives the covariance directly; when that fit
//	is not positive definite the unweighted second moments of the lobe are
//	used instead.
//
// Outputs:
//
//	Beam - Fitted beam in pixels.
//	error - ErrBeamFit when the PSF has no positive peak.
func FitPSF(psf *Image) (Beam, error) {
	g := psf.Geometry
	plane := psf.Plane(0, 0)
	px, py, peak := 0, 0, math.Inf(-1)
	for y := 0; y < g.NY; y++ {
		for x := 0; x < g.NX; x++ {
			if v := plane[y*g.NX+x]; v > peak {
				px, py, peak = x, y, v
			}
		}
	}
	if !(peak > 0) {
		return Beam{}, fmt.Errorf("%w: peak %v", ErrBeamFit, peak)
	}

	lobe := mainLobe(plane, g.NX, g.NY, px, py, 0.5*peak)
	if b, ok := fitLogQuadratic(plane, g.NX, px, py, peak, lobe); ok {
		return b, nil
	}
	return fitMoments(g.NX, px, py, lobe), nil
}

// mainLobe flood-fills from (px, py) over 4-connected pixels >= level.
func mainLobe(plane []float64, nx, ny, px, py int, level float64) []int {
	seen := make(map[int]bool)
	stack := []int{py*nx + px}
	seen[py*nx+px] = true
	var lobe []int
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		lobe = append(lobe, i)
		x, y := i%nx, i/nx
		for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			xx, yy := x+d[0], y+d[1]
			if xx < 0 || yy < 0 || xx >= nx || yy >= ny {
				continue
			}
			j := yy*nx + xx
			if !seen[j] && plane[j] >= level {
				seen[j] = true
				stack = append(stack, j)
			}
		}
	}
	return lobe
}

func fitLogQuadratic(plane []float64, nx, px, py int, peak float64, lobe []int) (Beam, bool) {
	if len(lobe) < 6 {
		return Beam{}, false
	}
	// Normal equations for ln(I/peak) = A x² + B xy + C y² + D x + E y + F.
	var ata [6][6]float64
	var atb [6]float64
	for _, i := range lobe {
		x := float64(i%nx - px)
		y := float64(i/nx - py)
		row := [6]float64{x * x, x * y, y * y, x, y, 1}
		z := math.Log(plane[i] / peak)
		for r := 0; r < 6; r++ {
			atb[r] += row[r] * z
			for c := 0; c < 6; c++ {
				ata[r][c] += row[r] * row[c]
			}
		}
	}
	sol, ok := solve6(ata, atb)
	if !ok {
		return Beam{}, false
	}
	// Inverse covariance is -2·Q with Q = [[A, B/2], [B/2, C]].
	ia, ib, ic := -2*sol[0], -sol[1], -2*sol[2]
	det := ia*ic - ib*ib
	if !(ia > 0) || !(det > 0) {
		return Beam{}, false
	}
	return beamFromCovariance(ic/det, -ib/det, ia/det)
}

func fitMoments(nx, px, py int, lobe []int) Beam {
	var sxx, sxy, syy, mx, my float64
	n := float64(len(lobe))
	for _, i := range lobe {
		mx += float64(i%nx - px)
		my += float64(i/nx - py)
	}
	mx /= n
	my /= n
	for _, i := range lobe {
		x := float64(i%nx-px) - mx
		y := float64(i/nx-py) - my
		sxx += x * x
		sxy += x * y
		syy += y * y
	}
	// A uniform ellipse cut at half maximum has covariance Σ·ln2/2.
	k := 2 / math.Ln2 / n
	// Quarter-pixel floor keeps single-pixel lobes usable.
	if b, ok := beamFromCovariance(sxx*k+0.25, sxy*k, syy*k+0.25); ok {
		return b
	}
	return Beam{SigmaMajor: 0.5, SigmaMinor: 0.5}
}

// beamFromCovariance diagonalises [[sxx, sxy], [sxy, syy]].
func beamFromCovariance(sxx, sxy, syy float64) (Beam, bool) {
	tr := sxx + syy
	disc := math.Sqrt(math.Max(0, (sxx-syy)*(sxx-syy)/4+sxy*sxy))
	l1 := tr/2 + disc
	l2 := tr/2 - disc
	if !(l2 > 0) || math.IsInf(l1, 0) {
		return Beam{}, false
	}
	pa := 0.5 * math.Atan2(2*sxy, sxx-syy)
	return Beam{SigmaMajor: math.Sqrt(l1), SigmaMinor: math.Sqrt(l2), PA: pa}, true
}

// solve6 solves a 6x6 system by Gaussian elimination with partial pivoting.
func solve6(a [6][6]float64, b [6]float64) ([6]float64, bool) {
	const n = 6
	for col := 0; col < n; col++ {
		piv := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[piv][col]) {
				piv = r
			}
		}
		if math.Abs(a[piv][col]) < 1e-12 {
			return b, false
		}
		a[col], a[piv] = a[piv], a[col]
		b[col], b[piv] = b[piv], b[col]
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	var x [6]float64
	for r := n - 1; r >= 0; r-- {
		s := b[r]
		for c := r + 1; c < n; c++ {
			s -= a[r][c] * x[c]
		}
		x[r] = s / a[r][r]
	}
	return x, true
}

// Restore convolves the model with the peak-normalised beam and adds the
// residual. Both images must share a grid.
func Restore(model *Image, beam Beam, residual *Image) (*Image, error) {
	if !model.Geometry.SameGrid(residual.Geometry) {
		return nil, ErrGridMismatch
	}
	g := model.Geometry
	reach := int(math.Ceil(5 * beam.SigmaMajor))
	size := 2*reach + 1
	kern := make([]float64, size*size)
	for dy := -reach; dy <= reach; dy++ {
		for dx := -reach; dx <= reach; dx++ {
			kern[(dy+reach)*size+dx+reach] = beam.Value(float64(dx), float64(dy))
		}
	}

	out := residual.Copy()
	for p := 0; p < g.NPol; p++ {
		for c := 0; c < g.NChan(); c++ {
			src := model.Plane(p, c)
			dst := out.Plane(p, c)
			for y := 0; y < g.NY; y++ {
				for x := 0; x < g.NX; x++ {
					v := src[y*g.NX+x]
					if v == 0 {
						continue
					}
					for dy := -reach; dy <= reach; dy++ {
						yy := y + dy
						if yy < 0 || yy >= g.NY {
							continue
						}
						for dx := -reach; dx <= reach; dx++ {
							xx := x + dx
							if xx < 0 || xx >= g.NX {
								continue
							}
							dst[yy*g.NX+xx] += v * kern[(dy+reach)*size+dx+reach]
						}
					}
				}
			}
		}
	}
	return out, nil
}
