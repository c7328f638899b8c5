// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deconvolve

import (
	"context"
	"math"
)

// scaleKernel is a unit-sum Gaussian with sigma = scale/2, or a delta for
// scale zero.
type scaleKernel struct {
	scale  float64
	data   []float64
	radius int
}

func newScaleKernel(scale float64) scaleKernel {
	if scale == 0 {
		return scaleKernel{data: []float64{1}}
	}
	sigma := scale / 2
	r := int(math.Ceil(3 * sigma))
	size := 2*r + 1
	k := scaleKernel{scale: scale, data: make([]float64, size*size), radius: r}
	var sum float64
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			v := math.Exp(-float64(x*x+y*y) / (2 * sigma * sigma))
			k.data[(y+r)*size+x+r] = v
			sum += v
		}
	}
	for i := range k.data {
		k.data[i] /= sum
	}
	return k
}

func (k scaleKernel) size() int { return 2*k.radius + 1 }

// convolve returns data ⊛ k on the same grid, zero outside.
func (k scaleKernel) convolve(data []float64, nx, ny int) []float64 {
	out := make([]float64, len(data))
	if k.radius == 0 {
		copy(out, data)
		return out
	}
	size := k.size()
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			v := data[y*nx+x]
			if v == 0 {
				continue
			}
			// out -= (-v)·k, i.e. out += v·k centred on (x, y).
			subtractShifted(out, nx, ny, k.data, size, size, k.radius, k.radius, x, y, -v)
		}
	}
	return out
}

// multiScale cleans one plane with Gaussian components of several widths.
//
// Description:
//
//	Each scale keeps a smoothed residual R_s = K_s ⊛ R. The component is
//	placed at the largest biased peak over all scales, with amplitude
//	gain·R_s/(K_s ⊛ K_s ⊛ PSF)(0). All smoothed residuals are updated from
//	precomputed cross-scale PSFs. A step that would raise the residual peak
//	is retried as a point component before the cycle is declared diverged.
func multiScale(ctx context.Context, pl *plane, psf *psfPlane, p Params, level float64, onStep func(float64)) (StopReason, error) {
	scales := p.Scales
	if len(scales) == 0 {
		scales = []float64{0}
	}
	maxScale := 0.0
	for _, s := range scales {
		maxScale = math.Max(maxScale, s)
	}
	kernels := make([]scaleKernel, len(scales))
	bias := make([]float64, len(scales))
	for i, s := range scales {
		kernels[i] = newScaleKernel(s)
		bias[i] = 1
		if maxScale > 0 {
			bias[i] = 1 - 0.6*s/maxScale
		}
	}
	point := scaleKernel{data: []float64{1}}

	// psfS[s] = K_s ⊛ PSF, psfSQ[s][q] = K_q ⊛ K_s ⊛ PSF.
	psfS := make([][]float64, len(scales))
	psfSQ := make([][][]float64, len(scales))
	for s, k := range kernels {
		psfS[s] = k.convolve(psf.data, psf.nx, psf.ny)
		psfSQ[s] = make([][]float64, len(scales))
		for q, kq := range kernels {
			psfSQ[s][q] = kq.convolve(psfS[s], psf.nx, psf.ny)
		}
	}
	smoothed := make([][]float64, len(scales))
	for s, k := range kernels {
		smoothed[s] = k.convolve(pl.residual, pl.nx, pl.ny)
	}
	pointPSF := make([][]float64, len(scales))
	for q, kq := range kernels {
		pointPSF[q] = kq.convolve(psf.data, psf.nx, psf.ny)
	}

	savedRes := make([]float64, len(pl.residual))
	savedModel := make([]float64, len(pl.model))
	savedSmooth := make([][]float64, len(scales))
	for s := range savedSmooth {
		savedSmooth[s] = make([]float64, len(pl.residual))
	}
	centre := psf.cy*psf.nx + psf.cx

	step := func(k scaleKernel, comp []float64, cross [][]float64, idx int, amp float64) {
		x, y := idx%pl.nx, idx/pl.nx
		size := k.size()
		subtractShifted(pl.model, pl.nx, pl.ny, k.data, size, size, k.radius, k.radius, x, y, -amp)
		subtractShifted(pl.residual, pl.nx, pl.ny, comp, psf.nx, psf.ny, psf.cx, psf.cy, x, y, amp)
		for q := range smoothed {
			subtractShifted(smoothed[q], pl.nx, pl.ny, cross[q], psf.nx, psf.ny, psf.cx, psf.cy, x, y, amp)
		}
	}
	save := func() {
		copy(savedRes, pl.residual)
		copy(savedModel, pl.model)
		for s := range smoothed {
			copy(savedSmooth[s], smoothed[s])
		}
	}
	restore := func() {
		copy(pl.residual, savedRes)
		copy(pl.model, savedModel)
		for s := range smoothed {
			copy(smoothed[s], savedSmooth[s])
		}
	}

	prev := peakOf(pl.residual)
	for it := 0; it < p.Niter; it++ {
		if it%16 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		if prev.abs <= level {
			return StopThreshold, nil
		}

		best, bestScale := peak{abs: -1}, 0
		for s := range scales {
			pk := peakOf(smoothed[s])
			if pk.abs*bias[s] > best.abs {
				best, bestScale = peak{idx: pk.idx, value: pk.value, abs: pk.abs * bias[s]}, s
			}
		}
		norm := psfSQ[bestScale][bestScale][centre]
		if !(norm > 0) {
			return StopDiverged, nil
		}

		save()
		step(kernels[bestScale], psfS[bestScale], psfSQ[bestScale], best.idx, p.Gain*best.value/norm)
		next := peakOf(pl.residual)
		if next.abs > prev.abs && kernels[bestScale].radius > 0 {
			restore()
			step(point, psf.data, pointPSF, prev.idx, p.Gain*prev.value/psf.peak)
			next = peakOf(pl.residual)
		}
		if next.abs > prev.abs {
			restore()
			return StopDiverged, nil
		}
		onStep(next.abs)
		prev = next
	}
	if prev.abs <= level {
		return StopThreshold, nil
	}
	return StopNiter, nil
}
