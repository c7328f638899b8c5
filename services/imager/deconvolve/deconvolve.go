// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deconvolve implements the minor cycle: iterative removal of the
// point spread function from a dirty image.
//
// Two algorithms are provided. Hogbom subtracts scaled, shifted copies of
// the PSF at the residual peak. MultiScale does the same with a set of
// Gaussian-smoothed components. Both stop at the iteration budget, at the
// threshold, or as soon as a step would raise the residual peak; that step
// is undone and the report marks the cycle as diverged, so the recorded
// peak history never increases.
package deconvolve

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/skyimager/services/imager/image"
)

// Sentinel errors for the deconvolve package.
var (
	// ErrInvalidParams is returned for unusable clean settings.
	ErrInvalidParams = errors.New("invalid deconvolution parameters")

	// ErrPSFMismatch is returned when the PSF does not cover the image planes.
	ErrPSFMismatch = errors.New("psf does not match dirty image")
)

// Algorithm names a minor-cycle algorithm.
type Algorithm string

const (
	// AlgorithmHogbom is point-component clean.
	AlgorithmHogbom Algorithm = "hogbom"
	// AlgorithmMultiScale is multi-scale clean.
	AlgorithmMultiScale Algorithm = "msclean"
)

// Params controls a minor cycle.
type Params struct {
	Algorithm           Algorithm
	Niter               int
	Gain                float64
	Threshold           float64
	FractionalThreshold float64
	// Scales are component widths in pixels for multi-scale clean. Zero is
	// a point component.
	Scales []float64
}

// Validate checks the parameters.
func (p Params) Validate() error {
	switch {
	case p.Algorithm != AlgorithmHogbom && p.Algorithm != AlgorithmMultiScale && p.Algorithm != "":
		return fmt.Errorf("%w: algorithm %q", ErrInvalidParams, p.Algorithm)
	case p.Niter < 0:
		return fmt.Errorf("%w: niter %d", ErrInvalidParams, p.Niter)
	case !(p.Gain > 0) || p.Gain > 1:
		return fmt.Errorf("%w: gain %v outside (0,1]", ErrInvalidParams, p.Gain)
	case p.Threshold < 0 || p.FractionalThreshold < 0 || p.FractionalThreshold >= 1:
		return fmt.Errorf("%w: threshold %v fractional %v", ErrInvalidParams, p.Threshold, p.FractionalThreshold)
	}
	for _, s := range p.Scales {
		if s < 0 || math.IsInf(s, 0) || math.IsNaN(s) {
			return fmt.Errorf("%w: scale %v", ErrInvalidParams, s)
		}
	}
	return nil
}

// StopReason says why a minor cycle ended.
type StopReason string

const (
	StopNiter     StopReason = "niter"
	StopThreshold StopReason = "threshold"
	StopDiverged  StopReason = "diverged"
)

// Report summarises a minor cycle.
type Report struct {
	Iterations  int        `json:"iterations"`
	InitialPeak float64    `json:"initial_peak"`
	FinalPeak   float64    `json:"final_peak"`
	PeakHistory []float64  `json:"peak_history,omitempty"`
	Diverged    bool       `json:"diverged"`
	Stop        StopReason `json:"stop"`
}

// Result is the output of a minor cycle.
type Result struct {
	Model    *image.Image
	Residual *image.Image
	Report   Report
}

// Deconvolve runs the configured algorithm over every (pol, chan) plane.
//
// Description:
//
//	Planes are cleaned in storage order. The stopping level is
//	max(Threshold, FractionalThreshold × initial peak), where the initial
//	peak is taken over the whole image. The PSF may be larger or smaller
//	than the dirty image; its peak pixel is aligned with each component.
//	A single-channel PSF serves every channel.
//
// Inputs:
//
//	ctx - Checked between iterations.
//	dirty - Image to clean. Not modified.
//	psf - Point spread function, peak normalised or not.
//	p - Clean parameters.
//
// Outputs:
//
//	*Result - Model (components in Jy/pixel) and residual.
//	error - ErrInvalidParams, ErrPSFMismatch or ctx.Err().
func Deconvolve(ctx context.Context, dirty, psf *image.Image, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	dg, pg := dirty.Geometry, psf.Geometry
	if pg.NPol != dg.NPol || (pg.NChan() != dg.NChan() && pg.NChan() != 1) {
		return nil, fmt.Errorf("%w: psf %dx%d planes, image %dx%d",
			ErrPSFMismatch, pg.NPol, pg.NChan(), dg.NPol, dg.NChan())
	}

	res := &Result{Model: image.NewLike(dirty), Residual: dirty.Copy()}
	nplanes := dg.NPol * dg.NChan()
	peaks := make([]float64, nplanes)
	for i := range peaks {
		peaks[i] = peakOf(res.Residual.Plane(i/dg.NChan(), i%dg.NChan())).abs
	}
	rep := &res.Report
	rep.InitialPeak = maxOf(peaks)
	rep.FinalPeak = rep.InitialPeak
	rep.Stop = StopNiter
	level := math.Max(p.Threshold, p.FractionalThreshold*rep.InitialPeak)

	for i := 0; i < nplanes; i++ {
		pol, ch := i/dg.NChan(), i%dg.NChan()
		psfCh := ch
		if pg.NChan() == 1 {
			psfCh = 0
		}
		pl := &plane{
			nx: dg.NX, ny: dg.NY,
			residual: res.Residual.Plane(pol, ch),
			model:    res.Model.Plane(pol, ch),
		}
		pp, err := newPSF(psf.Plane(pol, psfCh), pg.NX, pg.NY)
		if err != nil {
			return nil, err
		}

		var cleaner func(context.Context, *plane, *psfPlane, Params, float64, func(float64)) (StopReason, error)
		switch p.Algorithm {
		case AlgorithmMultiScale:
			cleaner = multiScale
		default:
			cleaner = hogbom
		}
		onStep := func(planePeak float64) {
			peaks[i] = planePeak
			rep.Iterations++
			rep.FinalPeak = maxOf(peaks)
			rep.PeakHistory = append(rep.PeakHistory, rep.FinalPeak)
		}
		stop, err := cleaner(ctx, pl, pp, p, level, onStep)
		if err != nil {
			return nil, err
		}
		switch stop {
		case StopDiverged:
			rep.Diverged = true
			rep.Stop = StopDiverged
		case StopThreshold:
			if rep.Stop != StopDiverged {
				rep.Stop = StopThreshold
			}
		}
	}
	if rep.Stop == StopThreshold && rep.FinalPeak > level {
		rep.Stop = StopNiter
	}
	return res, nil
}

// MergeReports combines the reports of independently cleaned sub-images.
func MergeReports(reports []Report) Report {
	out := Report{Stop: StopThreshold}
	for _, r := range reports {
		out.Iterations += r.Iterations
		out.InitialPeak = math.Max(out.InitialPeak, r.InitialPeak)
		out.FinalPeak = math.Max(out.FinalPeak, r.FinalPeak)
		out.Diverged = out.Diverged || r.Diverged
		switch {
		case r.Stop == StopDiverged:
			out.Stop = StopDiverged
		case r.Stop == StopNiter && out.Stop != StopDiverged:
			out.Stop = StopNiter
		}
	}
	if len(reports) == 0 {
		out.Stop = StopNiter
	}
	return out
}

type plane struct {
	nx, ny   int
	residual []float64
	model    []float64
}

type psfPlane struct {
	data   []float64
	nx, ny int
	cx, cy int
	peak   float64
}

func newPSF(data []float64, nx, ny int) (*psfPlane, error) {
	pk := peakOf(data)
	if !(pk.value > 0) {
		return nil, fmt.Errorf("%w: psf peak %v", ErrPSFMismatch, pk.value)
	}
	return &psfPlane{data: data, nx: nx, ny: ny, cx: pk.idx % nx, cy: pk.idx / nx, peak: pk.value}, nil
}

type peak struct {
	idx   int
	value float64
	abs   float64
}

func peakOf(data []float64) peak {
	best := peak{abs: -1}
	for i, v := range data {
		if a := math.Abs(v); a > best.abs {
			best = peak{idx: i, value: v, abs: a}
		}
	}
	if best.abs < 0 {
		best.abs = 0
	}
	return best
}

func maxOf(a []float64) float64 {
	m := 0.0
	for _, v := range a {
		m = math.Max(m, v)
	}
	return m
}

// subtractShifted subtracts amp·src, with src's centre (cx, cy) placed on
// (x, y) of dst. Pixels that fall outside dst are ignored.
func subtractShifted(dst []float64, nx, ny int, src []float64, snx, sny, cx, cy, x, y int, amp float64) {
	for sy := 0; sy < sny; sy++ {
		dy := y + sy - cy
		if dy < 0 || dy >= ny {
			continue
		}
		for sx := 0; sx < snx; sx++ {
			dx := x + sx - cx
			if dx < 0 || dx >= nx {
				continue
			}
			dst[dy*nx+dx] -= amp * src[sy*snx+sx]
		}
	}
}
