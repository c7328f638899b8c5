// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kernel implements the imaging kernels behind a closed strategy
// enumeration.
//
// Every strategy evaluates the same exact direct Fourier transform; they
// differ in whether the w-term is applied and in how the graph planner
// scatters visibilities and images before calling the kernel. Results are
// bit-reproducible because summation always runs rows, then channels, then
// polarisations, in table order.
package kernel

import (
	"context"
	"fmt"
	"math"

	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/skymodel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// Partial is one invert contribution: a normalised image and the total
// weight behind each (chan, pol) plane.
type Partial struct {
	Image *image.Image
	// SumWeight is indexed chan·NPol + pol.
	SumWeight []float64
	// Key orders partials deterministically when they are combined.
	Key string
}

// TotalWeight sums SumWeight.
func (p *Partial) TotalWeight() float64 {
	var s float64
	for _, w := range p.SumWeight {
		s += w
	}
	return s
}

// Adapter binds a strategy to its dispatch entry.
type Adapter struct {
	strategy Strategy
	spec     Spec
}

// NewAdapter returns an adapter for s.
func NewAdapter(s Strategy) (*Adapter, error) {
	spec, err := Describe(s)
	if err != nil {
		return nil, err
	}
	return &Adapter{strategy: s, spec: spec}, nil
}

// Strategy returns the bound strategy.
func (a *Adapter) Strategy() Strategy { return a.strategy }

// Spec returns the dispatch entry.
func (a *Adapter) Spec() Spec { return a.spec }

// planeFor maps visibility channel ch onto an image channel plane. A single
// channel image receives every visibility channel.
func planeFor(g image.Geometry, v *visibility.Visibility, ch int) (int, bool) {
	if g.NChan() == 1 {
		return 0, true
	}
	c := v.ChanIndex[ch] - g.ChanOffset
	return c, c >= 0 && c < g.NChan()
}

type pixel struct {
	idx     int
	l, m, n float64
}

// skyPixels lists the pixels of g that lie on the celestial sphere.
func skyPixels(g image.Geometry) []pixel {
	px := make([]pixel, 0, g.NX*g.NY)
	for y := 0; y < g.NY; y++ {
		for x := 0; x < g.NX; x++ {
			l, m := g.LM(x, y)
			r2 := l*l + m*m
			if r2 >= 1 {
				continue
			}
			px = append(px, pixel{idx: y*g.NX + x, l: l, m: m, n: math.Sqrt(1 - r2)})
		}
	}
	return px
}

func (a *Adapter) check(op string, v *visibility.Visibility, g image.Geometry) error {
	if err := v.Validate(); err != nil {
		return &Error{Strategy: a.strategy, Op: op, Err: fmt.Errorf("%w: %w", ErrKernelFailure, err)}
	}
	if err := g.Validate(); err != nil {
		return &Error{Strategy: a.strategy, Op: op, Err: fmt.Errorf("%w: %w", ErrKernelFailure, err)}
	}
	if g.NPol != v.NPol {
		return newError(a.strategy, op, "image has %d polarisations, visibility %d", g.NPol, v.NPol)
	}
	for row, uvw := range v.UVW {
		for _, c := range uvw {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return newError(a.strategy, op, "non-finite uvw on row %d", row)
			}
		}
	}
	return nil
}

// Invert computes the weighted dirty image (or PSF) of v on grid g.
//
// Description:
//
//	For each (chan, pol) plane,
//	I(l,m) = Σ w·Re(V·exp(+2πi(u·l + v·m + w·(n−1)))) / Σ w
//	over unflagged samples mapped to that plane. The PSF sets V = 1. Planes
//	with no weight stay zero.
//
// Outputs:
//
//	*Partial - Normalised image with per-plane weights.
//	error - visibility.ErrPartitionEmpty when v carries no weight at all,
//	        *Error wrapping ErrKernelFailure for degenerate input.
func (a *Adapter) Invert(ctx context.Context, v *visibility.Visibility, g image.Geometry, psf bool) (*Partial, error) {
	op := "invert"
	if psf {
		op = "psf"
	}
	if err := a.check(op, v, g); err != nil {
		return nil, err
	}

	out := image.New(g)
	npol := v.NPol
	sumW := make([]float64, g.NChan()*npol)
	pixels := skyPixels(g)

	for row := 0; row < v.NRows(); row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ch := 0; ch < v.NChan(); ch++ {
			plane, ok := planeFor(g, v, ch)
			if !ok {
				continue
			}
			u, vv, w := v.UVWLambda(row, ch)
			if !a.spec.UseW {
				w = 0
			}
			for p := 0; p < npol; p++ {
				i := v.Index(row, ch, p)
				if v.Flag[i] || v.Weight[i] == 0 {
					continue
				}
				wt := v.Weight[i]
				s := complex(1, 0)
				if !psf {
					s = v.Vis[i]
				}
				sumW[plane*npol+p] += wt
				data := out.Plane(p, plane)
				for _, px := range pixels {
					sn, cs := math.Sincos(2 * math.Pi * (u*px.l + vv*px.m + w*(px.n-1)))
					data[px.idx] += wt * (real(s)*cs - imag(s)*sn)
				}
			}
		}
	}

	var total float64
	for _, sw := range sumW {
		total += sw
	}
	if total == 0 {
		return nil, fmt.Errorf("%s: %w", op, visibility.ErrPartitionEmpty)
	}
	for c := 0; c < g.NChan(); c++ {
		for p := 0; p < npol; p++ {
			sw := sumW[c*npol+p]
			if sw == 0 {
				continue
			}
			data := out.Plane(p, c)
			for i := range data {
				data[i] /= sw
			}
		}
	}
	for _, val := range out.Data {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, newError(a.strategy, op, "non-finite pixel")
		}
	}
	return &Partial{Image: out, SumWeight: sumW}, nil
}

// Predict returns a copy of template holding the visibilities of the model
// image. Weights and flags of template are kept.
func (a *Adapter) Predict(ctx context.Context, template *visibility.Visibility, model *image.Image) (*visibility.Visibility, error) {
	g := model.Geometry
	if err := a.check("predict", template, g); err != nil {
		return nil, err
	}

	// Only non-zero pixels contribute; clean models are sparse.
	all := skyPixels(g)
	sources := make([][]pixel, g.NChan())
	for c := 0; c < g.NChan(); c++ {
		for _, px := range all {
			for p := 0; p < g.NPol; p++ {
				if model.Plane(p, c)[px.idx] != 0 {
					sources[c] = append(sources[c], px)
					break
				}
			}
		}
	}

	out := visibility.Zero(template)
	npol := out.NPol
	for row := 0; row < out.NRows(); row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ch := 0; ch < out.NChan(); ch++ {
			plane, ok := planeFor(g, out, ch)
			if !ok {
				continue
			}
			u, vv, w := out.UVWLambda(row, ch)
			if !a.spec.UseW {
				w = 0
			}
			for _, src := range sources[plane] {
				sn, cs := math.Sincos(-2 * math.Pi * (u*src.l + vv*src.m + w*(src.n-1)))
				for p := 0; p < npol; p++ {
					flux := model.Plane(p, plane)[src.idx]
					out.Vis[out.Index(row, ch, p)] += complex(flux*cs, flux*sn)
				}
			}
		}
	}
	return out, nil
}

// PredictComponents returns the exact response of comps on template's rows.
func (a *Adapter) PredictComponents(ctx context.Context, template *visibility.Visibility, comps []skymodel.Component) (*visibility.Visibility, error) {
	out, err := skymodel.Predict(ctx, template, comps, a.spec.UseW)
	if err != nil {
		return nil, &Error{Strategy: a.strategy, Op: "predict_components", Err: fmt.Errorf("%w: %w", ErrKernelFailure, err)}
	}
	return out, nil
}
