// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphs

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/skyimager/services/imager/deconvolve"
	"github.com/AleutianAI/skyimager/services/imager/image"
)

type cleanParams struct {
	Mode   DeconvolveMode    `json:"mode"`
	Index  int               `json:"index"`
	Params deconvolve.Params `json:"params"`
}

// Deconvolve adds a minor cycle over a dirty (or residual) image.
//
// Description:
//
//	dirty and psf may yield *kernel.Partial or *image.Image. The node
//	returned yields a *deconvolve.Result. In facet mode each facet is
//	cleaned against the full PSF and the results are gathered; in channel
//	mode contiguous channel groups are cleaned independently. Fractional
//	thresholds then apply per facet or per channel group.
func (p *Planner) Deconvolve(dirty, psf string) string {
	switch p.opts.DeconvolveMode {
	case DeconvolveFacets:
		if p.opts.Facets > 1 {
			return p.deconvolveFacets(dirty, psf)
		}
	case DeconvolveChannels:
		if p.opts.DeconvolveChannels > 1 && p.opts.Geometry.NChan() > 1 {
			return p.deconvolveChannels(dirty, psf)
		}
	}
	params := cleanParams{Mode: DeconvolveWhole, Params: p.opts.Clean}
	return p.add("deconvolve", params, func(ctx context.Context, in []any) (any, error) {
		d, ps := imageOf(in[0]), imageOf(in[1])
		if d == nil || ps == nil {
			return nil, fmt.Errorf("%w: missing dirty image or psf", deconvolve.ErrPSFMismatch)
		}
		return deconvolve.Deconvolve(ctx, d, ps, p.opts.Clean)
	}, dirty, psf)
}

func (p *Planner) deconvolveFacets(dirty, psf string) string {
	facets := p.modelFacets(dirty)
	results := make([]string, len(facets))
	for i, f := range facets {
		params := cleanParams{Mode: DeconvolveFacets, Index: i, Params: p.opts.Clean}
		results[i] = p.add("deconvolve", params, func(ctx context.Context, in []any) (any, error) {
			d, ps := imageOf(in[0]), imageOf(in[1])
			if d == nil || ps == nil {
				return nil, fmt.Errorf("%w: missing facet or psf", deconvolve.ErrPSFMismatch)
			}
			return deconvolve.Deconvolve(ctx, d, ps, p.opts.Clean)
		}, f, psf)
	}
	geom := p.opts.Geometry
	return p.add("gather_clean", cleanParams{Mode: DeconvolveFacets, Params: p.opts.Clean}, func(_ context.Context, in []any) (any, error) {
		return gatherResults(in, func(parts []*image.Image) (*image.Image, error) {
			return image.GatherFacets(parts, geom)
		})
	}, results...)
}

func (p *Planner) deconvolveChannels(dirty, psf string) string {
	n := p.opts.DeconvolveChannels
	scatter := func(op, src string) []string {
		node := p.add(op, n, func(_ context.Context, in []any) (any, error) {
			im := imageOf(in[0])
			if im == nil {
				return nil, fmt.Errorf("%w: nil image", image.ErrInvalidGeometry)
			}
			if im.Geometry.NChan() == 1 {
				// A single channel PSF serves every group.
				out := make([]*image.Image, n)
				for i := range out {
					out[i] = im
				}
				return out, nil
			}
			return image.ScatterChannels(im, n)
		}, src)
		return selectAt[*image.Image](p, "select_channels", node, n)
	}
	dirtyParts := scatter("scatter_channels", dirty)
	psfParts := scatter("scatter_channels", psf)

	results := make([]string, n)
	for i := range dirtyParts {
		params := cleanParams{Mode: DeconvolveChannels, Index: i, Params: p.opts.Clean}
		results[i] = p.add("deconvolve", params, func(ctx context.Context, in []any) (any, error) {
			d, ps := imageOf(in[0]), imageOf(in[1])
			if d == nil {
				return nil, nil
			}
			if ps == nil {
				return nil, fmt.Errorf("%w: missing psf channels", deconvolve.ErrPSFMismatch)
			}
			return deconvolve.Deconvolve(ctx, d, ps, p.opts.Clean)
		}, dirtyParts[i], psfParts[i])
	}
	geom := p.opts.Geometry
	return p.add("gather_clean", cleanParams{Mode: DeconvolveChannels, Params: p.opts.Clean}, func(_ context.Context, in []any) (any, error) {
		return gatherResults(in, func(parts []*image.Image) (*image.Image, error) {
			return image.GatherChannels(parts, geom)
		})
	}, results...)
}

// gatherResults reassembles the models and residuals of partitioned minor
// cycles and merges their reports.
func gatherResults(in []any, gather func([]*image.Image) (*image.Image, error)) (*deconvolve.Result, error) {
	models := make([]*image.Image, len(in))
	residuals := make([]*image.Image, len(in))
	reports := make([]deconvolve.Report, 0, len(in))
	for i, v := range in {
		r, _ := v.(*deconvolve.Result)
		if r == nil {
			continue
		}
		models[i] = r.Model
		residuals[i] = r.Residual
		reports = append(reports, r.Report)
	}
	if len(reports) == 0 {
		return nil, errors.New("no minor cycle produced a result")
	}
	model, err := gather(models)
	if err != nil {
		return nil, err
	}
	residual, err := gather(residuals)
	if err != nil {
		return nil, err
	}
	return &deconvolve.Result{Model: model, Residual: residual, Report: deconvolve.MergeReports(reports)}, nil
}

// UpdateModel adds a minor-cycle model increment to the running model.
func (p *Planner) UpdateModel(model, clean string) string {
	return p.add("update_model", nil, func(_ context.Context, in []any) (any, error) {
		m := imageOf(in[0])
		r, _ := in[1].(*deconvolve.Result)
		if m == nil || r == nil {
			return nil, fmt.Errorf("%w: missing model or clean result", image.ErrGridMismatch)
		}
		return image.Add(m, r.Model)
	}, model, clean)
}
