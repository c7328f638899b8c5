// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphs emits the imaging subgraphs of the pipeline onto a
// dag.Builder.
//
// Every method records intent only: it adds nodes and returns their keys.
// Lists of keys stand for partitioned data. An entry whose partition does
// not exist (fewer partitions than requested) evaluates to nil, and every
// stage passes nil through, so empty partitions never reach a combiner as
// zero-weight contaminants.
package graphs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/dag"
	"github.com/AleutianAI/skyimager/services/imager/deconvolve"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/reduce"
	"github.com/AleutianAI/skyimager/services/imager/skymodel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// DeconvolveMode selects how the minor cycle is partitioned.
type DeconvolveMode string

const (
	// DeconvolveWhole cleans the full image in one node.
	DeconvolveWhole DeconvolveMode = "whole"
	// DeconvolveFacets cleans each facet independently.
	DeconvolveFacets DeconvolveMode = "facets"
	// DeconvolveChannels cleans groups of channels independently.
	DeconvolveChannels DeconvolveMode = "channels"
)

// ErrInvalidOptions is returned by NewPlanner for unusable options.
var ErrInvalidOptions = errors.New("invalid planner options")

// Options configures the emitted graphs.
type Options struct {
	// Geometry is the full image grid.
	Geometry image.Geometry

	// Strategy selects the imaging kernel and its vis scatter axis.
	Strategy kernel.Strategy

	// VisSlices is the number of strategy slices per partition.
	VisSlices int

	// Facets is the number of image facets per axis.
	Facets int

	// Clean holds the minor-cycle parameters.
	Clean deconvolve.Params

	// DeconvolveMode and DeconvolveChannels partition the minor cycle.
	DeconvolveMode     DeconvolveMode
	DeconvolveChannels int

	// Solver estimates gains. Nil selects calibration.DefaultSolver().
	Solver calibration.Solver

	// GlobalSolution solves one gain table from all partitions.
	GlobalSolution bool

	// NodeTimeout bounds each node. Zero means no timeout.
	NodeTimeout time.Duration
}

// Planner adds imaging subgraphs to a builder.
//
// Thread Safety:
//
//	Planner is NOT safe for concurrent use; it shares the builder's rules.
type Planner struct {
	b       *dag.Builder
	opts    Options
	adapter *kernel.Adapter
	facets  []image.Geometry
	psfGeom image.Geometry
}

// PSFPadding is the per-axis size of the PSF grid relative to the image.
// A PSF twice the image size covers every shift between two image pixels.
const PSFPadding = 2

// NewPlanner validates opts and binds a planner to b.
func NewPlanner(b *dag.Builder, opts Options) (*Planner, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil builder", ErrInvalidOptions)
	}
	if err := opts.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	adapter, err := kernel.NewAdapter(opts.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if opts.VisSlices < 1 {
		opts.VisSlices = 1
	}
	if opts.Facets < 1 {
		opts.Facets = 1
	}
	if !adapter.Spec().Faceted && opts.DeconvolveMode != DeconvolveFacets {
		opts.Facets = 1
	}
	if opts.DeconvolveMode == "" {
		opts.DeconvolveMode = DeconvolveWhole
	}
	if opts.DeconvolveChannels < 1 {
		opts.DeconvolveChannels = 1
	}
	if opts.Solver == nil {
		opts.Solver = calibration.DefaultSolver()
	}
	if err := opts.Clean.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	scattered, err := image.ScatterFacets(image.New(opts.Geometry), opts.Facets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	facets := make([]image.Geometry, len(scattered))
	for i, f := range scattered {
		facets[i] = f.Geometry
	}

	return &Planner{
		b:       b,
		opts:    opts,
		adapter: adapter,
		facets:  facets,
		psfGeom: opts.Geometry.Padded(PSFPadding),
	}, nil
}

// Builder returns the underlying builder.
func (p *Planner) Builder() *dag.Builder { return p.b }

// Options returns the normalised options.
func (p *Planner) Options() Options { return p.opts }

// PSFGeometry returns the padded grid the PSF is imaged on.
func (p *Planner) PSFGeometry() image.Geometry { return p.psfGeom }

// add creates a node carrying the planner's timeout.
func (p *Planner) add(op string, params any, fn dag.Func, deps ...string) string {
	key, err := dag.ComputeKey(op, deps, params)
	if err != nil {
		// Builder.Add records the encoding error for Build.
		return p.b.Add(op, params, fn, deps...)
	}
	p.b.AddNode(dag.NewFuncNode(key, op, deps, fn).WithTimeout(p.opts.NodeTimeout))
	return key
}

// Vis anchors a visibility table.
func (p *Planner) Vis(v *visibility.Visibility) string {
	return p.b.Anchor("vis", v.Fingerprint(), v)
}

// Image anchors an image, such as the starting model.
func (p *Planner) Image(im *image.Image) string {
	return p.b.Anchor("image", im.Fingerprint(), im)
}

// Components anchors a component list.
func (p *Planner) Components(comps []skymodel.Component) string {
	return p.b.Anchor("components", fmt.Sprintf("%#v", comps), comps)
}

func visOf(v any) *visibility.Visibility {
	out, _ := v.(*visibility.Visibility)
	return out
}

func imageOf(v any) *image.Image {
	switch t := v.(type) {
	case *image.Image:
		return t
	case *kernel.Partial:
		if t == nil {
			return nil
		}
		return t.Image
	}
	return nil
}

func partialOf(v any) *kernel.Partial {
	out, _ := v.(*kernel.Partial)
	return out
}

// selectAt adds n nodes picking element i of a slice-valued node. Missing
// elements evaluate to nil.
func selectAt[T any](p *Planner, op, src string, n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		idx := i
		keys[i] = p.add(op, idx, func(_ context.Context, in []any) (any, error) {
			parts, _ := in[0].([]T)
			if idx >= len(parts) {
				return nil, nil
			}
			return parts[idx], nil
		}, src)
	}
	return keys
}

type partitionParams struct {
	Axis visibility.Axis `json:"axis"`
	N    int             `json:"n"`
}

// VisList partitions a visibility node into n list entries.
//
// Description:
//
//	The partition node and its selectors are retained, so later major
//	cycles reuse them from the memo.
func (p *Planner) VisList(vis string, axis visibility.Axis, n int) []string {
	if n < 1 || axis == "" || axis == visibility.AxisNone {
		return []string{vis}
	}
	part := p.add("partition", partitionParams{Axis: axis, N: n}, func(_ context.Context, in []any) (any, error) {
		v := visOf(in[0])
		if v == nil {
			return []*visibility.Visibility(nil), nil
		}
		return visibility.Partition(v, axis, n)
	}, vis)
	p.b.Retain(part)
	keys := selectAt[*visibility.Visibility](p, "select_vis", part, n)
	for _, k := range keys {
		p.b.Retain(k)
	}
	return keys
}

// GatherVis recombines a list into one table in the parent's order.
func (p *Planner) GatherVis(visRefs []string) string {
	if len(visRefs) == 1 {
		return visRefs[0]
	}
	return p.add("gather_vis", nil, func(_ context.Context, in []any) (any, error) {
		parts := make([]*visibility.Visibility, len(in))
		for i, v := range in {
			parts[i] = visOf(v)
		}
		return reduce.CombinePredict(parts)
	}, visRefs...)
}

// ZeroVis returns tables with the same samples and zero values.
func (p *Planner) ZeroVis(visRefs []string) []string {
	out := make([]string, len(visRefs))
	for i, ref := range visRefs {
		out[i] = p.add("zero_vis", nil, func(_ context.Context, in []any) (any, error) {
			v := visOf(in[0])
			if v == nil {
				return nil, nil
			}
			return visibility.Zero(v), nil
		}, ref)
	}
	return out
}

// SubtractVis returns a − b per entry.
func (p *Planner) SubtractVis(a, b []string) []string {
	out := make([]string, len(a))
	for i := range a {
		out[i] = p.add("subtract_vis", nil, func(_ context.Context, in []any) (any, error) {
			x, y := visOf(in[0]), visOf(in[1])
			if x == nil {
				return nil, nil
			}
			if y == nil {
				return x, nil
			}
			return visibility.Subtract(x, y)
		}, a[i], b[i])
	}
	return out
}

type weightParams struct {
	Scheme   visibility.Weighting `json:"scheme"`
	NPixel   int                  `json:"npixel"`
	CellSize float64              `json:"cellsize"`
}

// WeightVis applies an imaging weighting scheme per entry.
func (p *Planner) WeightVis(visRefs []string, scheme visibility.Weighting) []string {
	if scheme == "" || scheme == visibility.WeightingNatural {
		return visRefs
	}
	params := weightParams{Scheme: scheme, NPixel: p.opts.Geometry.NX, CellSize: p.opts.Geometry.CellSize}
	out := make([]string, len(visRefs))
	for i, ref := range visRefs {
		out[i] = p.add("weight_vis", params, func(_ context.Context, in []any) (any, error) {
			v := visOf(in[0])
			if v == nil {
				return nil, nil
			}
			return visibility.Reweight(v, params.NPixel, params.CellSize, scheme)
		}, ref)
		p.b.Retain(out[i])
	}
	return out
}

// slices scatters one entry along the strategy axis.
func (p *Planner) slices(ref string) []string {
	spec := p.adapter.Spec()
	if spec.VisAxis == visibility.AxisNone || p.opts.VisSlices == 1 {
		return []string{ref}
	}
	scatter := p.add("scatter_vis", partitionParams{Axis: spec.VisAxis, N: p.opts.VisSlices}, func(_ context.Context, in []any) (any, error) {
		v := visOf(in[0])
		if v == nil {
			return []*visibility.Visibility(nil), nil
		}
		return visibility.Partition(v, spec.VisAxis, p.opts.VisSlices)
	}, ref)
	return selectAt[*visibility.Visibility](p, "select_slice", scatter, p.opts.VisSlices)
}

type invertParams struct {
	Strategy kernel.Strategy `json:"strategy"`
	Geometry image.Geometry  `json:"geometry"`
	PSF      bool            `json:"psf"`
}

// invertOne images one slice onto one facet grid.
func (p *Planner) invertOne(ref string, g image.Geometry, psf bool) string {
	params := invertParams{Strategy: p.opts.Strategy, Geometry: g, PSF: psf}
	return p.add("invert", params, func(ctx context.Context, in []any) (any, error) {
		v := visOf(in[0])
		if v == nil {
			return nil, nil
		}
		part, err := p.adapter.Invert(ctx, v, g, psf)
		if errors.Is(err, visibility.ErrPartitionEmpty) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		// Content-derived so combination order follows the data.
		part.Key = fmt.Sprintf("%s@%d,%d", v.Fingerprint(), g.OffsetX, g.OffsetY)
		return part, nil
	}, ref)
}

// gatherFacetPartials reassembles facet partials of one slice.
func (p *Planner) gatherFacetPartials(refs []string) string {
	if len(refs) == 1 {
		return refs[0]
	}
	geom := p.opts.Geometry
	return p.add("gather_facets", geom, func(_ context.Context, in []any) (any, error) {
		images := make([]*image.Image, len(in))
		keys := make([]string, 0, len(in))
		var weights []float64
		for i, v := range in {
			part := partialOf(v)
			if part == nil {
				continue
			}
			images[i] = part.Image
			keys = append(keys, part.Key)
			if weights == nil {
				weights = append([]float64(nil), part.SumWeight...)
			}
		}
		if weights == nil {
			return nil, nil
		}
		im, err := image.GatherFacets(images, geom)
		if err != nil {
			return nil, err
		}
		key, err := dag.ComputeKey("gather_facets", keys, nil)
		if err != nil {
			return nil, err
		}
		return &kernel.Partial{Image: im, SumWeight: weights, Key: key}, nil
	}, refs...)
}

// combinePartials merges partials. With allowEmpty an all-empty input
// evaluates to nil instead of failing.
func (p *Planner) combinePartials(op string, refs []string, allowEmpty bool) string {
	if len(refs) == 1 && allowEmpty {
		return refs[0]
	}
	return p.add(op, nil, func(_ context.Context, in []any) (any, error) {
		parts := make([]*kernel.Partial, len(in))
		for i, v := range in {
			parts[i] = partialOf(v)
		}
		out, err := reduce.CombineInvert(parts)
		if allowEmpty && errors.Is(err, reduce.ErrNoPartials) {
			return nil, nil
		}
		return out, err
	}, refs...)
}

// Invert images a list of visibility entries.
//
// Description:
//
//	Each entry is scattered along the strategy axis and imaged per facet;
//	facets are gathered, slices combined, and the entries finally combined
//	by weight. The returned node yields a *kernel.Partial and fails with
//	reduce.ErrNoPartials when no entry carried weight.
func (p *Planner) Invert(visRefs []string, psf bool) string {
	perEntry := make([]string, 0, len(visRefs))
	for _, ref := range visRefs {
		perSlice := make([]string, 0, p.opts.VisSlices)
		for _, slice := range p.slices(ref) {
			facetParts := make([]string, len(p.facets))
			for f, g := range p.facets {
				facetParts[f] = p.invertOne(slice, g, psf)
			}
			perSlice = append(perSlice, p.gatherFacetPartials(facetParts))
		}
		perEntry = append(perEntry, p.combinePartials("combine_slices", perSlice, true))
	}
	return p.combinePartials("combine_invert", perEntry, false)
}

// PSF images the point spread function of a list of visibility entries on
// the padded PSF grid. The PSF is never faceted; each slice is imaged onto
// the whole padded grid and slices and entries are combined by weight as in
// Invert.
func (p *Planner) PSF(visRefs []string) string {
	perEntry := make([]string, 0, len(visRefs))
	for _, ref := range visRefs {
		perSlice := make([]string, 0, p.opts.VisSlices)
		for _, slice := range p.slices(ref) {
			perSlice = append(perSlice, p.invertOne(slice, p.psfGeom, true))
		}
		perEntry = append(perEntry, p.combinePartials("combine_slices", perSlice, true))
	}
	return p.combinePartials("combine_psf", perEntry, false)
}

// modelFacets scatters a model image node into facet nodes.
func (p *Planner) modelFacets(model string) []string {
	if len(p.facets) == 1 {
		return []string{model}
	}
	scatter := p.add("scatter_facets", p.opts.Facets, func(_ context.Context, in []any) (any, error) {
		im := imageOf(in[0])
		if im == nil {
			return nil, fmt.Errorf("%w: nil model", image.ErrInvalidGeometry)
		}
		return image.ScatterFacets(im, p.opts.Facets)
	}, model)
	return selectAt[*image.Image](p, "select_facet", scatter, len(p.facets))
}

type predictParams struct {
	Strategy kernel.Strategy `json:"strategy"`
}

// Predict returns, per entry, the model visibilities on that entry's rows.
//
// Description:
//
//	Each entry is scattered along the strategy axis and predicted per
//	facet; facet predictions are summed and slices gathered back into the
//	entry's row order.
func (p *Planner) Predict(visRefs []string, model string) []string {
	facets := p.modelFacets(model)
	params := predictParams{Strategy: p.opts.Strategy}
	out := make([]string, len(visRefs))
	for i, ref := range visRefs {
		sliceRefs := p.slices(ref)
		perSlice := make([]string, len(sliceRefs))
		for s, slice := range sliceRefs {
			perFacet := make([]string, len(facets))
			for f, fm := range facets {
				perFacet[f] = p.add("predict", params, func(ctx context.Context, in []any) (any, error) {
					v, im := visOf(in[0]), imageOf(in[1])
					if v == nil {
						return nil, nil
					}
					if im == nil {
						return nil, fmt.Errorf("%w: nil model", image.ErrInvalidGeometry)
					}
					return p.adapter.Predict(ctx, v, im)
				}, slice, fm)
			}
			if len(perFacet) == 1 {
				perSlice[s] = perFacet[0]
				continue
			}
			perSlice[s] = p.add("sum_predict", nil, func(_ context.Context, in []any) (any, error) {
				parts := make([]*visibility.Visibility, len(in))
				for j, v := range in {
					parts[j] = visOf(v)
				}
				sum, err := reduce.SumPredict(parts)
				if errors.Is(err, reduce.ErrNoPartials) {
					return nil, nil
				}
				return sum, err
			}, perFacet...)
		}
		if len(perSlice) == 1 {
			out[i] = perSlice[0]
			continue
		}
		out[i] = p.add("gather_slices", nil, func(_ context.Context, in []any) (any, error) {
			parts := make([]*visibility.Visibility, len(in))
			for j, v := range in {
				parts[j] = visOf(v)
			}
			all, err := reduce.CombinePredict(parts)
			if errors.Is(err, reduce.ErrNoPartials) {
				return nil, nil
			}
			return all, err
		}, perSlice...)
	}
	return out
}

// PredictComponents returns the exact component response per entry.
func (p *Planner) PredictComponents(visRefs []string, comps string) []string {
	params := predictParams{Strategy: p.opts.Strategy}
	out := make([]string, len(visRefs))
	for i, ref := range visRefs {
		out[i] = p.add("predict_components", params, func(ctx context.Context, in []any) (any, error) {
			v := visOf(in[0])
			if v == nil {
				return nil, nil
			}
			c, _ := in[1].([]skymodel.Component)
			return p.adapter.PredictComponents(ctx, v, c)
		}, ref, comps)
	}
	return out
}

// ModelVis predicts model on every entry: Predict(ZeroVis(vis), model).
func (p *Planner) ModelVis(visRefs []string, model string) []string {
	return p.Predict(p.ZeroVis(visRefs), model)
}

// Residual images vis − predict(model).
func (p *Planner) Residual(visRefs []string, model string) string {
	return p.Invert(p.SubtractVis(visRefs, p.ModelVis(visRefs, model)), false)
}

type coalesceParams struct {
	TimeTolerance      float64 `json:"time_tolerance"`
	FrequencyTolerance float64 `json:"frequency_tolerance"`
}

// Coalesce averages a visibility node; the returned node yields a
// *visibility.Coalesced and is retained. Averaged yields its table.
func (p *Planner) Coalesce(vis string, timeTol, freqTol float64) (coalesced, averaged string) {
	params := coalesceParams{TimeTolerance: timeTol, FrequencyTolerance: freqTol}
	coalesced = p.add("coalesce", params, func(_ context.Context, in []any) (any, error) {
		return visibility.Coalesce(visOf(in[0]), timeTol, freqTol)
	}, vis)
	p.b.Retain(coalesced)
	averaged = p.add("coalesced_vis", nil, func(_ context.Context, in []any) (any, error) {
		c, _ := in[0].(*visibility.Coalesced)
		if c == nil {
			return nil, fmt.Errorf("%w: nil coalesced table", visibility.ErrInvalidVisibility)
		}
		return c.Vis, nil
	}, coalesced)
	p.b.Retain(averaged)
	return coalesced, averaged
}

// Decoalesce expands values laid out like the averaged table back onto the
// original rows.
func (p *Planner) Decoalesce(coalesced, values string) string {
	return p.add("decoalesce", nil, func(_ context.Context, in []any) (any, error) {
		c, _ := in[0].(*visibility.Coalesced)
		v := visOf(in[1])
		if c == nil || v == nil {
			return nil, fmt.Errorf("%w: nil coalesced table or values", visibility.ErrInvalidVisibility)
		}
		return visibility.DecoalesceValues(c, v)
	}, coalesced, values)
}
