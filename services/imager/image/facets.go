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

import "fmt"

// ScatterFacets splits an image into facets×facets sub-images.
//
// Description:
//
//	Facet (i, j) covers columns [i·fx, (i+1)·fx) and rows [j·fy, (j+1)·fy),
//	where fx = NX/facets and fy = NY/facets. Each facet keeps its position in
//	the parent grid through Geometry.OffsetX/OffsetY, so pixel directions are
//	unchanged. Facets are returned in row-major order (j outer, i inner).
//
// Outputs:
//
//	[]*Image - facets² sub-images. A single facet is a copy of im.
//	error - ErrBadFacets if facets < 1 or does not divide the grid.
func ScatterFacets(im *Image, facets int) ([]*Image, error) {
	g := im.Geometry
	if facets < 1 || g.NX%facets != 0 || g.NY%facets != 0 {
		return nil, fmt.Errorf("%w: %d facets on %dx%d", ErrBadFacets, facets, g.NX, g.NY)
	}
	if facets == 1 {
		return []*Image{im.Copy()}, nil
	}
	fx, fy := g.NX/facets, g.NY/facets
	out := make([]*Image, 0, facets*facets)
	for j := 0; j < facets; j++ {
		for i := 0; i < facets; i++ {
			fg := g
			fg.NX, fg.NY = fx, fy
			fg.OffsetX = g.OffsetX + i*fx
			fg.OffsetY = g.OffsetY + j*fy
			f := New(fg)
			for p := 0; p < g.NPol; p++ {
				for c := 0; c < g.NChan(); c++ {
					for y := 0; y < fy; y++ {
						src := im.Index(p, c, j*fy+y, i*fx)
						dst := f.Index(p, c, y, 0)
						copy(f.Data[dst:dst+fx], im.Data[src:src+fx])
					}
				}
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// GatherFacets places facet images back into a zero image on the template
// grid. Nil facets leave their area zero. Facets that do not lie on the
// template grid are rejected.
func GatherFacets(parts []*Image, template Geometry) (*Image, error) {
	out := New(template)
	for _, f := range parts {
		if f == nil {
			continue
		}
		fg := f.Geometry
		ox, oy := fg.OffsetX-template.OffsetX, fg.OffsetY-template.OffsetY
		if ox < 0 || oy < 0 || ox+fg.NX > template.NX || oy+fg.NY > template.NY ||
			fg.CellSize != template.CellSize || fg.RefX != template.RefX || fg.RefY != template.RefY ||
			fg.NPol != template.NPol || fg.NChan() != template.NChan() {
			return nil, fmt.Errorf("%w: facet at (%d,%d) size %dx%d", ErrGridMismatch, fg.OffsetX, fg.OffsetY, fg.NX, fg.NY)
		}
		for p := 0; p < fg.NPol; p++ {
			for c := 0; c < fg.NChan(); c++ {
				for y := 0; y < fg.NY; y++ {
					src := f.Index(p, c, y, 0)
					dst := out.Index(p, c, oy+y, ox)
					copy(out.Data[dst:dst+fg.NX], f.Data[src:src+fg.NX])
				}
			}
		}
	}
	return out, nil
}

// ScatterChannels splits an image into at most n contiguous channel groups.
func ScatterChannels(im *Image, n int) ([]*Image, error) {
	g := im.Geometry
	nchan := g.NChan()
	if n < 1 {
		return nil, fmt.Errorf("%w: channel groups must be >= 1, got %d", ErrBadFacets, n)
	}
	if n > nchan {
		n = nchan
	}
	out := make([]*Image, 0, n)
	start := 0
	for k := 0; k < n; k++ {
		end := start + (nchan-start)/(n-k)
		sg := g
		sg.Frequency = g.Frequency[start:end]
		sg.ChanOffset = g.ChanOffset + start
		sub := New(sg)
		for p := 0; p < g.NPol; p++ {
			for c := start; c < end; c++ {
				copy(sub.Plane(p, c-start), im.Plane(p, c))
			}
		}
		out = append(out, sub)
		start = end
	}
	return out, nil
}

// GatherChannels reassembles channel groups produced by ScatterChannels.
func GatherChannels(parts []*Image, template Geometry) (*Image, error) {
	out := New(template)
	for _, s := range parts {
		if s == nil {
			continue
		}
		sg := s.Geometry
		off := sg.ChanOffset - template.ChanOffset
		if off < 0 || off+sg.NChan() > template.NChan() || sg.NX != template.NX || sg.NY != template.NY || sg.NPol != template.NPol {
			return nil, fmt.Errorf("%w: channel group at %d", ErrGridMismatch, sg.ChanOffset)
		}
		for p := 0; p < sg.NPol; p++ {
			for c := 0; c < sg.NChan(); c++ {
				copy(out.Plane(p, off+c), s.Plane(p, c))
			}
		}
	}
	return out, nil
}
