// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package skymodel describes discrete sky components and their exact
// visibility response.
package skymodel

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// ErrInvalidComponent is returned for components that cannot be evaluated.
var ErrInvalidComponent = errors.New("invalid sky component")

// Shape selects the brightness profile of a component.
type Shape string

const (
	ShapePoint    Shape = "point"
	ShapeGaussian Shape = "gaussian"
)

// Component is a compact source at direction cosines (L, M).
//
// Description:
//
//	Flux holds one value per polarisation at RefFrequency; the flux at
//	frequency ν is Flux·(ν/RefFrequency)^SpectralIndex. A zero RefFrequency
//	means a flat spectrum. Major and Minor are Gaussian FWHMs in radians
//	and PA is the major-axis angle from the l axis.
type Component struct {
	Name          string    `json:"name" yaml:"name"`
	L             float64   `json:"l" yaml:"l"`
	M             float64   `json:"m" yaml:"m"`
	Flux          []float64 `json:"flux" yaml:"flux"`
	RefFrequency  float64   `json:"ref_frequency" yaml:"ref_frequency"`
	SpectralIndex float64   `json:"spectral_index" yaml:"spectral_index"`
	Shape         Shape     `json:"shape" yaml:"shape"`
	Major         float64   `json:"major" yaml:"major"`
	Minor         float64   `json:"minor" yaml:"minor"`
	PA            float64   `json:"pa" yaml:"pa"`
}

// Validate checks the component against the polarisation count it will be
// evaluated with.
func (c Component) Validate(npol int) error {
	if len(c.Flux) != npol {
		return fmt.Errorf("%w: %q has %d flux values for %d polarisations", ErrInvalidComponent, c.Name, len(c.Flux), npol)
	}
	if c.L*c.L+c.M*c.M >= 1 {
		return fmt.Errorf("%w: %q lies outside the celestial sphere", ErrInvalidComponent, c.Name)
	}
	switch c.Shape {
	case ShapePoint, "":
	case ShapeGaussian:
		if !(c.Major > 0) || !(c.Minor > 0) {
			return fmt.Errorf("%w: %q gaussian needs positive widths", ErrInvalidComponent, c.Name)
		}
	default:
		return fmt.Errorf("%w: %q has unknown shape %q", ErrInvalidComponent, c.Name, c.Shape)
	}
	return nil
}

// FluxAt returns the flux of polarisation pol at frequency freq.
func (c Component) FluxAt(pol int, freq float64) float64 {
	if c.RefFrequency <= 0 || c.SpectralIndex == 0 {
		return c.Flux[pol]
	}
	return c.Flux[pol] * math.Pow(freq/c.RefFrequency, c.SpectralIndex)
}

// N returns sqrt(1 - l² - m²).
func (c Component) N() float64 {
	return math.Sqrt(1 - c.L*c.L - c.M*c.M)
}

// taper is the visibility-plane amplitude of the component at (u, v)
// wavelengths.
func (c Component) taper(u, v float64) float64 {
	if c.Shape != ShapeGaussian {
		return 1
	}
	const fwhmToSigma = 1 / 2.3548200450309493
	sMaj := c.Major * fwhmToSigma
	sMin := c.Minor * fwhmToSigma
	cs, sn := math.Cos(c.PA), math.Sin(c.PA)
	up := u*cs + v*sn
	vp := -u*sn + v*cs
	return math.Exp(-2 * math.Pi * math.Pi * (sMaj*sMaj*up*up + sMin*sMin*vp*vp))
}

// Predict returns a copy of template whose samples are replaced by the exact
// response of comps.
//
// Description:
//
//	V(u,v,w) = Σ_k S_k(ν)·T_k(u,v)·exp(-2πi(u·l + v·m + w·(n-1))), summed in
//	component order. Weights and flags of template are kept. When useW is
//	false the w term is dropped.
func Predict(ctx context.Context, template *visibility.Visibility, comps []Component, useW bool) (*visibility.Visibility, error) {
	if err := template.Validate(); err != nil {
		return nil, err
	}
	for _, c := range comps {
		if err := c.Validate(template.NPol); err != nil {
			return nil, err
		}
	}
	out := visibility.Zero(template)
	for row := 0; row < out.NRows(); row++ {
		if row%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for ch := 0; ch < out.NChan(); ch++ {
			u, v, w := out.UVWLambda(row, ch)
			if !useW {
				w = 0
			}
			freq := out.Frequency[ch]
			for _, c := range comps {
				phase := -2 * math.Pi * (u*c.L + v*c.M + w*(c.N()-1))
				sn, cs := math.Sincos(phase)
				t := c.taper(u, v)
				for p := 0; p < out.NPol; p++ {
					s := c.FluxAt(p, freq) * t
					out.Vis[out.Index(row, ch, p)] += complex(s*cs, s*sn)
				}
			}
		}
	}
	return out, nil
}

// Rasterise paints components onto a zero image on geom in Jy/pixel.
//
// Description:
//
//	Points land on their nearest pixel. Gaussians are sampled at pixel
//	centres and scaled so their pixel sum approximates the flux. Components
//	outside the grid are skipped. Image channels use geom.Frequency.
func Rasterise(comps []Component, geom image.Geometry) (*image.Image, error) {
	im := image.New(geom)
	for _, c := range comps {
		if err := c.Validate(geom.NPol); err != nil {
			return nil, err
		}
		for ch, freq := range geom.Frequency {
			for p := 0; p < geom.NPol; p++ {
				s := c.FluxAt(p, freq)
				plane := im.Plane(p, ch)
				if c.Shape != ShapeGaussian {
					if x, y, ok := geom.Pixel(c.L, c.M); ok {
						plane[y*geom.NX+x] += s
					}
					continue
				}
				paintGaussian(plane, geom, c, s)
			}
		}
	}
	return im, nil
}

func paintGaussian(plane []float64, geom image.Geometry, c Component, flux float64) {
	const fwhmToSigma = 1 / 2.3548200450309493
	beam := image.Beam{
		SigmaMajor: c.Major * fwhmToSigma / geom.CellSize,
		SigmaMinor: c.Minor * fwhmToSigma / geom.CellSize,
		PA:         c.PA,
	}
	norm := flux / (2 * math.Pi * beam.SigmaMajor * beam.SigmaMinor)
	cx := c.L/geom.CellSize + geom.RefX - float64(geom.OffsetX)
	cy := c.M/geom.CellSize + geom.RefY - float64(geom.OffsetY)
	for y := 0; y < geom.NY; y++ {
		for x := 0; x < geom.NX; x++ {
			plane[y*geom.NX+x] += norm * beam.Value(float64(x)-cx, float64(y)-cy)
		}
	}
}

// TotalFlux sums the first-polarisation flux of comps at freq.
func TotalFlux(comps []Component, freq float64) float64 {
	var s float64
	for _, c := range comps {
		if len(c.Flux) > 0 {
			s += c.FluxAt(0, freq)
		}
	}
	return s
}
