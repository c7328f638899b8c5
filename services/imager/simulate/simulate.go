// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulate synthesises observations for the CLI and for tests:
// antenna layouts, uvw tracks, sky visibilities, antenna gain errors and
// thermal noise.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/AleutianAI/skyimager/services/imager/skymodel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// ErrInvalidConfig is returned for observation settings that cannot be
// simulated.
var ErrInvalidConfig = errors.New("invalid simulation config")

// siderealRate is the Earth rotation rate in radians per second.
const siderealRate = 2 * math.Pi / 86164.0905

// Layout names an antenna arrangement.
type Layout string

const (
	// LayoutRing places antennas on a slowly widening ring.
	LayoutRing Layout = "ring"
	// LayoutRandom scatters antennas uniformly inside a disc.
	LayoutRandom Layout = "random"
)

// Config describes a simulated observation.
type Config struct {
	Layout      Layout               `yaml:"layout" json:"layout" validate:"oneof=ring random"`
	NAnt        int                  `yaml:"nant" json:"nant" validate:"gte=2"`
	Radius      float64              `yaml:"radius" json:"radius" validate:"gt=0"`
	Latitude    float64              `yaml:"latitude" json:"latitude"`
	NTimes      int                  `yaml:"ntimes" json:"ntimes" validate:"gte=1"`
	Integration float64              `yaml:"integration" json:"integration" validate:"gt=0"`
	StartHA     float64              `yaml:"start_ha" json:"start_ha"`
	Frequencies []float64            `yaml:"frequencies" json:"frequencies" validate:"min=1,dive,gt=0"`
	NPol        int                  `yaml:"npol" json:"npol" validate:"gte=1"`
	Phase       visibility.Direction `yaml:"phase_centre" json:"phase_centre"`
	Components  []skymodel.Component `yaml:"components" json:"components"`
	GainError   float64              `yaml:"gain_error" json:"gain_error" validate:"gte=0"`
	NoiseSigma  float64              `yaml:"noise_sigma" json:"noise_sigma" validate:"gte=0"`
	Seed        int64                `yaml:"seed" json:"seed"`
}

// Validate checks the settings without the validator tags, for callers that
// build a Config in code.
func (c Config) Validate() error {
	switch {
	case c.Layout != LayoutRing && c.Layout != LayoutRandom:
		return fmt.Errorf("%w: layout %q", ErrInvalidConfig, c.Layout)
	case c.NAnt < 2:
		return fmt.Errorf("%w: need at least 2 antennas, got %d", ErrInvalidConfig, c.NAnt)
	case !(c.Radius > 0):
		return fmt.Errorf("%w: radius %v", ErrInvalidConfig, c.Radius)
	case c.NTimes < 1 || !(c.Integration > 0):
		return fmt.Errorf("%w: ntimes=%d integration=%v", ErrInvalidConfig, c.NTimes, c.Integration)
	case len(c.Frequencies) == 0:
		return fmt.Errorf("%w: no frequencies", ErrInvalidConfig)
	case c.NPol < 1:
		return fmt.Errorf("%w: npol=%d", ErrInvalidConfig, c.NPol)
	}
	return nil
}

// Antennas returns local east/north positions in metres.
func Antennas(c Config) [][2]float64 {
	pos := make([][2]float64, c.NAnt)
	switch c.Layout {
	case LayoutRandom:
		rng := rand.New(rand.NewSource(c.Seed))
		for i := range pos {
			r := c.Radius * math.Sqrt(rng.Float64())
			th := 2 * math.Pi * rng.Float64()
			pos[i] = [2]float64{r * math.Cos(th), r * math.Sin(th)}
		}
	default:
		for i := range pos {
			th := 2 * math.Pi * float64(i) / float64(c.NAnt)
			r := c.Radius * (0.6 + 0.4*float64(i)/float64(c.NAnt))
			pos[i] = [2]float64{r * math.Cos(th), r * math.Sin(th)}
		}
	}
	return pos
}

// Observe builds the empty visibility table of an observation: one row per
// baseline (a1 < a2) per integration, with uvw tracks for the phase centre.
func Observe(c Config) (*visibility.Visibility, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ants := Antennas(c)
	xyz := make([][3]float64, len(ants))
	sl, cl := math.Sincos(c.Latitude)
	for i, p := range ants {
		east, north := p[0], p[1]
		xyz[i] = [3]float64{-sl * north, east, cl * north}
	}

	nbase := c.NAnt * (c.NAnt - 1) / 2
	v := visibility.New(nbase*c.NTimes, c.Frequencies, c.NPol)
	v.PhaseCentre = c.Phase
	sd, cd := math.Sincos(c.Phase.Dec)
	row := 0
	for ti := 0; ti < c.NTimes; ti++ {
		t := float64(ti) * c.Integration
		sh, ch := math.Sincos(c.StartHA + t*siderealRate)
		for a1 := 0; a1 < c.NAnt; a1++ {
			for a2 := a1 + 1; a2 < c.NAnt; a2++ {
				lx := xyz[a2][0] - xyz[a1][0]
				ly := xyz[a2][1] - xyz[a1][1]
				lz := xyz[a2][2] - xyz[a1][2]
				v.Time[row] = t
				v.Antenna1[row] = a1
				v.Antenna2[row] = a2
				v.UVW[row] = [3]float64{
					sh*lx + ch*ly,
					-sd*ch*lx + sd*sh*ly + cd*lz,
					cd*ch*lx - cd*sh*ly + sd*lz,
				}
				row++
			}
		}
	}
	return v, nil
}

// Gains returns one random complex gain per antenna with amplitude and
// phase errors of scale c.GainError. Antenna 0 keeps unit gain.
func Gains(c Config) []complex128 {
	rng := rand.New(rand.NewSource(c.Seed + 1))
	g := make([]complex128, c.NAnt)
	for i := range g {
		if i == 0 || c.GainError == 0 {
			g[i] = 1
			continue
		}
		amp := 1 + c.GainError*rng.NormFloat64()*0.2
		ph := c.GainError * rng.NormFloat64()
		g[i] = cmplx.Rect(amp, ph)
	}
	return g
}

// Corrupt returns v with each sample multiplied by g[a1]·conj(g[a2]).
func Corrupt(v *visibility.Visibility, g []complex128) (*visibility.Visibility, error) {
	out := v.Copy()
	for row := 0; row < out.NRows(); row++ {
		a1, a2 := out.Antenna1[row], out.Antenna2[row]
		if a1 >= len(g) || a2 >= len(g) {
			return nil, fmt.Errorf("%w: antenna %d/%d without gain", ErrInvalidConfig, a1, a2)
		}
		f := g[a1] * cmplx.Conj(g[a2])
		for i := row * out.Stride(); i < (row+1)*out.Stride(); i++ {
			out.Vis[i] *= f
		}
	}
	return out, nil
}

// AddNoise adds complex Gaussian noise of standard deviation sigma per
// component, seeded for reproducibility.
func AddNoise(v *visibility.Visibility, sigma float64, seed int64) *visibility.Visibility {
	out := v.Copy()
	if sigma == 0 {
		return out
	}
	rng := rand.New(rand.NewSource(seed + 2))
	for i := range out.Vis {
		out.Vis[i] += complex(sigma*rng.NormFloat64(), sigma*rng.NormFloat64())
	}
	return out
}

// Observation is a simulated dataset with its ground truth.
type Observation struct {
	Vis   *visibility.Visibility
	True  *visibility.Visibility
	Gains []complex128
}

// Run builds the full observation: uvw tracks, sky response, gain
// corruption and noise.
func Run(ctx context.Context, c Config) (*Observation, error) {
	empty, err := Observe(c)
	if err != nil {
		return nil, err
	}
	sky, err := skymodel.Predict(ctx, empty, c.Components, true)
	if err != nil {
		return nil, fmt.Errorf("predicting sky: %w", err)
	}
	gains := Gains(c)
	corrupted, err := Corrupt(sky, gains)
	if err != nil {
		return nil, err
	}
	return &Observation{
		Vis:   AddNoise(corrupted, c.NoiseSigma, c.Seed),
		True:  sky,
		Gains: gains,
	}, nil
}

// Summary is a short description of an observation.
type Summary struct {
	Rows        int     `json:"rows"`
	Channels    int     `json:"channels"`
	Pols        int     `json:"pols"`
	Baselines   int     `json:"baselines"`
	MaxBaseline float64 `json:"max_baseline_m"`
	MaxW        float64 `json:"max_w_m"`
	TotalWeight float64 `json:"total_weight"`
}

// Summarise describes v.
func Summarise(v *visibility.Visibility) Summary {
	s := Summary{Rows: v.NRows(), Channels: v.NChan(), Pols: v.NPol, TotalWeight: v.TotalWeight()}
	seen := make(map[[2]int]bool)
	for row, uvw := range v.UVW {
		seen[[2]int{v.Antenna1[row], v.Antenna2[row]}] = true
		s.MaxBaseline = math.Max(s.MaxBaseline, math.Hypot(uvw[0], uvw[1]))
		s.MaxW = math.Max(s.MaxW, math.Abs(uvw[2]))
	}
	s.Baselines = len(seen)
	return s
}
