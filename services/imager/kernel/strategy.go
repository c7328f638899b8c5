// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// Strategy is the closed set of imaging kernels.
type Strategy int

const (
	// Direct2D ignores the w-term entirely.
	Direct2D Strategy = iota
	// WStack slices visibilities into w-planes.
	WStack
	// TimeSlice slices visibilities by timestamp.
	TimeSlice
	// Facet images each facet independently.
	Facet
	// WProjection applies the w-term per sample without slicing.
	WProjection
)

// ErrUnknownStrategy is returned when a strategy tag is not recognised.
var ErrUnknownStrategy = errors.New("unknown imaging strategy")

// Spec describes how a strategy partitions work.
type Spec struct {
	// Name is the configuration tag.
	Name string
	// VisAxis is the axis visibilities are scattered along before imaging.
	VisAxis visibility.Axis
	// UseW reports whether the w-term is applied.
	UseW bool
	// Faceted reports whether the strategy images per facet.
	Faceted bool
}

// strategies is the single dispatch table from tag to behaviour.
var strategies = map[Strategy]Spec{
	Direct2D:    {Name: "2d", VisAxis: visibility.AxisNone, UseW: false},
	WStack:      {Name: "wstack", VisAxis: visibility.AxisWPlane, UseW: true},
	TimeSlice:   {Name: "timeslice", VisAxis: visibility.AxisTime, UseW: true},
	Facet:       {Name: "facets", VisAxis: visibility.AxisNone, UseW: true, Faceted: true},
	WProjection: {Name: "wprojection", VisAxis: visibility.AxisNone, UseW: true},
}

// Describe returns the dispatch entry for s.
func Describe(s Strategy) (Spec, error) {
	spec, ok := strategies[s]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
	}
	return spec, nil
}

// Strategies lists every strategy in declaration order.
func Strategies() []Strategy {
	return []Strategy{Direct2D, WStack, TimeSlice, Facet, WProjection}
}

// String returns the configuration tag.
func (s Strategy) String() string {
	if spec, ok := strategies[s]; ok {
		return spec.Name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration tag to a Strategy. Matching is case
// insensitive.
func ParseStrategy(tag string) (Strategy, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, s := range Strategies() {
		if strategies[s].Name == tag {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, tag)
}

// MarshalYAML encodes the strategy as its tag.
func (s Strategy) MarshalYAML() (any, error) {
	if _, ok := strategies[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
	}
	return s.String(), nil
}

// UnmarshalYAML decodes a strategy tag.
func (s *Strategy) UnmarshalYAML(node *yaml.Node) error {
	var tag string
	if err := node.Decode(&tag); err != nil {
		return err
	}
	parsed, err := ParseStrategy(tag)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText encodes the strategy for JSON and flags.
func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategies[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a strategy tag.
func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
