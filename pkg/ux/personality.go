// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level controls how rich terminal output is.
type Level string

const (
	// LevelFull enables colours, icons and boxes.
	LevelFull Level = "full"

	// LevelMinimal keeps icons but drops colour and boxes.
	LevelMinimal Level = "minimal"

	// LevelMachine prints tab-separated plain text for scripts.
	LevelMachine Level = "machine"
)

// ParseLevel converts a flag or environment value into a Level.
// Unknown values fall back to LevelFull.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return LevelMinimal
	case "machine", "quiet", "q", "plain":
		return LevelMachine
	default:
		return LevelFull
	}
}

// DetectLevel picks the output level for w.
//
// SKYIMAGER_OUTPUT wins when set. Otherwise terminals get LevelFull and
// everything else LevelMachine.
func DetectLevel(w io.Writer) Level {
	if env := os.Getenv("SKYIMAGER_OUTPUT"); env != "" {
		return ParseLevel(env)
	}
	if isTerminal(w) {
		return LevelFull
	}
	return LevelMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
