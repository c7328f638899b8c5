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
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"full", LevelFull},
		{"MIN", LevelMinimal},
		{"machine", LevelMachine},
		{"plain", LevelMachine},
		{"", LevelFull},
		{"sparkly", LevelFull},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectLevel_BufferIsMachine(t *testing.T) {
	t.Setenv("SKYIMAGER_OUTPUT", "")
	if got := DetectLevel(&bytes.Buffer{}); got != LevelMachine {
		t.Errorf("DetectLevel(buffer) = %q, want machine", got)
	}
}

func TestDetectLevel_EnvOverrides(t *testing.T) {
	t.Setenv("SKYIMAGER_OUTPUT", "minimal")
	if got := DetectLevel(&bytes.Buffer{}); got != LevelMinimal {
		t.Errorf("DetectLevel = %q, want minimal", got)
	}
}

func TestPrinter_MachineOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)

	p.Title("ignored")
	p.Success("done")
	p.Warning("careful")
	p.Error("broken")
	p.Field("run_id", "abc")
	p.Box("Result", "converged")

	want := "OK: done\nWARN: careful\nERROR: broken\nrun_id\tabc\nResult: converged\n"
	if buf.String() != want {
		t.Errorf("machine output:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestPrinter_MinimalOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMinimal)
	p.Success("done")
	p.Field("cycles", 3)
	if got := buf.String(); got != "✓ done\ncycles: 3\n" {
		t.Errorf("minimal output = %q", got)
	}
}

func TestPrinter_FullOutputContainsText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelFull)
	p.Title("Skyimager")
	p.Success("converged")
	p.Box("Run", "state converged")
	out := buf.String()
	for _, want := range []string{"Skyimager", "converged", "state converged"} {
		if !strings.Contains(out, want) {
			t.Errorf("full output missing %q: %q", want, out)
		}
	}
}

func TestPrinter_TableMachine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Table([]string{"cycle", "peak"}, [][]string{{"0", "0.5"}, {"1", "0.01"}})
	if got := buf.String(); got != "cycle\tpeak\n0\t0.5\n1\t0.01\n" {
		t.Errorf("table = %q", got)
	}
}

func TestPrinter_TableAligned(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMinimal)
	p.Table([]string{"cycle", "peak"}, [][]string{{"10", "0.5"}})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if strings.Index(lines[0], "peak") != strings.Index(lines[1], "0.5") {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

func TestPrinter_ProgressBar(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, LevelMachine)
	if got := p.ProgressBar(2, 8, 10); got != "2/8" {
		t.Errorf("machine bar = %q", got)
	}
	full := NewPrinter(&bytes.Buffer{}, LevelFull)
	if got := full.ProgressBar(8, 8, 10); !strings.Contains(got, "100%") {
		t.Errorf("full bar = %q", got)
	}
	if got := full.ProgressBar(1, 0, 10); got != "1/0" {
		t.Errorf("zero total bar = %q", got)
	}
}
