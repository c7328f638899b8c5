// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders skyimager command output.
//
// A Printer writes to one io.Writer at one Level. Full output uses the
// lipgloss styles below; machine output is plain and tab separated so
// it can be piped into awk or cut.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorBright  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorDeep    = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the shared lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Header   lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
	Header:   lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with its colour.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled lines at a fixed Level.
//
// Thread Safety: not safe for concurrent use; callers serialise writes.
type Printer struct {
	w     io.Writer
	level Level
}

// NewPrinter creates a Printer. An empty level is detected from w.
func NewPrinter(w io.Writer, level Level) *Printer {
	if level == "" {
		level = DetectLevel(w)
	}
	return &Printer{w: w, level: level}
}

// Level returns the printer's output level.
func (p *Printer) Level() Level {
	return p.level
}

// Title prints a heading. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.level == LevelMachine {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a line with a check mark.
func (p *Printer) Success(text string) {
	p.status(IconSuccess, "OK", Styles.Success, text)
}

// Warning prints a line with a warning sign.
func (p *Printer) Warning(text string) {
	p.status(IconWarning, "WARN", Styles.Warning, text)
}

// Error prints a line with a cross.
func (p *Printer) Error(text string) {
	p.status(IconError, "ERROR", Styles.Error, text)
}

func (p *Printer) status(icon Icon, tag string, style lipgloss.Style, text string) {
	switch p.level {
	case LevelMachine:
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
	case LevelMinimal:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
	}
}

// Field prints a key/value pair.
func (p *Printer) Field(key string, value any) {
	switch p.level {
	case LevelMachine:
		fmt.Fprintf(p.w, "%s\t%v\n", key, value)
	case LevelMinimal:
		fmt.Fprintf(p.w, "%s: %v\n", key, value)
	default:
		fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render(fmt.Sprintf("%-14s", key)), Styles.Bold.Render(fmt.Sprint(value)))
	}
}

// Box prints content inside a rounded border.
func (p *Printer) Box(title, content string) {
	if p.level != LevelFull {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// Table prints aligned columns. Machine output is tab separated with no
// decoration.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.level == LevelMachine {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.w, strings.Join(row, "\t"))
		}
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			parts[i] = style.Width(w).Render(cell)
		}
		return strings.Join(parts, "  ")
	}

	header := Styles.Bold
	if p.level == LevelFull {
		header = Styles.Header
	}
	fmt.Fprintln(p.w, line(headers, header))
	for _, row := range rows {
		fmt.Fprintln(p.w, line(row, lipgloss.NewStyle()))
	}
}

// ProgressBar renders current/total as a bar of the given width.
func (p *Printer) ProgressBar(current, total, width int) string {
	if p.level == LevelMachine || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := min(max(float64(current)/float64(total), 0), 1)
	filled := int(pct * float64(width))
	return fmt.Sprintf("%s%s %3.0f%%",
		Styles.Success.Render(strings.Repeat("█", filled)),
		Styles.Muted.Render(strings.Repeat("░", width-filled)),
		pct*100)
}
