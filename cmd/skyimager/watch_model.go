// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/skyimager/pkg/ux"
	"github.com/AleutianAI/skyimager/services/imager/api"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
)

// eventMsg carries one event from the server stream.
type eventMsg api.Event

// streamClosedMsg is sent when the event channel closes.
type streamClosedMsg struct{}

// watchModel renders a live run: one line per finished cycle and a
// spinner while the next one is running.
type watchModel struct {
	runID   string
	events  <-chan api.Event
	spinner spinner.Model
	cycles  []pipeline.CycleRecord
	done    *api.Event
	closed  bool
}

func newWatchModel(runID string, events <-chan api.Event) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ux.ColorBright)
	return watchModel{runID: runID, events: events, spinner: sp}
}

func waitForEvent(events <-chan api.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case eventMsg:
		ev := api.Event(msg)
		switch ev.Type {
		case "cycle":
			if ev.Cycle != nil {
				m.cycles = append(m.cycles, *ev.Cycle)
			}
		case "done":
			m.done = &ev
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.closed = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(ux.Styles.Title.Render("run "+m.runID) + "\n")
	for _, c := range m.cycles {
		b.WriteString(cycleLine(c) + "\n")
	}
	switch {
	case m.done != nil && m.done.Status == runstore.StatusSucceeded:
		b.WriteString(ux.IconSuccess.Render() + " " + ux.Styles.Success.Render(fmt.Sprintf("succeeded after %d cycles", len(m.cycles))) + "\n")
	case m.done != nil:
		b.WriteString(ux.IconError.Render() + " " + ux.Styles.Error.Render("failed: "+m.done.Error) + "\n")
	case m.closed:
		b.WriteString(ux.IconWarning.Render() + " " + ux.Styles.Warning.Render("event stream closed") + "\n")
	default:
		b.WriteString(m.spinner.View() + " " + ux.Styles.Muted.Render(fmt.Sprintf("cycle %d running (q to detach)", len(m.cycles))) + "\n")
	}
	return b.String()
}

func cycleLine(c pipeline.CycleRecord) string {
	line := fmt.Sprintf("cycle %-3d peak %-10.4g flux %-10.4g clean %-5d %s", c.Cycle, c.ResidualPeak, c.ModelFlux, c.Clean.Iterations, c.Duration.Round(time.Millisecond))
	if c.SelfCal {
		line += " selfcal"
		if c.Fallbacks > 0 {
			line += " (fallback)"
		}
	}
	return line
}
