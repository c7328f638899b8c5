// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
)

// Event is one message on a run's event stream.
type Event struct {
	// Type is "cycle" for a finished major cycle and "done" once the
	// run has reached a terminal status.
	Type   string                `json:"type"`
	RunID  string                `json:"run_id"`
	Cycle  *pipeline.CycleRecord `json:"cycle,omitempty"`
	Status runstore.Status       `json:"status,omitempty"`
	Error  string                `json:"error,omitempty"`
}

const subscriberBuffer = 64

// Hub fans cycle records out to the subscribers of each run.
//
// Description:
//
//	Publish is shaped as a pipeline observer so it can be handed to
//	runner.WithObserver. Slow subscribers lose events rather than
//	blocking the pipeline; the ledger still has the full history.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Publish delivers rec to the run's subscribers.
func (h *Hub) Publish(runID string, rec pipeline.CycleRecord) {
	h.send(runID, Event{Type: "cycle", RunID: runID, Cycle: &rec})
}

// Finish tells the run's subscribers that it has ended and drops them.
func (h *Hub) Finish(runID string, status runstore.Status, runErr error) {
	ev := Event{Type: "done", RunID: runID, Status: status}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	h.send(runID, ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[runID] {
		close(ch)
	}
	delete(h.subs, runID)
}

// Subscribe returns a channel of the run's future events and a function
// that releases it. The channel is closed after the "done" event.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan Event]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[runID][ch]; ok {
			delete(h.subs[runID], ch)
			close(ch)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
		}
	}
}

func (h *Hub) send(runID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[runID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

const writeWait = 10 * time.Second

// events streams a run over a websocket: the cycles already in the ledger,
// then live cycles, then a "done" event.
func (s *Server) events(c *gin.Context) {
	id := c.Param("id")
	if !s.validID(c, id) {
		return
	}

	// Subscribe before reading the ledger so no cycle falls in between.
	live, release := s.hub.Subscribe(id)
	defer release()

	rec, ok := s.record(c, id)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", slog.String("run_id", id), slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	write := func(ev Event) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(ev); err != nil {
			s.logger.Debug("event stream closed", slog.String("run_id", id), slog.String("error", err.Error()))
			return false
		}
		return true
	}

	next := 0
	for i := range rec.History {
		if !write(Event{Type: "cycle", RunID: id, Cycle: &rec.History[i]}) {
			return
		}
		next = rec.History[i].Cycle + 1
	}
	if rec.Status == runstore.StatusSucceeded || rec.Status == runstore.StatusFailed {
		write(Event{Type: "done", RunID: id, Status: rec.Status, Error: rec.Error})
		return
	}

	// Reader goroutine notices client disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Type == "cycle" && ev.Cycle.Cycle < next {
				continue
			}
			if !write(ev) || ev.Type == "done" {
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}
