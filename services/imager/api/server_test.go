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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyimager/services/imager/config"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
)

// stubRunner records the configurations it was given, reports one cycle
// before and one after release, and finishes runs in the ledger without
// imaging anything.
type stubRunner struct {
	store   *runstore.Store
	hub     *Hub
	release chan struct{}
	seen    chan *config.Config
}

func (r *stubRunner) cycle(id string, n int) pipeline.CycleRecord {
	rec := pipeline.CycleRecord{Cycle: n, ResidualPeak: 1 / float64(n+1)}
	_ = r.store.AppendCycle(context.Background(), id, rec)
	r.hub.Publish(id, rec)
	return rec
}

func (r *stubRunner) Run(ctx context.Context, id string, cfg *config.Config) (*pipeline.Result, []string, error) {
	first := r.cycle(id, 0)
	r.seen <- cfg
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	second := r.cycle(id, 1)
	res := &pipeline.Result{RunID: id, FinalState: pipeline.StateConverged, History: []pipeline.CycleRecord{first, second}}
	return res, nil, r.store.Finish(context.Background(), id, res, nil, nil)
}

func newTestServer(t *testing.T, mutate func(*config.Config), release chan struct{}, opts ...Option) (*Server, *stubRunner) {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Server.RateLimit = 100
	cfg.Server.Burst = 100
	if mutate != nil {
		mutate(cfg)
	}
	store, err := runstore.Open(runstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := NewHub()
	runner := &stubRunner{store: store, hub: hub, release: release, seen: make(chan *config.Config, 8)}
	s := New(func() *config.Config { return cfg }, store, runner, nil, append([]Option{WithHub(hub)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, runner
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmit_RunsWithOverrides(t *testing.T) {
	s, runner := newTestServer(t, nil, nil)

	rec := do(s, http.MethodPost, "/v1/runs", `{"nmajor": 3, "strategy": "timeslice", "selfcal": true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, runstore.StatusQueued, resp.Status)
	assert.Equal(t, "/v1/runs/"+resp.ID, rec.Header().Get("Location"))

	select {
	case cfg := <-runner.seen:
		assert.Equal(t, 3, cfg.Pipeline.NMajor)
		assert.Equal(t, kernel.TimeSlice, cfg.Imaging.Strategy)
		assert.True(t, cfg.SelfCal.Enabled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner not called")
	}

	require.Eventually(t, func() bool {
		got := do(s, http.MethodGet, "/v1/runs/"+resp.ID, "")
		var r runstore.Record
		_ = json.Unmarshal(got.Body.Bytes(), &r)
		return got.Code == http.StatusOK && r.Status == runstore.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmit_EmptyBodyUsesServerConfig(t *testing.T) {
	s, runner := newTestServer(t, nil, nil)
	rec := do(s, http.MethodPost, "/v1/runs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	cfg := <-runner.seen
	assert.Equal(t, 8, cfg.Pipeline.NMajor)
}

func TestSubmit_RejectsInvalidRequests(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	for _, body := range []string{
		`{"gain": 2}`,
		`{"strategy": "fft"}`,
		`{"nmajor": -1}`,
		`{"facets": 5, "strategy": "facets"}`,
		`{"nmajor": "three"}`,
		`not json`,
	} {
		rec := do(s, http.MethodPost, "/v1/runs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.True(t, strings.Contains(rec.Body.String(), `"error"`), body)
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = 0.001
		c.Server.Burst = 1
	}, nil)

	assert.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/v1/runs", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodPost, "/v1/runs", "").Code)
}

func TestSubmit_BoundedConcurrency(t *testing.T) {
	release := make(chan struct{})
	s, runner := newTestServer(t, func(c *config.Config) { c.Server.MaxConcurrentRuns = 1 }, release)

	require.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/v1/runs", "").Code)
	<-runner.seen
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodPost, "/v1/runs", "").Code)

	close(release)
	require.Eventually(t, func() bool {
		return do(s, http.MethodPost, "/v1/runs", "").Code == http.StatusAccepted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetAndList(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/v1/runs/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/runs/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/v1/runs?limit=x", "").Code)

	rec := do(s, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs": []}`, rec.Body.String())

	require.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/v1/runs", "").Code)
	require.Eventually(t, func() bool {
		var body struct {
			Runs []runstore.Record `json:"runs"`
		}
		_ = json.Unmarshal(do(s, http.MethodGet, "/v1/runs?limit=5", "").Body.Bytes(), &body)
		return len(body.Runs) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# TYPE")
}

func TestEvents_StreamsHistoryThenLiveCycles(t *testing.T) {
	release := make(chan struct{})
	s, runner := newTestServer(t, nil, release)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	rec := do(s, http.MethodPost, "/v1/runs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	<-runner.seen

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/" + resp.ID + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "cycle", ev.Type)
	require.NotNil(t, ev.Cycle)
	assert.Equal(t, 0, ev.Cycle.Cycle)

	close(release)

	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "cycle", ev.Type)
	assert.Equal(t, 1, ev.Cycle.Cycle)

	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "done", ev.Type)
	assert.Equal(t, runstore.StatusSucceeded, ev.Status)
}

func TestEvents_FinishedRunReplaysLedger(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	rec := do(s, http.MethodPost, "/v1/runs", "")
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Eventually(t, func() bool {
		r, err := s.store.Get(context.Background(), resp.ID)
		return err == nil && r.Status == runstore.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/" + resp.ID + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var types []string
	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"cycle", "cycle", "done"}, types)
}

func TestEvents_RejectsUnknownRuns(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/v1/runs/x/events", "").Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/runs/"+uuid.NewString()+"/events", "").Code)
}

func TestHub_SubscribeAndFinish(t *testing.T) {
	hub := NewHub()
	ch, release := hub.Subscribe("r")
	other, releaseOther := hub.Subscribe("other")
	defer releaseOther()

	hub.Publish("r", pipeline.CycleRecord{Cycle: 3})
	hub.Finish("r", runstore.StatusFailed, assert.AnError)

	ev := <-ch
	assert.Equal(t, 3, ev.Cycle.Cycle)
	ev = <-ch
	assert.Equal(t, "done", ev.Type)
	assert.Equal(t, assert.AnError.Error(), ev.Error)
	_, open := <-ch
	assert.False(t, open)
	release()

	select {
	case <-other:
		t.Fatal("other run received an event")
	default:
	}
}

func TestClient_SubmitGetListAndEvents(t *testing.T) {
	release := make(chan struct{})
	s, runner := newTestServer(t, nil, release)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client, err := NewClient(ts.URL + "/")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nmajor := 4
	resp, err := client.Submit(ctx, RunRequest{NMajor: &nmajor})
	require.NoError(t, err)
	cfg := <-runner.seen
	assert.Equal(t, 4, cfg.Pipeline.NMajor)

	events, err := client.Events(ctx, resp.ID)
	require.NoError(t, err)
	close(release)

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"cycle", "cycle", "done"}, types)

	rec, err := client.Get(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, rec.Status)

	runs, err := client.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = client.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrServer)
	_, err = client.Events(ctx, "bogus")
	assert.ErrorIs(t, err, ErrServer)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}
