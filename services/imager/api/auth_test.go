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
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyimager/pkg/extensions"
)

// recordingAudit keeps every event it is given.
type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, ev extensions.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAudit) Flush(context.Context) error { return nil }

func (r *recordingAudit) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

func newAuthServer(t *testing.T) (*Server, *stubRunner, *recordingAudit) {
	t.Helper()
	audit := &recordingAudit{}
	ext := extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider("s3cret")).
		WithAudit(audit)
	s, runner := newTestServer(t, nil, nil, WithExtensions(ext))
	return s, runner, audit
}

func TestAuth_RejectsMissingAndWrongTokens(t *testing.T) {
	s, _, audit := newAuthServer(t)

	w := do(s, http.MethodGet, "/v1/runs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, []string{"auth.failed", "auth.failed"}, audit.types())

	// Health and metrics stay open.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)
}

func TestAuth_AcceptsBearerAndQueryToken(t *testing.T) {
	s, _, _ := newAuthServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/v1/runs?access_token=s3cret", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_ClientSendsTokenAndSubmitIsAudited(t *testing.T) {
	s, runner, audit := newAuthServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	anon, err := NewClient(ts.URL)
	require.NoError(t, err)
	_, err = anon.List(ctx, 5)
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "401")

	client, err := NewClient(ts.URL, WithToken("s3cret"))
	require.NoError(t, err)
	resp, err := client.Submit(ctx, RunRequest{})
	require.NoError(t, err)
	<-runner.seen

	events, err := client.Events(ctx, resp.ID)
	require.NoError(t, err)
	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, "done", last.Type)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	var submit *extensions.AuditEvent
	for i := range audit.events {
		if audit.events[i].EventType == "run.submit" {
			submit = &audit.events[i]
		}
	}
	require.NotNil(t, submit)
	assert.Equal(t, "api-client", submit.UserID)
	assert.Equal(t, resp.ID, submit.ResourceID)
	assert.Equal(t, "success", submit.Outcome)
}
