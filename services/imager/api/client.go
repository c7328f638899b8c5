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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/skyimager/services/imager/runstore"
)

// ErrServer wraps non-2xx replies from a skyimager server.
var ErrServer = errors.New("server error")

// Client talks to a skyimager server.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	token  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient returns a client for the server at baseURL, for example
// "http://localhost:8088".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit starts a run with the given overrides.
func (c *Client) Submit(ctx context.Context, req RunRequest) (*RunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out RunResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs", bytes.NewReader(body), http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches one ledger record.
func (c *Client) Get(ctx context.Context, id string) (*runstore.Record, error) {
	var out runstore.Record
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List fetches up to limit ledger records, newest first.
func (c *Client) List(ctx context.Context, limit int) ([]runstore.Record, error) {
	var out struct {
		Runs []runstore.Record `json:"runs"`
	}
	path := fmt.Sprintf("/v1/runs?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Events streams a run's events. The channel closes after the "done"
// event, when the connection drops, or when ctx ends.
func (c *Client) Events(ctx context.Context, id string) (<-chan Event, error) {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += "/v1/runs/" + url.PathEscape(id) + "/events"

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, replyError(resp)
		}
		return nil, fmt.Errorf("dial events: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer ws.Close()
		stop := context.AfterFunc(ctx, func() { ws.Close() })
		defer stop()
		for {
			var ev Event
			if err := ws.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == "done" {
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.header() {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return replyError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func replyError(resp *http.Response) error {
	var e ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	return fmt.Errorf("%w: %d %s", ErrServer, resp.StatusCode, e.Error)
}
