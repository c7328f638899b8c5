// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the imaging pipeline over HTTP.
//
// Routes:
//
//	POST /v1/runs       submit a run (async, rate limited)
//	GET  /v1/runs       list ledger records, newest first
//	GET  /v1/runs/:id   one ledger record
//	GET  /v1/runs/:id/events  websocket stream of cycle records
//	GET  /health        liveness
//	GET  /metrics       Prometheus exposition
//
// Every /v1 route requires a bearer token when an AuthProvider other than
// the no-op one is configured. Browsers cannot set headers on websocket
// upgrades, so the events route also accepts ?access_token=.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/skyimager/pkg/extensions"
	"github.com/AleutianAI/skyimager/services/imager/config"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
)

// Runner executes one run. *runner.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, id string, cfg *config.Config) (*pipeline.Result, []string, error)
}

// RunRequest overrides parts of the server configuration for one run.
// Absent fields keep the server's values.
type RunRequest struct {
	NMajor       *int     `json:"nmajor" validate:"omitempty,gte=0,lte=100"`
	Strategy     *string  `json:"strategy" validate:"omitempty,oneof=2d wstack timeslice facets wprojection"`
	VisSlices    *int     `json:"vis_slices" validate:"omitempty,gte=1,lte=64"`
	Facets       *int     `json:"facets" validate:"omitempty,gte=1,lte=16"`
	Niter        *int     `json:"niter" validate:"omitempty,gte=0"`
	Gain         *float64 `json:"gain" validate:"omitempty,gt=0,lte=1"`
	Threshold    *float64 `json:"threshold" validate:"omitempty,gte=0"`
	SelfCal      *bool    `json:"selfcal"`
	FirstSelfCal *int     `json:"first_selfcal" validate:"omitempty,gte=0"`
	Global       *bool    `json:"global_solution"`
	GainError    *float64 `json:"gain_error" validate:"omitempty,gte=0,lte=1"`
	Seed         *int64   `json:"seed"`
}

// apply writes the overrides into cfg.
func (r RunRequest) apply(cfg *config.Config) error {
	if r.NMajor != nil {
		cfg.Pipeline.NMajor = *r.NMajor
	}
	if r.Strategy != nil {
		s, err := kernel.ParseStrategy(*r.Strategy)
		if err != nil {
			return err
		}
		cfg.Imaging.Strategy = s
	}
	if r.VisSlices != nil {
		cfg.Imaging.VisSlices = *r.VisSlices
	}
	if r.Facets != nil {
		cfg.Imaging.Facets = *r.Facets
	}
	if r.Niter != nil {
		cfg.Deconvolution.Niter = *r.Niter
	}
	if r.Gain != nil {
		cfg.Deconvolution.Gain = *r.Gain
	}
	if r.Threshold != nil {
		cfg.Deconvolution.Threshold = *r.Threshold
	}
	if r.SelfCal != nil {
		cfg.SelfCal.Enabled = *r.SelfCal
	}
	if r.FirstSelfCal != nil {
		cfg.SelfCal.FirstCycle = *r.FirstSelfCal
	}
	if r.Global != nil {
		cfg.SelfCal.GlobalSolution = *r.Global
	}
	if r.GainError != nil {
		cfg.Simulation.GainError = *r.GainError
	}
	if r.Seed != nil {
		cfg.Simulation.Seed = *r.Seed
	}
	return cfg.Validate()
}

// RunResponse acknowledges a submitted run.
type RunResponse struct {
	ID     string          `json:"id"`
	Status runstore.Status `json:"status"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP surface.
//
// Description:
//
//	Submitted runs execute on background goroutines bounded by
//	max_concurrent_runs. Each run snapshots the configuration current at
//	submission, so a config reload never changes a run in flight.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	current  func() *config.Config
	store    *runstore.Store
	runner   Runner
	logger   *slog.Logger
	validate *validator.Validate
	limiter  *rate.Limiter
	slots    chan struct{}
	router   *gin.Engine
	hub      *Hub
	ext      extensions.ServiceOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithHub streams events from hub. Pass the same hub to
// runner.WithObserver so cycles reach it.
func WithHub(hub *Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithExtensions installs auth and audit providers.
func WithExtensions(ext extensions.ServiceOptions) Option {
	return func(s *Server) {
		s.ext = ext
	}
}

// New builds the server. current returns the configuration new runs start
// from; server limits are read from it once.
func New(current func() *config.Config, store *runstore.Store, runner Runner, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := current().Server
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		current:  current,
		store:    store,
		runner:   runner,
		logger:   logger,
		validate: validator.New(),
		limiter:  rate.NewLimiter(rate.Limit(srv.RateLimit), srv.Burst),
		slots:    make(chan struct{}, srv.MaxConcurrentRuns),
		ctx:      ctx,
		cancel:   cancel,
		ext:      extensions.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	s.ext = s.ext.Normalize()
	s.routes()
	return s
}

func (s *Server) routes() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("skyimager"))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", s.authenticate)
	{
		v1.POST("/runs", s.submit)
		v1.GET("/runs", s.list)
		v1.GET("/runs/:id", s.get)
		v1.GET("/runs/:id/events", s.events)
	}
	s.router = r
}

// Router returns the gin engine.
func (s *Server) Router() *gin.Engine { return s.router }

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown cancels running pipelines and waits for them to record their
// outcome, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.ext.AuditLogger.Flush(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

const authInfoKey = "auth_info"

// authenticate resolves the caller or aborts with 401.
func (s *Server) authenticate(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if token == "" {
		token = c.Query("access_token")
	}
	info, err := s.ext.AuthProvider.Validate(c.Request.Context(), token)
	if err != nil {
		_ = s.ext.AuditLogger.Log(c.Request.Context(), extensions.AuditEvent{
			EventType:    "auth.failed",
			Action:       c.Request.Method,
			ResourceType: "route",
			ResourceID:   c.FullPath(),
			Outcome:      "blocked",
			Metadata:     map[string]any{"client_ip": c.ClientIP()},
		})
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: extensions.ErrUnauthorized.Error()})
		return
	}
	c.Set(authInfoKey, info)
	c.Next()
}

// caller returns the authenticated user id, or "" outside /v1.
func caller(c *gin.Context) string {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info.UserID
		}
	}
	return ""
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": len(s.slots)})
}

func (s *Server) submit(c *gin.Context) {
	if !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	cfg, err := s.current().Clone()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if err := req.apply(cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	select {
	case s.slots <- struct{}{}:
	default:
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "too many runs in progress"})
		return
	}

	id := uuid.NewString()
	if err := s.store.Put(c.Request.Context(), runstore.Record{ID: id, Status: runstore.StatusQueued, ConfigHash: cfg.Hash()}); err != nil {
		<-s.slots
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	_ = s.ext.AuditLogger.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    "run.submit",
		UserID:       caller(c),
		Action:       "create",
		ResourceType: "run",
		ResourceID:   id,
		Outcome:      "success",
		Metadata: map[string]any{
			"strategy":    cfg.Imaging.Strategy.String(),
			"config_hash": cfg.Hash(),
		},
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		_, _, err := s.runner.Run(s.ctx, id, cfg)
		status := runstore.StatusSucceeded
		if err != nil {
			status = runstore.StatusFailed
			s.logger.Error("run failed", slog.String("run_id", id), slog.String("error", err.Error()))
		}
		s.hub.Finish(id, status, err)
	}()

	c.Header("Location", "/v1/runs/"+id)
	c.JSON(http.StatusAccepted, RunResponse{ID: id, Status: runstore.StatusQueued})
}

func (s *Server) get(c *gin.Context) {
	id := c.Param("id")
	if !s.validID(c, id) {
		return
	}
	if rec, ok := s.record(c, id); ok {
		c.JSON(http.StatusOK, rec)
	}
}

// validID rejects ids that cannot have been issued by submit.
func (s *Server) validID(c *gin.Context, id string) bool {
	if !strfmt.IsUUID(id) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid run id %q", id)})
		return false
	}
	return true
}

// record loads a ledger record, writing the error reply when it fails.
func (s *Server) record(c *gin.Context, id string) (*runstore.Record, bool) {
	rec, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return nil, false
	}
	return rec, true
}

func (s *Server) list(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		limit = n
	}
	recs, err := s.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []runstore.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": recs})
}
