// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs the major/minor-cycle imaging loop with optional
// self-calibration.
//
// Each stage of a major cycle is an execution of that cycle's task graph.
// Graphs of successive cycles share a memo, so partitions, the PSF and
// any residual whose inputs did not change are computed once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/dag"
	"github.com/AleutianAI/skyimager/services/imager/deconvolve"
	"github.com/AleutianAI/skyimager/services/imager/graphs"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/skymodel"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

var tracer = otel.Tracer("skyimager.pipeline")

// ErrInvalidInput is returned when the observation cannot be imaged.
var ErrInvalidInput = errors.New("invalid pipeline input")

// Input is what a run images.
type Input struct {
	// RunID labels logs and records. Empty selects a new UUID.
	RunID string

	// Vis is the observed (possibly corrupted) visibility table.
	Vis *visibility.Visibility

	// Model is an optional starting model on the run's grid.
	Model *image.Image

	// Components are rasterised into the starting model when Model is nil.
	Components []skymodel.Component
}

// CycleRecord summarises one major cycle.
type CycleRecord struct {
	Cycle         int               `json:"cycle"`
	ResidualPeak  float64           `json:"residual_peak"`
	ModelFlux     float64           `json:"model_flux"`
	Clean         deconvolve.Report `json:"clean"`
	SelfCal       bool              `json:"selfcal"`
	Fallbacks     int               `json:"selfcal_fallbacks"`
	NodesExecuted int               `json:"nodes_executed"`
	NodesCached   int               `json:"nodes_cached"`
	Duration      time.Duration     `json:"duration"`
}

// Result holds the terminal outputs of a run.
type Result struct {
	RunID string

	Model    *image.Image
	Residual *image.Image
	Restored *image.Image
	PSF      *image.Image
	Beam     image.Beam

	// Gains is the last solved table, nil without self-calibration or when
	// every solve fell back.
	Gains *calibration.GainTable

	InitialPeak float64
	History     []CycleRecord
	Transitions []State
	FinalState  State
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers a callback invoked after every major cycle.
func WithObserver(fn func(runID string, rec CycleRecord)) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, fn)
	}
}

// Controller drives the major/minor-cycle state machine.
//
// Description:
//
//	Init images the PSF and the dirty image of the starting model. Each
//	major cycle then runs Invert (optionally after solving and applying
//	gains), Deconvolve, PredictModel and Residual as separate executions
//	of one graph. The PSF is imaged once on the planner's padded PSF grid.
//	The run converges once the peak absolute residual after a cycle is
//	below Clean.Threshold, taken in Jy/beam and not relative to the dirty
//	peak. A cycle whose minor cycle makes no iteration would repeat
//	forever, so the run stops there as stalled. Otherwise it is exhausted
//	after NMajor cycles.
//
// Thread Safety:
//
//	Controller is safe for concurrent use; each Run has its own state.
type Controller struct {
	settings  Settings
	logger    *slog.Logger
	observers []func(string, CycleRecord)
}

// New validates settings and creates a controller.
func New(settings Settings, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{settings: settings, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Settings returns the controller settings.
func (c *Controller) Settings() Settings { return c.settings }

// run is the state of one Run call.
type run struct {
	*Controller
	id     string
	in     Input
	logger *slog.Logger
	memo   *dag.Memo
	result *Result
}

// graph is one builder with the nodes every stage shares.
type graph struct {
	planner *graphs.Planner
	entries []string
	psf     string
	model   string
}

// Run images in.Vis.
//
// Outputs:
//
//	*Result - Model, residual, restored image and history.
//	error - ErrInvalidInput, a build error, or the first execution failure
//	wrapped with the cycle and state it happened in.
func (c *Controller) Run(ctx context.Context, in Input) (*Result, error) {
	if err := c.validateInput(in); err != nil {
		return nil, err
	}
	id := in.RunID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("run.strategy", c.settings.Strategy.String()),
			attribute.Int("run.nmajor", c.settings.NMajor),
		),
	)
	defer span.End()

	r := &run{
		Controller: c,
		id:         id,
		in:         in,
		logger:     c.logger.With(slog.String("run_id", id)),
		memo:       dag.NewMemo(),
		result:     &Result{RunID: id},
	}

	if err := r.loop(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("run failed", slog.String("error", err.Error()))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return r.result, nil
}

func (c *Controller) validateInput(in Input) error {
	if in.Vis == nil {
		return fmt.Errorf("%w: nil visibility", ErrInvalidInput)
	}
	if err := in.Vis.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if in.Vis.NPol != c.settings.Geometry.NPol {
		return fmt.Errorf("%w: visibility has %d polarisations, image %d", ErrInvalidInput, in.Vis.NPol, c.settings.Geometry.NPol)
	}
	if in.Model != nil && !in.Model.Geometry.SameGrid(c.settings.Geometry) {
		return fmt.Errorf("%w: starting model grid differs from the image grid", ErrInvalidInput)
	}
	return nil
}

func (r *run) enter(s State) {
	r.result.Transitions = append(r.result.Transitions, s)
	stateTransitions.WithLabelValues(s.String()).Inc()
	r.logger.Debug("state", slog.String("state", s.String()))
}

// startingModel returns the model the first cycle cleans against.
func (r *run) startingModel() (*image.Image, error) {
	switch {
	case r.in.Model != nil:
		return r.in.Model.Copy(), nil
	case len(r.in.Components) > 0:
		return skymodel.Rasterise(r.in.Components, r.settings.Geometry)
	default:
		return image.New(r.settings.Geometry), nil
	}
}

// newGraph starts a builder holding the observation entries, the PSF and
// the current model. A non-empty modelKey re-enters a model produced by the
// previous cycle under its original key.
func (r *run) newGraph(name string, model *image.Image, modelKey string) (*graph, error) {
	b := dag.NewBuilder(name)
	p, err := graphs.NewPlanner(b, r.settings.plannerOptions())
	if err != nil {
		return nil, err
	}
	s := r.settings

	vis := p.Vis(r.in.Vis)
	if s.Coalesce.Enabled {
		_, vis = p.Coalesce(vis, s.Coalesce.TimeTolerance, s.Coalesce.FrequencyTolerance)
	}
	entries := p.WeightVis(p.VisList(vis, s.PartitionAxis, s.Partitions), s.Weighting)

	psf := p.PSF(entries)
	b.Retain(psf)

	m := modelKey
	if m == "" {
		m = p.Image(model)
	} else {
		b.Preset(m, "update_model", model)
	}
	return &graph{planner: p, entries: entries, psf: psf, model: m}, nil
}

func (r *run) executor(g *graph) (*dag.Executor, error) {
	d, err := g.planner.Builder().Build()
	if err != nil {
		return nil, err
	}
	return dag.NewExecutor(d, r.logger, dag.WithWorkers(r.settings.Workers), dag.WithMemo(r.memo))
}

func (r *run) loop(ctx context.Context) error {
	s := r.settings
	res := r.result

	r.enter(StateInit)
	model, err := r.startingModel()
	if err != nil {
		return fmt.Errorf("starting model: %w", err)
	}
	g, err := r.newGraph("init", model, "")
	if err != nil {
		return err
	}
	dirty := g.planner.Residual(g.entries, g.model)
	g.planner.Builder().Retain(dirty)
	exec, err := r.executor(g)
	if err != nil {
		return err
	}
	out, err := exec.Execute(ctx, g.psf, dirty)
	if err != nil {
		return fmt.Errorf("%s: %w", StateInit, err)
	}

	res.PSF = out.Outputs[g.psf].(*kernel.Partial).Image
	res.Beam, err = image.FitPSF(res.PSF)
	if err != nil {
		return fmt.Errorf("%s: %w", StateInit, err)
	}
	res.Residual = out.Outputs[dirty].(*kernel.Partial).Image
	res.Model = model
	res.InitialPeak = math.Abs(res.Residual.PeakAbs().Value)
	major, minor := res.Beam.FWHM()
	r.logger.Info("run initialised",
		slog.Int("rows", r.in.Vis.NRows()),
		slog.Int("workers", exec.Workers()),
		slog.Float64("peak", res.InitialPeak),
		slog.Float64("beam_major_px", major),
		slog.Float64("beam_minor_px", minor),
	)

	modelKey := ""
	previous := []string{dirty}
	final := StateExhausted
	for cycle := 0; cycle < s.NMajor; cycle++ {
		rec, keys, newModelKey, err := r.cycle(ctx, cycle, res.Model, modelKey)
		if err != nil {
			return err
		}
		modelKey = newModelKey

		current := make(map[string]bool, len(keys))
		for _, k := range keys {
			current[k] = true
		}
		for _, k := range previous {
			if !current[k] {
				r.memo.Forget(k)
			}
		}
		previous = keys

		res.History = append(res.History, rec)
		for _, obs := range r.observers {
			obs(r.id, rec)
		}
		if rec.ResidualPeak < s.Clean.Threshold {
			final = StateConverged
			break
		}
		if rec.Clean.Iterations == 0 && !s.selfCalStartsAfter(cycle) {
			r.logger.Warn("minor cycle made no progress, stopping",
				slog.Int("cycle", cycle),
				slog.String("stop", string(rec.Clean.Stop)),
				slog.Float64("peak", rec.ResidualPeak),
			)
			final = StateStalled
			break
		}
	}

	r.enter(final)
	res.FinalState = final
	res.Restored, err = image.Restore(res.Model, res.Beam, res.Residual)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	r.logger.Info("run finished",
		slog.String("state", final.String()),
		slog.Int("cycles", len(res.History)),
		slog.Float64("peak", math.Abs(res.Residual.PeakAbs().Value)),
		slog.Float64("model_flux", res.Model.Sum()),
	)
	return nil
}

type stage struct {
	state   State
	targets []string
}

// cycle runs one major cycle. It returns the record, the cycle's retained
// keys and the key of the updated model.
func (r *run) cycle(ctx context.Context, cycle int, model *image.Image, modelKey string) (CycleRecord, []string, string, error) {
	s := r.settings
	start := time.Now()
	rec := CycleRecord{Cycle: cycle}

	ctx, span := tracer.Start(ctx, "pipeline.Cycle", trace.WithAttributes(attribute.Int("cycle", cycle)))
	defer span.End()

	g, err := r.newGraph(fmt.Sprintf("cycle-%d", cycle), model, modelKey)
	if err != nil {
		return rec, nil, "", err
	}
	p := g.planner
	b := p.Builder()

	observed := g.entries
	sol := ""
	rec.SelfCal = s.SelfCal.Enabled && cycle >= s.SelfCal.FirstCycle
	if rec.SelfCal {
		observed, sol = p.Calibrate(g.entries, p.ModelVis(g.entries, g.model))
	}
	residualIn := p.Residual(observed, g.model)
	clean := p.Deconvolve(residualIn, g.psf)
	newModel := p.UpdateModel(g.model, clean)
	modelVis := p.ModelVis(observed, newModel)
	residualOut := p.Invert(p.SubtractVis(observed, modelVis), false)

	keys := append([]string{residualIn, clean, newModel, residualOut}, modelVis...)
	if rec.SelfCal {
		keys = append(keys, observed...)
		keys = append(keys, sol)
	}
	for _, k := range keys {
		b.Retain(k)
	}

	exec, err := r.executor(g)
	if err != nil {
		return rec, nil, "", err
	}

	invertTargets := []string{residualIn}
	if sol != "" {
		invertTargets = append(invertTargets, sol)
	}
	stages := []stage{
		{state: StateInvert, targets: invertTargets},
		{state: StateDeconvolve, targets: []string{clean, newModel}},
		{state: StatePredictModel, targets: modelVis},
		{state: StateResidual, targets: []string{residualOut}},
	}
	outputs := make(map[string]any)
	for _, st := range stages {
		r.enter(st.state)
		out, err := exec.Execute(ctx, st.targets...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return rec, nil, "", fmt.Errorf("cycle %d %s: %w", cycle, st.state, err)
		}
		rec.NodesExecuted += out.NodesExecuted
		rec.NodesCached += out.NodesCached
		for k, v := range out.Outputs {
			outputs[k] = v
		}
	}

	if sol != "" {
		solution := outputs[sol].(*graphs.Solution)
		rec.Fallbacks = solution.Fallbacks
		if solution.Fallbacks > 0 {
			selfcalFallbacks.Add(float64(solution.Fallbacks))
			r.logger.Warn("gain solve did not converge, using identity gains",
				slog.Int("cycle", cycle),
				slog.Int("fallbacks", solution.Fallbacks),
				slog.Int("solves", solution.Solves),
				slog.String("reason", solution.Reason),
			)
		}
		if solution.Table != nil {
			r.result.Gains = solution.Table
		}
	}

	cleaned := outputs[clean].(*deconvolve.Result)
	rec.Clean = cleaned.Report
	minorIterations.Add(float64(cleaned.Report.Iterations))
	if cleaned.Report.Diverged {
		divergences.Inc()
		r.logger.Warn("minor cycle stopped on a growing residual",
			slog.Int("cycle", cycle),
			slog.Int("iterations", cleaned.Report.Iterations),
			slog.Float64("peak", cleaned.Report.FinalPeak),
		)
	}

	r.result.Model = outputs[newModel].(*image.Image)
	r.result.Residual = outputs[residualOut].(*kernel.Partial).Image
	rec.ResidualPeak = math.Abs(r.result.Residual.PeakAbs().Value)
	rec.ModelFlux = r.result.Model.Sum()
	rec.Duration = time.Since(start)

	majorCycles.Inc()
	residualPeak.Set(rec.ResidualPeak)
	cycleDuration.Observe(rec.Duration.Seconds())
	r.logger.Info("major cycle completed",
		slog.Int("cycle", cycle),
		slog.Float64("peak", rec.ResidualPeak),
		slog.Float64("model_flux", rec.ModelFlux),
		slog.Int("minor_iterations", rec.Clean.Iterations),
		slog.Int("nodes_executed", rec.NodesExecuted),
		slog.Int("nodes_cached", rec.NodesCached),
		slog.Duration("duration", rec.Duration),
	)
	return rec, keys, newModel, nil
}
