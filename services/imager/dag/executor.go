// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
)

var (
	tracer = otel.Tracer("skyimager.dag")
	meter  = otel.Meter("skyimager.dag")
)

// Memo stores retained node outputs by content key across executions.
//
// Thread Safety:
//
//	Memo is safe for concurrent use.
type Memo struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewMemo creates an empty memo.
func NewMemo() *Memo {
	return &Memo{entries: make(map[string]any)}
}

// Get returns a memoized output.
func (m *Memo) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

// Put stores an output.
func (m *Memo) Put(key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = v
}

// Forget removes an entry.
func (m *Memo) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of entries.
func (m *Memo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithWorkers bounds the number of concurrently running nodes. Values below
// one select runtime.GOMAXPROCS(0).
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n < 1 {
			n = runtime.GOMAXPROCS(0)
		}
		e.workers = n
	}
}

// WithMemo enables reuse of retained outputs across executions.
func WithMemo(m *Memo) ExecutorOption {
	return func(e *Executor) {
		e.memo = m
	}
}

// Executor runs a DAG with bounded parallelism and observability.
//
// Description:
//
//	Executor evaluates only the ancestors of the requested targets, runs
//	ready nodes on at most Workers goroutines, isolates failures to the
//	targets above them, and releases intermediate outputs once every
//	consumer has run.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Each Execute call has its own
//	State.
type Executor struct {
	dag     *DAG
	logger  *slog.Logger
	workers int
	memo    *Memo

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	activeNodes   metric.Int64UpDownCounter
	execLatency   metric.Float64Histogram
}

// NewExecutor creates a new DAG executor.
//
// Inputs:
//
//	dag - The DAG to execute. Must not be nil.
//	logger - Logger for execution logs. If nil, uses slog.Default().
//	opts - WithWorkers, WithMemo.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if dag is nil.
func NewExecutor(dag *DAG, logger *slog.Logger, opts ...ExecutorOption) (*Executor, error) {
	if dag == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		dag:     dag,
		logger:  logger,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Workers returns the worker bound.
func (e *Executor) Workers() int {
	return e.workers
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("imager_dag_node_duration_seconds",
			metric.WithDescription("Time spent executing each graph node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("imager_dag_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("imager_dag_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.activeNodes, err = meter.Int64UpDownCounter("imager_dag_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		e.execLatency, err = meter.Float64Histogram("imager_dag_execution_duration_seconds",
			metric.WithDescription("Total graph execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "execution_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some DAG metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// completion is sent by a worker when its node finishes.
type completion struct {
	name     string
	output   any
	err      error
	duration time.Duration
}

// run is the scheduler bookkeeping of one Execute call.
type run struct {
	state     *State
	required  map[string]bool
	targets   map[string]bool
	pending   map[string]int // unfinished distinct deps
	consumers map[string]int // distinct consumers yet to finish
	remaining int
}

// Execute evaluates the requested targets.
//
// Description:
//
//	Only ancestors of the targets are evaluated, stopping at nodes whose
//	output is already memoized. A failed node marks all of its required
//	dependents UpstreamFailed; independent targets still complete. Context
//	cancellation stops dispatch, marks unfinished nodes Cancelled and
//	returns ctx.Err().
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	targets - Node keys to evaluate. Duplicates are ignored.
//
// Outputs:
//
//	*Result - Outputs of successful targets and per-node statuses. Always
//	non-nil once the targets were validated.
//	error - *ExecutionError with one entry per failed target, ctx.Err() on
//	cancellation, or a validation error.
func (e *Executor) Execute(ctx context.Context, targets ...string) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	r := &run{
		targets:   make(map[string]bool, len(targets)),
		required:  make(map[string]bool),
		pending:   make(map[string]int),
		consumers: make(map[string]int),
	}
	for _, t := range targets {
		if _, ok := e.dag.GetNode(t); !ok {
			return nil, NewNodeError(t, "", ErrNodeNotFound)
		}
		r.targets[t] = true
	}

	e.initMetrics()

	ctx, span := tracer.Start(ctx, "dag.Execute",
		trace.WithAttributes(
			attribute.String("dag.name", e.dag.Name()),
			attribute.Int("dag.node_count", e.dag.NodeCount()),
			attribute.Int("dag.targets", len(r.targets)),
			attribute.Int("dag.workers", e.workers),
		),
	)
	defer span.End()

	start := time.Now()
	sessionID := uuid.NewString()[:12] // 48 bits of entropy
	r.state = NewState(sessionID)

	cached := e.plan(r)

	e.logger.Info("execution started",
		slog.String("dag", e.dag.Name()),
		slog.String("session_id", sessionID),
		slog.Int("required", len(r.required)),
		slog.Int("cached", cached),
		slog.Int("workers", e.workers),
	)

	err := e.schedule(ctx, r)
	result := e.buildResult(r, start)

	if e.execLatency != nil {
		e.execLatency.Record(ctx, result.Duration.Seconds(),
			metric.WithAttributes(attribute.String("dag", e.dag.Name())),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("execution cancelled",
			slog.String("session_id", sessionID),
			slog.Duration("duration", result.Duration),
			slog.String("error", err.Error()),
		)
		return result, err
	}

	if !result.Success {
		execErr := e.failures(r)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		e.logger.Error("execution failed",
			slog.String("session_id", sessionID),
			slog.Int("failed_targets", len(execErr.Failures)),
			slog.String("error", execErr.Error()),
		)
		return result, execErr
	}

	span.SetStatus(codes.Ok, "")
	e.logger.Info("execution completed",
		slog.String("session_id", sessionID),
		slog.Duration("duration", result.Duration),
		slog.Int("nodes_executed", result.NodesExecuted),
		slog.Int("nodes_cached", result.NodesCached),
	)
	return result, nil
}

// plan walks back from the targets, marking required nodes and seeding
// memoized outputs. It returns the number of memo hits.
func (e *Executor) plan(r *run) int {
	hits := 0
	var visit func(name string)
	visit = func(name string) {
		if r.required[name] {
			return
		}
		r.required[name] = true
		if e.memo != nil {
			if v, ok := e.memo.Get(name); ok {
				r.state.SetCompleted(name, v, NodeStatusCached, 0)
				hits++
				return
			}
		}
		for _, dep := range e.dag.GetDependencies(name) {
			visit(dep)
		}
	}
	for _, t := range sortedKeys(r.targets) {
		visit(t)
	}

	for name := range r.required {
		if r.state.GetStatus(name) == NodeStatusCached {
			continue
		}
		r.remaining++
		for _, dep := range distinct(e.dag.GetDependencies(name)) {
			r.consumers[dep]++
			if r.state.GetStatus(dep) != NodeStatusCached {
				r.pending[name]++
			}
		}
	}
	return hits
}

// schedule dispatches ready nodes until every required node is terminal.
func (e *Executor) schedule(ctx context.Context, r *run) error {
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	done := make(chan completion, len(r.required))

	var ready []string
	for name := range r.required {
		if r.state.GetStatus(name) == NodeStatusPending && r.pending[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	running := 0
	for r.remaining > 0 {
		for len(ready) > 0 && ctx.Err() == nil {
			name := ready[0]
			ready = ready[1:]
			node, _ := e.dag.GetNode(name)
			inputs := make([]any, 0, len(node.Dependencies()))
			for _, dep := range node.Dependencies() {
				v, _ := r.state.GetOutput(dep)
				inputs = append(inputs, v)
			}
			r.state.SetStatus(name, NodeStatusRunning)
			running++
			g.Go(func() error {
				start := time.Now()
				out, err := e.executeNode(ctx, node, inputs, r.state.SessionID)
				done <- completion{name: name, output: out, err: err, duration: time.Since(start)}
				return nil
			})
		}

		if running == 0 {
			break
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			close(done)
			for c := range done {
				if c.err != nil {
					r.state.SetStatus(c.name, NodeStatusCancelled)
					continue
				}
				e.finish(r, c, nil)
			}
			e.cancelRest(r)
			return ctx.Err()
		case c := <-done:
			running--
			if c.err != nil && ctx.Err() != nil {
				r.state.SetStatus(c.name, NodeStatusCancelled)
				continue
			}
			ready = e.finish(r, c, ready)
		}
	}

	_ = g.Wait()
	if ctx.Err() != nil {
		e.cancelRest(r)
		return ctx.Err()
	}
	return nil
}

// finish records a completion, propagates failure and releases inputs.
// It returns the updated ready queue.
func (e *Executor) finish(r *run, c completion, ready []string) []string {
	node, _ := e.dag.GetNode(c.name)
	r.remaining--

	if c.err != nil {
		r.state.SetFailed(c.name, c.err, c.duration)
		e.propagateFailure(r, c.name)
	} else {
		r.state.SetCompleted(c.name, c.output, NodeStatusCompleted, c.duration)
		if e.memo != nil && e.dag.Retained(c.name) {
			e.memo.Put(c.name, c.output)
		}
		var next []string
		for _, dep := range e.dag.Dependents(c.name) {
			if !r.required[dep] || r.state.GetStatus(dep) != NodeStatusPending {
				continue
			}
			r.pending[dep]--
			if r.pending[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}

	e.consume(r, node)
	return ready
}

// consume decrements the consumer count of each input of node and releases
// outputs nobody else needs.
func (e *Executor) consume(r *run, node Node) {
	for _, dep := range distinct(node.Dependencies()) {
		r.consumers[dep]--
		if r.consumers[dep] > 0 || r.targets[dep] || e.dag.Retained(dep) {
			continue
		}
		r.state.Release(dep)
	}
}

// propagateFailure marks the required dependents of a failed node.
func (e *Executor) propagateFailure(r *run, name string) {
	for _, dep := range e.dag.Dependents(name) {
		if !r.required[dep] || r.state.GetStatus(dep) != NodeStatusPending {
			continue
		}
		r.state.SetStatus(dep, NodeStatusUpstreamFailed)
		r.remaining--
		node, _ := e.dag.GetNode(dep)
		e.consume(r, node)
		e.propagateFailure(r, dep)
	}
}

// cancelRest marks every unfinished required node Cancelled.
func (e *Executor) cancelRest(r *run) {
	for name := range r.required {
		if !r.state.GetStatus(name).Done() {
			r.state.SetStatus(name, NodeStatusCancelled)
		}
	}
	r.remaining = 0
}

// executeNode runs a single node with observability.
func (e *Executor) executeNode(ctx context.Context, node Node, inputs []any, sessionID string) (output any, err error) {
	ctx, span := tracer.Start(ctx, "dag.Node",
		trace.WithAttributes(
			attribute.String("dag.node", node.Name()),
			attribute.String("dag.op", node.Op()),
			attribute.Int("dag.inputs", len(inputs)),
			attribute.String("dag.session_id", sessionID),
		),
	)
	defer span.End()

	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1)
		defer e.activeNodes.Add(ctx, -1)
	}

	e.logger.Debug("node starting",
		slog.String("node", short(node.Name())),
		slog.String("op", node.Op()),
		slog.String("session_id", sessionID),
	)

	nodeCtx := ctx
	if timeout := node.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%w: %v", ErrNodePanic, rec)
			}
		}()
		output, err = node.Execute(nodeCtx, inputs)
	}()
	duration := time.Since(start)

	opAttr := metric.WithAttributes(attribute.String("op", node.Op()))
	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(), opAttr)
	}

	if err != nil {
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", ErrNodeTimeout, err)
		}
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, opAttr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		e.logger.Error("node failed",
			slog.String("node", short(node.Name())),
			slog.String("op", node.Op()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return nil, NewNodeError(node.Name(), node.Op(), err)
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1, opAttr)
	}
	span.SetStatus(codes.Ok, "")

	e.logger.Debug("node completed",
		slog.String("node", short(node.Name())),
		slog.String("op", node.Op()),
		slog.Duration("duration", duration),
	)
	return output, nil
}

// failures builds the per-target error record.
func (e *Executor) failures(r *run) *ExecutionError {
	out := &ExecutionError{}
	for _, t := range sortedKeys(r.targets) {
		switch r.state.GetStatus(t) {
		case NodeStatusFailed:
			out.Failures = append(out.Failures, TargetFailure{Target: t, Node: t, Err: r.state.GetError(t)})
		case NodeStatusUpstreamFailed:
			root := e.rootFailure(r, t)
			err := r.state.GetError(root)
			if err == nil {
				err = NewNodeError(t, "", ErrUpstreamFailed)
			}
			out.Failures = append(out.Failures, TargetFailure{Target: t, Node: root, Err: err})
		}
	}
	return out
}

// rootFailure returns the lexicographically smallest failed ancestor.
func (e *Executor) rootFailure(r *run, target string) string {
	seen := make(map[string]bool)
	best := ""
	var walk func(name string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if r.state.GetStatus(name) == NodeStatusFailed {
			if best == "" || name < best {
				best = name
			}
			return
		}
		for _, dep := range e.dag.GetDependencies(name) {
			walk(dep)
		}
	}
	walk(target)
	return best
}

// buildResult creates a Result from the execution state.
func (e *Executor) buildResult(r *run, start time.Time) *Result {
	result := &Result{
		Success:       true,
		SessionID:     r.state.SessionID,
		Duration:      time.Since(start),
		NodesExecuted: r.state.Count(NodeStatusCompleted),
		NodesCached:   r.state.Count(NodeStatusCached),
		Outputs:       make(map[string]any, len(r.targets)),
		Statuses:      r.state.Statuses(),
		NodeDurations: r.state.Durations(),
		Held:          r.state.Held(),
	}
	for t := range r.targets {
		status := r.state.GetStatus(t)
		if status != NodeStatusCompleted && status != NodeStatusCached {
			result.Success = false
			continue
		}
		v, _ := r.state.GetOutput(t)
		result.Outputs[t] = v
	}
	return result
}

func distinct(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
