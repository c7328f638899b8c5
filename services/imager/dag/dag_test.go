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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNode is a simple test node that records execution.
type TestNode struct {
	BaseNode
	calls       atomic.Int32
	returnValue any
	returnError error
	delay       time.Duration
	panicWith   any
}

func NewTestNode(name string, deps ...string) *TestNode {
	return &TestNode{
		BaseNode: BaseNode{
			NodeName:         name,
			NodeOp:           "test",
			NodeDependencies: deps,
		},
		returnValue: name + "_output",
	}
}

func (n *TestNode) Execute(ctx context.Context, inputs []any) (any, error) {
	n.calls.Add(1)
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.panicWith != nil {
		panic(n.panicWith)
	}
	if n.returnError != nil {
		return nil, n.returnError
	}
	return n.returnValue, nil
}

func (n *TestNode) Calls() int { return int(n.calls.Load()) }

func (n *TestNode) WithError(err error) *TestNode {
	n.returnError = err
	return n
}

func (n *TestNode) WithDelay(d time.Duration) *TestNode {
	n.delay = d
	return n
}

func build(t *testing.T, nodes ...Node) *DAG {
	t.Helper()
	b := NewBuilder("test")
	for _, n := range nodes {
		b.AddNode(n)
	}
	d, err := b.Build()
	require.NoError(t, err)
	return d
}

func execute(t *testing.T, d *DAG, opts []ExecutorOption, targets ...string) (*Result, error) {
	t.Helper()
	exec, err := NewExecutor(d, nil, opts...)
	require.NoError(t, err)
	return exec.Execute(context.Background(), targets...)
}

func TestComputeKey(t *testing.T) {
	k1, err := ComputeKey("invert", []string{"a", "b"}, map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	k2, err := ComputeKey("invert", []string{"a", "b"}, map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "param map order must not matter")

	k3, _ := ComputeKey("invert", []string{"b", "a"}, map[string]any{"x": 1, "y": 2})
	assert.NotEqual(t, k1, k3, "input order is significant")

	k4, _ := ComputeKey("predict", []string{"a", "b"}, map[string]any{"x": 1, "y": 2})
	assert.NotEqual(t, k1, k4)

	// Length prefixing keeps ("ab","c") and ("a","bc") apart.
	k5, _ := ComputeKey("op", []string{"ab", "c"}, nil)
	k6, _ := ComputeKey("op", []string{"a", "bc"}, nil)
	assert.NotEqual(t, k5, k6)

	_, err = ComputeKey("op", nil, func() {})
	assert.Error(t, err)
}

func TestBuilder_MemoizesEqualRequests(t *testing.T) {
	b := NewBuilder("memo")
	vis := b.Anchor("vis", "fp", 1)
	assert.Equal(t, vis, b.Anchor("vis", "fp", 2))

	fn := func(_ context.Context, in []any) (any, error) { return in[0], nil }
	k1 := b.Add("zero", map[string]int{"n": 1}, fn, vis)
	k2 := b.Add("zero", map[string]int{"n": 1}, fn, vis)
	k3 := b.Add("zero", map[string]int{"n": 2}, fn, vis)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, 3, b.Len())

	d, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 3, d.NodeCount())
	assert.Equal(t, map[string]int{"vis": 1, "zero": 2}, d.OpCounts())
}

func TestBuilder_DuplicateKeyDifferentOp(t *testing.T) {
	a := NewTestNode("same")
	b := NewTestNode("same")
	b.NodeOp = "other"

	_, err := NewBuilder("dup").AddNode(a).AddNode(b).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestBuilder_MissingDependency(t *testing.T) {
	_, err := NewBuilder("missing").AddNode(NewTestNode("a", "ghost")).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "a", nodeErr.NodeName)
}

func TestBuilder_CycleRejected(t *testing.T) {
	_, err := NewBuilder("cycle").
		AddNode(NewTestNode("a", "c")).
		AddNode(NewTestNode("b", "a")).
		AddNode(NewTestNode("c", "b")).
		AddNode(NewTestNode("d")).
		Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycleErr.Path)
}

func TestBuilder_SelfLoop(t *testing.T) {
	_, err := NewBuilder("self").AddNode(NewTestNode("a", "a")).Build()
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuilder_EmptyAndNil(t *testing.T) {
	_, err := NewBuilder("empty").Build()
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewBuilder("nil").AddNode(nil).Build()
	assert.ErrorIs(t, err, ErrNilNode)

	_, err = NewBuilder("retain").AddNode(NewTestNode("a")).Retain("ghost").Build()
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestExecutor_OrderedInputs(t *testing.T) {
	b := NewBuilder("inputs")
	x := b.Anchor("value", "x", 3.0)
	y := b.Anchor("value", "y", 4.0)
	diff := b.Add("sub", nil, func(_ context.Context, in []any) (any, error) {
		return in[0].(float64) - in[1].(float64), nil
	}, x, y)
	square := b.Add("mul", nil, func(_ context.Context, in []any) (any, error) {
		return in[0].(float64) * in[1].(float64), nil
	}, diff, diff)
	d, err := b.Build()
	require.NoError(t, err)

	result, err := execute(t, d, nil, square, diff)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, -1.0, result.Outputs[diff])
	assert.Equal(t, 1.0, result.Outputs[square])
}

func TestExecutor_OnlyAncestorsRun(t *testing.T) {
	a := NewTestNode("a")
	b := NewTestNode("b", "a")
	c := NewTestNode("c")
	d := build(t, a, b, c)

	result, err := execute(t, d, nil, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, 0, c.Calls())
	assert.Equal(t, 2, result.NodesExecuted)
	_, ok := result.Statuses["c"]
	assert.False(t, ok)
}

func TestExecutor_SharedNodeRunsOnce(t *testing.T) {
	root := NewTestNode("root")
	var nodes []Node
	nodes = append(nodes, root)
	targets := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("leaf%d", i)
		nodes = append(nodes, NewTestNode(name, "root"))
		targets = append(targets, name)
	}
	d := build(t, nodes...)

	result, err := execute(t, d, []ExecutorOption{WithWorkers(3)}, targets...)
	require.NoError(t, err)
	assert.Equal(t, 1, root.Calls())
	assert.Len(t, result.Outputs, 8)
}

func TestExecutor_FailureIsolation(t *testing.T) {
	boom := errors.New("boom")
	a := NewTestNode("a")
	bad := NewTestNode("bad", "a").WithError(boom)
	mid := NewTestNode("mid", "bad")
	t1 := NewTestNode("t1", "mid", "a")
	t2 := NewTestNode("t2", "a")
	d := build(t, a, bad, mid, t1, t2)

	result, err := execute(t, d, nil, "t1", "t2")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Len(t, execErr.Failures, 1)
	f := execErr.Failures[0]
	assert.Equal(t, "t1", f.Target)
	assert.Equal(t, "bad", f.Node)

	assert.False(t, result.Success)
	assert.Equal(t, "t2_output", result.Outputs["t2"])
	assert.Equal(t, NodeStatusFailed, result.Statuses["bad"])
	assert.Equal(t, NodeStatusUpstreamFailed, result.Statuses["mid"])
	assert.Equal(t, NodeStatusUpstreamFailed, result.Statuses["t1"])
	assert.Equal(t, 0, mid.Calls())
	assert.Equal(t, 0, t1.Calls())
}

func TestExecutor_OneFailurePerTarget(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a := NewTestNode("a").WithError(errA)
	b := NewTestNode("b").WithError(errB)
	top := NewTestNode("top", "b", "a")
	d := build(t, a, b, top)

	_, err := execute(t, d, nil, "top", "b")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Len(t, execErr.Failures, 2)

	byTarget, ok := execErr.Failed("top")
	require.True(t, ok)
	assert.Equal(t, "a", byTarget.Node, "smallest failed ancestor is reported")
	assert.ErrorIs(t, byTarget.Err, errA)

	direct, ok := execErr.Failed("b")
	require.True(t, ok)
	assert.Equal(t, "b", direct.Node)
	assert.Contains(t, execErr.Error(), "and 1 more")
}

func TestExecutor_PanicBecomesFailure(t *testing.T) {
	n := NewTestNode("p")
	n.panicWith = "kaboom"
	d := build(t, n)

	_, err := execute(t, d, nil, "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodePanic)
}

func TestExecutor_NodeTimeout(t *testing.T) {
	n := NewTestNode("slow").WithDelay(time.Second)
	n.NodeTimeout = 10 * time.Millisecond
	d := build(t, n)

	_, err := execute(t, d, nil, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeTimeout)
}

func TestExecutor_ReleasesConsumedOutputs(t *testing.T) {
	d := build(t,
		NewTestNode("a"),
		NewTestNode("b", "a"),
		NewTestNode("c", "b"),
		NewTestNode("d", "c", "b"),
	)

	result, err := execute(t, d, []ExecutorOption{WithWorkers(1)}, "d")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Held, "only the target is held at the end")
	assert.Equal(t, "d_output", result.Outputs["d"])
}

func TestExecutor_TargetsAndRetainedAreKept(t *testing.T) {
	b := NewBuilder("retain")
	b.AddNode(NewTestNode("a"))
	b.AddNode(NewTestNode("b", "a"))
	b.AddNode(NewTestNode("c", "b"))
	b.Retain("a")
	d, err := b.Build()
	require.NoError(t, err)

	result, err := execute(t, d, nil, "c", "b")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Held)
	assert.Equal(t, "b_output", result.Outputs["b"])
}

func TestExecutor_MemoReuse(t *testing.T) {
	a := NewTestNode("a")
	b := NewTestNode("b", "a")
	b.NodeRetain = true
	c := NewTestNode("c", "b")
	d := build(t, a, b, c)

	memo := NewMemo()
	_, err := execute(t, d, []ExecutorOption{WithMemo(memo)}, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, memo.Len())

	result, err := execute(t, d, []ExecutorOption{WithMemo(memo)}, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls(), "ancestors of a memo hit are not re-run")
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, 2, c.Calls())
	assert.Equal(t, NodeStatusCached, result.Statuses["b"])
	assert.Equal(t, 1, result.NodesCached)
	_, ok := result.Statuses["a"]
	assert.False(t, ok)

	memo.Forget("b")
	_, err = execute(t, d, []ExecutorOption{WithMemo(memo)}, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Calls())
}

func TestExecutor_CancellationMarksPending(t *testing.T) {
	slow := NewTestNode("slow").WithDelay(5 * time.Second)
	next := NewTestNode("next", "slow")
	d := build(t, slow, next)

	exec, err := NewExecutor(d, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := exec.Execute(ctx, "next")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, NodeStatusCancelled, result.Statuses["slow"])
	assert.Equal(t, NodeStatusCancelled, result.Statuses["next"])
	assert.Equal(t, 0, next.Calls())
}

func TestExecutor_WorkerBound(t *testing.T) {
	var active, peak atomic.Int32
	var mu sync.Mutex
	b := NewBuilder("bound")
	targets := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		key := b.Add("work", i, func(ctx context.Context, _ []any) (any, error) {
			n := active.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		})
		targets = append(targets, key)
	}
	d, err := b.Build()
	require.NoError(t, err)

	exec, err := NewExecutor(d, nil, WithWorkers(2))
	require.NoError(t, err)
	assert.Equal(t, 2, exec.Workers())

	_, err = exec.Execute(context.Background(), targets...)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_Validation(t *testing.T) {
	d := build(t, NewTestNode("a"))
	exec, err := NewExecutor(d, nil)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNoTargets)

	_, err = exec.Execute(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	//nolint:staticcheck // nil context is the case under test
	_, err = exec.Execute(nil, "a")
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = NewExecutor(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBuilder_PresetKeepsDownstreamKeys(t *testing.T) {
	fn := func(_ context.Context, in []any) (any, error) { return in[0].(int) + 1, nil }

	first := NewBuilder("first")
	seed := first.Anchor("value", "seed", 1)
	step := first.Add("inc", nil, fn, seed)
	next := first.Add("inc", nil, fn, step)

	second := NewBuilder("second")
	carried := second.Preset(step, "inc", 2)
	assert.Equal(t, next, second.Add("inc", nil, fn, carried))

	d, err := second.Build()
	require.NoError(t, err)
	result, err := execute(t, d, nil, next)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Outputs[next])
}
