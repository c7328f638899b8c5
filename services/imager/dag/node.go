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
	"fmt"
	"sort"
	"time"
)

// Func is the signature of a node computation.
type Func func(ctx context.Context, inputs []any) (any, error)

// BaseNode provides a partial implementation of the Node interface.
//
// Description:
//
//	BaseNode implements the common parts of Node (key, op, dependencies,
//	timeout, retention). Embed this in concrete node implementations and
//	override Execute.
//
// Example:
//
//	type GridNode struct {
//	    dag.BaseNode
//	    geom image.Geometry
//	}
//
//	func (n *GridNode) Execute(ctx context.Context, inputs []any) (any, error) {
//	    // implementation
//	}
type BaseNode struct {
	NodeName         string
	NodeOp           string
	NodeDependencies []string
	NodeTimeout      time.Duration
	NodeRetain       bool
}

// Name returns the node's content key.
func (n *BaseNode) Name() string {
	return n.NodeName
}

// Op returns the operation label.
func (n *BaseNode) Op() string {
	return n.NodeOp
}

// Dependencies returns the keys of nodes that must complete first.
func (n *BaseNode) Dependencies() []string {
	if n.NodeDependencies == nil {
		return []string{}
	}
	return n.NodeDependencies
}

// Timeout returns the maximum execution time for this node.
func (n *BaseNode) Timeout() time.Duration {
	return n.NodeTimeout
}

// Retain reports whether the output outlives its consumers.
func (n *BaseNode) Retain() bool {
	return n.NodeRetain
}

// Execute returns an error if called directly.
// Concrete implementations must override this method.
func (n *BaseNode) Execute(_ context.Context, _ []any) (any, error) {
	return nil, fmt.Errorf("%w: BaseNode.Execute must be overridden by concrete implementation", ErrInvalidInput)
}

// FuncNode wraps a function as a Node.
//
// Example:
//
//	node := dag.NewFuncNode(key, "zero", []string{vis}, func(ctx context.Context, in []any) (any, error) {
//	    return visibility.Zero(in[0].(*visibility.Visibility)), nil
//	})
type FuncNode struct {
	BaseNode
	fn Func
}

// NewFuncNode creates a node from a function.
//
// Inputs:
//
//	name - The node key.
//	op - The operation label.
//	deps - Dependency node keys, in argument order.
//	fn - The function to execute.
//
// Outputs:
//
//	*FuncNode - The function node.
func NewFuncNode(name, op string, deps []string, fn Func) *FuncNode {
	return &FuncNode{
		BaseNode: BaseNode{
			NodeName:         name,
			NodeOp:           op,
			NodeDependencies: deps,
		},
		fn: fn,
	}
}

// WithTimeout sets the node timeout.
func (n *FuncNode) WithTimeout(timeout time.Duration) *FuncNode {
	n.NodeTimeout = timeout
	return n
}

// WithRetain marks the output as retained.
func (n *FuncNode) WithRetain() *FuncNode {
	n.NodeRetain = true
	return n
}

// Execute runs the wrapped function.
func (n *FuncNode) Execute(ctx context.Context, inputs []any) (any, error) {
	if n.fn == nil {
		return nil, fmt.Errorf("%w: nil function", ErrInvalidInput)
	}
	return n.fn(ctx, inputs)
}

// valueNode injects an existing value into the graph.
type valueNode struct {
	BaseNode
	value any
}

func (n *valueNode) Execute(_ context.Context, _ []any) (any, error) {
	return n.value, nil
}

// Builder constructs a DAG with validation.
//
// Description:
//
//	Builder is memoizing: adding a node whose key already exists is a
//	no-op when the operations agree, so building the same request twice
//	yields one node. Errors are accumulated and reported by Build, which
//	rejects dangling dependencies and cycles without returning a partial
//	graph.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the DAG in a single goroutine.
//
// Example:
//
//	b := dag.NewBuilder("cycle-0")
//	vis := b.Anchor("vis", v.Fingerprint(), v)
//	zero := b.Add("zero", nil, zeroFn, vis)
//	d, err := b.Build()
type Builder struct {
	name     string
	nodes    map[string]Node
	order    []string
	retained map[string]bool
	errors   []error
}

// NewBuilder creates a new DAG builder.
//
// Inputs:
//
//	name - The name for the DAG (used in logging/metrics).
//
// Outputs:
//
//	*Builder - The builder instance.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		nodes:    make(map[string]Node),
		retained: make(map[string]bool),
		errors:   make([]error, 0),
	}
}

// AddNode adds a node to the DAG.
//
// Description:
//
//	A node whose key is already present is collapsed into the existing one
//	when both report the same Op; the first node wins. A different Op under
//	the same key records ErrDuplicateNode.
//
// Inputs:
//
//	node - The node to add. Must not be nil.
//
// Outputs:
//
//	*Builder - The builder for chaining.
func (b *Builder) AddNode(node Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}

	name := node.Name()
	if existing, exists := b.nodes[name]; exists {
		if existing.Op() != node.Op() {
			b.errors = append(b.errors, NewNodeError(name, node.Op(), ErrDuplicateNode))
		}
		return b
	}

	b.nodes[name] = node
	b.order = append(b.order, name)
	return b
}

// Add creates a FuncNode keyed by (op, deps, params) and adds it.
//
// Outputs:
//
//	string - The node key, or "" if params could not be encoded (the
//	error is reported by Build).
func (b *Builder) Add(op string, params any, fn Func, deps ...string) string {
	key, err := ComputeKey(op, deps, params)
	if err != nil {
		b.errors = append(b.errors, fmt.Errorf("%w: %s params: %v", ErrInvalidInput, op, err))
		return ""
	}
	b.AddNode(NewFuncNode(key, op, deps, fn))
	return key
}

// Anchor adds a value that enters the graph from outside.
//
// Description:
//
//	The key depends only on op and fingerprint, so anchoring equal content
//	twice yields one node. Anchors are always retained.
func (b *Builder) Anchor(op, fingerprint string, value any) string {
	key := AnchorKey(op, fingerprint)
	b.AddNode(&valueNode{
		BaseNode: BaseNode{NodeName: key, NodeOp: op, NodeRetain: true},
		value:    value,
	})
	return key
}

// Preset adds a node under an existing key whose output is already known,
// such as a result carried over from a previous graph. Downstream keys are
// then identical to those of the graph that produced it.
func (b *Builder) Preset(key, op string, value any) string {
	b.AddNode(&valueNode{
		BaseNode: BaseNode{NodeName: key, NodeOp: op, NodeRetain: true},
		value:    value,
	})
	return key
}

// Retain marks a node's output as kept after execution and memoized.
func (b *Builder) Retain(key string) *Builder {
	b.retained[key] = true
	return b
}

// Has reports whether a key is present.
func (b *Builder) Has(key string) bool {
	_, ok := b.nodes[key]
	return ok
}

// Len returns the number of distinct nodes added so far.
func (b *Builder) Len() int {
	return len(b.nodes)
}

// Build validates and constructs the DAG.
//
// Description:
//
//	Validates that all dependencies exist and no cycles are present.
//	Returns an error if validation fails.
//
// Outputs:
//
//	*DAG - The constructed DAG.
//	error - Non-nil if validation fails.
func (b *Builder) Build() (*DAG, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("%w: empty graph", ErrInvalidInput)
	}

	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	adjList := make(map[string][]string, len(b.nodes))
	dependents := make(map[string][]string)
	edges := make([]Edge, 0)
	for _, name := range names {
		node := b.nodes[name]
		deps := node.Dependencies()
		seen := make(map[string]bool, len(deps))
		for _, dep := range deps {
			if _, exists := b.nodes[dep]; !exists {
				return nil, NewNodeError(name, node.Op(), fmt.Errorf("%w: dependency %s", ErrNodeNotFound, short(dep)))
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			edges = append(edges, Edge{From: dep, To: name})
			dependents[dep] = append(dependents[dep], name)
		}
		adjList[name] = deps
	}

	if err := detectCycles(names, adjList); err != nil {
		return nil, err
	}

	retained := make(map[string]bool, len(b.retained))
	for key := range b.retained {
		if _, ok := b.nodes[key]; !ok {
			return nil, NewNodeError(key, "", fmt.Errorf("%w: retained key", ErrNodeNotFound))
		}
		retained[key] = true
	}

	return &DAG{
		name:       b.name,
		nodes:      b.nodes,
		edges:      edges,
		adjList:    adjList,
		dependents: dependents,
		names:      names,
		retained:   retained,
	}, nil
}

// detectCycles uses DFS to detect cycles in the graph. Nodes are visited
// in sorted order so the reported path is deterministic.
func detectCycles(names []string, adjList map[string][]string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adjList[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycleStart := 0
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				cyclePath := append(append([]string(nil), path[cycleStart:]...), dep)
				return NewCycleError(cyclePath)
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	for _, name := range names {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}

	return nil
}
