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
	"sort"
	"sync"
	"time"
)

// Node is a single pure computation in the graph.
//
// Description:
//
//	Name is the node's content key. Dependencies are ordered: Execute
//	receives their outputs in the same order. Nodes must not mutate their
//	inputs; outputs are shared with every dependent.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Execute may be called
//	concurrently with other nodes.
type Node interface {
	// Name returns the unique content key of this node.
	Name() string

	// Op returns the operation label, used in logs and metrics.
	Op() string

	// Dependencies returns the keys whose outputs this node consumes.
	Dependencies() []string

	// Execute runs the node's logic on its dependency outputs.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//   inputs - Dependency outputs, in Dependencies() order.
	//
	// Outputs:
	//   any - The node's output, passed to dependent nodes.
	//   error - Non-nil on failure.
	Execute(ctx context.Context, inputs []any) (any, error)

	// Timeout returns the maximum execution time. Zero means no timeout.
	Timeout() time.Duration

	// Retain reports whether the output is kept after execution and
	// stored in the executor's memo.
	Retain() bool
}

// NodeStatus represents the execution status of a node.
type NodeStatus string

const (
	// NodeStatusPending indicates the node hasn't started.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates the node is executing.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusCompleted indicates successful completion.
	NodeStatusCompleted NodeStatus = "completed"

	// NodeStatusCached indicates the output came from the memo.
	NodeStatusCached NodeStatus = "cached"

	// NodeStatusFailed indicates the node itself failed.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusUpstreamFailed indicates a dependency failed, so the node
	// never ran.
	NodeStatusUpstreamFailed NodeStatus = "upstream_failed"

	// NodeStatusCancelled indicates execution stopped before the node ran.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Done reports whether the status is terminal.
func (s NodeStatus) Done() bool {
	switch s {
	case NodeStatusPending, NodeStatusRunning:
		return false
	default:
		return true
	}
}

// Edge represents a dependency relationship between nodes.
type Edge struct {
	// From is the dependency node key (must complete first).
	From string `json:"from"`

	// To is the dependent node key (waits for From).
	To string `json:"to"`
}

// DAG is a validated, immutable task graph.
type DAG struct {
	name       string
	nodes      map[string]Node
	edges      []Edge
	adjList    map[string][]string // node → dependencies
	dependents map[string][]string // node → distinct dependents
	names      []string            // sorted
	retained   map[string]bool
}

// Name returns the DAG's name.
func (d *DAG) Name() string {
	return d.name
}

// GetNode returns a node by key.
func (d *DAG) GetNode(name string) (Node, bool) {
	node, ok := d.nodes[name]
	return node, ok
}

// NodeCount returns the number of nodes.
func (d *DAG) NodeCount() int {
	return len(d.nodes)
}

// NodeNames returns all node keys in sorted order.
func (d *DAG) NodeNames() []string {
	return append([]string(nil), d.names...)
}

// Edges returns a copy of the edge list.
func (d *DAG) Edges() []Edge {
	return append([]Edge(nil), d.edges...)
}

// GetDependencies returns the dependency keys for a node.
func (d *DAG) GetDependencies(nodeName string) []string {
	return d.adjList[nodeName]
}

// Dependents returns the distinct nodes that consume nodeName.
func (d *DAG) Dependents(nodeName string) []string {
	return d.dependents[nodeName]
}

// Retained reports whether a node's output is kept after its consumers ran.
func (d *DAG) Retained(nodeName string) bool {
	if d.retained[nodeName] {
		return true
	}
	node, ok := d.nodes[nodeName]
	return ok && node.Retain()
}

// OpCounts returns the number of nodes per operation.
func (d *DAG) OpCounts() map[string]int {
	out := make(map[string]int)
	for _, n := range d.nodes {
		out[n.Op()]++
	}
	return out
}

// State is the executor's bookkeeping for one execution.
//
// Description:
//
//	State tracks node statuses, outputs still held, and failures. It is the
//	only mutable data shared between workers.
//
// Thread Safety:
//
//	State uses internal locking and is safe for concurrent access.
type State struct {
	mu sync.RWMutex

	// SessionID is the unique identifier for this execution.
	SessionID string

	// StartedAt is when execution began.
	StartedAt time.Time

	statuses  map[string]NodeStatus
	outputs   map[string]any
	errors    map[string]error
	durations map[string]time.Duration
}

// NewState creates a new execution state.
func NewState(sessionID string) *State {
	return &State{
		SessionID: sessionID,
		StartedAt: time.Now(),
		statuses:  make(map[string]NodeStatus),
		outputs:   make(map[string]any),
		errors:    make(map[string]error),
		durations: make(map[string]time.Duration),
	}
}

// SetCompleted marks a node as completed with its output.
func (s *State) SetCompleted(nodeName string, output any, status NodeStatus, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[nodeName] = status
	s.outputs[nodeName] = output
	if status == NodeStatusCompleted {
		s.durations[nodeName] = d
	}
}

// SetFailed marks a node as failed.
func (s *State) SetFailed(nodeName string, err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[nodeName] = NodeStatusFailed
	s.errors[nodeName] = err
	s.durations[nodeName] = d
}

// SetStatus sets the status of a node.
func (s *State) SetStatus(nodeName string, status NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[nodeName] = status
}

// GetStatus returns the status of a node.
func (s *State) GetStatus(nodeName string) NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[nodeName]
	if !ok {
		return NodeStatusPending
	}
	return status
}

// GetOutput returns the output of a completed node that has not been
// released.
func (s *State) GetOutput(nodeName string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	output, ok := s.outputs[nodeName]
	return output, ok
}

// GetError returns the error of a failed node.
func (s *State) GetError(nodeName string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errors[nodeName]
}

// Release drops a held output.
func (s *State) Release(nodeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outputs, nodeName)
}

// Held returns the number of outputs currently held.
func (s *State) Held() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outputs)
}

// Statuses returns a snapshot of all statuses.
func (s *State) Statuses() map[string]NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NodeStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

// Durations returns a snapshot of per-node execution times.
func (s *State) Durations() map[string]time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Duration, len(s.durations))
	for k, v := range s.durations {
		out[k] = v
	}
	return out
}

// Count returns the number of nodes with the given status.
func (s *State) Count(status NodeStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.statuses {
		if st == status {
			n++
		}
	}
	return n
}

// Result represents the outcome of an execution.
type Result struct {
	// Success indicates every target completed.
	Success bool `json:"success"`

	// SessionID is the execution session ID.
	SessionID string `json:"session_id"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`

	// NodesExecuted is the count of nodes that ran to completion.
	NodesExecuted int `json:"nodes_executed"`

	// NodesCached is the count of nodes served from the memo.
	NodesCached int `json:"nodes_cached"`

	// Held is the number of node outputs still referenced when execution
	// ended: targets, retained nodes and memo hits.
	Held int `json:"held"`

	// Outputs holds the output of each successful target.
	Outputs map[string]any `json:"-"`

	// Statuses holds the final status of every node the targets needed.
	Statuses map[string]NodeStatus `json:"statuses,omitempty"`

	// NodeDurations tracks execution time per node.
	NodeDurations map[string]time.Duration `json:"node_durations,omitempty"`
}

// Output returns the output of a target.
func (r *Result) Output(target string) (any, bool) {
	v, ok := r.Outputs[target]
	return v, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
