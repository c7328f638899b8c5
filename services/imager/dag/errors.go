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
	"errors"
	"fmt"
)

// Sentinel errors for the dag package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilNode is returned when a nil node is provided.
	ErrNilNode = errors.New("node must not be nil")

	// ErrDuplicateNode is returned when two different operations claim the
	// same key.
	ErrDuplicateNode = errors.New("node key claimed by a different operation")

	// ErrNodeNotFound is returned when a referenced node doesn't exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in DAG")

	// ErrNodeTimeout is returned when a node exceeds its timeout.
	ErrNodeTimeout = errors.New("node execution timed out")

	// ErrNodePanic is returned when a node panics.
	ErrNodePanic = errors.New("node panicked")

	// ErrUpstreamFailed marks a node that never ran because a dependency
	// failed.
	ErrUpstreamFailed = errors.New("upstream node failed")

	// ErrNoTargets is returned when Execute is called without targets.
	ErrNoTargets = errors.New("no targets requested")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// NodeError wraps an error with the node that caused it.
type NodeError struct {
	NodeName string
	Op       string
	Err      error
}

// Error returns the error message.
func (e *NodeError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("node %s (%s): %v", short(e.NodeName), e.Op, e.Err)
	}
	return fmt.Sprintf("node %s: %v", short(e.NodeName), e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a NodeError.
func NewNodeError(nodeName, op string, err error) *NodeError {
	return &NodeError{
		NodeName: nodeName,
		Op:       op,
		Err:      err,
	}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// Is makes errors.Is(err, ErrCycleDetected) true for cycle errors.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// TargetFailure records why one requested target did not complete.
type TargetFailure struct {
	// Target is the requested node key.
	Target string

	// Node is the failed ancestor (or the target itself) that caused it.
	Node string

	// Err is the root error, usually a *NodeError.
	Err error
}

// ExecutionError aggregates target failures from one execution.
//
// Description:
//
//	There is exactly one TargetFailure per failed target, sorted by target
//	key. Unwrap exposes every root error so errors.Is/As see them all.
type ExecutionError struct {
	Failures []TargetFailure
}

// Error reports the first failure and the count.
func (e *ExecutionError) Error() string {
	if len(e.Failures) == 0 {
		return "execution failed"
	}
	first := e.Failures[0]
	if len(e.Failures) == 1 {
		return fmt.Sprintf("target %s failed: %v", short(first.Target), first.Err)
	}
	return fmt.Sprintf("target %s failed: %v (and %d more)", short(first.Target), first.Err, len(e.Failures)-1)
}

// Unwrap returns the root errors.
func (e *ExecutionError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Failed reports whether target is among the failures.
func (e *ExecutionError) Failed(target string) (TargetFailure, bool) {
	for _, f := range e.Failures {
		if f.Target == target {
			return f, true
		}
	}
	return TargetFailure{}, false
}

// short trims a content key for messages.
func short(key string) string {
	if len(key) > 24 {
		return key[:24]
	}
	return key
}
