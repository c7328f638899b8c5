// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag provides the content-keyed task graph the imaging pipeline is
// expressed in.
//
// The framework provides:
//   - Node keys derived from operation, ordered inputs and parameters, so
//     equal requests collapse into one node
//   - Cycle and dangling-dependency rejection at build time
//   - Lazy, bounded-parallel execution of only what the targets need
//   - Failure isolation: a failed node fails only the targets above it
//   - Release of intermediate outputs after their last consumer
//   - Memoized reuse of retained outputs across executions
//   - Unified tracing and metrics via OpenTelemetry
//
// # Thread Safety
//
// A built DAG is immutable. Executor and Memo are safe for concurrent use.
//
// # Example
//
//	b := dag.NewBuilder("cycle-0")
//	vis := b.Anchor("vis", v.Fingerprint(), v)
//	psf := b.Add("invert", params, invertFn, vis)
//	d, err := b.Build()
//
//	exec, err := dag.NewExecutor(d, logger, dag.WithWorkers(8))
//	result, err := exec.Execute(ctx, psf)
package dag
