// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// majorCycles counts completed major cycles.
	majorCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imager",
		Name:      "major_cycles_total",
		Help:      "Total completed major cycles",
	})

	// minorIterations counts minor-cycle clean iterations.
	minorIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imager",
		Name:      "minor_iterations_total",
		Help:      "Total minor-cycle iterations",
	})

	// selfcalFallbacks counts solves replaced by identity gains.
	selfcalFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imager",
		Name:      "selfcal_fallbacks_total",
		Help:      "Gain solves that did not converge and fell back to identity gains",
	})

	// residualPeak is the peak absolute residual after the latest cycle.
	residualPeak = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imager",
		Name:      "residual_peak",
		Help:      "Peak absolute residual after the latest major cycle",
	})

	// stateTransitions counts controller state entries.
	// Labels: state
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imager",
		Name:      "state_transitions_total",
		Help:      "Controller state entries by state",
	}, []string{"state"})

	// cycleDuration measures wall time per major cycle.
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "imager",
		Name:      "cycle_duration_seconds",
		Help:      "Major cycle duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// divergences counts minor cycles stopped by the divergence guard.
	divergences = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imager",
		Name:      "minor_divergences_total",
		Help:      "Minor cycles stopped because the residual peak increased",
	})
)
