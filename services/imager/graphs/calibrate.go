// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphs

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/reduce"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

// Solution is the output of a solve node.
type Solution struct {
	// Table holds the solved gains. For per-partition solving it is the
	// merge of the converged partition tables, for reporting only. Nil
	// when every solve fell back.
	Table *calibration.GainTable

	// Fallback is set when identity gains were used everywhere.
	Fallback bool

	// Solves and Fallbacks count solver calls and identity fallbacks.
	Solves    int
	Fallbacks int

	// Reason holds the last fallback error message.
	Reason string
}

type solveParams struct {
	Global bool               `json:"global"`
	Solver calibration.Solver `json:"solver"`
}

// solve runs the solver and turns non-convergence into an identity
// fallback.
func solve(ctx context.Context, fn func() (*calibration.GainTable, error)) (*Solution, error) {
	table, err := fn()
	switch {
	case err == nil:
		return &Solution{Table: table, Solves: 1}, nil
	case errors.Is(err, calibration.ErrNonConvergence):
		return &Solution{Fallback: true, Solves: 1, Fallbacks: 1, Reason: err.Error()}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, err
	}
}

// apply corrects v with a solution. A fallback leaves v unchanged.
func apply(v *visibility.Visibility, s *Solution) (*visibility.Visibility, error) {
	if v == nil {
		return nil, nil
	}
	if s == nil || s.Fallback || s.Table == nil {
		return v, nil
	}
	return calibration.Apply(v, s.Table, calibration.Correct)
}

// Calibrate solves gains from observed and model visibilities and applies
// the correction to the observed entries.
//
// Description:
//
//	With GlobalSolution every entry is divided by its model, the divided
//	entries are gathered, and one table is solved against a unit model
//	before being applied to each entry. Otherwise each entry is solved and
//	corrected on its own, and the partition tables are merged only for the
//	returned report. A solver that does not converge yields identity gains
//	for its scope.
//
// Outputs:
//
//	[]string - Corrected entries, aligned with obs.
//	string - Node yielding a *Solution.
func (p *Planner) Calibrate(obs, model []string) ([]string, string) {
	params := solveParams{Global: p.opts.GlobalSolution, Solver: p.opts.Solver}
	solver := p.opts.Solver
	if p.opts.GlobalSolution {
		divided := make([]string, len(obs))
		for i := range obs {
			divided[i] = p.add("divide_vis", nil, func(_ context.Context, in []any) (any, error) {
				o, m := visOf(in[0]), visOf(in[1])
				if o == nil || m == nil {
					return nil, nil
				}
				return visibility.Divide(o, m)
			}, obs[i], model[i])
		}
		gathered := p.GatherVis(divided)
		sol := p.add("solve_gains", params, func(ctx context.Context, in []any) (any, error) {
			v := visOf(in[0])
			if v == nil {
				return nil, fmt.Errorf("%w: no divided visibilities", calibration.ErrIncompatible)
			}
			return solve(ctx, func() (*calibration.GainTable, error) {
				return calibration.SolvePointEquivalent(ctx, solver, v)
			})
		}, gathered)

		corrected := make([]string, len(obs))
		for i := range obs {
			corrected[i] = p.add("apply_gains", nil, func(_ context.Context, in []any) (any, error) {
				s, _ := in[1].(*Solution)
				return apply(visOf(in[0]), s)
			}, obs[i], sol)
		}
		return corrected, sol
	}

	corrected := make([]string, len(obs))
	solutions := make([]string, len(obs))
	for i := range obs {
		solutions[i] = p.add("solve_gains", params, func(ctx context.Context, in []any) (any, error) {
			o, m := visOf(in[0]), visOf(in[1])
			if o == nil || m == nil {
				return (*Solution)(nil), nil
			}
			return solve(ctx, func() (*calibration.GainTable, error) {
				return solver.Solve(ctx, o, m)
			})
		}, obs[i], model[i])
		corrected[i] = p.add("apply_gains", nil, func(_ context.Context, in []any) (any, error) {
			s, _ := in[1].(*Solution)
			return apply(visOf(in[0]), s)
		}, obs[i], solutions[i])
	}

	merged := p.add("merge_gains", nil, func(_ context.Context, in []any) (any, error) {
		out := &Solution{}
		var tables []*calibration.GainTable
		for _, v := range in {
			s, _ := v.(*Solution)
			if s == nil {
				continue
			}
			out.Solves += s.Solves
			out.Fallbacks += s.Fallbacks
			if s.Fallback {
				out.Reason = s.Reason
				continue
			}
			tables = append(tables, s.Table)
		}
		if len(tables) == 0 {
			out.Fallback = true
			return out, nil
		}
		table, err := reduce.MergeGainTables(tables)
		if err != nil {
			return nil, err
		}
		out.Table = table
		return out, nil
	}, solutions...)
	return corrected, merged
}
