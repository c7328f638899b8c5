// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deconvolve

import "context"

// stepHalvings bounds how often a step that raises the residual peak is
// retried at half the amplitude before the plane is declared diverged.
const stepHalvings = 4

// hogbom cleans one plane with point components.
func hogbom(ctx context.Context, pl *plane, psf *psfPlane, p Params, level float64, onStep func(float64)) (StopReason, error) {
	saved := make([]float64, len(pl.residual))
	prev := peakOf(pl.residual)
	for it := 0; it < p.Niter; it++ {
		if it%64 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		if prev.abs <= level {
			return StopThreshold, nil
		}
		x, y := prev.idx%pl.nx, prev.idx/pl.nx
		amp := p.Gain * prev.value / psf.peak

		copy(saved, pl.residual)
		oldModel := pl.model[prev.idx]
		var next peak
		accepted := false
		for try := 0; try <= stepHalvings; try++ {
			pl.model[prev.idx] = oldModel + amp
			subtractShifted(pl.residual, pl.nx, pl.ny, psf.data, psf.nx, psf.ny, psf.cx, psf.cy, x, y, amp)
			next = peakOf(pl.residual)
			if next.abs <= prev.abs {
				accepted = true
				break
			}
			copy(pl.residual, saved)
			amp /= 2
		}
		if !accepted {
			pl.model[prev.idx] = oldModel
			return StopDiverged, nil
		}
		onStep(next.abs)
		prev = next
	}
	if prev.abs <= level {
		return StopThreshold, nil
	}
	return StopNiter, nil
}
