package psf

import (
	"fmt"
	"log/slog"
	"math"
)

// SolverParams holds the tuning constants of the containment radius solver.
// The defaults are empirically chosen; they are surfaced here rather than
// hard-coded so they can be adjusted per analysis.
type SolverParams struct {
	// MaxIterations bounds the iterative search.
	MaxIterations int

	// ToleranceDivisor sets the convergence tolerance to
	// detectedPhotons / ToleranceDivisor.
	ToleranceDivisor float64

	// InitialRadiusFactor sets the iterative starting radius as a multiple
	// of the radial sigma.
	InitialRadiusFactor float64

	// CoarseScanStep and FineScanStep set the fallback scan step sizes as
	// fractions of the radial sigma.
	CoarseScanStep float64
	FineScanStep   float64

	// ScanRangeFactor bounds the fallback scan at a multiple of the radial
	// sigma.
	ScanRangeFactor float64
}

// DefaultSolverParams returns the parameter values used by the reference
// analysis.
func DefaultSolverParams() SolverParams {
	return SolverParams{
		MaxIterations:       1000,
		ToleranceDivisor:    1000,
		InitialRadiusFactor: 1.5,
		CoarseScanStep:      0.1,
		FineScanStep:        0.005,
		ScanRangeFactor:     4,
	}
}

// findDiameter computes the containment diameter in cm for the given
// fraction. It tries the iterative solver first and falls back to a two-pass
// bracket scan when the iteration budget is exhausted.
func (im *Image) findDiameter(fraction float64) (float64, error) {
	if im.sample == nil {
		return 0, fmt.Errorf("%w: image has no photon positions", ErrPSFNotFound)
	}

	detected := float64(im.sample.Detected())

	// Full containment is bounded by the outermost photon.
	if fraction >= 1 {
		return 2 * im.radii[len(im.radii)-1], nil
	}

	target := fraction * detected
	tolerance := detected / im.params.ToleranceDivisor

	radius := im.params.InitialRadiusFactor * im.radiusSigma
	count := im.countWithin(radius)

	if count > 0 {
		scale := 0.5 * math.Sqrt(radius*radius/float64(count))
		delta := float64(count) - target

		for iter := 0; iter < im.params.MaxIterations; iter++ {
			dr := -delta * scale / math.Sqrt(target)
			for radius+dr < 0 {
				dr *= 0.5
			}
			radius += dr
			delta = float64(im.countWithin(radius)) - target

			if math.Abs(delta) < tolerance {
				return 2 * radius, nil
			}
		}
	}

	im.logger.Warn("containment radius iteration did not converge, scanning",
		slog.Float64("fraction", fraction))

	radius, err := im.findRadiusByScanning(target)
	if err != nil {
		return 0, err
	}
	return 2 * radius, nil
}

// findRadiusByScanning brackets the containment radius with a coarse scan
// over [0, ScanRangeFactor*sigma] and refines the bracket with a fine scan.
func (im *Image) findRadiusByScanning(target float64) (float64, error) {
	// A zero radial spread leaves a zero step and a zero scan range, so no
	// bracket can exist.
	if im.radiusSigma == 0 {
		return 0, fmt.Errorf("%w: zero radial spread", ErrPSFNotFound)
	}

	scan := func(dr, radMin, radMax float64) (mid, r0, r1 float64, ok bool) {
		r0, r1 = radMin, radMin+dr
		for {
			s0, s1 := im.countWithin(r0), im.countWithin(r1)
			if float64(s0) < target && target <= float64(s1) {
				return (r0 + r1) / 2, r0, r1, true
			}
			if r1 > radMax {
				return 0, radMin, radMax, false
			}
			r0 += dr
			r1 += dr
		}
	}

	_, radMin, radMax, ok := scan(im.params.CoarseScanStep*im.radiusSigma, 0, im.params.ScanRangeFactor*im.radiusSigma)
	if !ok {
		return 0, fmt.Errorf("%w: no bracket within %g sigma", ErrPSFNotFound, im.params.ScanRangeFactor)
	}

	radius, _, _, ok := scan(im.params.FineScanStep*im.radiusSigma, radMin, radMax)
	if !ok {
		return 0, fmt.Errorf("%w: bracket refinement failed", ErrPSFNotFound)
	}
	return radius, nil
}
