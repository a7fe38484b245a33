// Package psf computes point-spread-function metrics from 2D photon
// position samples: containment diameters, centroids, effective areas and
// cumulative containment curves.
package psf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/telescope-sims/raytrace/internal/photons"
)

var (
	// ErrUnitUnavailable is returned when a PSF is requested in degrees
	// without a focal length having been supplied.
	ErrUnitUnavailable = errors.New("unit unavailable without focal length")

	// ErrPSFNotFound is returned when neither the iterative solver nor the
	// scanning fallback converge on a containment radius.
	ErrPSFNotFound = errors.New("containment radius not found")
)

// Unit selects the unit in which a containment diameter is reported.
type Unit string

const (
	UnitCentimeter Unit = "cm"
	UnitDegree     Unit = "deg"
)

// Points on the default cumulative-curve radius grid, spanning 0 to 1.6
// times the 80% containment diameter.
const cumulativePoints = 30

// WithFocalLength sets the focal length in cm, enabling results in degrees.
func WithFocalLength(focalLength float64) func(*Image) {
	return func(im *Image) {
		if focalLength > 0 {
			im.cmToDeg = 180.0 / math.Pi / focalLength
		}
	}
}

// WithSolverParams overrides the containment solver parameters.
func WithSolverParams(params SolverParams) func(*Image) {
	return func(im *Image) {
		im.params = params
	}
}

// WithLogger sets the logger for the image.
func WithLogger(logger *slog.Logger) func(*Image) {
	return func(im *Image) {
		im.logger = logger
	}
}

// Image is a PSF image composed of a list of 2D photon positions. It is
// immutable once built; containment diameters are memoized per fraction.
type Image struct {
	sample *photons.Sample

	centroidX, centroidY float64
	radii                []float64 // distances from centroid, ascending
	radiusSigma          float64
	effectiveArea        float64

	cmToDeg float64 // 0 when no focal length is known
	params  SolverParams
	stored  map[float64]float64

	logger *slog.Logger
}

func newImage(options ...func(*Image)) *Image {
	im := Image{
		params: DefaultSolverParams(),
		stored: make(map[float64]float64),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&im)
	}

	return &im
}

// NewImage builds an Image from a photon sample. The centroid, the sorted
// radial distances and the effective area are computed once up front.
func NewImage(sample *photons.Sample, options ...func(*Image)) (*Image, error) {
	if err := sample.Validate(); err != nil {
		return nil, err
	}

	im := newImage(options...)
	im.sample = sample
	im.centroidX = stat.Mean(sample.X, nil)
	im.centroidY = stat.Mean(sample.Y, nil)

	im.radii = make([]float64, len(sample.X))
	for i := range sample.X {
		dx := sample.X[i] - im.centroidX
		dy := sample.Y[i] - im.centroidY
		im.radii[i] = math.Hypot(dx, dy)
	}
	sort.Float64s(im.radii)

	xVar := stat.PopVariance(sample.X, nil)
	yVar := stat.PopVariance(sample.Y, nil)
	im.radiusSigma = math.Sqrt(xVar + yVar)

	if sample.TotalPhotons > 0 {
		im.effectiveArea = float64(sample.Detected()) / float64(sample.TotalPhotons) * sample.TotalScatteredArea
	}

	return im, nil
}

// Summary carries the per-image quantities reported by the external rx tool
// for a single containment fraction.
type Summary struct {
	Fraction      float64
	DiameterCm    float64
	CentroidX     float64
	CentroidY     float64
	EffectiveArea float64
}

// NewImageFromSummary builds an Image from an rx tool summary instead of a
// photon list. The containment diameter for the summary fraction is pre-set,
// so callers are agnostic to which path produced the image. Diameters for
// other fractions and the cumulative curve are not available on this path.
func NewImageFromSummary(sum Summary, options ...func(*Image)) *Image {
	im := newImage(options...)
	im.centroidX = sum.CentroidX
	im.centroidY = sum.CentroidY
	im.effectiveArea = sum.EffectiveArea
	im.stored[sum.Fraction] = sum.DiameterCm
	return im
}

// Centroid returns the mean photon position in cm.
func (im *Image) Centroid() (x, y float64) {
	return im.centroidX, im.centroidY
}

// DetectedPhotons returns the number of photons in the image.
func (im *Image) DetectedPhotons() int {
	if im.sample == nil {
		return 0
	}
	return im.sample.Detected()
}

// EffectiveArea returns the effective collection area in cm^2, scaled by the
// given transmission factor in [0, 1].
func (im *Image) EffectiveArea(transmission float64) float64 {
	return im.effectiveArea * transmission
}

// PSF returns the diameter of the circle containing the given fraction of
// the light, in the requested unit. Results are memoized per fraction; a
// repeated call never re-invokes the solver.
func (im *Image) PSF(fraction float64, unit Unit) (float64, error) {
	if unit == UnitDegree && im.cmToDeg == 0 {
		return 0, fmt.Errorf("%w: PSF in deg requested", ErrUnitUnavailable)
	}

	diameter, ok := im.stored[fraction]
	if !ok {
		var err error
		if diameter, err = im.findDiameter(fraction); err != nil {
			return 0, err
		}
		im.stored[fraction] = diameter
	}

	if unit == UnitDegree {
		return diameter * im.cmToDeg, nil
	}
	return diameter, nil
}

// SetPSF pre-sets the containment diameter in cm for a fraction, bypassing
// the solver.
func (im *Image) SetPSF(fraction, diameterCm float64) {
	im.stored[fraction] = diameterCm
}

// CumulativePoint is one point of the cumulative containment curve.
type CumulativePoint struct {
	RadiusCm  float64
	Contained float64
}

// CumulativeCurve returns the fraction of contained light for each radius in
// radii. The curve is monotonically non-decreasing and bounded in [0, 1].
// When radii is nil, a default grid of 30 points spanning 0 to 1.6 times the
// 80% containment diameter is used.
func (im *Image) CumulativeCurve(radii []float64) ([]CumulativePoint, error) {
	if im.sample == nil {
		return nil, fmt.Errorf("%w: image has no photon positions", ErrPSFNotFound)
	}

	if radii == nil {
		d80, err := im.PSF(0.8, UnitCentimeter)
		if err != nil {
			return nil, err
		}
		radii = make([]float64, cumulativePoints)
		step := 1.6 * d80 / float64(cumulativePoints-1)
		for i := range radii {
			radii[i] = float64(i) * step
		}
	}

	detected := float64(im.sample.Detected())
	curve := make([]CumulativePoint, len(radii))
	for i, r := range radii {
		curve[i] = CumulativePoint{
			RadiusCm:  r,
			Contained: float64(im.countWithin(r)) / detected,
		}
	}
	return curve, nil
}

// Data returns the photon positions in cm. With centralized set, the
// centroid is subtracted so the image is centered on (0, 0).
func (im *Image) Data(centralized bool) (x, y []float64) {
	if im.sample == nil {
		return nil, nil
	}

	x = make([]float64, len(im.sample.X))
	y = make([]float64, len(im.sample.Y))
	copy(x, im.sample.X)
	copy(y, im.sample.Y)

	if centralized {
		for i := range x {
			x[i] -= im.centroidX
			y[i] -= im.centroidY
		}
	}
	return x, y
}

// countWithin returns the number of photons strictly inside the given radius
// of the centroid, as a rank lookup on the sorted radii.
func (im *Image) countWithin(radius float64) int {
	return sort.SearchFloat64s(im.radii, radius)
}
