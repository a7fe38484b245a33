// Package raytracing drives PSF analyses over a matrix of telescope
// configurations: it requests photon lists from the external simulator,
// builds one PSF image per configuration and aggregates the derived image
// quality metrics into a results table.
package raytracing

import (
	"github.com/telescope-sims/raytrace/internal/psf"
)

// Default matrix parameters for a full-telescope analysis.
const (
	defaultZenithDeg        = 20.0
	defaultSourceDistanceKm = 10.0
	defaultOffAxisMaxDeg    = 3.0
	defaultOffAxisSteps     = 7

	defaultContainmentFraction = 0.8
)

// Key identifies one configuration of the analysis matrix.
type Key struct {
	OffAxisDeg       float64
	MirrorNumber     int // 0 outside single-mirror mode
	ZenithDeg        float64
	SourceDistanceKm float64
}

// Config holds the orchestrator configuration. Zero values are filled with
// the defaults of the reference analysis.
type Config struct {
	// FocalLengthCm converts containment diameters to degrees and must be
	// positive for an analysis to run.
	FocalLengthCm float64

	// MirrorFocalLengthCm sets the default source distance in single-mirror
	// mode (twice the mirror focal length).
	MirrorFocalLengthCm float64

	Transmission psf.TransmissionParams

	ZenithDeg        float64
	SourceDistanceKm float64
	OffAxisAngles    []float64

	SingleMirrorMode bool
	MirrorNumbers    []int

	// ContainmentFraction is the PSF fraction reported in the results
	// table (0.8, the canonical D80, when unset).
	ContainmentFraction float64

	// ResultsFile is the CSV file acting as the analysis cache.
	ResultsFile string

	// Workers bounds the analysis worker pool. The default of 1 keeps the
	// analysis sequential.
	Workers int

	Solver psf.SolverParams
}

const cmPerKm = 100_000

func (c *Config) applyDefaults() {
	if c.ZenithDeg == 0 && !c.SingleMirrorMode {
		c.ZenithDeg = defaultZenithDeg
	}
	if c.SourceDistanceKm == 0 {
		if c.SingleMirrorMode && c.MirrorFocalLengthCm > 0 {
			c.SourceDistanceKm = 2 * c.MirrorFocalLengthCm / cmPerKm
		} else {
			c.SourceDistanceKm = defaultSourceDistanceKm
		}
	}
	if len(c.OffAxisAngles) == 0 {
		if c.SingleMirrorMode {
			c.OffAxisAngles = []float64{0}
		} else {
			c.OffAxisAngles = linspace(0, defaultOffAxisMaxDeg, defaultOffAxisSteps)
		}
	}
	if c.SingleMirrorMode && len(c.MirrorNumbers) == 0 {
		c.MirrorNumbers = []int{1}
	}
	if c.ContainmentFraction == 0 {
		c.ContainmentFraction = defaultContainmentFraction
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Solver == (psf.SolverParams{}) {
		c.Solver = psf.DefaultSolverParams()
	}
	if c.Transmission == (psf.TransmissionParams{}) {
		c.Transmission = psf.DefaultTransmission
	}
}

// matrix returns the configuration keys in iteration order: off-axis angles
// outermost, mirror numbers innermost.
func (c *Config) matrix() []Key {
	mirrors := c.MirrorNumbers
	if !c.SingleMirrorMode {
		mirrors = []int{0}
	}

	keys := make([]Key, 0, len(c.OffAxisAngles)*len(mirrors))
	for _, offAxis := range c.OffAxisAngles {
		for _, mirror := range mirrors {
			keys = append(keys, Key{
				OffAxisDeg:       offAxis,
				MirrorNumber:     mirror,
				ZenithDeg:        c.ZenithDeg,
				SourceDistanceKm: c.SourceDistanceKm,
			})
		}
	}
	return keys
}

func linspace(start, stop float64, num int) []float64 {
	step := (stop - start) / float64(num-1)
	values := make([]float64, num)
	for i := range values {
		values[i] = start + float64(i)*step
	}
	return values
}
