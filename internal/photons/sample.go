package photons

import "errors"

// ErrInvalidPhotonList is returned when a photon list file yields empty or
// inconsistent position arrays.
var ErrInvalidPhotonList = errors.New("invalid photon list")

// Sample holds the photon impact positions read from a single ray tracing
// run, together with the simulation throw statistics needed to derive the
// effective area. Positions are in cm on the focal surface.
type Sample struct {
	X []float64
	Y []float64

	// TotalPhotons is the number of photons thrown by the simulator,
	// of which len(X) were detected.
	TotalPhotons int

	// TotalScatteredArea is the area in cm^2 over which the photons
	// were thrown.
	TotalScatteredArea float64
}

// Detected returns the number of detected photons.
func (s *Sample) Detected() int {
	return len(s.X)
}

// Validate checks the sample invariants: equally sized, non-empty position
// arrays.
func (s *Sample) Validate() error {
	if len(s.X) == 0 || len(s.Y) == 0 || len(s.X) != len(s.Y) {
		return ErrInvalidPhotonList
	}
	return nil
}
