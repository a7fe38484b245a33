package psf

import "math"

const degToRad = math.Pi / 180.0

// TransmissionParams holds the five-parameter telescope transmission model
// from the telescope optics description.
type TransmissionParams [5]float64

// DefaultTransmission is a flat transmission of 1, leaving effective areas
// unscaled.
var DefaultTransmission = TransmissionParams{1, 0, 0, 0, 0}

// Factor computes the telescope transmission in (0, 1] for the given
// off-axis angle in degrees. With p1 == 0 the transmission is flat at p0;
// otherwise it falls off as p0 / (1 + p2 * (sin(theta)/(p3*pi/180))^p4).
func (p TransmissionParams) Factor(offAxisDeg float64) float64 {
	if p[1] == 0 {
		return p[0]
	}

	t := math.Sin(offAxisDeg*degToRad) / (p[3] * degToRad)
	return p[0] / (1.0 + p[2]*math.Pow(t, p[4]))
}
