// Package plotting renders the outputs of a ray tracing analysis: the
// cumulative containment curve of a PSF image and the containment diameter
// as a function of the off-axis angle.
package plotting

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	// Liberation fonts register automatically on import.
	_ "gonum.org/v1/plot/font/liberation"

	"github.com/telescope-sims/raytrace/internal/psf"
	"github.com/telescope-sims/raytrace/internal/results"
)

var (
	curveColor  = color.RGBA{B: 255, A: 255}
	markerColor = color.RGBA{R: 255, A: 255}
)

func newPlot(title, xLabel, yLabel string) *plot.Plot {
	p := plot.New()

	p.Title.Text = title
	p.Title.TextStyle.Font.Typeface = "Liberation"
	p.Title.TextStyle.Font.Variant = "Sans"
	p.Title.TextStyle.Font.Size = vg.Points(12)

	p.X.Label.Text = xLabel
	p.X.Label.TextStyle.Font.Typeface = "Liberation"
	p.X.Label.TextStyle.Font.Variant = "Sans"

	p.Y.Label.Text = yLabel
	p.Y.Label.TextStyle.Font.Typeface = "Liberation"
	p.Y.Label.TextStyle.Font.Variant = "Sans"

	p.Add(plotter.NewGrid())
	return p
}

// CumulativePSF renders the cumulative containment curve of an image to a
// file, with a vertical marker at the containment radius.
func CumulativePSF(image *psf.Image, fraction float64, path string) error {
	curve, err := image.CumulativeCurve(nil)
	if err != nil {
		return fmt.Errorf("computing cumulative curve: %w", err)
	}

	diameter, err := image.PSF(fraction, psf.UnitCentimeter)
	if err != nil {
		return fmt.Errorf("computing containment diameter: %w", err)
	}

	p := newPlot("Cumulative PSF", "Radius (cm)", "Contained light fraction")
	p.Y.Min = 0
	p.Y.Max = 1.05

	pts := make(plotter.XYs, len(curve))
	for i, c := range curve {
		pts[i].X = c.RadiusCm
		pts[i].Y = c.Contained
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("building curve: %w", err)
	}
	line.Color = curveColor
	p.Add(line)

	marker, err := plotter.NewLine(plotter.XYs{
		{X: diameter / 2, Y: 0},
		{X: diameter / 2, Y: 1.05},
	})
	if err != nil {
		return fmt.Errorf("building containment marker: %w", err)
	}
	marker.Color = markerColor
	marker.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(marker)

	if err = p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving cumulative plot: %w", err)
	}
	return nil
}

// D80VsOffAxis renders a results column against the off-axis angle.
func D80VsOffAxis(table *results.Table, column, path string) error {
	offAxis, err := table.Column(results.ColOffAxis)
	if err != nil {
		return err
	}
	values, err := table.Column(column)
	if err != nil {
		return err
	}

	p := newPlot(column, "Off-axis angle (deg)", column)

	pts := make(plotter.XYs, len(offAxis))
	for i := range offAxis {
		pts[i].X = offAxis[i]
		pts[i].Y = values[i]
	}

	line, scatter, err := plotter.NewLinePoints(pts)
	if err != nil {
		return fmt.Errorf("building line: %w", err)
	}
	line.Color = curveColor
	scatter.Color = curveColor
	p.Add(line, scatter)

	if err = p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot: %w", err)
	}
	return nil
}
