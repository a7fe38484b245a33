package photons

import (
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const photonList = `#==================================================
# List of photons for RayTracing simulations
#==================================================
# zenithAngle [deg] = 20

In total, we have 10000 photons in 2500 bunches falling on an area of 1256.64 cm^2
1 0 0.5 -0.25 a b
1 0 1.5 2.0 a b
1 0 -0.75 0.3 a b
`

func writePhotonList(t *testing.T, name, content string, compress bool) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create photon list: %v", err)
	}
	defer f.Close()

	if compress {
		gz := gzip.NewWriter(f)
		if _, err = gz.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write photon list: %v", err)
		}
		if err = gz.Close(); err != nil {
			t.Fatalf("Failed to close gzip writer: %v", err)
		}
		return path
	}

	if _, err = f.WriteString(content); err != nil {
		t.Fatalf("Failed to write photon list: %v", err)
	}
	return path
}

func TestParser_Parse(t *testing.T) {
	for _, tc := range []struct {
		name     string
		file     string
		compress bool
	}{
		{"plain", "photons.lis", false},
		{"gzip", "photons.lis.gz", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writePhotonList(t, tc.file, photonList, tc.compress)

			sample, err := NewParser().Parse(path)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}

			if sample.Detected() != 3 {
				t.Errorf("Expected 3 detected photons, got %d", sample.Detected())
			}
			if sample.TotalPhotons != 10000 {
				t.Errorf("Expected 10000 thrown photons, got %d", sample.TotalPhotons)
			}
			if sample.TotalScatteredArea != 1256.64 {
				t.Errorf("Expected scattered area 1256.64, got %g", sample.TotalScatteredArea)
			}

			wantX := []float64{0.5, 1.5, -0.75}
			wantY := []float64{-0.25, 2.0, 0.3}
			for i := range wantX {
				if sample.X[i] != wantX[i] || sample.Y[i] != wantY[i] {
					t.Errorf("Photon %d: expected (%g, %g), got (%g, %g)",
						i, wantX[i], wantY[i], sample.X[i], sample.Y[i])
				}
			}
		})
	}
}

func TestParser_MultipleHeaders(t *testing.T) {
	content := `In total, we have 5000 photons in 1200 bunches falling on an area of 100.0 cm^2
1 0 0.5 -0.25
In total, we have 5000 photons in 1300 bunches falling on an area of 200.0 cm^2
1 0 1.5 2.0
`
	path := writePhotonList(t, "photons.lis", content, false)

	sample, err := NewParser().Parse(path)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// Photon counts accumulate, the first area value wins.
	if sample.TotalPhotons != 10000 {
		t.Errorf("Expected 10000 thrown photons, got %d", sample.TotalPhotons)
	}
	if sample.TotalScatteredArea != 100.0 {
		t.Errorf("Expected scattered area 100.0, got %g", sample.TotalScatteredArea)
	}
}

func TestParser_InvalidLists(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"comments only", "# nothing here\n\n# still nothing\n"},
		{"short data line", "1 0\n"},
		{"bad position", "1 0 abc 0.5\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writePhotonList(t, "photons.lis", tc.content, false)

			if _, err := NewParser().Parse(path); !errors.Is(err, ErrInvalidPhotonList) {
				t.Errorf("Expected ErrInvalidPhotonList, got %v", err)
			}
		})
	}
}

func TestSample_Validate(t *testing.T) {
	s := Sample{X: []float64{1, 2}, Y: []float64{3}}
	if err := s.Validate(); !errors.Is(err, ErrInvalidPhotonList) {
		t.Errorf("Expected ErrInvalidPhotonList for mismatched arrays, got %v", err)
	}

	s = Sample{X: []float64{1}, Y: []float64{2}}
	if err := s.Validate(); err != nil {
		t.Errorf("Expected valid sample, got %v", err)
	}
}
