package raytracing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/telescope-sims/raytrace/internal/photons"
	"github.com/telescope-sims/raytrace/internal/psf"
	"github.com/telescope-sims/raytrace/internal/results"
	"github.com/telescope-sims/raytrace/internal/simtel"
)

const testFocalLength = 2800.0

// stubRunner pretends photon lists already exist; Run only records the
// requests it receives.
type stubRunner struct {
	dir  string
	runs []simtel.RunConfig
}

func (r *stubRunner) PhotonListPath(cfg simtel.RunConfig) string {
	name := fmt.Sprintf("photons_off%.3f_mirror%d.lis", cfg.OffAxisDeg, cfg.MirrorNumber)
	return filepath.Join(r.dir, name)
}

func (r *stubRunner) Run(_ context.Context, cfg simtel.RunConfig) (string, error) {
	r.runs = append(r.runs, cfg)
	return r.PhotonListPath(cfg), nil
}

// countingParser counts Parse calls to verify the cache contract.
type countingParser struct {
	parser *photons.Parser
	calls  int
}

func (p *countingParser) Parse(path string) (*photons.Sample, error) {
	p.calls++
	return p.parser.Parse(path)
}

// writeDiskPhotonList writes a photon list whose photons fill a uniform
// disk of the given radius centered at (cx, 0).
func writeDiskPhotonList(t *testing.T, path string, n int, radius, cx float64, seed int64) {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))

	var sb strings.Builder
	sb.WriteString("# photon list for containment tests\n")
	fmt.Fprintf(&sb, "In total, we have %d photons in %d bunches falling on an area of %g cm^2\n",
		n, n/4, math.Pi*4*radius*radius)
	for i := 0; i < n; i++ {
		r := radius * math.Sqrt(rng.Float64())
		phi := 2 * math.Pi * rng.Float64()
		fmt.Fprintf(&sb, "1 0 %g %g 0 0\n", cx+r*math.Cos(phi), r*math.Sin(phi))
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("Failed to write photon list: %v", err)
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, options ...func(*Orchestrator)) (*Orchestrator, *stubRunner) {
	t.Helper()

	runner := &stubRunner{dir: t.TempDir()}
	o, err := New(runner, cfg, options...)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	return o, runner
}

func seedPhotonLists(t *testing.T, o *Orchestrator, runner *stubRunner, radius float64) {
	t.Helper()

	for i, key := range o.cfg.matrix() {
		cx := testFocalLength * math.Tan(key.OffAxisDeg*math.Pi/180)
		path := runner.PhotonListPath(o.runConfig(key, false, false))
		writeDiskPhotonList(t, path, 2000, radius, cx, int64(100+i))
	}
}

func TestOrchestrator_Analyze(t *testing.T) {
	angles := []float64{0, 1.0, 2.0}
	cfg := Config{
		FocalLengthCm: testFocalLength,
		OffAxisAngles: angles,
	}

	o, runner := newTestOrchestrator(t, cfg)
	seedPhotonLists(t, o, runner, 5.0)

	table, err := o.Analyze(context.Background(), AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if table.Len() != len(angles) {
		t.Fatalf("Expected %d rows, got %d", len(angles), table.Len())
	}

	wantD80 := 2 * 5.0 * math.Sqrt(0.8)
	for i, row := range table.Rows() {
		if row.OffAxisDeg != angles[i] {
			t.Errorf("Row %d: expected off-axis %g, got %g (order not preserved)",
				i, angles[i], row.OffAxisDeg)
		}
		if relErr := math.Abs(row.D80Cm-wantD80) / wantD80; relErr > 0.03 {
			t.Errorf("Row %d: expected D80 about %.2f cm, got %.2f cm", i, wantD80, row.D80Cm)
		}
		if want := row.D80Cm * 180 / math.Pi / testFocalLength; math.Abs(row.D80Deg-want) > 1e-12 {
			t.Errorf("Row %d: expected D80 %g deg, got %g deg", i, want, row.D80Deg)
		}

		if angles[i] == 0 {
			if !math.IsNaN(row.EffFlenCm) {
				t.Errorf("Row %d: expected NaN eff_flen on axis, got %g", i, row.EffFlenCm)
			}
		} else if relErr := math.Abs(row.EffFlenCm-testFocalLength) / testFocalLength; relErr > 0.05 {
			t.Errorf("Row %d: expected eff_flen about %g cm, got %g cm", i, testFocalLength, row.EffFlenCm)
		}
	}

	images := o.Images()
	if len(images) != len(angles) {
		t.Errorf("Expected %d retained images, got %d", len(angles), len(images))
	}
	for _, offAxis := range angles {
		if _, ok := images[offAxis]; !ok {
			t.Errorf("Expected an image for off-axis %g", offAxis)
		}
	}
}

func TestOrchestrator_AnalyzeCacheHit(t *testing.T) {
	resultsFile := filepath.Join(t.TempDir(), "results.csv")
	cfg := Config{
		FocalLengthCm: testFocalLength,
		OffAxisAngles: []float64{0, 1.5},
		ResultsFile:   resultsFile,
	}

	parser := &countingParser{parser: photons.NewParser()}
	o, runner := newTestOrchestrator(t, cfg, WithParser(parser))
	seedPhotonLists(t, o, runner, 5.0)

	table, err := o.Analyze(context.Background(), AnalyzeOptions{Export: true})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if parser.calls != 2 {
		t.Fatalf("Expected 2 parser calls, got %d", parser.calls)
	}

	// Second run must be a pure cache hit: no parsing, identical rows.
	cached, err := o.Analyze(context.Background(), AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Cached Analyze failed: %v", err)
	}
	if parser.calls != 2 {
		t.Errorf("Expected no further parser calls on cache hit, got %d", parser.calls)
	}
	if cached.Len() != table.Len() {
		t.Fatalf("Expected %d cached rows, got %d", table.Len(), cached.Len())
	}
	for i, want := range table.Rows() {
		got := cached.Rows()[i]
		if got.OffAxisDeg != want.OffAxisDeg || got.D80Cm != want.D80Cm ||
			got.D80Deg != want.D80Deg || got.EffAreaCm2 != want.EffAreaCm2 {
			t.Errorf("Cached row %d differs: got %+v, want %+v", i, got, want)
		}
	}

	// The loaded table carries no images or failures; state retained from
	// the first run must not outlive the cache hit.
	if images := o.Images(); len(images) != 0 {
		t.Errorf("Expected no retained images after a cache hit, got %d", len(images))
	}
	if failures := o.Failures(); len(failures) != 0 {
		t.Errorf("Expected no retained failures after a cache hit, got %d", len(failures))
	}

	// Force bypasses the cache.
	if _, err = o.Analyze(context.Background(), AnalyzeOptions{Force: true}); err != nil {
		t.Fatalf("Forced Analyze failed: %v", err)
	}
	if parser.calls != 4 {
		t.Errorf("Expected forced re-analysis to parse again, got %d calls", parser.calls)
	}
}

func TestOrchestrator_AnalyzeWorkerPoolOrder(t *testing.T) {
	angles := []float64{0, 0.5, 1.0, 1.5, 2.0, 2.5, 3.0}
	cfg := Config{
		FocalLengthCm: testFocalLength,
		OffAxisAngles: angles,
		Workers:       4,
	}

	o, runner := newTestOrchestrator(t, cfg)
	seedPhotonLists(t, o, runner, 5.0)

	table, err := o.Analyze(context.Background(), AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if table.Len() != len(angles) {
		t.Fatalf("Expected %d rows, got %d", len(angles), table.Len())
	}
	for i, row := range table.Rows() {
		if row.OffAxisDeg != angles[i] {
			t.Errorf("Row %d: expected off-axis %g, got %g (pool broke ordering)",
				i, angles[i], row.OffAxisDeg)
		}
	}
}

func TestOrchestrator_AnalyzeSingleMirror(t *testing.T) {
	cfg := Config{
		FocalLengthCm:       testFocalLength,
		MirrorFocalLengthCm: 1000,
		SingleMirrorMode:    true,
		MirrorNumbers:       []int{1, 2, 3},
	}

	o, runner := newTestOrchestrator(t, cfg)

	// Single-mirror defaults: on-axis only, source distance from the
	// mirror focal length.
	if got := o.cfg.SourceDistanceKm; got != 2*1000.0/cmPerKm {
		t.Errorf("Expected source distance %g km, got %g", 2*1000.0/cmPerKm, got)
	}
	if len(o.cfg.OffAxisAngles) != 1 || o.cfg.OffAxisAngles[0] != 0 {
		t.Errorf("Expected on-axis only, got %v", o.cfg.OffAxisAngles)
	}

	seedPhotonLists(t, o, runner, 2.0)

	table, err := o.Analyze(context.Background(), AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !table.SingleMirror() {
		t.Error("Expected a single-mirror table")
	}
	if table.Len() != 3 {
		t.Fatalf("Expected 3 rows, got %d", table.Len())
	}
	for i, row := range table.Rows() {
		if row.MirrorNumber != i+1 {
			t.Errorf("Row %d: expected mirror %d, got %d", i, i+1, row.MirrorNumber)
		}
	}
}

type stubSummarizer struct {
	calls int
	sum   psf.Summary
}

func (s *stubSummarizer) Summarize(context.Context, string) (psf.Summary, error) {
	s.calls++
	return s.sum, nil
}

func TestOrchestrator_AnalyzeUseRX(t *testing.T) {
	rx := &stubSummarizer{sum: psf.Summary{
		Fraction:      0.8,
		DiameterCm:    3.25,
		CentroidX:     48.9,
		CentroidY:     0.1,
		EffectiveArea: 91000,
	}}

	cfg := Config{
		FocalLengthCm: testFocalLength,
		OffAxisAngles: []float64{1.0},
	}

	parser := &countingParser{parser: photons.NewParser()}
	o, _ := newTestOrchestrator(t, cfg, WithParser(parser), WithSummarizer(rx))

	table, err := o.Analyze(context.Background(), AnalyzeOptions{UseRX: true})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if parser.calls != 0 {
		t.Errorf("Expected no in-process parsing on the rx path, got %d calls", parser.calls)
	}
	if rx.calls != 1 {
		t.Errorf("Expected 1 rx invocation, got %d", rx.calls)
	}

	row := table.Rows()[0]
	if row.D80Cm != 3.25 {
		t.Errorf("Expected rx diameter 3.25 cm, got %g", row.D80Cm)
	}
	if want := 48.9 / math.Tan(math.Pi/180); math.Abs(row.EffFlenCm-want) > 1e-9 {
		t.Errorf("Expected eff_flen %g from rx centroid, got %g", want, row.EffFlenCm)
	}
	if row.EffAreaCm2 != 91000 {
		t.Errorf("Expected rx effective area 91000, got %g", row.EffAreaCm2)
	}
}

func TestOrchestrator_SolverFailureSkipsConfiguration(t *testing.T) {
	solver := psf.DefaultSolverParams()
	solver.MaxIterations = 0
	solver.ScanRangeFactor = 1e-9

	cfg := Config{
		FocalLengthCm: testFocalLength,
		OffAxisAngles: []float64{0, 1.0},
		Solver:        solver,
	}

	o, runner := newTestOrchestrator(t, cfg)
	seedPhotonLists(t, o, runner, 5.0)

	table, err := o.Analyze(context.Background(), AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze should continue past per-configuration failures: %v", err)
	}
	if table.Len() != 0 {
		t.Errorf("Expected no rows, got %d", table.Len())
	}

	failures := o.Failures()
	if len(failures) != 2 {
		t.Fatalf("Expected 2 recorded failures, got %d", len(failures))
	}
	for key, ferr := range failures {
		if !errors.Is(ferr, psf.ErrPSFNotFound) {
			t.Errorf("Key %+v: expected ErrPSFNotFound, got %v", key, ferr)
		}
	}
}

func TestOrchestrator_ZeroFocalLengthRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{OffAxisAngles: []float64{0}})

	if _, err := o.Analyze(context.Background(), AnalyzeOptions{}); err == nil {
		t.Error("Expected Analyze to reject a zero focal length")
	}
}

func TestOrchestrator_Simulate(t *testing.T) {
	cfg := Config{
		FocalLengthCm: testFocalLength,
		OffAxisAngles: []float64{0, 1.0, 2.0},
	}

	o, runner := newTestOrchestrator(t, cfg)

	if err := o.Simulate(context.Background(), true, false); err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}

	if len(runner.runs) != 3 {
		t.Fatalf("Expected 3 simulation requests, got %d", len(runner.runs))
	}
	for i, run := range runner.runs {
		if run.OffAxisDeg != cfg.OffAxisAngles[i] {
			t.Errorf("Request %d: expected off-axis %g, got %g", i, cfg.OffAxisAngles[i], run.OffAxisDeg)
		}
		if !run.Test {
			t.Errorf("Request %d: expected test flag passed through", i)
		}
		if run.ZenithDeg != defaultZenithDeg {
			t.Errorf("Request %d: expected default zenith %g, got %g", i, defaultZenithDeg, run.ZenithDeg)
		}
	}
}

func TestOrchestrator_Queries(t *testing.T) {
	cfg := Config{
		FocalLengthCm: testFocalLength,
		OffAxisAngles: []float64{0, 1.0},
	}

	o, runner := newTestOrchestrator(t, cfg)

	if _, err := o.Mean(results.ColD80Cm); err == nil {
		t.Error("Expected Mean to fail before Analyze")
	}
	if images := o.Images(); len(images) != 0 {
		t.Errorf("Expected no images before Analyze, got %d", len(images))
	}

	seedPhotonLists(t, o, runner, 5.0)
	if _, err := o.Analyze(context.Background(), AnalyzeOptions{}); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	mean, err := o.Mean(results.ColD80Cm)
	if err != nil {
		t.Fatalf("Mean failed: %v", err)
	}
	if mean <= 0 {
		t.Errorf("Expected a positive mean D80, got %g", mean)
	}

	if _, err = o.StdDev("not_a_column"); !errors.Is(err, results.ErrUnknownColumn) {
		t.Errorf("Expected ErrUnknownColumn, got %v", err)
	}
}
