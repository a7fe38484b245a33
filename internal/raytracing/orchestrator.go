package raytracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/telescope-sims/raytrace/internal/photons"
	"github.com/telescope-sims/raytrace/internal/psf"
	"github.com/telescope-sims/raytrace/internal/results"
	"github.com/telescope-sims/raytrace/internal/simtel"
)

// PhotonParser reads a photon list file into a sample.
type PhotonParser interface {
	Parse(path string) (*photons.Sample, error)
}

// Summarizer computes a PSF summary externally, bypassing the in-process
// solver.
type Summarizer interface {
	Summarize(ctx context.Context, path string) (psf.Summary, error)
}

// AnalyzeOptions control a single Analyze call.
type AnalyzeOptions struct {
	// Export persists the assembled table to the results file.
	Export bool

	// Force recomputes even when a results file exists.
	Force bool

	// UseRX derives the metrics from the external rx tool instead of the
	// in-process containment solver.
	UseRX bool
}

// WithLogger sets the logger for the orchestrator.
func WithLogger(logger *slog.Logger) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithParser replaces the photon list parser.
func WithParser(parser PhotonParser) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.parser = parser
	}
}

// WithSummarizer sets the rx client used when analyzing with UseRX.
func WithSummarizer(rx Summarizer) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.rx = rx
	}
}

// Orchestrator runs ray tracing simulations and PSF analyses over the
// configuration matrix and holds the aggregated results.
type Orchestrator struct {
	cfg    Config
	runner simtel.Runner
	parser PhotonParser
	rx     Summarizer

	logger *slog.Logger

	table    *results.Table
	images   map[float64]*psf.Image
	failures map[Key]error
}

// New creates an Orchestrator for the given runner and configuration.
func New(runner simtel.Runner, cfg Config, options ...func(*Orchestrator)) (*Orchestrator, error) {
	if runner == nil {
		return nil, fmt.Errorf("no simulator runner provided")
	}
	cfg.applyDefaults()

	o := Orchestrator{
		cfg:      cfg,
		runner:   runner,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		images:   make(map[float64]*psf.Image),
		failures: make(map[Key]error),
	}

	for _, option := range options {
		option(&o)
	}

	if o.parser == nil {
		o.parser = photons.NewParser(photons.WithParserLogger(o.logger))
	}

	return &o, nil
}

// Simulate requests one ray tracing run per configuration, in matrix order.
// Runs whose photon list already exists are skipped unless force is set.
// With test set, the runner is instructed to produce a cheaper simulation.
func (o *Orchestrator) Simulate(ctx context.Context, test, force bool) error {
	for _, key := range o.cfg.matrix() {
		o.logger.Info("simulating configuration",
			slog.Float64("offAxis", key.OffAxisDeg),
			slog.Int("mirror", key.MirrorNumber))

		if _, err := o.runner.Run(ctx, o.runConfig(key, test, force)); err != nil {
			return fmt.Errorf("simulating off-axis %g, mirror %d: %w", key.OffAxisDeg, key.MirrorNumber, err)
		}
	}
	return nil
}

// Analyze derives the image quality metrics for every configuration and
// returns the assembled table. When the results file exists and Force is not
// set, the persisted table is loaded instead and no per-configuration work
// is performed.
func (o *Orchestrator) Analyze(ctx context.Context, opts AnalyzeOptions) (*results.Table, error) {
	if !opts.Force && o.cfg.ResultsFile != "" {
		if _, err := os.Stat(o.cfg.ResultsFile); err == nil {
			o.logger.Info("results file exists and force is not set, loading",
				slog.String("file", o.cfg.ResultsFile))

			table, err := results.Read(o.cfg.ResultsFile)
			if err != nil {
				return nil, fmt.Errorf("loading cached results: %w", err)
			}

			// The loaded table replaces any earlier in-process run; images
			// and failures from that run no longer describe it.
			clear(o.images)
			clear(o.failures)

			o.table = table
			return table, nil
		}
	}

	// A zero focal length would make every deg-unit metric silently wrong.
	if o.cfg.FocalLengthCm <= 0 {
		return nil, fmt.Errorf("focal length must be positive, got %g cm", o.cfg.FocalLengthCm)
	}
	if opts.UseRX && o.rx == nil {
		return nil, fmt.Errorf("rx analysis requested but no summarizer configured")
	}

	keys := o.cfg.matrix()
	rows := make([]results.Row, len(keys))
	images := make([]*psf.Image, len(keys))
	errs := make([]error, len(keys))

	// Bounded worker pool; rows are indexed by matrix position so the
	// table order does not depend on completion order.
	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < o.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				rows[i], images[i], errs[i] = o.analyzeOne(ctx, keys[i], opts.UseRX)
			}
		}()
	}

	for i := range keys {
		select {
		case indexes <- i:
		case <-ctx.Done():
		}
	}
	close(indexes)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clear(o.images)
	clear(o.failures)

	table := results.NewTable(o.cfg.SingleMirrorMode)
	for i, key := range keys {
		if err := errs[i]; err != nil {
			if errors.Is(err, psf.ErrPSFNotFound) {
				// A solver failure is fatal for this configuration only.
				o.failures[key] = err
				o.logger.Warn("containment solver failed, skipping configuration",
					slog.Float64("offAxis", key.OffAxisDeg),
					slog.Int("mirror", key.MirrorNumber),
					slog.String("error", err.Error()))
				continue
			}
			return nil, fmt.Errorf("analyzing off-axis %g, mirror %d: %w", key.OffAxisDeg, key.MirrorNumber, err)
		}

		table.Append(rows[i])
		o.images[key.OffAxisDeg] = images[i]
	}

	o.table = table

	if opts.Export && o.cfg.ResultsFile != "" {
		if err := table.Write(o.cfg.ResultsFile); err != nil {
			return nil, fmt.Errorf("exporting results: %w", err)
		}
	}

	return table, nil
}

func (o *Orchestrator) analyzeOne(ctx context.Context, key Key, useRX bool) (results.Row, *psf.Image, error) {
	if err := ctx.Err(); err != nil {
		return results.Row{}, nil, err
	}

	path := o.runner.PhotonListPath(o.runConfig(key, false, false))

	var image *psf.Image
	if useRX {
		sum, err := o.rx.Summarize(ctx, path)
		if err != nil {
			return results.Row{}, nil, err
		}
		image = psf.NewImageFromSummary(sum, psf.WithFocalLength(o.cfg.FocalLengthCm))
	} else {
		sample, err := o.parser.Parse(path)
		if err != nil {
			return results.Row{}, nil, err
		}

		image, err = psf.NewImage(sample,
			psf.WithFocalLength(o.cfg.FocalLengthCm),
			psf.WithSolverParams(o.cfg.Solver),
			psf.WithLogger(o.logger))
		if err != nil {
			return results.Row{}, nil, err
		}
	}

	fraction := o.cfg.ContainmentFraction
	d80Cm, err := image.PSF(fraction, psf.UnitCentimeter)
	if err != nil {
		return results.Row{}, nil, err
	}
	d80Deg, err := image.PSF(fraction, psf.UnitDegree)
	if err != nil {
		return results.Row{}, nil, err
	}

	centroidX, _ := image.Centroid()
	effFlen := math.NaN()
	if key.OffAxisDeg != 0 {
		effFlen = centroidX / math.Tan(key.OffAxisDeg*math.Pi/180)
	}

	row := results.Row{
		OffAxisDeg:   key.OffAxisDeg,
		D80Cm:        d80Cm,
		D80Deg:       d80Deg,
		EffAreaCm2:   image.EffectiveArea(o.cfg.Transmission.Factor(key.OffAxisDeg)),
		EffFlenCm:    effFlen,
		MirrorNumber: key.MirrorNumber,
	}
	return row, image, nil
}

func (o *Orchestrator) runConfig(key Key, test, force bool) simtel.RunConfig {
	return simtel.RunConfig{
		OffAxisDeg:       key.OffAxisDeg,
		MirrorNumber:     key.MirrorNumber,
		ZenithDeg:        key.ZenithDeg,
		SourceDistanceKm: key.SourceDistanceKm,
		Test:             test,
		Force:            force,
	}
}

// Results returns the table assembled by the last Analyze call, or nil when
// no analysis has run.
func (o *Orchestrator) Results() *results.Table {
	return o.table
}

// Mean returns the mean of a results column.
func (o *Orchestrator) Mean(column string) (float64, error) {
	if o.table == nil {
		return 0, fmt.Errorf("no results available, run Analyze first")
	}
	return o.table.Mean(column)
}

// StdDev returns the population standard deviation of a results column.
func (o *Orchestrator) StdDev(column string) (float64, error) {
	if o.table == nil {
		return 0, fmt.Errorf("no results available, run Analyze first")
	}
	return o.table.StdDev(column)
}

// Images returns the PSF images retained by the last Analyze call, keyed by
// off-axis angle. The map is empty when no analysis ran or when the results
// came from the on-disk cache.
func (o *Orchestrator) Images() map[float64]*psf.Image {
	if len(o.images) == 0 {
		o.logger.Warn("no PSF images available")
	}

	images := make(map[float64]*psf.Image, len(o.images))
	for offAxis, image := range o.images {
		images[offAxis] = image
	}
	return images
}

// Failures returns the per-configuration solver failures recorded by the
// last Analyze call.
func (o *Orchestrator) Failures() map[Key]error {
	failures := make(map[Key]error, len(o.failures))
	for key, err := range o.failures {
		failures[key] = err
	}
	return failures
}
