package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/telescope-sims/raytrace/internal/photons"
	"github.com/telescope-sims/raytrace/internal/plotting"
	"github.com/telescope-sims/raytrace/internal/psf"
	"github.com/telescope-sims/raytrace/internal/raytracing"
	"github.com/telescope-sims/raytrace/internal/results"
	"github.com/telescope-sims/raytrace/internal/simtel"
	"github.com/telescope-sims/raytrace/internal/storage"
)

const (
	storageDir = "data"

	defaultFraction = 0.8
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	runner, err := simtel.NewCommandRunner(
		config.Simtel.Path,
		config.Telescope.ConfigFile,
		config.Simtel.OutputDir,
		config.Telescope.Name,
		simtel.WithRunnerLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating simulator runner: %w", err)
	}

	options := []func(*raytracing.Orchestrator){
		raytracing.WithLogger(logger),
		raytracing.WithParser(photons.NewParser(photons.WithParserLogger(logger))),
	}

	fraction := config.Analysis.ContainmentFraction
	if fraction == 0 {
		fraction = defaultFraction
	}
	if config.Simtel.UseRx {
		rx, err := simtel.NewRXClient(config.Simtel.Path, fraction, simtel.WithRXLogger(logger))
		if err != nil {
			return fmt.Errorf("creating rx client: %w", err)
		}
		options = append(options, raytracing.WithSummarizer(rx))
	}

	orchestrator, err := raytracing.New(runner, raytracing.Config{
		FocalLengthCm:       config.Telescope.FocalLength,
		MirrorFocalLengthCm: config.Telescope.MirrorFocalLength,
		Transmission:        psf.TransmissionParams(config.Telescope.Transmission),
		ZenithDeg:           config.RayTracing.ZenithAngle,
		SourceDistanceKm:    config.RayTracing.SourceDistance,
		OffAxisAngles:       config.RayTracing.OffAxisAngles,
		SingleMirrorMode:    config.RayTracing.SingleMirror,
		MirrorNumbers:       config.RayTracing.MirrorNumbers,
		ContainmentFraction: fraction,
		ResultsFile:         config.Analysis.ResultsFile,
		Workers:             config.Analysis.Workers,
	}, options...)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	if err = orchestrator.Simulate(ctx, config.Simtel.Test, config.Simtel.Force); err != nil {
		return fmt.Errorf("simulating: %w", err)
	}

	table, err := orchestrator.Analyze(ctx, raytracing.AnalyzeOptions{
		Export: config.Analysis.ResultsFile != "",
		Force:  config.Simtel.Force,
		UseRX:  config.Simtel.UseRx,
	})
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}

	for key, ferr := range orchestrator.Failures() {
		logger.Warn("no containment radius found",
			slog.Float64("offAxisDeg", key.OffAxisDeg),
			slog.Int("mirror", key.MirrorNumber),
			slog.String("error", ferr.Error()))
	}

	logSummary(logger, table)

	if config.Storage.Enabled {
		if err = archiveResults(config, table); err != nil {
			return fmt.Errorf("archiving results: %w", err)
		}
	}

	if config.Plots.Enabled {
		if err = renderPlots(config, orchestrator, table, fraction, logger); err != nil {
			return fmt.Errorf("rendering plots: %w", err)
		}
	}

	return nil
}

func logSummary(logger *slog.Logger, table *results.Table) {
	logger.Info("analysis complete", slog.Int("configurations", table.Len()))

	for _, column := range []string{results.ColD80Cm, results.ColD80Deg, results.ColEffArea} {
		mean, err := table.Mean(column)
		if err != nil {
			continue
		}
		stdDev, _ := table.StdDev(column)
		logger.Info("column summary",
			slog.String("column", column),
			slog.Float64("mean", mean),
			slog.Float64("stdDev", stdDev))
	}
}

func archiveResults(config *Config, table *results.Table) error {
	dir := config.Storage.DataDirectory
	if dir == "" {
		dir = storageDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("raytrace_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	store, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer store.Close()

	sessionID, err := store.CreateSession(storage.Session{
		Telescope:        config.Telescope.Name,
		Label:            config.Telescope.Name,
		ZenithDeg:        config.RayTracing.ZenithAngle,
		SourceDistanceKm: config.RayTracing.SourceDistance,
		SingleMirror:     config.RayTracing.SingleMirror,
	}, config)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if err = store.StoreResults(sessionID, table); err != nil {
		return fmt.Errorf("storing results: %w", err)
	}

	return store.Close()
}

func renderPlots(config *Config, orchestrator *raytracing.Orchestrator, table *results.Table, fraction float64, logger *slog.Logger) error {
	dir := config.Plots.OutputDir
	if dir == "" {
		dir = "plots"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating plots directory: %w", err)
	}

	// The cumulative curve needs photon positions, which the rx path does
	// not retain.
	if image, ok := orchestrator.Images()[0]; ok && !config.Simtel.UseRx {
		path := filepath.Join(dir, "cumulative_psf.png")
		if err := plotting.CumulativePSF(image, fraction, path); err != nil {
			return err
		}
		logger.Info("saved plot", slog.String("path", path))
	}

	if table.Len() < 2 {
		return nil
	}

	for _, column := range []string{results.ColD80Cm, results.ColD80Deg, results.ColEffArea} {
		path := filepath.Join(dir, column+".png")
		if err := plotting.D80VsOffAxis(table, column, path); err != nil {
			return err
		}
		logger.Info("saved plot", slog.String("path", path))
	}

	return nil
}
