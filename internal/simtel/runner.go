// Package simtel wraps the external sim_telarray toolchain: the ray tracing
// simulator producing photon list files and the rx summary tool.
package simtel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	simtelBinary = "sim_telarray/bin/sim_telarray"
	rxBinary     = "sim_telarray/bin/rx"

	photonsPerRun     = 10000
	photonsPerTestRun = 1000

	// stderrExcerptSize bounds the captured log excerpt surfaced on failure.
	stderrExcerptSize = 2048
)

// ErrExternalTool is returned when an external process exits non-zero or
// produces unparsable output. The wrapped message carries the exit status
// and a captured log excerpt.
var ErrExternalTool = errors.New("external tool failure")

// RunConfig identifies one simulation of the configuration matrix and the
// run mode flags passed through to the simulator.
type RunConfig struct {
	OffAxisDeg       float64
	MirrorNumber     int // 0 when simulating the full telescope
	ZenithDeg        float64
	SourceDistanceKm float64

	// Test requests a cheaper run with fewer photons.
	Test bool

	// Force re-runs the simulation even when the output file exists.
	Force bool
}

// Runner produces a photon list file for a single configuration. On success
// the file exists at the deterministic path reported by PhotonListPath.
type Runner interface {
	Run(ctx context.Context, cfg RunConfig) (string, error)
	PhotonListPath(cfg RunConfig) string
}

// WithRunnerLogger sets the logger for the runner.
func WithRunnerLogger(logger *slog.Logger) func(*CommandRunner) {
	return func(r *CommandRunner) {
		r.logger = logger
	}
}

// CommandRunner invokes sim_telarray as a subprocess.
type CommandRunner struct {
	simtelPath string // sim_telarray installation root
	configFile string // telescope configuration file
	outputDir  string
	label      string

	logger *slog.Logger
}

// NewCommandRunner creates a runner for the sim_telarray installation at
// simtelPath, writing photon lists into outputDir.
func NewCommandRunner(simtelPath, configFile, outputDir, label string, options ...func(*CommandRunner)) (*CommandRunner, error) {
	binPath := filepath.Join(simtelPath, simtelBinary)
	if _, err := os.Stat(binPath); err != nil {
		return nil, fmt.Errorf("locating sim_telarray binary: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	r := CommandRunner{
		simtelPath: simtelPath,
		configFile: configFile,
		outputDir:  outputDir,
		label:      label,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r, nil
}

// PhotonListPath returns the deterministic photon list file path for a
// configuration.
func (r *CommandRunner) PhotonListPath(cfg RunConfig) string {
	return filepath.Join(r.outputDir, photonListFileName(r.label, cfg))
}

func photonListFileName(label string, cfg RunConfig) string {
	name := fmt.Sprintf("photons_%s_d%.1fkm_za%.1fdeg_off%.3fdeg", label,
		cfg.SourceDistanceKm, cfg.ZenithDeg, cfg.OffAxisDeg)
	if cfg.MirrorNumber > 0 {
		name += fmt.Sprintf("_mirror%d", cfg.MirrorNumber)
	}
	return name + ".lis"
}

// Run invokes sim_telarray for one configuration. The run is skipped when
// the photon list already exists and Force is not set.
func (r *CommandRunner) Run(ctx context.Context, cfg RunConfig) (string, error) {
	photonsFile := r.PhotonListPath(cfg)

	if !cfg.Force {
		if _, err := os.Stat(photonsFile); err == nil {
			r.logger.Info("photon list exists, skipping simulation",
				slog.String("file", photonsFile))
			return photonsFile, nil
		}
	}

	starsFile := strings.TrimSuffix(photonsFile, ".lis") + ".stars"
	if err := r.writeInputFiles(photonsFile, starsFile, cfg); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, filepath.Join(r.simtelPath, simtelBinary), r.args(photonsFile, starsFile, cfg)...)
	cmd.Dir = r.outputDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.logger.Info("simulating ray tracing",
		slog.Float64("offAxis", cfg.OffAxisDeg),
		slog.Int("mirror", cfg.MirrorNumber))

	if err := cmd.Run(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return "", fmt.Errorf("%w: sim_telarray: %w: %s", ErrExternalTool, err, excerpt(stderr.Bytes()))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if _, err := os.Stat(photonsFile); err != nil {
		return "", fmt.Errorf("%w: sim_telarray produced no photon list: %s", ErrExternalTool, excerpt(stderr.Bytes()))
	}

	return photonsFile, nil
}

// writeInputFiles seeds the photon list with a configuration header and
// writes the single-star pointing file used by the simulator.
func (r *CommandRunner) writeInputFiles(photonsFile, starsFile string, cfg RunConfig) error {
	var header strings.Builder
	rule := "#" + strings.Repeat("=", 50) + "\n"
	header.WriteString(rule)
	header.WriteString("# List of photons for RayTracing simulations\n")
	header.WriteString(rule)
	fmt.Fprintf(&header, "# configFile = %s\n", r.configFile)
	fmt.Fprintf(&header, "# zenithAngle [deg] = %g\n", cfg.ZenithDeg)
	fmt.Fprintf(&header, "# offAxisAngle [deg] = %g\n", cfg.OffAxisDeg)
	fmt.Fprintf(&header, "# sourceDistance [km] = %g\n", cfg.SourceDistanceKm)
	if cfg.MirrorNumber > 0 {
		fmt.Fprintf(&header, "# mirrorNumber = %d\n", cfg.MirrorNumber)
	}

	if err := os.WriteFile(photonsFile, []byte(header.String()), 0o644); err != nil {
		return fmt.Errorf("writing photon list header: %w", err)
	}

	star := fmt.Sprintf("0. %g 1.0 %g", 90.0-cfg.ZenithDeg, cfg.SourceDistanceKm)
	if err := os.WriteFile(starsFile, []byte(star), 0o644); err != nil {
		return fmt.Errorf("writing star file: %w", err)
	}

	return nil
}

func (r *CommandRunner) args(photonsFile, starsFile string, cfg RunConfig) []string {
	photons := photonsPerRun
	if cfg.Test {
		photons = photonsPerTestRun
	}

	args := []string{
		"-c", r.configFile,
		"-I../cfg/CTA",
	}
	configOption := func(key string, value any) {
		args = append(args, "-C", fmt.Sprintf("%s=%v", key, value))
	}

	configOption("IMAGING_LIST", photonsFile)
	configOption("stars", starsFile)
	configOption("altitude", 90.0-cfg.ZenithDeg)
	configOption("star_photons", photons)
	configOption("telescope_theta", cfg.ZenithDeg+cfg.OffAxisDeg)
	configOption("telescope_phi", 0)
	configOption("camera_transmission", 1.0)
	configOption("nightsky_background", "all:0.")
	configOption("trigger_current_limit", "1e10")
	configOption("telescope_random_angle", 0)
	configOption("telescope_random_error", 0)
	configOption("convergent_depth", 0)
	configOption("maximum_telescopes", 1)
	configOption("show", "all")
	configOption("camera_filter", "none")
	if cfg.MirrorNumber > 0 {
		configOption("focus_offset", "all:0.")
		configOption("mirror_list", fmt.Sprintf("single_mirror_%d.dat", cfg.MirrorNumber))
	}

	return args
}

func excerpt(b []byte) string {
	if len(b) > stderrExcerptSize {
		b = b[len(b)-stderrExcerptSize:]
	}
	return strings.TrimSpace(string(b))
}
