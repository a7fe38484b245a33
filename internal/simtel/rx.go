package simtel

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/telescope-sims/raytrace/internal/psf"
)

// rx output token offsets: the containment radius, the image centroid and
// the effective area.
const (
	rxRadiusIndex    = 0
	rxCentroidXIndex = 1
	rxCentroidYIndex = 2
	rxEffAreaIndex   = 5
	rxMinTokens      = 6
)

// WithRXLogger sets the logger for the rx client.
func WithRXLogger(logger *slog.Logger) func(*RXClient) {
	return func(c *RXClient) {
		c.logger = logger
	}
}

// RXClient invokes the rx summary tool, which computes the containment
// diameter, centroid and effective area directly from a photon list fed on
// its standard input.
type RXClient struct {
	binPath  string
	fraction float64

	logger *slog.Logger
}

// NewRXClient creates a client for the rx binary of the sim_telarray
// installation at simtelPath, configured for the given containment fraction.
func NewRXClient(simtelPath string, fraction float64, options ...func(*RXClient)) (*RXClient, error) {
	binPath := filepath.Join(simtelPath, rxBinary)
	if _, err := os.Stat(binPath); err != nil {
		return nil, fmt.Errorf("locating rx binary: %w", err)
	}

	c := RXClient{
		binPath:  binPath,
		fraction: fraction,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c, nil
}

// Fraction returns the containment fraction the tool is invoked with.
func (c *RXClient) Fraction() float64 {
	return c.fraction
}

// Summarize runs rx over the photon list at path and returns the parsed
// summary. Gzip-compressed lists are decompressed before feeding stdin.
func (c *RXClient) Summarize(ctx context.Context, path string) (psf.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return psf.Summary{}, fmt.Errorf("opening photon list: %w", err)
	}
	defer f.Close()

	var in io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return psf.Summary{}, fmt.Errorf("opening gzip photon list: %w", err)
		}
		defer gz.Close()
		in = gz
	}

	cmd := exec.CommandContext(ctx, c.binPath, "-f", fmt.Sprintf("%.2f", c.fraction), "-v")
	cmd.Stdin = in

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running rx", slog.String("file", path))

	if err := cmd.Run(); err != nil {
		return psf.Summary{}, fmt.Errorf("%w: rx: %w: %s", ErrExternalTool, err, excerpt(stderr.Bytes()))
	}

	sum, err := parseRXOutput(stdout.String(), c.fraction)
	if err != nil {
		return psf.Summary{}, err
	}
	return sum, nil
}

// parseRXOutput extracts the summary from the last non-empty line of the rx
// output, a sequence of whitespace-separated floats.
func parseRXOutput(output string, fraction float64) (psf.Summary, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])

	words := strings.Fields(last)
	if len(words) < rxMinTokens {
		return psf.Summary{}, fmt.Errorf("%w: unexpected rx output: %q", ErrExternalTool, last)
	}

	values := make([]float64, 0, rxMinTokens)
	for _, idx := range []int{rxRadiusIndex, rxCentroidXIndex, rxCentroidYIndex, rxEffAreaIndex} {
		v, err := strconv.ParseFloat(words[idx], 64)
		if err != nil {
			return psf.Summary{}, fmt.Errorf("%w: invalid rx output token %d: %q", ErrExternalTool, idx, words[idx])
		}
		values = append(values, v)
	}

	return psf.Summary{
		Fraction:      fraction,
		DiameterCm:    2 * values[0],
		CentroidX:     values[1],
		CentroidY:     values[2],
		EffectiveArea: values[3],
	}, nil
}
