package photons

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// headerMarker identifies the sim_telarray summary line carrying the number
// of thrown photons and the scattered area.
const headerMarker = "falling on an area of"

// Fixed token offsets within the photon list format.
const (
	headerPhotonsIndex = 4
	headerAreaIndex    = 14
	dataXIndex         = 2
	dataYIndex         = 3
)

// WithParserLogger sets the logger for the parser.
func WithParserLogger(logger *slog.Logger) func(*Parser) {
	return func(p *Parser) {
		p.logger = logger
	}
}

// Parser reads sim_telarray photon list files, plain or gzip-compressed,
// into Sample values.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new Parser with a discard logger.
func NewParser(options ...func(*Parser)) *Parser {
	p := Parser{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Parse reads the photon list file at path. Files with a .gz suffix are
// decompressed on the fly. The file handle is closed before Parse returns.
func (p *Parser) Parse(path string) (*Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening photon list: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip photon list: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	sample, err := p.parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	p.logger.Debug("photon list parsed",
		slog.String("path", path),
		slog.String("detected", humanize.Comma(int64(sample.Detected()))),
		slog.String("thrown", humanize.Comma(int64(sample.TotalPhotons))))

	return sample, nil
}

func (p *Parser) parse(r io.Reader) (*Sample, error) {
	var sample Sample
	areaSet := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.Contains(line, headerMarker) {
			if err := p.parseHeader(line, &sample, &areaSet); err != nil {
				return nil, err
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		words := strings.Fields(line)
		if len(words) <= dataYIndex {
			return nil, fmt.Errorf("%w: data line with %d tokens", ErrInvalidPhotonList, len(words))
		}

		x, err := strconv.ParseFloat(words[dataXIndex], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid x position: %w", ErrInvalidPhotonList, err)
		}
		y, err := strconv.ParseFloat(words[dataYIndex], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid y position: %w", ErrInvalidPhotonList, err)
		}

		sample.X = append(sample.X, x)
		sample.Y = append(sample.Y, y)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading photon list: %w", err)
	}

	if err := sample.Validate(); err != nil {
		return nil, err
	}

	return &sample, nil
}

func (p *Parser) parseHeader(line string, sample *Sample, areaSet *bool) error {
	words := strings.Fields(line)
	if len(words) <= headerAreaIndex {
		return fmt.Errorf("%w: header line with %d tokens", ErrInvalidPhotonList, len(words))
	}

	photons, err := strconv.Atoi(words[headerPhotonsIndex])
	if err != nil {
		return fmt.Errorf("%w: invalid photon count: %w", ErrInvalidPhotonList, err)
	}

	area, err := strconv.ParseFloat(words[headerAreaIndex], 64)
	if err != nil {
		return fmt.Errorf("%w: invalid scattered area: %w", ErrInvalidPhotonList, err)
	}

	sample.TotalPhotons += photons

	if !*areaSet {
		sample.TotalScatteredArea = area
		*areaSet = true
	} else if area != sample.TotalScatteredArea {
		// Runs sharing one photon list must agree on the throw area. The
		// first value wins.
		p.logger.Warn("conflicting scattered area, keeping the first value",
			slog.Float64("kept", sample.TotalScatteredArea),
			slog.Float64("found", area))
	}

	return nil
}
