package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration
type Config struct {
	Settings   Settings         `yaml:"settings"`
	Telescope  TelescopeConfig  `yaml:"telescope"`
	Simtel     SimtelConfig     `yaml:"simtel"`
	RayTracing RayTracingConfig `yaml:"rayTracing"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Storage    StorageConfig    `yaml:"storage"`
	Plots      PlotsConfig      `yaml:"plots"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// TelescopeConfig describes the instrument under analysis
type TelescopeConfig struct {
	Name string `yaml:"name"`

	// ConfigFile is the sim_telarray telescope configuration file.
	ConfigFile string `yaml:"configFile"`

	// FocalLength and MirrorFocalLength are in cm.
	FocalLength       float64 `yaml:"focalLength"`
	MirrorFocalLength float64 `yaml:"mirrorFocalLength"`

	// Transmission holds the mirror transmission parameters p0..p4.
	Transmission [5]float64 `yaml:"transmission"`
}

// SimtelConfig represents the external simulator settings
type SimtelConfig struct {
	// Path is the sim_telarray installation root.
	Path      string `yaml:"path"`
	OutputDir string `yaml:"outputDir"`

	// UseRx delegates PSF summaries to the rx tool instead of the
	// built-in solver.
	UseRx bool `yaml:"useRx"`

	// Test runs cheaper simulations with fewer photons.
	Test  bool `yaml:"test"`
	Force bool `yaml:"force"`
}

// RayTracingConfig represents the configuration matrix settings
type RayTracingConfig struct {
	ZenithAngle    float64   `yaml:"zenithAngle"`    // deg
	SourceDistance float64   `yaml:"sourceDistance"` // km
	OffAxisAngles  []float64 `yaml:"offAxisAngles"`  // deg

	SingleMirror  bool  `yaml:"singleMirror"`
	MirrorNumbers []int `yaml:"mirrorNumbers"`
}

// AnalysisConfig represents the PSF analysis settings
type AnalysisConfig struct {
	ContainmentFraction float64 `yaml:"containmentFraction"`
	ResultsFile         string  `yaml:"resultsFile"`
	Workers             int     `yaml:"workers"`
}

// StorageConfig represents archive settings
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DataDirectory string `yaml:"dataDirectory"`
}

// PlotsConfig represents plot rendering settings
type PlotsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"outputDir"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration file: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the settings an analysis cannot run without.
func (c *Config) Validate() error {
	if c.Telescope.Name == "" {
		return fmt.Errorf("telescope: name is required")
	}
	if c.Telescope.FocalLength <= 0 {
		return fmt.Errorf("telescope: focal length must be positive, got %g", c.Telescope.FocalLength)
	}
	if c.RayTracing.SingleMirror && c.Telescope.MirrorFocalLength <= 0 {
		return fmt.Errorf("telescope: mirror focal length must be positive in single mirror mode")
	}
	if c.Simtel.Path == "" {
		return fmt.Errorf("simtel: installation path is required")
	}
	if f := c.Analysis.ContainmentFraction; f < 0 || f > 1 {
		return fmt.Errorf("analysis: containment fraction must be within [0, 1], got %g", f)
	}
	if c.Analysis.Workers < 0 {
		return fmt.Errorf("analysis: workers must not be negative, got %d", c.Analysis.Workers)
	}
	return nil
}
