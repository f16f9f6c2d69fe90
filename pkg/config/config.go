// Package config provides configuration loading and management for radquant.
// It handles loading configuration from YAML files and provides default
// values matching the standard clinical constants.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration loaded from YAML.
type Config struct {
	// Processing parameters shared by all engines
	Processing struct {
		// NumWorkers is the size of the analysis worker pool
		NumWorkers int `yaml:"numWorkers"`

		// ComputeLanes is the per-job parallelism for voxel-level work.
		// A value of 1 forces the sequential fallback path.
		ComputeLanes int `yaml:"computeLanes"`

		// ComputeTimeout bounds a single job's compute time
		ComputeTimeout time.Duration `yaml:"computeTimeout"`
	} `yaml:"processing"`

	// Calcium scoring parameters
	Calcium struct {
		// ThresholdHU is the lower calcification threshold in Hounsfield units
		ThresholdHU float64 `yaml:"thresholdHU"`

		// Connectivity selects 6- or 26-neighborhood lesion grouping
		Connectivity int `yaml:"connectivity"`

		// MinLesionAreaMM2 rejects per-slice lesion contributions below
		// this area, filtering single-voxel noise
		MinLesionAreaMM2 float64 `yaml:"minLesionAreaMM2"`
	} `yaml:"calcium"`

	// Perfusion analysis parameters
	Perfusion struct {
		// Regularization is the relative singular-value cutoff for the
		// truncated-SVD deconvolution
		Regularization float64 `yaml:"regularization"`

		// Calibration scales residue amplitudes into flow units
		Calibration float64 `yaml:"calibration"`

		// FlowBelow flags voxels with flow under this bound as abnormal
		FlowBelow float64 `yaml:"flowBelow"`

		// TransitAbove flags voxels with transit time over this bound
		// (seconds) as abnormal
		TransitAbove float64 `yaml:"transitAbove"`
	} `yaml:"perfusion"`

	// Overlay compositing parameters
	Overlay struct {
		// Opacity is the default blend opacity for label fills
		Opacity float64 `yaml:"opacity"`
	} `yaml:"overlay"`

	// Job orchestration parameters
	Jobs struct {
		// MaxQueued caps the number of jobs waiting for a worker
		MaxQueued int `yaml:"maxQueued"`

		// RetainFor is how long terminal jobs are kept before a cleanup
		// sweep may remove them
		RetainFor time.Duration `yaml:"retainFor"`
	} `yaml:"jobs"`

	// Logging parameters
	Logging struct {
		// Level is the zerolog level name (trace/debug/info/warn/error)
		Level string `yaml:"level"`

		// Console switches from JSON to human-readable output
		Console bool `yaml:"console"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values. The clinical
// constants follow the standard calcium scoring protocol and typical
// perfusion reference ranges.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = 4
	cfg.Processing.ComputeLanes = runtime.NumCPU()
	cfg.Processing.ComputeTimeout = 5 * time.Minute

	cfg.Calcium.ThresholdHU = 130
	cfg.Calcium.Connectivity = 26
	cfg.Calcium.MinLesionAreaMM2 = 1.0

	cfg.Perfusion.Regularization = 0.1
	cfg.Perfusion.Calibration = 1.0
	cfg.Perfusion.FlowBelow = 0.8
	cfg.Perfusion.TransitAbove = 8.0

	cfg.Overlay.Opacity = 0.5

	cfg.Jobs.MaxQueued = 1024
	cfg.Jobs.RetainFor = 24 * time.Hour

	cfg.Logging.Level = "info"
	cfg.Logging.Console = true

	return cfg
}

// LoadConfig loads configuration from a YAML file, overlaying it onto the
// defaults. If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
