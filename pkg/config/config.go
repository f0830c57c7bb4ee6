// Package config provides configuration loading and management for volprep.
// It handles loading configuration from YAML files, provides default values
// and validates the settings before any dataset is built.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"volprep/internal/models"
)

// Spacing is an optional per-axis voxel size. A nil Spacing means "auto":
// the common spacing is estimated from the dataset.
type Spacing []float64

// UnmarshalYAML accepts a list of three numbers, null, or the string "auto".
func (s *Spacing) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if value.Tag == "!!null" || strings.EqualFold(value.Value, "auto") || strings.EqualFold(value.Value, "none") {
			*s = nil
			return nil
		}
		return fmt.Errorf("line %d: common spacing must be a list of 3 numbers or auto, got %q", value.Line, value.Value)
	}
	var vals []float64
	if err := value.Decode(&vals); err != nil {
		return err
	}
	*s = vals
	return nil
}

// MarshalYAML writes "auto" for an unset spacing.
func (s Spacing) MarshalYAML() (interface{}, error) {
	if s == nil {
		return "auto", nil
	}
	return []float64(s), nil
}

// Array returns the spacing as a fixed array. ok is false when unset.
func (s Spacing) Array() (arr [3]float64, ok bool) {
	if len(s) != 3 {
		return arr, false
	}
	copy(arr[:], s)
	return arr, true
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// DataRoot is the directory holding all datasets
	DataRoot string `yaml:"data_root"`

	// DatasetName is the dataset directory under DataRoot
	DatasetName string `yaml:"dataset_name"`

	// TableFileName is the CSV sample table inside the dataset directory
	TableFileName string `yaml:"table_file_name"`

	// SplitsColumn names the table column holding train/val/test labels.
	// Empty means splits are computed and not persisted.
	SplitsColumn string `yaml:"splits_column"`

	// VolumeExt is the volume file extension
	VolumeExt string `yaml:"volume_ext"`

	BatchSize int   `yaml:"batch_size"`
	Seed      int64 `yaml:"seed"`

	// CommonSpacing is the resampling target; unset means estimate it
	CommonSpacing Spacing `yaml:"common_spacing"`

	// SpacingSamples bounds how many headers the spacing estimator reads
	SpacingSamples int `yaml:"spacing_samples"`

	// MaxWindowLen is the temporal window length used in training mode
	MaxWindowLen *int `yaml:"max_window_len"`

	// MaxBatchSize caps the number of windows cut from one sample
	MaxBatchSize *int `yaml:"max_batch_size"`

	// MaxTensorVolume is the largest voxel count loaded in training mode
	MaxTensorVolume int `yaml:"max_tensor_volume"`

	// ShapeDivisibleBy is the per-axis divisibility factor
	ShapeDivisibleBy [3]int `yaml:"shape_divisible_by"`

	// UseDatasetFraction down-samples every split, in (0, 1]
	UseDatasetFraction float64 `yaml:"use_dataset_fraction"`

	// WorkerCount is the number of concurrent sample loaders
	WorkerCount int  `yaml:"worker_count"`
	PinMemory   bool `yaml:"pin_memory"`

	// ReadTimeout bounds a single sample's file reads; zero disables it
	ReadTimeout time.Duration `yaml:"read_timeout"`

	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`

		// File enables a rotating log file in addition to stderr
		File string `yaml:"file"`

		// MaxSize is the rotation size in megabytes
		MaxSize int `yaml:"max_size"`

		// MaxAge is the retention in days
		MaxAge int `yaml:"max_age"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.DataRoot = "data"
	cfg.TableFileName = "subset.csv"
	cfg.VolumeExt = "nii.gz"
	cfg.BatchSize = 1
	cfg.SpacingSamples = 100
	cfg.MaxTensorVolume = 5000000
	cfg.ShapeDivisibleBy = [3]int{32, 32, 4}
	cfg.UseDatasetFraction = 1.0
	cfg.WorkerCount = max(runtime.NumCPU()-1, 1)
	cfg.PinMemory = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 28

	return cfg
}

// DatasetPath returns <data_root>/<dataset_name>.
func (c *Config) DatasetPath() string {
	return filepath.Join(c.DataRoot, c.DatasetName)
}

// TablePath returns the path of the sample table.
func (c *Config) TablePath() string {
	return filepath.Join(c.DatasetPath(), c.TableFileName)
}

// Validate checks the settings that would otherwise fail deep inside the
// pipeline. Every failure is a *models.ConfigurationError.
func (c *Config) Validate() error {
	for i, f := range c.ShapeDivisibleBy {
		if f <= 0 {
			return models.NewConfigurationError("shape_divisible_by", "factor %d must be positive, got %d", i, f)
		}
	}
	if c.CommonSpacing != nil {
		if len(c.CommonSpacing) != 3 {
			return models.NewConfigurationError("common_spacing", "need 3 values, got %d", len(c.CommonSpacing))
		}
		for i, s := range c.CommonSpacing {
			if s <= 0 {
				return models.NewConfigurationError("common_spacing", "axis %d must be positive, got %g", i, s)
			}
		}
	}
	if c.MaxWindowLen != nil && *c.MaxWindowLen <= 0 {
		return models.NewConfigurationError("max_window_len", "must be positive when set, got %d", *c.MaxWindowLen)
	}
	if c.MaxBatchSize != nil && *c.MaxBatchSize <= 0 {
		return models.NewConfigurationError("max_batch_size", "must be positive when set, got %d", *c.MaxBatchSize)
	}
	if c.MaxTensorVolume <= 0 {
		return models.NewConfigurationError("max_tensor_volume", "must be positive, got %d", c.MaxTensorVolume)
	}
	if c.SpacingSamples <= 0 {
		return models.NewConfigurationError("spacing_samples", "must be positive, got %d", c.SpacingSamples)
	}
	if c.BatchSize <= 0 {
		return models.NewConfigurationError("batch_size", "must be positive, got %d", c.BatchSize)
	}
	if c.TableFileName == "" {
		return models.NewConfigurationError("table_file_name", "must not be empty")
	}
	if c.ReadTimeout < 0 {
		return models.NewConfigurationError("read_timeout", "must not be negative")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
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

// SaveConfig saves the configuration to a YAML file
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
