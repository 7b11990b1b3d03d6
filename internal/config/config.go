package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/avsg/internal/fsutil"
)

// Dir is the directory, relative to the working directory, holding the
// named YAML configurations.
const Dir = "configs"

// DefaultDatasetDirFile is the file, relative to the working directory, whose
// single trimmed line is the dataset root.
const DefaultDatasetDirFile = "../dataset_dir.txt"

// ErrSourceNotFound is returned by Source when the requested block is absent.
var ErrSourceNotFound = errors.New("source not found in config")

// Config is the root of a scene export configuration. Named source blocks
// (train_data_loader, val_data_loader, ...) sit beside the fixed sections at
// the top level of the file.
type Config struct {
	FormatVersion        int                     `yaml:"format_version"`
	ModelParams          ModelParams             `yaml:"model_params"`
	RasterParams         RasterParams            `yaml:"raster_params"`
	DataGenerationParams DataGenerationParams    `yaml:"data_generation_params"`
	Sources              map[string]SourceConfig `yaml:",inline"`
}

// ModelParams describes the temporal window around the sampled frame.
type ModelParams struct {
	HistoryNumFrames int     `yaml:"history_num_frames"`
	FutureNumFrames  int     `yaml:"future_num_frames"`
	StepTime         float64 `yaml:"step_time"`
}

// RasterParams locates the semantic map and sets the agent label filter.
type RasterParams struct {
	SemanticMapKey        string   `yaml:"semantic_map_key"`
	FilterAgentsThreshold *float64 `yaml:"filter_agents_threshold,omitempty"`
}

// DataGenerationParams controls which agents the vectorizer retrieves.
type DataGenerationParams struct {
	OtherAgentsNum    *int       `yaml:"other_agents_num,omitempty"`
	MaxAgentsDistance *float64   `yaml:"max_agents_distance,omitempty"`
	LaneParams        LaneParams `yaml:"lane_params"`
}

// LaneParams caps the map elements the vectorizer retrieves.
type LaneParams struct {
	MaxNumLanes           *int     `yaml:"max_num_lanes,omitempty"`
	MaxPointsPerLane      *int     `yaml:"max_points_per_lane,omitempty"`
	MaxNumCrosswalks      *int     `yaml:"max_num_crosswalks,omitempty"`
	MaxPointsPerCrosswalk *int     `yaml:"max_points_per_crosswalk,omitempty"`
	MaxRetrievalDistanceM *float64 `yaml:"max_retrieval_distance_m,omitempty"`
}

// SourceConfig is a named dataset block. Key is resolved by the data manager
// relative to the dataset root.
type SourceConfig struct {
	Key        string `yaml:"key"`
	BatchSize  int    `yaml:"batch_size"`
	Shuffle    bool   `yaml:"shuffle"`
	NumWorkers int    `yaml:"num_workers"`
}

// Path returns the location of the named configuration under workDir.
func Path(workDir, name string) string {
	return filepath.Join(workDir, Dir, name+".yaml")
}

// Load reads a Config from a YAML file on the local filesystem.
func Load(path string) (*Config, error) {
	return LoadFile(fsutil.OSFileSystem{}, path)
}

// LoadFile reads a Config from a YAML file on fsys.
// The file is validated to ensure it has a .yaml/.yml extension and is under
// the max file size.
func LoadFile(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.FormatVersion < 0 {
		return fmt.Errorf("format_version must be non-negative, got %d", c.FormatVersion)
	}
	if t := c.RasterParams.FilterAgentsThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("filter_agents_threshold must be between 0 and 1, got %f", *t)
	}

	dg := c.DataGenerationParams
	for name, v := range map[string]*int{
		"other_agents_num":         dg.OtherAgentsNum,
		"max_num_lanes":            dg.LaneParams.MaxNumLanes,
		"max_points_per_lane":      dg.LaneParams.MaxPointsPerLane,
		"max_num_crosswalks":       dg.LaneParams.MaxNumCrosswalks,
		"max_points_per_crosswalk": dg.LaneParams.MaxPointsPerCrosswalk,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}
	if v := dg.MaxAgentsDistance; v != nil && *v < 0 {
		return fmt.Errorf("max_agents_distance must be non-negative, got %f", *v)
	}
	if v := dg.LaneParams.MaxRetrievalDistanceM; v != nil && *v < 0 {
		return fmt.Errorf("max_retrieval_distance_m must be non-negative, got %f", *v)
	}
	return nil
}

// Source returns the named dataset block.
func (c *Config) Source(name string) (SourceConfig, error) {
	src, ok := c.Sources[name]
	if !ok {
		return SourceConfig{}, fmt.Errorf("%w: %q (available: %s)", ErrSourceNotFound, name, strings.Join(c.SourceNames(), ", "))
	}
	if src.Key == "" {
		return SourceConfig{}, fmt.Errorf("source %q has no key", name)
	}
	return src, nil
}

// SourceNames lists the dataset blocks in sorted order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSemanticMapKey returns the semantic map key or the default.
func (c *Config) GetSemanticMapKey() string {
	if c.RasterParams.SemanticMapKey == "" {
		return "semantic_map/semantic_map.db"
	}
	return c.RasterParams.SemanticMapKey
}

// GetFilterAgentsThreshold returns the filter_agents_threshold value or the default.
func (c *Config) GetFilterAgentsThreshold() float64 {
	if c.RasterParams.FilterAgentsThreshold == nil {
		return 0.5 // default
	}
	return *c.RasterParams.FilterAgentsThreshold
}

// GetOtherAgentsNum returns the other_agents_num value or the default.
func (c *Config) GetOtherAgentsNum() int {
	if c.DataGenerationParams.OtherAgentsNum == nil {
		return 30 // default
	}
	return *c.DataGenerationParams.OtherAgentsNum
}

// GetMaxAgentsDistance returns the max_agents_distance value or the default.
func (c *Config) GetMaxAgentsDistance() float64 {
	if c.DataGenerationParams.MaxAgentsDistance == nil {
		return 35 // default
	}
	return *c.DataGenerationParams.MaxAgentsDistance
}

// GetMaxNumLanes returns the max_num_lanes value or the default.
func (c *Config) GetMaxNumLanes() int {
	return intOr(c.DataGenerationParams.LaneParams.MaxNumLanes, 30)
}

// GetMaxPointsPerLane returns the max_points_per_lane value or the default.
func (c *Config) GetMaxPointsPerLane() int {
	return intOr(c.DataGenerationParams.LaneParams.MaxPointsPerLane, 20)
}

// GetMaxNumCrosswalks returns the max_num_crosswalks value or the default.
func (c *Config) GetMaxNumCrosswalks() int {
	return intOr(c.DataGenerationParams.LaneParams.MaxNumCrosswalks, 20)
}

// GetMaxPointsPerCrosswalk returns the max_points_per_crosswalk value or the default.
func (c *Config) GetMaxPointsPerCrosswalk() int {
	return intOr(c.DataGenerationParams.LaneParams.MaxPointsPerCrosswalk, 20)
}

// GetMaxRetrievalDistance returns the max_retrieval_distance_m value or the default.
func (c *Config) GetMaxRetrievalDistance() float64 {
	if c.DataGenerationParams.LaneParams.MaxRetrievalDistanceM == nil {
		return 35 // default
	}
	return *c.DataGenerationParams.LaneParams.MaxRetrievalDistanceM
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// ReadDatasetRoot reads the dataset root from a single-line text file,
// trimming surrounding whitespace.
func ReadDatasetRoot(fsys fsutil.FileSystem, path string) (string, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read dataset root: %w", err)
	}
	root := strings.TrimSpace(string(data))
	if root == "" {
		return "", fmt.Errorf("dataset root file %s is empty", path)
	}
	return root, nil
}
