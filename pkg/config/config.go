// Package config provides configuration loading and management for hyperstacker.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/grouping"
	"hyperstacker/pkg/mosaic"
	"hyperstacker/pkg/serpentine"
)

// MaxChannels is the number of acquisition channels that can be assigned a colour.
const MaxChannels = 5

// Duration is a time.Duration written as a string such as "100ms" or "2m".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// IndexList is a list of tile indices that may be written either as a list
// or as a comma-separated string ("0,35,70").
type IndexList []int

func (l *IndexList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return l.UnmarshalText([]byte(node.Value))
	}
	var list []int
	if err := node.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

func (l IndexList) MarshalText() ([]byte, error) {
	parts := make([]string, len(l))
	for i, n := range l {
		parts[i] = strconv.Itoa(n)
	}
	return []byte(strings.Join(parts, ",")), nil
}

func (l *IndexList) UnmarshalText(text []byte) error {
	list, err := mosaic.ParseFirstIndices(string(text))
	if err != nil {
		return err
	}
	*l = list
	return nil
}

// Config represents the application configuration
type Config struct {
	// Channels assigns an output colour to acquisition channels ch0..ch4.
	// An empty colour leaves the channel out of the merge.
	Channels []models.ChannelColor `yaml:"channels" toml:"channels"`

	// NameKey must appear in a file name for the file to be catalogued
	NameKey string `yaml:"nameKey" toml:"nameKey"`

	Catalog struct {
		// OutputSuffix is appended to the raw directory name to form the merge output directory
		OutputSuffix string `yaml:"outputSuffix" toml:"outputSuffix"`

		// StrictDensity rejects catalogs with gaps in the FOV, channel or slice numbering
		StrictDensity bool `yaml:"strictDensity" toml:"strictDensity"`

		// Extensions lists the accepted file extensions
		Extensions []string `yaml:"extensions" toml:"extensions"`
	} `yaml:"catalog" toml:"catalog"`

	Engine struct {
		// PollInterval is how often a pending image is checked
		PollInterval Duration `yaml:"pollInterval" toml:"pollInterval"`

		// OpenTimeout bounds the wait for an image to open
		OpenTimeout Duration `yaml:"openTimeout" toml:"openTimeout"`

		// AsyncOpen lets the engine decode images in the background
		AsyncOpen bool `yaml:"asyncOpen" toml:"asyncOpen"`
	} `yaml:"engine" toml:"engine"`

	Grid struct {
		Columns             int       `yaml:"columns" toml:"columns"`
		TotalRows           int       `yaml:"totalRows" toml:"totalRows"`
		RowsPerPartition    int       `yaml:"rowsPerPartition" toml:"rowsPerPartition"`
		RowsInLastPartition int       `yaml:"rowsInLastPartition" toml:"rowsInLastPartition"`
		TileOverlapPercent  float64   `yaml:"tileOverlapPercent" toml:"tileOverlapPercent"`
		FirstTileIndices    IndexList `yaml:"firstTileIndices,omitempty" toml:"firstTileIndices,omitempty"`
	} `yaml:"grid" toml:"grid"`

	Serpentine struct {
		// Mode is "analytic" or "table"
		Mode      string `yaml:"mode" toml:"mode"`
		Corner    string `yaml:"corner" toml:"corner"`
		Direction string `yaml:"direction" toml:"direction"`
		Pattern   string `yaml:"pattern" toml:"pattern"`

		// Table is a YAML table file or the name of a built-in preset
		Table string `yaml:"table,omitempty" toml:"table,omitempty"`

		FromPrefix string `yaml:"fromPrefix" toml:"fromPrefix"`
		ToPrefix   string `yaml:"toPrefix" toml:"toPrefix"`
	} `yaml:"serpentine" toml:"serpentine"`

	Projection struct {
		Enabled bool `yaml:"enabled" toml:"enabled"`

		// Prefix is prepended to the projected file name
		Prefix string `yaml:"prefix" toml:"prefix"`

		// Preview also writes a JPEG colour composite of each projection
		Preview bool `yaml:"preview" toml:"preview"`
	} `yaml:"projection" toml:"projection"`

	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level" toml:"level"`

		// File enables a rotating log file in addition to stderr
		File       string `yaml:"file,omitempty" toml:"file,omitempty"`
		MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
		MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
		MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
		JSON       bool   `yaml:"json" toml:"json"`
	} `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Three-colour acquisition, the common case
	cfg.Channels = []models.ChannelColor{models.Red, models.Green, models.Blue, models.Unset, models.Unset}

	cfg.Catalog.OutputSuffix = "_Merged"
	cfg.Catalog.StrictDensity = true
	cfg.Catalog.Extensions = []string{".tif", ".tiff"}

	cfg.Engine.PollInterval = Duration{100 * time.Millisecond}
	cfg.Engine.OpenTimeout = Duration{2 * time.Minute}

	// Ibidi channel slide at 40x: 7 columns, 80 rows in bands of 5
	cfg.Grid.Columns = 7
	cfg.Grid.TotalRows = 80
	cfg.Grid.RowsPerPartition = 5
	cfg.Grid.RowsInLastPartition = 5
	cfg.Grid.TileOverlapPercent = 20

	cfg.Serpentine.Mode = "analytic"
	cfg.Serpentine.Corner = "top-left"
	cfg.Serpentine.Direction = "horizontal"
	cfg.Serpentine.Pattern = "serpentine"
	cfg.Serpentine.FromPrefix = "FOV_"
	cfg.Serpentine.ToPrefix = "Image_"

	cfg.Projection.Enabled = true
	cfg.Projection.Prefix = "MAX_"

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 50
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.MaxBackups = 3

	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
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

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
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

// Assignments returns the selected channels in merge order: by composite
// slot (Red, Green, Blue, Gray, Cyan, Magenta), as the merge command lays
// them out.
func (c *Config) Assignments() []grouping.ChannelAssignment {
	var out []grouping.ChannelAssignment
	for ch, color := range c.Channels {
		if color != models.Unset {
			out = append(out, grouping.ChannelAssignment{Channel: ch, Color: color})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Color.MergeSlot() < out[j].Color.MergeSlot()
	})
	return out
}

// StitchColors returns the colour of every channel of a merged volume, in
// the order the channels appear in it.
func (c *Config) StitchColors() []models.ChannelColor {
	var out []models.ChannelColor
	for _, a := range c.Assignments() {
		out = append(out, a.Color)
	}
	return out
}

// Partitions computes the mosaic plan of the grid section.
func (c *Config) Partitions() ([]mosaic.Partition, error) {
	g := c.Grid
	parts, err := mosaic.Plan(g.TotalRows, g.RowsPerPartition, g.RowsInLastPartition, g.Columns)
	if err != nil {
		return nil, err
	}
	if err := mosaic.CheckFirstIndices(parts, g.FirstTileIndices); err != nil {
		return nil, err
	}
	return parts, nil
}

// Mapper builds the serpentine mapper of the serpentine section.
func (c *Config) Mapper() (serpentine.Mapper, error) {
	s := c.Serpentine
	switch strings.ToLower(s.Mode) {
	case "table":
		if s.Table == "" {
			return nil, errors.New("serpentine mode is table but no table is configured")
		}
		return serpentine.LoadTable(s.Table)
	case "analytic", "":
		corner, err := models.ParseScanCorner(s.Corner)
		if err != nil {
			return nil, err
		}
		dir, err := models.ParseScanDirection(s.Direction)
		if err != nil {
			return nil, err
		}
		pattern, err := models.ParseScanPattern(s.Pattern)
		if err != nil {
			return nil, err
		}
		return serpentine.Analytic{
			Columns:   c.Grid.Columns,
			Rows:      c.Grid.TotalRows,
			Corner:    corner,
			Direction: dir,
			Pattern:   pattern,
		}, nil
	}
	return nil, fmt.Errorf("unknown serpentine mode %q (want analytic or table)", s.Mode)
}

// Validate checks the configuration before any processing starts.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Channels) > MaxChannels {
		errs = append(errs, fmt.Errorf("%d channels configured, at most %d are supported", len(c.Channels), MaxChannels))
	}
	seen := map[models.ChannelColor]int{}
	for ch, color := range c.Channels {
		if color == models.Unset {
			continue
		}
		if prev, ok := seen[color]; ok {
			errs = append(errs, fmt.Errorf("channels %d and %d are both %s", prev, ch, color))
		}
		seen[color] = ch
	}
	if len(seen) == 0 {
		errs = append(errs, errors.New("no channel has a colour assigned"))
	}

	if c.Engine.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("engine.pollInterval must be positive"))
	}
	if c.Engine.OpenTimeout.Duration < 0 {
		errs = append(errs, errors.New("engine.openTimeout must not be negative"))
	}

	if c.Grid.TileOverlapPercent < 0 || c.Grid.TileOverlapPercent >= 100 {
		errs = append(errs, fmt.Errorf("grid.tileOverlapPercent %.1f out of range [0, 100)", c.Grid.TileOverlapPercent))
	}
	if _, err := c.Partitions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Mapper(); err != nil {
		errs = append(errs, err)
	}
	if c.Serpentine.FromPrefix == "" || c.Serpentine.FromPrefix == c.Serpentine.ToPrefix {
		errs = append(errs, fmt.Errorf("serpentine prefixes %q and %q must be distinct and non-empty",
			c.Serpentine.FromPrefix, c.Serpentine.ToPrefix))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}
