// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates and watches the skyimager YAML
// configuration.
//
// An embedded default.yaml supplies every value; a user file only needs
// the keys it changes.
package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/skyimager/pkg/logging"
	"github.com/AleutianAI/skyimager/pkg/validation"
	"github.com/AleutianAI/skyimager/services/imager/calibration"
	"github.com/AleutianAI/skyimager/services/imager/deconvolve"
	"github.com/AleutianAI/skyimager/services/imager/graphs"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/kernel"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/simulate"
	"github.com/AleutianAI/skyimager/services/imager/telemetry"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full configuration surface.
type Config struct {
	Pipeline      PipelineConfig      `yaml:"pipeline" json:"pipeline"`
	Image         ImageConfig         `yaml:"image" json:"image"`
	Partition     PartitionConfig     `yaml:"partition" json:"partition"`
	Imaging       ImagingConfig       `yaml:"imaging" json:"imaging"`
	Deconvolution DeconvolutionConfig `yaml:"deconvolution" json:"deconvolution"`
	SelfCal       SelfCalConfig       `yaml:"selfcal" json:"selfcal"`
	Coalesce      CoalesceConfig      `yaml:"coalesce" json:"coalesce"`
	Simulation    simulate.Config     `yaml:"simulation" json:"simulation"`
	Telemetry     telemetry.Config    `yaml:"telemetry" json:"telemetry"`
	Store         StoreConfig         `yaml:"store" json:"store"`
	Export        ExportConfig        `yaml:"export" json:"export"`
	Server        ServerConfig        `yaml:"server" json:"server"`
	Log           LogConfig           `yaml:"log" json:"log"`
}

type PipelineConfig struct {
	NMajor      int           `yaml:"nmajor" json:"nmajor" validate:"gte=0"`
	Workers     int           `yaml:"workers" json:"workers" validate:"gte=0"`
	NodeTimeout time.Duration `yaml:"node_timeout" json:"node_timeout" validate:"gte=0"`
}

type ImageConfig struct {
	NPixel   int     `yaml:"npixel" json:"npixel" validate:"gt=0"`
	CellSize float64 `yaml:"cellsize" json:"cellsize" validate:"gt=0"`
}

type PartitionConfig struct {
	Axis  visibility.Axis `yaml:"axis" json:"axis" validate:"oneof=time wplane frequency none"`
	Count int             `yaml:"count" json:"count" validate:"gte=0"`
}

type ImagingConfig struct {
	Strategy  kernel.Strategy      `yaml:"strategy" json:"strategy"`
	VisSlices int                  `yaml:"vis_slices" json:"vis_slices" validate:"gte=0"`
	Facets    int                  `yaml:"facets" json:"facets" validate:"gte=0"`
	Weighting visibility.Weighting `yaml:"weighting" json:"weighting" validate:"oneof=natural uniform"`
}

// DeconvolutionConfig holds the minor-cycle parameters. Threshold is
// absolute, in Jy/beam: it stops each minor cycle, and the run converges
// once the residual peak falls below it.
type DeconvolutionConfig struct {
	Algorithm           deconvolve.Algorithm  `yaml:"algorithm" json:"algorithm" validate:"oneof=hogbom msclean"`
	Niter               int                   `yaml:"niter" json:"niter" validate:"gte=0"`
	Gain                float64               `yaml:"gain" json:"gain" validate:"gt=0,lte=1"`
	Threshold           float64               `yaml:"threshold" json:"threshold" validate:"gte=0"`
	FractionalThreshold float64               `yaml:"fractional_threshold" json:"fractional_threshold" validate:"gte=0,lt=1"`
	Scales              []float64             `yaml:"scales" json:"scales" validate:"dive,gte=0"`
	Mode                graphs.DeconvolveMode `yaml:"mode" json:"mode" validate:"oneof=whole facets channels"`
	Channels            int                   `yaml:"channels" json:"channels" validate:"gte=0"`
}

type SelfCalConfig struct {
	Enabled        bool                  `yaml:"enabled" json:"enabled"`
	FirstCycle     int                   `yaml:"first_selfcal" json:"first_selfcal" validate:"gte=0"`
	GlobalSolution bool                  `yaml:"global_solution" json:"global_solution"`
	Solve          calibration.SolveMode `yaml:"solve" json:"solve" validate:"oneof=phase amplitude_phase"`
	RefAnt         int                   `yaml:"refant" json:"refant" validate:"gte=0"`
	MaxIter        int                   `yaml:"max_iter" json:"max_iter" validate:"gt=0"`
	Tol            float64               `yaml:"tol" json:"tol" validate:"gt=0"`
	Damping        float64               `yaml:"damping" json:"damping" validate:"gt=0,lte=1"`
	Interval       float64               `yaml:"interval" json:"interval" validate:"gte=0"`
	PerChannel     bool                  `yaml:"per_channel" json:"per_channel"`
}

type CoalesceConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	TimeTolerance      float64 `yaml:"time_tolerance" json:"time_tolerance" validate:"gte=0"`
	FrequencyTolerance float64 `yaml:"frequency_tolerance" json:"frequency_tolerance" validate:"gte=0"`
}

// StoreConfig locates the run ledger. An empty Path keeps it in memory.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

type ExportConfig struct {
	// Dir receives FITS files. Empty disables the file sink.
	Dir    string       `yaml:"dir" json:"dir"`
	GCS    GCSConfig    `yaml:"gcs" json:"gcs"`
	Influx InfluxConfig `yaml:"influx" json:"influx"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

type InfluxConfig struct {
	URL    string `yaml:"url" json:"url" validate:"omitempty,url"`
	Token  string `yaml:"token" json:"-"`
	Org    string `yaml:"org" json:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" json:"bucket" validate:"required_with=URL"`
}

type ServerConfig struct {
	Addr              string  `yaml:"addr" json:"addr" validate:"required"`
	RateLimit         float64 `yaml:"rate_limit" json:"rate_limit" validate:"gt=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"gte=1"`
	MaxConcurrentRuns int     `yaml:"max_concurrent_runs" json:"max_concurrent_runs" validate:"gte=1"`
}

// LogConfig maps onto logging.Config.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=auto text json"`
	Dir    string `yaml:"dir" json:"dir"`
}

// Logging converts the log section into a logger configuration.
func (c *Config) Logging(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:   level,
		Dir:     c.Log.Dir,
		Service: service,
		Format:  c.Log.Format,
	}
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(defaultYAML, cfg); err != nil {
		return nil, fmt.Errorf("embedded defaults: %w", err)
	}
	return cfg, nil
}

// DefaultYAML returns the embedded default file.
func DefaultYAML() []byte {
	return bytes.Clone(defaultYAML)
}

// Parse overlays data on the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path and overlays it on the defaults. An empty path returns
// the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// decode rejects unknown keys so a typo never silently keeps a default.
func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate runs the struct tags and the cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := kernel.Describe(c.Imaging.Strategy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Simulation.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	spec, _ := kernel.Describe(c.Imaging.Strategy)
	facets := c.Imaging.Facets
	if facets > 1 && (spec.Faceted || c.Deconvolution.Mode == graphs.DeconvolveFacets) && c.Image.NPixel%facets != 0 {
		return fmt.Errorf("%w: %d facets do not divide %d pixels", ErrInvalidConfig, facets, c.Image.NPixel)
	}
	if err := validation.ValidatePrefix(c.Export.GCS.Prefix); err != nil {
		return fmt.Errorf("%w: export.gcs.prefix: %w", ErrInvalidConfig, err)
	}
	if c.SelfCal.RefAnt >= c.Simulation.NAnt {
		return fmt.Errorf("%w: refant %d with %d antennas", ErrInvalidConfig, c.SelfCal.RefAnt, c.Simulation.NAnt)
	}
	for i, comp := range c.Simulation.Components {
		if err := comp.Validate(c.Simulation.NPol); err != nil {
			return fmt.Errorf("%w: component %d: %w", ErrInvalidConfig, i, err)
		}
	}
	if _, err := c.Settings(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Geometry is the image grid: the configured pixels over the observed
// channels, polarisations and phase centre.
func (c *Config) Geometry() image.Geometry {
	sim := c.Simulation
	return image.NewGeometry(c.Image.NPixel, c.Image.CellSize, sim.Frequencies, sim.NPol, sim.Phase)
}

// Solver builds the antenna gain solver from the selfcal section.
func (c *Config) Solver() *calibration.AntennaSolver {
	s := c.SelfCal
	return &calibration.AntennaSolver{
		Mode:       s.Solve,
		RefAnt:     s.RefAnt,
		MaxIter:    s.MaxIter,
		Tol:        s.Tol,
		Damping:    s.Damping,
		Interval:   s.Interval,
		PerChannel: s.PerChannel,
	}
}

// Settings converts the configuration into pipeline settings.
func (c *Config) Settings() (pipeline.Settings, error) {
	d := c.Deconvolution
	s := pipeline.Settings{
		Geometry:      c.Geometry(),
		Strategy:      c.Imaging.Strategy,
		VisSlices:     c.Imaging.VisSlices,
		Facets:        c.Imaging.Facets,
		PartitionAxis: c.Partition.Axis,
		Partitions:    c.Partition.Count,
		Weighting:     c.Imaging.Weighting,
		Clean: deconvolve.Params{
			Algorithm:           d.Algorithm,
			Niter:               d.Niter,
			Gain:                d.Gain,
			Threshold:           d.Threshold,
			FractionalThreshold: d.FractionalThreshold,
			Scales:              d.Scales,
		},
		DeconvolveMode:     d.Mode,
		DeconvolveChannels: d.Channels,
		NMajor:             c.Pipeline.NMajor,
		SelfCal: pipeline.SelfCal{
			Enabled:        c.SelfCal.Enabled,
			FirstCycle:     c.SelfCal.FirstCycle,
			GlobalSolution: c.SelfCal.GlobalSolution,
			Solver:         c.Solver(),
		},
		Coalesce: pipeline.Coalesce{
			Enabled:            c.Coalesce.Enabled,
			TimeTolerance:      c.Coalesce.TimeTolerance,
			FrequencyTolerance: c.Coalesce.FrequencyTolerance,
		},
		Workers:     c.Pipeline.Workers,
		NodeTimeout: c.Pipeline.NodeTimeout,
	}
	if err := s.Validate(); err != nil {
		return pipeline.Settings{}, err
	}
	return s, nil
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash identifies the effective configuration in run records.
func (c *Config) Hash() string {
	data, err := c.YAML()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Clone returns a deep copy through the YAML form.
func (c *Config) Clone() (*Config, error) {
	data, err := c.YAML()
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
