// Package config holds the shared CLI configuration for the pipeline
// stages. Precedence is flags over environment over file over defaults;
// the changed map carries which flags were set explicitly.
package config

import (
	"fmt"
	"strconv"
	"time"
)

const (
	DefaultCaptureEndpoint   = "tcp://127.0.0.1:5555"
	DefaultProcessedEndpoint = "tcp://127.0.0.1:5556"
)

// Config holds CLI configuration for imgpipe.
type Config struct {
	CaptureEndpoint   string
	ProcessedEndpoint string
	HighWaterMark     int
	ReceiveTimeout    time.Duration
	SettleDelay       time.Duration

	SourceDir   string
	SourceLoop  bool
	SourceWatch bool
	FrameDelay  time.Duration

	SynthCount  int
	SynthWidth  int
	SynthHeight int
	SynthSeed   int64

	CellSize    int
	MinContrast float64
	MaxFeatures int

	DBPath     string
	JournalDir string

	MonitorAddr string
	Debug       bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		CaptureEndpoint:   DefaultCaptureEndpoint,
		ProcessedEndpoint: DefaultProcessedEndpoint,
		HighWaterMark:     1000,
		ReceiveTimeout:    500 * time.Millisecond,
		SettleDelay:       100 * time.Millisecond,
		FrameDelay:        33 * time.Millisecond,
		SynthCount:        100,
		SynthWidth:        640,
		SynthHeight:       480,
		SynthSeed:         1,
		CellSize:          16,
		MinContrast:       12,
		MaxFeatures:       512,
		DBPath:            "imgpipe.db",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.CaptureEndpoint == "" {
		return fmt.Errorf("capture endpoint is required")
	}
	if c.ProcessedEndpoint == "" {
		return fmt.Errorf("processed endpoint is required")
	}
	if c.HighWaterMark <= 0 {
		return fmt.Errorf("high-water mark must be positive")
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("receive timeout must be positive")
	}
	if c.CellSize <= 0 {
		return fmt.Errorf("cell size must be positive")
	}
	if c.MaxFeatures <= 0 {
		return fmt.Errorf("max features must be positive")
	}
	if c.SynthWidth <= 0 || c.SynthHeight <= 0 {
		return fmt.Errorf("synthetic image dimensions must be positive")
	}
	return nil
}

// configSetter applies values while respecting flag precedence: a value
// is skipped when its flag was set explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
