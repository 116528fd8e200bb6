package evoagent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ──────────────────────────────────────────────
// Engine configuration
// ──────────────────────────────────────────────

// EngineConfig tunes trigger cadence and bounds. Zero values fall back to
// the defaults from DefaultEngineConfig during validation.
type EngineConfig struct {
	SessionID string

	// StageThresholds are the cumulative exchange counts per growth stage.
	StageThresholds []int

	// CycleInterval admits a meta-learning cycle every N exchanges since the
	// last one, independent of stage thresholds.
	CycleInterval int

	// EchoInterval admits an echo synthesis every N bot replies.
	EchoInterval int

	// Spark admission probability: base + stage * factor, stage >= 1 only.
	SparkBaseProbability float64
	SparkStageFactor     float64

	// StaggerDelay defers admitted background tasks so they do not visually
	// compete with the main response render. Not a correctness mechanism.
	StaggerDelay time.Duration

	// RecentWindow bounds the message window handed to the summarizer.
	RecentWindow int

	// MemoryCap bounds the crystallized-memory set.
	MemoryCap int

	// TraceEnabled turns on cycle audit spans.
	TraceEnabled bool
}

// fileConfig is the YAML schema for LoadEngineConfig. Durations are Go
// duration strings ("400ms", "2s").
type fileConfig struct {
	SessionID            string  `yaml:"session_id"`
	StageThresholds      []int   `yaml:"stage_thresholds"`
	CycleInterval        int     `yaml:"cycle_interval"`
	EchoInterval         int     `yaml:"echo_interval"`
	SparkBaseProbability float64 `yaml:"spark_base_probability"`
	SparkStageFactor     float64 `yaml:"spark_stage_factor"`
	StaggerDelay         string  `yaml:"stagger_delay"`
	RecentWindow         int     `yaml:"recent_window"`
	MemoryCap            int     `yaml:"memory_cap"`
	TraceEnabled         bool    `yaml:"trace_enabled"`
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SessionID:            "session",
		StageThresholds:      append([]int(nil), DefaultStageThresholds...),
		CycleInterval:        7,
		EchoInterval:         4,
		SparkBaseProbability: 0.10,
		SparkStageFactor:     0.05,
		StaggerDelay:         400 * time.Millisecond,
		RecentWindow:         12,
		MemoryCap:            DefaultMemoryCap,
	}
}

// withDefaults fills zero fields from the defaults.
func (c EngineConfig) withDefaults() EngineConfig {
	def := DefaultEngineConfig()
	if c.SessionID == "" {
		c.SessionID = def.SessionID
	}
	if len(c.StageThresholds) == 0 {
		c.StageThresholds = def.StageThresholds
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = def.CycleInterval
	}
	if c.EchoInterval <= 0 {
		c.EchoInterval = def.EchoInterval
	}
	if c.SparkBaseProbability <= 0 {
		c.SparkBaseProbability = def.SparkBaseProbability
	}
	if c.SparkStageFactor <= 0 {
		c.SparkStageFactor = def.SparkStageFactor
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = def.StaggerDelay
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = def.RecentWindow
	}
	if c.MemoryCap <= 0 {
		c.MemoryCap = def.MemoryCap
	}
	return c
}

// Validate checks the config for internal consistency.
func (c EngineConfig) Validate() error {
	if _, err := NewStageCalculator(c.StageThresholds); err != nil {
		return err
	}
	if c.SparkBaseProbability < 0 || c.SparkBaseProbability > 1 {
		return fmt.Errorf("spark_base_probability must be in [0,1], got %v", c.SparkBaseProbability)
	}
	if c.SparkStageFactor < 0 {
		return fmt.Errorf("spark_stage_factor must be >= 0, got %v", c.SparkStageFactor)
	}
	return nil
}

// LoadEngineConfig reads a YAML config file and merges it over the defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return EngineConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg := EngineConfig{
		SessionID:            fc.SessionID,
		StageThresholds:      fc.StageThresholds,
		CycleInterval:        fc.CycleInterval,
		EchoInterval:         fc.EchoInterval,
		SparkBaseProbability: fc.SparkBaseProbability,
		SparkStageFactor:     fc.SparkStageFactor,
		RecentWindow:         fc.RecentWindow,
		MemoryCap:            fc.MemoryCap,
		TraceEnabled:         fc.TraceEnabled,
	}
	if fc.StaggerDelay != "" {
		d, err := time.ParseDuration(fc.StaggerDelay)
		if err != nil {
			return EngineConfig{}, fmt.Errorf("config %s: stagger_delay: %w", path, err)
		}
		cfg.StaggerDelay = d
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
