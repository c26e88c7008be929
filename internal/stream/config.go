package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration surface.
type Config struct {
	// BaseURL is the content source root the fetch scheduler resolves
	// content keys against. Ignored when a Source is injected directly.
	BaseURL string `yaml:"base_url"`

	// UseCache enables the durable cache tier at CachePath.
	UseCache  bool   `yaml:"use_cache"`
	CachePath string `yaml:"cache_path"`

	// Threshold is the minimum viewport coverage fraction to stay Visible.
	Threshold float64 `yaml:"threshold"`
	// BBoxThreshold is the minimum projected bounding-box size in pixels
	// for an object to be eligible for loading at all.
	BBoxThreshold float64 `yaml:"bbox_threshold"`

	MaxHiddenTimeMs int `yaml:"max_hidden_time_ms"`
	MaxLostTimeMs   int `yaml:"max_lost_time_ms"`

	// Enabled is the global switch for the culling/eviction loop.
	Enabled bool `yaml:"enabled"`
	// DebugBoxes enables the bounding-box visualization side channel.
	DebugBoxes bool `yaml:"debug_boxes"`

	// EvictTickMs is the period of the hysteresis timer scan.
	EvictTickMs int `yaml:"evict_tick_ms"`
	// CellSize is the spatial index cell size in world units.
	CellSize float64 `yaml:"cell_size"`
	// SleepDelayMs is how long the camera must be idle before the
	// transport triggers a culling pass.
	SleepDelayMs int `yaml:"sleep_delay_ms"`
}

func Defaults() Config {
	return Config{
		UseCache:        true,
		Threshold:       0.0001,
		BBoxThreshold:   20,
		MaxHiddenTimeMs: 5000,
		MaxLostTimeMs:   30000,
		Enabled:         true,
		EvictTickMs:     250,
		CellSize:        32,
		SleepDelayMs:    200,
	}
}

// LoadConfig reads engine.yaml over the defaults, so absent fields keep their
// default values.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("engine.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("engine.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	d := Defaults()
	if c.EvictTickMs <= 0 {
		c.EvictTickMs = d.EvictTickMs
	}
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	if c.SleepDelayMs <= 0 {
		c.SleepDelayMs = d.SleepDelayMs
	}
	if c.UseCache && c.CachePath == "" {
		c.CachePath = filepath.Join("data", "cache.db")
	}
}

func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1], got %v", c.Threshold)
	}
	if c.BBoxThreshold < 0 {
		return fmt.Errorf("bbox_threshold must be >= 0, got %v", c.BBoxThreshold)
	}
	if c.MaxHiddenTimeMs < 0 || c.MaxLostTimeMs < 0 {
		return fmt.Errorf("hysteresis times must be >= 0")
	}
	return nil
}

func (c Config) MaxHiddenTime() time.Duration { return time.Duration(c.MaxHiddenTimeMs) * time.Millisecond }
func (c Config) MaxLostTime() time.Duration   { return time.Duration(c.MaxLostTimeMs) * time.Millisecond }
func (c Config) EvictTick() time.Duration     { return time.Duration(c.EvictTickMs) * time.Millisecond }
func (c Config) SleepDelay() time.Duration    { return time.Duration(c.SleepDelayMs) * time.Millisecond }
