package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/detectk/detectd/internal/detector"
	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/source"
)

// ErrBadMetricConfig marks an invalid metric config file.
var ErrBadMetricConfig = errors.New("bad metric config")

// DetectorConfig declares one detector on a metric.
type DetectorConfig struct {
	Type   string         `mapstructure:"type"`
	Params map[string]any `mapstructure:"params"`
}

// ChannelConfig declares one alert delivery target.
type ChannelConfig struct {
	Type       string            `mapstructure:"type"` // webhook | mattermost
	WebhookURL string            `mapstructure:"webhook_url"`
	Channel    string            `mapstructure:"channel"`
	Username   string            `mapstructure:"username"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`
}

// AlertConfig declares when and where a metric alerts.
type AlertConfig struct {
	Enabled              bool            `mapstructure:"enabled"`
	Channels             []ChannelConfig `mapstructure:"channels"`
	ConsecutiveAnomalies int             `mapstructure:"consecutive_anomalies"`
	NoDataAlert          bool            `mapstructure:"no_data_alert"`
	MinDetectors         int             `mapstructure:"min_detectors"`
	Direction            string          `mapstructure:"direction"`
	Template             string          `mapstructure:"template"`
	Timezone             string          `mapstructure:"timezone"`
	Cooldown             time.Duration   `mapstructure:"cooldown"`
}

// MetricConfig declares one metric to watch. One file per metric.
type MetricConfig struct {
	Name         string           `mapstructure:"name"`
	Query        string           `mapstructure:"query"`
	Interval     string           `mapstructure:"interval"`
	Source       string           `mapstructure:"source"`
	Seasonality  []string         `mapstructure:"seasonality"`
	QueryContext map[string]any   `mapstructure:"query_context"`
	Lookback     time.Duration    `mapstructure:"lookback"`
	FillGaps     bool             `mapstructure:"fill_gaps"`
	Detectors    []DetectorConfig `mapstructure:"detectors"`
	Alert        AlertConfig      `mapstructure:"alert"`
	Enabled      bool             `mapstructure:"enabled"`

	// ParsedInterval is filled during Validate.
	ParsedInterval series.Interval `mapstructure:"-"`

	// File records where the config was loaded from, for error messages.
	File string `mapstructure:"-"`
}

// LoadMetricFile parses and validates one metric config file.
func LoadMetricFile(path string) (*MetricConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("enabled", true)
	v.SetDefault("fill_gaps", true)
	v.SetDefault("alert.enabled", true)
	v.SetDefault("alert.consecutive_anomalies", 3)
	v.SetDefault("alert.no_data_alert", false)
	v.SetDefault("alert.min_detectors", 1)
	v.SetDefault("alert.direction", "same")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadMetricConfig, path, err)
	}

	cfg := &MetricConfig{File: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadMetricConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the metric config and resolves the interval.
func (c *MetricConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrBadMetricConfig)
	}
	if c.Query == "" {
		return fmt.Errorf("%w: metric %q: query is required", ErrBadMetricConfig, c.Name)
	}

	interval, err := series.ParseInterval(c.Interval)
	if err != nil {
		return fmt.Errorf("%w: metric %q: %v", ErrBadMetricConfig, c.Name, err)
	}
	c.ParsedInterval = interval

	if err := series.ValidateSeasonalityColumns(c.Seasonality); err != nil {
		return fmt.Errorf("%w: metric %q: %v", ErrBadMetricConfig, c.Name, err)
	}

	if len(c.Detectors) == 0 {
		return fmt.Errorf("%w: metric %q: at least one detector is required", ErrBadMetricConfig, c.Name)
	}
	if _, err := c.BuildDetectors(); err != nil {
		return fmt.Errorf("%w: metric %q: %v", ErrBadMetricConfig, c.Name, err)
	}

	switch c.Alert.Direction {
	case "any", "same", "up", "down":
	default:
		return fmt.Errorf("%w: metric %q: alert.direction %q is not one of any, same, up, down",
			ErrBadMetricConfig, c.Name, c.Alert.Direction)
	}
	if c.Alert.Timezone != "" {
		if _, err := time.LoadLocation(c.Alert.Timezone); err != nil {
			return fmt.Errorf("%w: metric %q: unknown timezone %q", ErrBadMetricConfig, c.Name, c.Alert.Timezone)
		}
	}
	for i, ch := range c.Alert.Channels {
		switch ch.Type {
		case "webhook", "mattermost":
			if ch.WebhookURL == "" {
				return fmt.Errorf("%w: metric %q: channel %d: webhook_url is required", ErrBadMetricConfig, c.Name, i)
			}
		default:
			return fmt.Errorf("%w: metric %q: channel %d: unknown type %q", ErrBadMetricConfig, c.Name, i, ch.Type)
		}
	}

	return nil
}

// BuildDetectors constructs the metric's detector instances.
func (c *MetricConfig) BuildDetectors() ([]detector.Detector, error) {
	detectors := make([]detector.Detector, 0, len(c.Detectors))
	for _, dc := range c.Detectors {
		d, err := detector.New(dc.Type, dc.Params)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	return detectors, nil
}

// LoadMetricsDir recursively discovers and parses every metric config file
// under dir. Two files declaring the same metric name is an error.
func LoadMetricsDir(dir string) ([]*MetricConfig, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan metrics dir %q: %w", dir, err)
	}

	seen := map[string]string{}
	var configs []*MetricConfig
	for _, path := range paths {
		cfg, err := LoadMetricFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[cfg.Name]; ok {
			return nil, fmt.Errorf("%w: Duplicate metric name %q (%s and %s)",
				ErrBadMetricConfig, cfg.Name, prev, path)
		}
		seen[cfg.Name] = path
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadProfiles parses the source profiles file into named profiles.
func LoadProfiles(path string) (map[string]source.Profile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profiles %q: %w", path, err)
	}

	var raw struct {
		Profiles map[string]source.Profile `mapstructure:"profiles"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("parse profiles %q: %w", path, err)
	}

	for name, p := range raw.Profiles {
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}
		raw.Profiles[name] = p
	}
	return raw.Profiles, nil
}
