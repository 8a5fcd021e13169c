package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/rampart/internal/loadtest"
	"github.com/wesleyorama2/rampart/internal/loadtest/executor"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxConnsPerHost = 100
	DefaultMaxIdlePerHost  = 100
	DefaultUserAgent       = "rampart/1.0"
	DefaultMethod          = "GET"
	DefaultRequestNameFmt  = "request_%d"
)

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	cfg, err := ParseConfig(data, path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	return cfg, nil
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults applies default values to a TestConfig.
func ApplyDefaults(config *TestConfig) {
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(DefaultTimeout)
	}
	if config.Settings.MaxConnectionsPerHost == 0 {
		config.Settings.MaxConnectionsPerHost = DefaultMaxConnsPerHost
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = DefaultMaxIdlePerHost
	}
	if config.Settings.UserAgent == "" {
		config.Settings.UserAgent = DefaultUserAgent
	}

	if config.Success.Mode == "" {
		config.Success.Mode = string(loadtest.SuccessAll)
	}
	if config.Success.Metric == "" {
		config.Success.Metric = metrics.DefaultSuccessMetric
	}

	if config.Options.Tick == 0 {
		config.Options.Tick = Duration(executor.DefaultTick)
	}
	if config.Options.ExactSampleCeiling == 0 {
		config.Options.ExactSampleCeiling = metrics.DefaultStoreConfig().ExactSampleCeiling
	}

	for i, req := range config.Requests {
		if req.Name == "" {
			config.Requests[i].Name = fmt.Sprintf(DefaultRequestNameFmt, i+1)
		}
		if req.Method == "" {
			config.Requests[i].Method = DefaultMethod
		} else {
			config.Requests[i].Method = strings.ToUpper(req.Method)
		}
	}
}

// Load reads, defaults and validates a configuration file. Every failure is
// a *ConfigError.
func Load(path string) (*TestConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Prepare(); err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	return cfg, nil
}

// Prepare applies defaults and validates the configuration.
func (c *TestConfig) Prepare() error {
	ApplyDefaults(c)
	return c.Validate()
}

// ExecutorConfig converts the stage profile to an executor configuration.
func (c *TestConfig) ExecutorConfig() (executor.Config, error) {
	cfg := executor.Config{
		StartVUs:     c.StartVUs,
		Tick:         time.Duration(c.Options.Tick),
		GracefulStop: time.Duration(c.Options.GracefulStop),
		Stages:       make([]executor.Stage, 0, len(c.Stages)),
	}
	for i, stage := range c.Stages {
		d, err := ParseDurationString(stage.Duration)
		if err != nil {
			return executor.Config{}, fmt.Errorf("stages[%d].duration: %w", i, err)
		}
		cfg.Stages = append(cfg.Stages, executor.Stage{
			Duration: d,
			Target:   stage.Target,
			Name:     stage.Name,
		})
	}
	return cfg, cfg.Validate()
}

// ThresholdDefinitions returns the threshold definitions in a stable order.
func (c *TestConfig) ThresholdDefinitions() []threshold.Definition {
	names := make([]string, 0, len(c.Thresholds))
	for name := range c.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []threshold.Definition
	for _, name := range names {
		for _, th := range c.Thresholds[name] {
			defs = append(defs, threshold.Definition{
				Metric:         name,
				Expression:     th.Threshold,
				AbortOnFail:    th.AbortOnFail || c.Options.AbortOnFail,
				DelayAbortEval: time.Duration(th.DelayAbortEval),
			})
		}
	}
	return defs
}

// VUOptions returns the per-VU options.
func (c *TestConfig) VUOptions() (loadtest.VUOptions, error) {
	mode, err := loadtest.ParseSuccessMode(c.Success.Mode)
	if err != nil {
		return loadtest.VUOptions{}, err
	}
	opts := loadtest.VUOptions{
		SuccessMetric: c.Success.Metric,
		SuccessMode:   mode,
	}
	if mode == loadtest.SuccessNone {
		opts.SuccessMetric = ""
	}
	if c.Pacing != nil {
		pacing, err := c.Pacing.toLoadtest()
		if err != nil {
			return loadtest.VUOptions{}, err
		}
		opts.Pacing = pacing
	}
	return opts, nil
}

// StoreConfig returns the metric store configuration.
func (c *TestConfig) StoreConfig() metrics.StoreConfig {
	cfg := metrics.DefaultStoreConfig()
	if c.Options.ExactSampleCeiling > 0 {
		cfg.ExactSampleCeiling = c.Options.ExactSampleCeiling
	}
	return cfg
}

// CustomMetrics returns the declared custom metric kinds.
func (c *TestConfig) CustomMetrics() (map[string]metrics.Kind, error) {
	out := make(map[string]metrics.Kind, len(c.Metrics))
	for name, kind := range c.Metrics {
		k, err := metrics.ParseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("metrics.%s: %w", name, err)
		}
		out[name] = k
	}
	return out, nil
}

func (p *PacingConfig) toLoadtest() (*loadtest.PacingConfig, error) {
	out := &loadtest.PacingConfig{Type: loadtest.PacingType(strings.ToLower(p.Type))}
	var err error
	if out.Duration, err = ParseDurationString(p.Duration); err != nil {
		return nil, fmt.Errorf("pacing.duration: %w", err)
	}
	if out.Min, err = ParseDurationString(p.Min); err != nil {
		return nil, fmt.Errorf("pacing.min: %w", err)
	}
	if out.Max, err = ParseDurationString(p.Max); err != nil {
		return nil, fmt.Errorf("pacing.max: %w", err)
	}
	return out, nil
}

// ResolveVariables resolves {{name}} placeholders from globals and the base
// URL. Unresolved placeholders are left as-is.
func ResolveVariables(input string, globals map[string]string, settings *GlobalSettings) string {
	result := input
	for key, value := range globals {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	if settings != nil && settings.BaseURL != "" {
		result = strings.ReplaceAll(result, "{{baseUrl}}", settings.BaseURL)
		result = strings.ReplaceAll(result, "{{baseURL}}", settings.BaseURL)
	}
	return result
}
