// Package config handles repviz configuration loading: YAML over defaults,
// then REPVIZ_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/repviz/artifacts"
	"github.com/tsawler/repviz/collector"
	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/training"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REPVIZ_"

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Capture   CaptureConfig   `yaml:"capture"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Demo      DemoConfig      `yaml:"demo"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	CORSOrigins   []string      `yaml:"cors_origins"`
	CacheSize     int           `yaml:"cache_size"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

type ArtifactsConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"` // json or proto
	// IndexPath defaults to runs.db inside Dir.
	IndexPath string `yaml:"index_path"`
}

type CaptureConfig struct {
	Selector    string `yaml:"selector"`
	Gradients   bool   `yaml:"gradients"`
	Retention   string `yaml:"retention"` // latest_only or track_all
	MaxHistory  int    `yaml:"max_history"`
	WeightEvery int    `yaml:"weight_every"`
}

type AnalysisConfig struct {
	Workers       int `yaml:"workers"` // 0 uses GOMAXPROCS
	HistogramBins int `yaml:"histogram_bins"`
}

// DemoConfig sizes the synthetic training run of `repviz demo`. Model i
// uses hidden width Hidden[i % len(Hidden)].
type DemoConfig struct {
	Samples      int      `yaml:"samples"`
	Features     int      `yaml:"features"`
	Hidden       []int    `yaml:"hidden"`
	Classes      int      `yaml:"classes"`
	Epochs       int      `yaml:"epochs"`
	BatchSize    int      `yaml:"batch_size"`
	LearningRate float64  `yaml:"learning_rate"`
	Dropout      float64  `yaml:"dropout"`
	Scheduler    string   `yaml:"scheduler"`
	Seed         int64    `yaml:"seed"`
	Models       []string `yaml:"models"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8000,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  60 * time.Second,
			CORSOrigins:   []string{"http://localhost:3000"},
			CacheSize:     64,
			WatchDebounce: 100 * time.Millisecond,
		},
		Artifacts: ArtifactsConfig{
			Dir:    "./artifacts",
			Format: "json",
		},
		Capture: CaptureConfig{
			Selector:    "all",
			Gradients:   true,
			Retention:   "latest_only",
			WeightEvery: 10,
		},
		Analysis: AnalysisConfig{
			HistogramBins: 30,
		},
		Demo: DemoConfig{
			Samples:      512,
			Features:     8,
			Hidden:       []int{32, 16},
			Classes:      3,
			Epochs:       5,
			BatchSize:    32,
			LearningRate: 0.01,
			Dropout:      0.1,
			Scheduler:    "constant",
			Seed:         42,
			Models:       []string{"ffn_a", "ffn_b"},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, faults.New(faults.CodeConfigInvalid, faults.CategoryConfig, "failed to parse config").
				With("path", path).Wrap(err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults with
// environment overrides otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return Load(path)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv applies REPVIZ_* overrides found through lookup. Malformed
// numeric values are reported rather than ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SERVER_HOST", &c.Server.Host)
	num("SERVER_PORT", &c.Server.Port)
	num("SERVER_CACHE_SIZE", &c.Server.CacheSize)
	str("ARTIFACTS_DIR", &c.Artifacts.Dir)
	str("ARTIFACTS_FORMAT", &c.Artifacts.Format)
	str("ARTIFACTS_INDEX_PATH", &c.Artifacts.IndexPath)
	str("CAPTURE_SELECTOR", &c.Capture.Selector)
	flag("CAPTURE_GRADIENTS", &c.Capture.Gradients)
	str("CAPTURE_RETENTION", &c.Capture.Retention)
	num("CAPTURE_MAX_HISTORY", &c.Capture.MaxHistory)
	num("CAPTURE_WEIGHT_EVERY", &c.Capture.WeightEvery)
	num("ANALYSIS_WORKERS", &c.Analysis.Workers)
	str("DEMO_SCHEDULER", &c.Demo.Scheduler)

	if v, ok := lookup(EnvPrefix + "SERVER_CORS_ORIGINS"); ok && v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}

	if len(errs) > 0 {
		return faults.New(faults.CodeConfigInvalid, faults.CategoryConfig, "invalid environment override").
			Wrap(errors.Join(errs...))
	}
	return nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("server.cache_size must be positive"))
	}
	if c.Artifacts.Dir == "" {
		errs = append(errs, fmt.Errorf("artifacts.dir is required"))
	}
	if _, err := c.ArtifactFormat(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Selector(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Retention(); err != nil {
		errs = append(errs, err)
	}
	if c.Capture.WeightEvery < 0 {
		errs = append(errs, fmt.Errorf("capture.weight_every must not be negative"))
	}
	if c.Analysis.Workers < 0 {
		errs = append(errs, fmt.Errorf("analysis.workers must not be negative"))
	}
	if c.Analysis.HistogramBins <= 0 {
		errs = append(errs, fmt.Errorf("analysis.histogram_bins must be positive"))
	}
	errs = append(errs, c.Demo.validate()...)

	if len(errs) > 0 {
		return faults.New(faults.CodeConfigInvalid, faults.CategoryConfig, "invalid configuration").
			Wrap(errors.Join(errs...))
	}
	return nil
}

func (d DemoConfig) validate() []error {
	var errs []error
	if d.Samples <= 0 || d.Features <= 0 || d.Classes < 2 {
		errs = append(errs, fmt.Errorf("demo needs samples, features and at least two classes"))
	}
	if len(d.Hidden) == 0 {
		errs = append(errs, fmt.Errorf("demo.hidden needs at least one size"))
	}
	for _, h := range d.Hidden {
		if h <= 0 {
			errs = append(errs, fmt.Errorf("demo.hidden sizes must be positive, got %d", h))
		}
	}
	if d.Epochs <= 0 || d.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("demo.epochs and demo.batch_size must be positive"))
	}
	if d.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("demo.learning_rate must be positive"))
	}
	if d.Dropout < 0 || d.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("demo.dropout must be in [0, 1)"))
	}
	if _, err := training.ParseScheduler(d.Scheduler, d.Epochs); err != nil {
		errs = append(errs, fmt.Errorf("demo.scheduler: %w", err))
	}
	if len(d.Models) == 0 {
		errs = append(errs, fmt.Errorf("demo.models must name at least one model"))
	}
	return errs
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the configured slog handler writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ArtifactFormat parses artifacts.format.
func (c *Config) ArtifactFormat() (artifacts.Format, error) {
	f, err := artifacts.ParseFormat(c.Artifacts.Format)
	if err != nil {
		return 0, fmt.Errorf("artifacts.format: %w", err)
	}
	return f, nil
}

// IndexPath returns the run index location.
func (c *Config) IndexPath() string {
	if c.Artifacts.IndexPath != "" {
		return c.Artifacts.IndexPath
	}
	return filepath.Join(c.Artifacts.Dir, "runs.db")
}

// Selector parses capture.selector.
func (c *Config) Selector() (hooks.Selector, error) {
	sel, err := hooks.ParseSelector(c.Capture.Selector)
	if err != nil {
		return nil, fmt.Errorf("capture.selector: %w", err)
	}
	return sel, nil
}

// Retention parses the capture retention policy.
func (c *Config) Retention() (collector.Retention, error) {
	mode, err := collector.ParseMode(c.Capture.Retention)
	if err != nil {
		return collector.Retention{}, fmt.Errorf("capture.retention: %w", err)
	}
	if c.Capture.MaxHistory < 0 {
		return collector.Retention{}, fmt.Errorf("capture.max_history must not be negative")
	}
	return collector.Retention{Mode: mode, MaxHistory: c.Capture.MaxHistory}, nil
}

// Address returns host:port for the API server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
