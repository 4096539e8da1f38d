// Package config holds the settings of an ingestion run.
package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/cve-monitor/cve-monitor/pkg/cvelist"
	"github.com/cve-monitor/cve-monitor/pkg/scheduler"
	"github.com/cve-monitor/cve-monitor/pkg/suggest"
	"github.com/cve-monitor/cve-monitor/pkg/utils"
)

const (
	SourceDeltaLog = "deltalog"
	SourceGitHub   = "github"
	SourceLocal    = "local"
)

var (
	ErrUnsupportedFormat  = xerrors.New("config file must be .yaml, .yml or .toml")
	ErrInvalidSourceKind  = xerrors.New("source.kind must be one of: deltalog, github, local")
	ErrMissingSourceDir   = xerrors.New("source.dir is required for the local source")
	ErrInvalidDaysBack    = xerrors.New("ingest.days_back must be non-negative")
	ErrInvalidWorkers     = xerrors.New("ingest.workers must be between 1 and 64")
	ErrInvalidPace        = xerrors.New("ingest.pace_ms must be non-negative")
	ErrInvalidTimeout     = xerrors.New("ingest.timeout_sec must be non-negative")
	ErrInvalidMinSeverity = xerrors.New("filter.min_severity must be between 0 and 10")
	ErrMissingOutputPath  = xerrors.New("output.path is required")
	ErrInvalidSuggestURL  = xerrors.New("suggest.base_url is required when suggestions are enabled")
)

type Config struct {
	Source   SourceConfig   `yaml:"source" toml:"source"`
	Ingest   IngestConfig   `yaml:"ingest" toml:"ingest"`
	Filter   FilterConfig   `yaml:"filter" toml:"filter"`
	Output   OutputConfig   `yaml:"output" toml:"output"`
	Suggest  SuggestConfig  `yaml:"suggest" toml:"suggest"`
	CacheDir string         `yaml:"cache_dir" toml:"cache_dir"`
	Debug    bool           `yaml:"debug" toml:"debug"`
	Advanced AdvancedConfig `yaml:"advanced" toml:"advanced"`
}

type SourceConfig struct {
	Kind string `yaml:"kind" toml:"kind"`
	URL  string `yaml:"url" toml:"url"`
	Dir  string `yaml:"dir" toml:"dir"`
}

type IngestConfig struct {
	DaysBack     int  `yaml:"days_back" toml:"days_back"`
	Workers      int  `yaml:"workers" toml:"workers"`
	PaceMs       int  `yaml:"pace_ms" toml:"pace_ms"`
	TimeoutSec   int  `yaml:"timeout_sec" toml:"timeout_sec"`
	SinceLastRun bool `yaml:"since_last_run" toml:"since_last_run"`
	Progress     bool `yaml:"progress" toml:"progress"`
}

type FilterConfig struct {
	MinSeverity float64  `yaml:"min_severity" toml:"min_severity"`
	Keywords    []string `yaml:"keywords" toml:"keywords"`
	RequirePoC  bool     `yaml:"require_poc" toml:"require_poc"`
}

type OutputConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type SuggestConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`
	Workers int    `yaml:"workers" toml:"workers"`
}

type AdvancedConfig struct {
	OverridesDir string `yaml:"overrides_dir" toml:"overrides_dir"`
	MetricsFile  string `yaml:"metrics_file" toml:"metrics_file"`
}

func Default() Config {
	return Config{
		Source: SourceConfig{
			Kind: SourceDeltaLog,
			URL:  cvelist.DefaultDeltaLogURL,
		},
		Ingest: IngestConfig{
			DaysBack: 7,
			Workers:  scheduler.DefaultMaxParallel,
			PaceMs:   100,
		},
		Output: OutputConfig{
			Path: filepath.Join("data", "cves.json"),
		},
		Suggest: SuggestConfig{
			BaseURL: suggest.DefaultBaseURL,
			Model:   suggest.DefaultModel,
			Workers: suggest.DefaultMaxParallel,
		},
		CacheDir: utils.CacheDir(),
	}
}

// Load reads a YAML or TOML file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, xerrors.Errorf("failed to parse YAML: %w", err)
		}
	case ".toml":
		if _, err = toml.Decode(string(data), &cfg); err != nil {
			return Config{}, xerrors.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return Config{}, xerrors.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, xerrors.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Source.Kind {
	case SourceDeltaLog, SourceGitHub:
	case SourceLocal:
		if c.Source.Dir == "" {
			return ErrMissingSourceDir
		}
	default:
		return xerrors.Errorf("%q: %w", c.Source.Kind, ErrInvalidSourceKind)
	}

	if c.Ingest.DaysBack < 0 {
		return ErrInvalidDaysBack
	}
	if c.Ingest.Workers < 1 || c.Ingest.Workers > scheduler.MaxParallelLimit {
		return ErrInvalidWorkers
	}
	if c.Ingest.PaceMs < 0 {
		return ErrInvalidPace
	}
	if c.Ingest.TimeoutSec < 0 {
		return ErrInvalidTimeout
	}
	if math.IsNaN(c.Filter.MinSeverity) || c.Filter.MinSeverity < 0 || c.Filter.MinSeverity > 10 {
		return ErrInvalidMinSeverity
	}
	if c.Output.Path == "" {
		return ErrMissingOutputPath
	}
	if c.Suggest.Enabled && c.Suggest.BaseURL == "" {
		return ErrInvalidSuggestURL
	}
	return nil
}

// MaxAge is the listing window. Zero disables the window.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.Ingest.DaysBack) * 24 * time.Hour
}

func (c Config) Pace() time.Duration {
	return time.Duration(c.Ingest.PaceMs) * time.Millisecond
}

// Timeout bounds the whole run. Zero means no limit.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Ingest.TimeoutSec) * time.Second
}
