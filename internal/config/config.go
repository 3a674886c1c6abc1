package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafana/regexp"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up when no path is given.
const DefaultFileName = "tracelens.yaml"

// Index format names accepted by IndexConfig.Format.
const (
	FormatCompact = "compact"
	FormatWide    = "wide"
)

// Cost formats accepted by ReportConfig.CostFormat.
const (
	CostAbsolute = "absolute"
	CostPercent  = "percent"
)

// Config represents the TraceLens configuration.
type Config struct {
	TraceDir           string       `yaml:"trace_dir"`
	StorageDir         string       `yaml:"storage_dir"`
	TracePattern       string       `yaml:"trace_pattern"`
	PreprocessedSuffix string       `yaml:"preprocessed_suffix"`
	ProxyFunctions     []string     `yaml:"proxy_functions"`
	Index              IndexConfig  `yaml:"index"`
	ReaderCacheSize    int          `yaml:"reader_cache_size"`
	Server             ServerConfig `yaml:"server"`
	Report             ReportConfig `yaml:"report"`
	Log                LogConfig    `yaml:"log"`
}

// IndexConfig selects the binary layout of compiled indexes.
type IndexConfig struct {
	Format string `yaml:"format"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port  int  `yaml:"port"`
	Watch bool `yaml:"watch"`
}

// ReportConfig holds defaults for function listings.
type ReportConfig struct {
	HideInternals  bool    `yaml:"hide_internals"`
	InternalPrefix string  `yaml:"internal_prefix"`
	ShowFraction   float64 `yaml:"show_fraction"`
	CostFormat     string  `yaml:"cost_format"`
}

// LogConfig controls the logger built at startup.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	tmp := os.TempDir()
	return &Config{
		TraceDir:           tmp,
		StorageDir:         tmp,
		TracePattern:       `^cachegrind\.out\..+$`,
		PreprocessedSuffix: ".tracelens",
		ProxyFunctions: []string{
			"php::call_user_func",
			"php::call_user_func_array",
		},
		Index:           IndexConfig{Format: FormatCompact},
		ReaderCacheSize: 8,
		Server:          ServerConfig{Port: 8080},
		Report: ReportConfig{
			InternalPrefix: "php::",
			ShowFraction:   1,
			CostFormat:     CostAbsolute,
		},
		Log: LogConfig{Level: "info", Format: "logfmt"},
	}
}

// Load reads configuration from file, falling back to defaults.
// If configPath is empty, it looks for tracelens.yaml in the current directory.
// Fields present in the file replace the defaults; absent fields keep them.
func Load(configPath string) (*Config, error) {
	defaults := Default()

	if configPath == "" {
		configPath = DefaultFileName
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return nil, err
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	defaults.Merge(&fileCfg)
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return defaults, nil
}

// Merge combines another config into this one, with other taking precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.TraceDir != "" {
		c.TraceDir = other.TraceDir
	}
	if other.StorageDir != "" {
		c.StorageDir = other.StorageDir
	}
	if other.TracePattern != "" {
		c.TracePattern = other.TracePattern
	}
	if other.PreprocessedSuffix != "" {
		c.PreprocessedSuffix = other.PreprocessedSuffix
	}
	if other.ProxyFunctions != nil {
		c.ProxyFunctions = other.ProxyFunctions
	}
	if other.Index.Format != "" {
		c.Index.Format = other.Index.Format
	}
	if other.ReaderCacheSize > 0 {
		c.ReaderCacheSize = other.ReaderCacheSize
	}
	if other.Server.Port > 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.Watch {
		c.Server.Watch = true
	}
	if other.Report.HideInternals {
		c.Report.HideInternals = true
	}
	if other.Report.InternalPrefix != "" {
		c.Report.InternalPrefix = other.Report.InternalPrefix
	}
	if other.Report.ShowFraction > 0 {
		c.Report.ShowFraction = other.Report.ShowFraction
	}
	if other.Report.CostFormat != "" {
		c.Report.CostFormat = other.Report.CostFormat
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// Validate checks field values that cannot be expressed in yaml types alone.
func (c *Config) Validate() error {
	switch c.Index.Format {
	case FormatCompact, FormatWide:
	default:
		return fmt.Errorf("unknown index format %q", c.Index.Format)
	}
	if _, err := regexp.Compile(c.TracePattern); err != nil {
		return fmt.Errorf("trace_pattern: %w", err)
	}
	if c.PreprocessedSuffix == "" {
		return errors.New("preprocessed_suffix must not be empty")
	}
	if c.Report.ShowFraction <= 0 || c.Report.ShowFraction > 1 {
		return fmt.Errorf("report.show_fraction must be in (0,1], got %v", c.Report.ShowFraction)
	}
	switch c.Report.CostFormat {
	case CostAbsolute, CostPercent:
	default:
		return fmt.Errorf("unknown cost format %q", c.Report.CostFormat)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// TraceMatcher returns the compiled trace file name pattern.
func (c *Config) TraceMatcher() (*regexp.Regexp, error) {
	return regexp.Compile(c.TracePattern)
}

// IsTraceFile reports whether a base file name looks like a profiler trace.
// Compiled indexes never count as traces, even when both share a directory.
func (c *Config) IsTraceFile(name string) bool {
	if strings.HasSuffix(name, c.PreprocessedSuffix) {
		return false
	}
	re, err := c.TraceMatcher()
	if err != nil {
		return false
	}
	return re.MatchString(filepath.Base(name))
}

// CompiledPath returns where the compiled index for a trace file is stored.
func (c *Config) CompiledPath(traceName string) string {
	return filepath.Join(c.StorageDir, filepath.Base(traceName)+c.PreprocessedSuffix)
}
