// Package config loads and validates the download engine's configuration,
// from JSON or YAML files, layered over documented defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/paradl/pkg/types"
	"github.com/forest6511/paradl/pkg/validation"
)

// LoggingConfig controls the ambient zerolog logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // console or json
}

// Config is the full set of options in the Configuration table, plus the
// ambient logging section.
type Config struct {
	Version string `json:"version" yaml:"version"`

	Split                   int                   `json:"split" yaml:"split"`
	SegmentSize             ByteSize              `json:"segmentSize" yaml:"segmentSize"`
	MaxConcurrentDownloads  int                   `json:"maxConcurrentDownloads" yaml:"maxConcurrentDownloads"`
	MaxConnectionsPerServer int                   `json:"maxConnectionsPerServer" yaml:"maxConnectionsPerServer"`
	Timeout                 time.Duration         `json:"timeout" yaml:"timeout"`
	Retries                 int                   `json:"retries" yaml:"retries"`
	RetryDelay              time.Duration         `json:"retryDelay" yaml:"retryDelay"`
	Headers                 map[string]string     `json:"headers,omitempty" yaml:"headers,omitempty"`
	FileAllocation          types.FileAllocation  `json:"fileAllocation" yaml:"fileAllocation"`
	ResumeDownloads         bool                  `json:"resumeDownloads" yaml:"resumeDownloads"`
	AutoSaveInterval        time.Duration         `json:"autoSaveInterval" yaml:"autoSaveInterval"`
	AlwaysResume            bool                  `json:"alwaysResume" yaml:"alwaysResume"`
	OutputDirectory         string                `json:"outputDirectory,omitempty" yaml:"outputDirectory,omitempty"`
	MaxDownloadSpeed        int64                 `json:"maxDownloadSpeed" yaml:"maxDownloadSpeed"`
	ControlBackend          string                `json:"controlBackend" yaml:"controlBackend"`
	Logging                 LoggingConfig         `json:"logging" yaml:"logging"`
}

// DefaultConfig returns the documented default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version:                 "1.0",
		Split:                   4,
		SegmentSize:             4 * 1024 * 1024,
		MaxConcurrentDownloads:  3,
		MaxConnectionsPerServer: 4,
		Timeout:                 30 * time.Second,
		Retries:                 3,
		RetryDelay:              time.Second,
		FileAllocation:          types.AllocationTrunc,
		ResumeDownloads:         true,
		AutoSaveInterval:        10 * time.Second,
		AlwaysResume:            false,
		MaxDownloadSpeed:        0,
		ControlBackend:          "file",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Loader reads a Config from a JSON or YAML file, selecting the codec by
// file extension, and falls back to DefaultConfig when the path is empty
// or does not exist.
type Loader struct {
	path string
}

// NewLoader creates a Loader for the given config file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and parses the config file, applying defaults for any
// zero-valued field.
func (l *Loader) Load() (*Config, error) {
	if l.path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", l.path, err)
	}

	var cfg Config
	if err := unmarshal(l.path, data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", l.path, err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Save writes cfg back to the loader's path using the same codec Load would use.
func (l *Loader) Save(cfg *Config) error {
	if l.path == "" {
		return fmt.Errorf("config: no path configured for save")
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := marshal(l.path, cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %s: %w", l.path, err)
	}

	return nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func marshal(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// applyDefaults fills any zero-valued field of cfg from DefaultConfig.
func applyDefaults(cfg *Config) {
	d := DefaultConfig()

	if cfg.Version == "" {
		cfg.Version = d.Version
	}
	if cfg.Split == 0 {
		cfg.Split = d.Split
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = d.SegmentSize
	}
	if cfg.MaxConcurrentDownloads == 0 {
		cfg.MaxConcurrentDownloads = d.MaxConcurrentDownloads
	}
	if cfg.MaxConnectionsPerServer == 0 {
		cfg.MaxConnectionsPerServer = d.MaxConnectionsPerServer
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.FileAllocation == "" {
		cfg.FileAllocation = d.FileAllocation
	}
	if cfg.AutoSaveInterval == 0 {
		cfg.AutoSaveInterval = d.AutoSaveInterval
	}
	if cfg.ControlBackend == "" {
		cfg.ControlBackend = d.ControlBackend
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
}

// Validate rejects configurations that cannot be safely acted on.
func (c *Config) Validate() error {
	if c.Split <= 0 {
		return fmt.Errorf("split must be positive, got %d", c.Split)
	}
	if err := validation.ValidateChunkSize(int64(c.SegmentSize)); err != nil {
		return fmt.Errorf("segmentSize: %w", err)
	}
	if c.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("maxConcurrentDownloads must be positive, got %d", c.MaxConcurrentDownloads)
	}
	if c.MaxConnectionsPerServer <= 0 {
		return fmt.Errorf("maxConnectionsPerServer must be positive, got %d", c.MaxConnectionsPerServer)
	}
	if c.Timeout < 0 || c.RetryDelay < 0 || c.AutoSaveInterval < 0 {
		return fmt.Errorf("durations must be non-negative")
	}
	if err := validation.ValidateTimeout(int(c.Timeout.Seconds())); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	if c.MaxDownloadSpeed < 0 {
		return fmt.Errorf("maxDownloadSpeed must be non-negative, got %d", c.MaxDownloadSpeed)
	}

	switch c.FileAllocation {
	case types.AllocationNone, types.AllocationTrunc, types.AllocationPrealloc, types.AllocationFalloc:
	default:
		return fmt.Errorf("invalid fileAllocation: %s", c.FileAllocation)
	}

	if c.ControlBackend != "file" && !strings.HasPrefix(c.ControlBackend, "redis://") {
		return fmt.Errorf("invalid controlBackend: %s (want \"file\" or a redis:// URL)", c.ControlBackend)
	}

	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Headers != nil {
		clone.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			clone.Headers[k] = v
		}
	}
	return &clone
}
