// Package config holds all attacklens configuration. Config is loaded from an
// optional YAML file, then environment overrides are applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all attacklens configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Matching MatchingConfig `yaml:"matching"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Upload   UploadConfig   `yaml:"upload"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig configures SQLite persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CatalogConfig configures MITRE catalog acquisition and caching.
type CatalogConfig struct {
	URL             string        `yaml:"url"`
	BackupURL       string        `yaml:"backup_url"`
	CacheDir        string        `yaml:"cache_dir"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	WatchCache      bool          `yaml:"watch_cache"`
}

// MatchingConfig configures the matching engine.
type MatchingConfig struct {
	MinConfidence  int  `yaml:"min_confidence"` // EvalMatches below this are dropped
	MaxMatches     int  `yaml:"max_matches"`    // Cap after sort-by-score desc
	ChunkSize      int  `yaml:"chunk_size"`
	ChunkOverlap   int  `yaml:"chunk_overlap"`
	ContextWindow  int  `yaml:"context_window"`
	EnableKeyword  bool `yaml:"enable_keyword"`
	EnableTFIDF    bool `yaml:"enable_tfidf"`
	EnableFuzzy    bool `yaml:"enable_fuzzy"`
}

// WorkflowConfig configures the workflow engine.
type WorkflowConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"` // Concurrent workflow cap
	CrashGrace    time.Duration `yaml:"crash_grace"`    // Running contexts older than this are failed on restart
	TaskTimeout   time.Duration `yaml:"task_timeout"`   // Default per-task attempt timeout
	TaskRetries   int           `yaml:"task_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// UploadConfig configures document uploads.
type UploadConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "attacklens",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},

		Database: DatabaseConfig{
			Path: "data/attacklens.db",
		},

		Catalog: CatalogConfig{
			URL:             "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json",
			BackupURL:       "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/master/enterprise-attack/enterprise-attack.json",
			CacheDir:        "data/catalog",
			RefreshInterval: 24 * time.Hour,
			FetchTimeout:    2 * time.Minute,
			WatchCache:      true,
		},

		Matching: MatchingConfig{
			MinConfidence: 65,
			MaxMatches:    100,
			ChunkSize:     4000,
			ChunkOverlap:  200,
			ContextWindow: 200,
			EnableKeyword: true,
			EnableTFIDF:   true,
			EnableFuzzy:   true,
		},

		Workflow: WorkflowConfig{
			MaxConcurrent: 8,
			CrashGrace:    10 * time.Minute,
			TaskTimeout:   5 * time.Minute,
			TaskRetries:   3,
			RetryDelay:    5 * time.Second,
		},

		Upload: UploadConfig{
			Dir:      "data/uploads",
			MaxBytes: 50 << 20, // 50 MiB
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from the given YAML file path, layered over defaults.
// A missing file is not an error; defaults apply. Environment overrides are
// always applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies ATTACKLENS_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ATTACKLENS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ATTACKLENS_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ATTACKLENS_CATALOG_URL"); v != "" {
		c.Catalog.URL = v
	}
	if v := os.Getenv("ATTACKLENS_CATALOG_CACHE_DIR"); v != "" {
		c.Catalog.CacheDir = v
	}
	if v := os.Getenv("ATTACKLENS_UPLOAD_DIR"); v != "" {
		c.Upload.Dir = v
	}
	if v := os.Getenv("ATTACKLENS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ATTACKLENS_MIN_CONFIDENCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Matching.MinConfidence = n
		}
	}
	if v := os.Getenv("ATTACKLENS_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.MaxConcurrent = n
		}
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Matching.MinConfidence < 0 || c.Matching.MinConfidence > 100 {
		return fmt.Errorf("matching.min_confidence must be in [0,100], got %d", c.Matching.MinConfidence)
	}
	if c.Matching.ChunkOverlap >= c.Matching.ChunkSize {
		return fmt.Errorf("matching.chunk_overlap (%d) must be less than chunk_size (%d)", c.Matching.ChunkOverlap, c.Matching.ChunkSize)
	}
	if c.Workflow.MaxConcurrent <= 0 {
		return fmt.Errorf("workflow.max_concurrent must be positive, got %d", c.Workflow.MaxConcurrent)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	return nil
}
