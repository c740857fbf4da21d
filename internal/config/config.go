// Package config defines the agentvfs configuration document: the backend
// registry, the mount table, and default index/watch settings, loaded from
// YAML with environment-variable overrides.
//
// Adapted from the teacher's internal/config/config.go (nested-block YAML
// config, LoadFromFile/LoadFromEnv/SaveToFile idiom), restructured around
// the backends/mounts/defaults schema from
// original_source/ax-config/src/types.rs + validation.rs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the root configuration document (spec.md §6).
type Configuration struct {
	Global   GlobalConfig            `yaml:"global"`
	Backends map[string]BackendConfig `yaml:"backends"`
	Mounts   []MountConfig           `yaml:"mounts"`
	Defaults DefaultsConfig          `yaml:"defaults"`
}

// GlobalConfig holds process-wide ambient settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// BackendConfig is a tagged union of per-backend-type settings. Exactly one
// of the type-specific fields is populated, selected by Type.
type BackendConfig struct {
	Type string `yaml:"type"` // fs | memory | s3 | postgres | vector

	Fs       *FsBackendConfig       `yaml:"fs,omitempty"`
	S3       *S3BackendConfig       `yaml:"s3,omitempty"`
	Postgres *PostgresBackendConfig `yaml:"postgres,omitempty"`
	Vector   *VectorBackendConfig   `yaml:"vector,omitempty"`
}

// FsBackendConfig configures a local-filesystem backend.
type FsBackendConfig struct {
	Root string `yaml:"root"`
}

// S3BackendConfig configures an S3-compatible backend.
type S3BackendConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// PostgresBackendConfig configures a Postgres table backend.
type PostgresBackendConfig struct {
	ConnectionURL string `yaml:"connection_url"`
	Table         string `yaml:"table"`
}

// VectorBackendConfig configures a vector-store backend.
type VectorBackendConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
}

// MountConfig binds a namespace prefix to a backend with sync behavior.
type MountConfig struct {
	Path     string        `yaml:"path"`
	Backend  string        `yaml:"backend"`
	ReadOnly bool          `yaml:"read_only"`
	Sync     *SyncConfig   `yaml:"sync,omitempty"`
	Index    *IndexConfig  `yaml:"index,omitempty"`
	Watch    *WatchConfig  `yaml:"watch,omitempty"`
}

// SyncConfig configures the per-mount sync engine.
type SyncConfig struct {
	Mode             string `yaml:"mode"` // none | write_through | write_back | pull_mirror
	MaxPendingWrites int    `yaml:"max_pending_writes"`
	FlushIntervalSec int64  `yaml:"flush_interval_sec"`
	MaxRetries       int    `yaml:"max_retries"`
	Backoff          string `yaml:"backoff"` // fixed | linear | exponential
}

// IndexConfig configures the indexing pipeline for a mount.
type IndexConfig struct {
	Chunk     *ChunkConfig     `yaml:"chunk,omitempty"`
	Embedding *EmbeddingConfig `yaml:"embedding,omitempty"`
}

// ChunkConfig bounds the indexing pipeline's chunking pass.
type ChunkConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// EmbeddingConfig bounds the indexing pipeline's dense-embedding pass.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Dimensions int    `yaml:"dimensions"`
}

// WatchConfig configures incremental reconciliation polling.
type WatchConfig struct {
	PollIntervalSec int64  `yaml:"poll_interval_sec"`
	WebhookURL      string `yaml:"webhook_url,omitempty"`
}

// DefaultsConfig holds fallback Index/Watch settings applied when a mount
// omits its own.
type DefaultsConfig struct {
	Chunk     *ChunkConfig     `yaml:"chunk,omitempty"`
	Embedding *EmbeddingConfig `yaml:"embedding,omitempty"`
	Watch     *WatchConfig     `yaml:"watch,omitempty"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
		},
		Backends: map[string]BackendConfig{},
		Mounts:   nil,
		Defaults: DefaultsConfig{
			Chunk:     &ChunkConfig{Size: 1024, Overlap: 128},
			Embedding: &EmbeddingConfig{Provider: "mock", Dimensions: 384},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies AGENTVFS_* environment variable overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("AGENTVFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("AGENTVFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("AGENTVFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	return nil
}

// SaveToFile persists the configuration as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks structural and per-backend-type constraints, grounded on
// original_source/ax-config/src/validation.rs's VfsConfig::validate().
// It returns every error found, joined, rather than stopping at the first.
func (c *Configuration) Validate() error {
	var problems []string

	seenPaths := make(map[string]bool)
	for _, m := range c.Mounts {
		if seenPaths[m.Path] {
			problems = append(problems, fmt.Sprintf("duplicate mount path %q", m.Path))
		}
		seenPaths[m.Path] = true

		if !strings.HasPrefix(m.Path, "/") {
			problems = append(problems, fmt.Sprintf("mount %q: path must start with '/'", m.Path))
		}

		if m.Backend != "" {
			if _, ok := c.Backends[m.Backend]; !ok {
				problems = append(problems, fmt.Sprintf("mount %q: references undefined backend %q", m.Path, m.Backend))
			}
		}

		if m.ReadOnly && m.Sync != nil && m.Sync.Mode != "" && m.Sync.Mode != "none" {
			problems = append(problems, fmt.Sprintf("mount %q: read-only but has non-none sync configuration", m.Path))
		}

		if m.Index != nil {
			if m.Index.Chunk != nil {
				problems = append(problems, validateChunk(m.Path, m.Index.Chunk)...)
			}
			if m.Index.Embedding != nil {
				problems = append(problems, validateEmbedding(m.Path, m.Index.Embedding)...)
			}
		}
	}

	for i, a := range c.Mounts {
		for j, b := range c.Mounts {
			if i == j {
				continue
			}
			if strings.HasPrefix(b.Path, a.Path+"/") {
				problems = append(problems, fmt.Sprintf("mount %q overlaps mount %q", a.Path, b.Path))
			}
		}
	}

	for name, b := range c.Backends {
		switch b.Type {
		case "fs":
			if b.Fs == nil || b.Fs.Root == "" {
				problems = append(problems, fmt.Sprintf("backends.%s.fs.root: must not be empty", name))
			}
		case "memory":
			// no required fields
		case "s3":
			if b.S3 == nil {
				problems = append(problems, fmt.Sprintf("backends.%s.s3: required for type s3", name))
				break
			}
			if len(b.S3.Bucket) < 3 || len(b.S3.Bucket) > 63 {
				problems = append(problems, fmt.Sprintf("backends.%s.s3.bucket: must be 3-63 characters (got %d)", name, len(b.S3.Bucket)))
			}
			if b.S3.Endpoint != "" && !strings.HasPrefix(b.S3.Endpoint, "http://") && !strings.HasPrefix(b.S3.Endpoint, "https://") {
				problems = append(problems, fmt.Sprintf("backends.%s.s3.endpoint: must start with http:// or https://", name))
			}
		case "postgres":
			if b.Postgres == nil || (!strings.HasPrefix(b.Postgres.ConnectionURL, "postgres://") && !strings.HasPrefix(b.Postgres.ConnectionURL, "postgresql://")) {
				problems = append(problems, fmt.Sprintf("backends.%s.postgres.connection_url: must start with postgres:// or postgresql://", name))
			}
		case "vector":
			if b.Vector == nil || (!strings.HasPrefix(b.Vector.URL, "http://") && !strings.HasPrefix(b.Vector.URL, "https://")) {
				problems = append(problems, fmt.Sprintf("backends.%s.vector.url: must start with http:// or https://", name))
			}
		default:
			problems = append(problems, fmt.Sprintf("backends.%s: unknown type %q", name, b.Type))
		}
	}

	if c.Defaults.Chunk != nil {
		problems = append(problems, validateChunk("defaults", c.Defaults.Chunk)...)
	}
	if c.Defaults.Embedding != nil {
		problems = append(problems, validateEmbedding("defaults", c.Defaults.Embedding)...)
	}

	validLogLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
	if !validLogLevels[c.Global.LogLevel] {
		problems = append(problems, fmt.Sprintf("invalid log_level: %s", c.Global.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%d validation error(s):\n  - %s", len(problems), strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateChunk(context string, chunk *ChunkConfig) []string {
	var problems []string
	if chunk.Size == 0 {
		problems = append(problems, fmt.Sprintf("%s.chunk.size: must be greater than 0", context))
	}
	if chunk.Overlap >= chunk.Size {
		problems = append(problems, fmt.Sprintf("%s.chunk.overlap: must be less than chunk.size (%d >= %d)", context, chunk.Overlap, chunk.Size))
	}
	if chunk.Size > 100000 {
		problems = append(problems, fmt.Sprintf("%s.chunk.size: must be at most 100000 (got %d)", context, chunk.Size))
	}
	return problems
}

func validateEmbedding(context string, embedding *EmbeddingConfig) []string {
	var problems []string
	if embedding.Dimensions == 0 {
		problems = append(problems, fmt.Sprintf("%s.embedding.dimensions: must be greater than 0", context))
	}
	if embedding.Dimensions > 4096 {
		problems = append(problems, fmt.Sprintf("%s.embedding.dimensions: must be at most 4096 (got %d)", context, embedding.Dimensions))
	}
	return problems
}

// FlushInterval returns the mount's sync flush interval as a time.Duration.
func (s *SyncConfig) FlushInterval() time.Duration {
	if s == nil || s.FlushIntervalSec == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.FlushIntervalSec) * time.Second
}
