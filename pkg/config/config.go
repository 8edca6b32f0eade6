// Package config loads treetank's YAML configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/indexing/indirect"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/bytepipe"
	"github.com/JohannesLichtenberger/treetank/pkg/logger"
	"github.com/JohannesLichtenberger/treetank/pkg/telemetry"
)

// Backend names.
const (
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Secondary cache tiers.
const (
	SecondaryBolt   = "bolt"
	SecondaryMemory = "memory"
	SecondaryNull   = "null"
)

// Config is the complete configuration of one storage session.
type Config struct {
	// Path is the storage location: a data file for the file backend, a
	// database file otherwise.
	Path      string           `yaml:"path"`
	Backend   string           `yaml:"backend"`
	Layout    LayoutConfig     `yaml:"layout"`
	Cache     CacheConfig      `yaml:"cache"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Commit    CommitConfig     `yaml:"commit"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// LayoutConfig shapes the indirect page tries. It is fixed when a store is
// created.
type LayoutConfig struct {
	FanOut int `yaml:"fan_out"`
	Levels int `yaml:"levels"`
}

type CacheConfig struct {
	// Capacity bounds the number of leaf pages a write transaction keeps in
	// memory before spilling.
	Capacity int `yaml:"capacity"`
	// Secondary is the spill tier: bolt, memory or null.
	Secondary string `yaml:"secondary"`
	// Dir holds bolt spill files. Defaults to the system temp dir.
	Dir string `yaml:"dir"`
	// SharedPages bounds the session-wide cache of committed pages.
	SharedPages int64 `yaml:"shared_pages"`
}

type PipelineConfig struct {
	// Compression is "none" or "xz".
	Compression string `yaml:"compression"`
	// EncryptionKey is a hex encoded AES key of 16, 24 or 32 bytes. Empty
	// disables encryption.
	EncryptionKey string `yaml:"encryption_key"`
}

type CommitConfig struct {
	// Parallelism > 1 commits the top-level subtrees of the node tree
	// concurrently.
	Parallelism int `yaml:"parallelism"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Backend: BackendFile,
		Layout:  LayoutConfig{FanOut: indirect.DefaultFanOut, Levels: indirect.DefaultLevels},
		Cache: CacheConfig{
			Capacity:    10,
			Secondary:   SecondaryBolt,
			SharedPages: 4096,
		},
		Pipeline:  PipelineConfig{Compression: "none"},
		Commit:    CommitConfig{Parallelism: 1},
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry: telemetry.Config{ServiceName: "treetank"},
	}
}

// Read decodes path on top of Default without validating, so callers can
// apply overrides first.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", dberror.ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Load is Read followed by Validate.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// IndirectLayout converts the layout section.
func (c Config) IndirectLayout() indirect.Layout {
	return indirect.Layout{FanOut: c.Layout.FanOut, Levels: c.Layout.Levels}
}

// CacheDir is where spill files go.
func (c Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(os.TempDir(), "treetank")
}

// Validate rejects configurations no session can be opened with.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", dberror.ErrInvalidConfig)
	}
	switch c.Backend {
	case BackendFile, BackendBolt, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown backend %q", dberror.ErrInvalidConfig, c.Backend)
	}
	if err := c.IndirectLayout().Validate(); err != nil {
		return err
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("%w: cache capacity must be positive, got %d", dberror.ErrInvalidConfig, c.Cache.Capacity)
	}
	switch c.Cache.Secondary {
	case SecondaryBolt, SecondaryMemory, SecondaryNull:
	default:
		return fmt.Errorf("%w: unknown secondary cache %q", dberror.ErrInvalidConfig, c.Cache.Secondary)
	}
	if c.Commit.Parallelism < 1 {
		return fmt.Errorf("%w: commit parallelism must be at least 1, got %d", dberror.ErrInvalidConfig, c.Commit.Parallelism)
	}
	if _, err := c.Pipeline.Build(); err != nil {
		return err
	}
	return nil
}

// Build assembles the byte pipeline: compression first, then encryption.
func (p PipelineConfig) Build() (*bytepipe.Pipeline, error) {
	var handlers []bytepipe.Handler
	switch p.Compression {
	case "", "none":
	case "xz":
		handlers = append(handlers, bytepipe.XZ{})
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", dberror.ErrInvalidConfig, p.Compression)
	}
	if p.EncryptionKey != "" {
		key, err := hex.DecodeString(p.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%w: encryption key is not hex: %v", dberror.ErrInvalidConfig, err)
		}
		enc, err := bytepipe.NewAESGCM(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dberror.ErrInvalidConfig, err)
		}
		handlers = append(handlers, enc)
	}
	return bytepipe.New(handlers...), nil
}
