// Package config handles NodeSpace configuration from a YAML file plus
// NODESPACE_-prefixed environment variable overrides.
//
// Configuration is organized into logical sections:
//   - Database: storage engine and data directory
//   - Embedding: batch processor cadence and idle threshold
//   - Import: markdown ingest limits and watching
//
// Example:
//
//	cfg, err := config.Load("nodespace.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//	fmt.Printf("data dir: %s\n", cfg.Database.DataDir)
//
// Environment overrides:
//   - NODESPACE_DATA_DIR
//   - NODESPACE_IN_MEMORY=true
//   - NODESPACE_EMBED_SCAN_INTERVAL=15s
//   - NODESPACE_EMBED_BATCH_SIZE=8
//   - NODESPACE_IMPORT_WATCH=true
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all NodeSpace settings.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Import    ImportConfig    `yaml:"import"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// DataDir is the directory for BadgerDB data files.
	DataDir string `yaml:"data_dir"`
	// InMemory runs the store without persistence; for tests and demos.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync after each write.
	SyncWrites bool `yaml:"sync_writes"`
}

// EmbeddingConfig holds embedding subsystem settings.
type EmbeddingConfig struct {
	// Enabled is parsed from the file; the nodespace CLI does not read it
	// and does not start the background batch processor.
	Enabled bool `yaml:"enabled"`
	// ScanInterval between stale-root sweeps.
	ScanInterval time.Duration `yaml:"scan_interval"`
	// BatchSize caps roots processed per sweep.
	BatchSize int `yaml:"batch_size"`
	// IdleThreshold is the quiet period before the idle trigger fires.
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

// ImportConfig holds markdown ingest settings.
type ImportConfig struct {
	// Watch keeps importing as files change under the import directory.
	Watch bool `yaml:"watch"`
	// SettleDelay coalesces rapid editor save bursts.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// Default returns the configuration the CLI ships with.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{DataDir: "./data"},
		Embedding: EmbeddingConfig{
			Enabled:       true,
			ScanInterval:  15 * time.Second,
			BatchSize:     8,
			IdleThreshold: 30 * time.Second,
		},
		Import: ImportConfig{SettleDelay: 500 * time.Millisecond},
	}
}

// Load reads path (optional: "" uses defaults), applies environment
// overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NODESPACE_DATA_DIR"); v != "" {
		c.Database.DataDir = v
	}
	if v := os.Getenv("NODESPACE_IN_MEMORY"); v != "" {
		c.Database.InMemory = parseBool(v, c.Database.InMemory)
	}
	if v := os.Getenv("NODESPACE_EMBED_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Embedding.ScanInterval = d
		}
	}
	if v := os.Getenv("NODESPACE_EMBED_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Embedding.BatchSize = n
		}
	}
	if v := os.Getenv("NODESPACE_IMPORT_WATCH"); v != "" {
		c.Import.Watch = parseBool(v, c.Import.Watch)
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("database.data_dir required unless in_memory")
	}
	if c.Embedding.BatchSize < 0 {
		return fmt.Errorf("embedding.batch_size must be >= 0")
	}
	if c.Embedding.ScanInterval < 0 || c.Embedding.IdleThreshold < 0 {
		return fmt.Errorf("embedding intervals must be >= 0")
	}
	return nil
}
