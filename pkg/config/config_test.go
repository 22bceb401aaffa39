package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults_without_file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "./data", cfg.Database.DataDir)
		assert.True(t, cfg.Embedding.Enabled)
		assert.Equal(t, 15*time.Second, cfg.Embedding.ScanInterval)
	})

	t.Run("yaml_file_overrides_defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nodespace.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"database:\n  data_dir: /tmp/ns\nembedding:\n  batch_size: 32\n"), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/ns", cfg.Database.DataDir)
		assert.Equal(t, 32, cfg.Embedding.BatchSize)
	})

	t.Run("env_overrides_file", func(t *testing.T) {
		t.Setenv("NODESPACE_DATA_DIR", "/env/dir")
		t.Setenv("NODESPACE_IN_MEMORY", "true")
		t.Setenv("NODESPACE_EMBED_BATCH_SIZE", "4")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "/env/dir", cfg.Database.DataDir)
		assert.True(t, cfg.Database.InMemory)
		assert.Equal(t, 4, cfg.Embedding.BatchSize)
	})

	t.Run("missing_data_dir_rejected_unless_in_memory", func(t *testing.T) {
		cfg := Default()
		cfg.Database.DataDir = ""
		assert.Error(t, cfg.Validate())

		cfg.Database.InMemory = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("negative_batch_size_rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Embedding.BatchSize = -1
		assert.Error(t, cfg.Validate())
	})
}
