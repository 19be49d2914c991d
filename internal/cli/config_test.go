package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kairo/internal/config"
)

func withConfigPath(t *testing.T, path string) {
	t.Helper()
	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })
}

func TestConfigInit(t *testing.T) {
	t.Run("should write default config", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "kairo.json")
		withConfigPath(t, path)

		err := runConfigInit(configInitCmd, nil)
		require.NoError(t, err)

		cfg, err := config.NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig().Queue.Concurrency, cfg.Queue.Concurrency)
	})

	t.Run("should refuse to overwrite existing config", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "kairo.json")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
		withConfigPath(t, path)

		err := runConfigInit(configInitCmd, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})
}

func TestConfigShow(t *testing.T) {
	t.Run("should load and print without error", func(t *testing.T) {
		tmpDir := t.TempDir()
		withConfigPath(t, filepath.Join(tmpDir, "absent.json"))

		// Absent file falls back to defaults.
		err := runConfigShow(configShowCmd, nil)
		assert.NoError(t, err)
	})
}
