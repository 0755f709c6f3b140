package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "novakf", cfg.AppName)
	require.Equal(t, 64, cfg.Storage.BlocksPerFile)
	require.Equal(t, 64, cfg.Storage.MaxOpenFiles)
	require.Equal(t, 1<<17, cfg.Storage.FileBlocks)
	require.Empty(t, cfg.Storage.JournalDir)
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novakf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  workdir: /var/lib/kf
  blocks_per_file: 16
  journal_dir: /var/lib/kf/journal
log:
  level: debug
  format: json
metrics:
  enabled: true
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/kf", cfg.Storage.Workdir)
	require.Equal(t, 16, cfg.Storage.BlocksPerFile)
	require.Equal(t, 64, cfg.Storage.MaxOpenFiles)
	require.Equal(t, "/var/lib/kf/journal", cfg.Storage.JournalDir)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("NOVAKF_STORAGE_MAX_OPEN_FILES", "8")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Storage.MaxOpenFiles)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  blocks_per_file: 0\n"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestKeyfileOptions(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Storage.JournalDir = "/tmp/j"
	reg := prometheus.NewRegistry()
	log := zap.NewNop()

	opts := cfg.KeyfileOptions(log, reg)
	require.Equal(t, 64, opts.BlocksPerFile)
	require.Equal(t, 64, opts.MaxOpenFiles)
	require.Equal(t, uint32(1<<17), opts.FileBlocks)
	require.Equal(t, "/tmp/j", opts.JournalDir)
	require.Same(t, log, opts.Logger)
	require.Nil(t, opts.Registerer, "metrics are off by default")

	cfg.Metrics.Enabled = true
	require.NotNil(t, cfg.KeyfileOptions(log, reg).Registerer)
}

func TestResolvePath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Storage.Workdir = "/data"
	require.Equal(t, "/data/a.kf", cfg.ResolvePath("a.kf"))
	require.Equal(t, "/abs/b.kf", cfg.ResolvePath("/abs/b.kf"))
}
