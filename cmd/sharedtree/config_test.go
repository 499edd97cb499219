package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drpcorg/sharedtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Nil(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	level, err := cfg.Level()
	assert.Nil(t, err)
	assert.Equal(t, slog.LevelWarn, level)
	opts := cfg.TreeOptions(nil)
	assert.Equal(t, sharedtree.CurrentSummaryVersion, opts.SummaryVersion)
	assert.Equal(t, 30*time.Second, cfg.NetOptions(nil).WriteTimeout)
}

func TestConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sharedtree.yaml")
	require.Nil(t, os.WriteFile(path, []byte(`
name: alpha
log_level: debug
store_dir: /var/lib/sharedtree
summary:
  version: 0.0.2
  tail_length: 0
network:
  listen: ["tcp://:7070"]
  write_timeout: 5s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.Nil(t, err)
	assert.Equal(t, "alpha", cfg.Name)
	assert.Equal(t, "/var/lib/sharedtree", cfg.StoreDir)
	assert.Equal(t, sharedtree.SummaryVersion002, cfg.Summary.Version)
	assert.Equal(t, []string{"tcp://:7070"}, cfg.Network.Listen)
	assert.Equal(t, 1024, cfg.Network.QueueLimit)
	assert.Equal(t, 5*time.Second, cfg.NetOptions(nil).WriteTimeout)

	t.Setenv("SHAREDTREE_NAME", "beta")
	t.Setenv("SHAREDTREE_LISTEN", "tcp://:1,ws://:2")
	t.Setenv("SHAREDTREE_SUMMARY_TAIL", "16")
	cfg, err = LoadConfig(path)
	require.Nil(t, err)
	assert.Equal(t, "beta", cfg.Name)
	assert.Equal(t, []string{"tcp://:1", "ws://:2"}, cfg.Network.Listen)
	assert.Equal(t, 16, cfg.Summary.TailLength)
}

func TestConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"level":   "log_level: loud\n",
		"version": "summary: {version: 9.9.9}\n",
		"timeout": "network: {write_timeout: soon}\n",
		"tail":    "summary: {tail_length: -1}\n",
		"yaml":    "name: [\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		require.Nil(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := LoadConfig(path)
		assert.Error(t, err, name)
	}
	_, err := LoadConfig(filepath.Join(dir, "version.yaml"))
	assert.ErrorIs(t, err, sharedtree.ErrUnsupportedSummaryVersion)

	t.Setenv("SHAREDTREE_SUMMARY_TAIL", "many")
	_, err = LoadConfig("")
	assert.Error(t, err)
}
