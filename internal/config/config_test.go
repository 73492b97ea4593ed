package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.App.Port)
	assert.Equal(t, 6881, cfg.Engine.PeerPort)
	assert.Equal(t, 40, cfg.Engine.MaxPeers)
	assert.Equal(t, 10, cfg.Engine.PipelineDepth)
	assert.Equal(t, 20, cfg.Engine.EndgameThreshold)
	assert.True(t, cfg.Engine.SeedOnComplete)
	assert.True(t, cfg.Discovery.UseTrackers)
	assert.True(t, cfg.Discovery.UseDHT)
	assert.False(t, cfg.WatchFolder.Enabled)
}

func TestLoadAppliesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  port: 9000
engine:
  max_peers: 5
  seed_on_complete: false
discovery:
  use_dht: false
  extra_trackers:
    - http://tracker.example/announce
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.App.Port)
	assert.Equal(t, 5, cfg.Engine.MaxPeers)
	assert.False(t, cfg.Engine.SeedOnComplete)
	assert.False(t, cfg.Discovery.UseDHT)
	assert.Equal(t, []string{"http://tracker.example/announce"}, cfg.Discovery.ExtraTrackers)
	// Untouched keys keep their defaults.
	assert.Equal(t, 6881, cfg.Engine.PeerPort)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("RIPTIDE_PORT", "7777")
	t.Setenv("RIPTIDE_API_PASSWORD", "hunter2")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.App.Port)
	assert.Equal(t, "hunter2", cfg.App.APIPassword)
}
