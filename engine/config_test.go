package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.SiteURL = "https://site.com"
	cfg.SnapshotsDir = "/tmp/snaps"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 0.9, cfg.W)
	assert.Equal(t, 1.4, cfg.UCBConfidence)
	assert.Equal(t, 0.2, cfg.Q0)
	assert.Equal(t, 0.05, cfg.NoiseThreshold)
	assert.Equal(t, 0.05, cfg.TrackingThreshold)
	assert.Equal(t, 2, cfg.MinAdThreshold)
	assert.Equal(t, 6, cfg.ConsecutiveNoAdAbort)
	assert.Equal(t, 2, cfg.ChunkThreshold)
	assert.Nil(t, cfg.Gamma)
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.SiteURL = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.W = 1.5
	require.Error(t, bad.Validate())

	bad = cfg
	gamma := 2.0
	bad.Gamma = &gamma
	require.Error(t, bad.Validate())

	bad = cfg
	bad.RewardFunc = "nope"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.IterationMultiplier = 0
	require.Error(t, bad.Validate())
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autofr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"w: 0.8\nucb_c: 2.0\nlog_level: debug\nseed: 11\n"), 0o644))

	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, 0.8, cfg.W)
	assert.Equal(t, 2.0, cfg.UCBConfidence)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(11), cfg.Seed)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.2, cfg.Q0)
	assert.Equal(t, 100, cfg.IterationMultiplier)
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.LoadFile("/does/not/exist.yaml"))
}
