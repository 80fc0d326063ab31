package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte("server:\n  port: 9001\nsession:\n  sweep_interval: 15s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), body, 0o644))

	v, err := Load(dir, "config")
	require.NoError(t, err)

	assert.Equal(t, 9001, v.GetInt("server.port"))
	assert.Equal(t, 15*time.Second, Duration(v, "session.sweep_interval", time.Minute))
}

func TestLoadWithoutFileFallsBackToDefaults(t *testing.T) {
	v, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)

	v.SetDefault("server.port", 8080)
	assert.Equal(t, 8080, v.GetInt("server.port"))
}

func TestDurationFallback(t *testing.T) {
	v, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)

	v.Set("bad", "soon")
	assert.Equal(t, 3*time.Second, Duration(v, "bad", 3*time.Second))
	assert.Equal(t, 5*time.Second, Duration(v, "absent", 5*time.Second))
}
