package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, "uibridge", cfg.Name)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.QueryRetention.Std())
	assert.Equal(t, "localhost:8090", cfg.Addr())
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
host: 0.0.0.0
port: 9000
agentUrl: http://agent.internal/query
callTimeout: 45s
queryRetention: 10m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "http://agent.internal/query", cfg.AgentURL)
	assert.Equal(t, 45*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.QueryRetention.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, "uibridge", cfg.Name)
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("port: [nope"), 0o644))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("callTimeout: soon"), 0o644))

	_, err := LoadConfig(dir)
	assert.ErrorContains(t, err, "invalid duration")
}
