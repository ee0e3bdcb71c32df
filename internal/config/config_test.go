package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.PriorityWeights.Frequency = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveBounds(t *testing.T) {
	cfg := Default()
	cfg.MaxMemoryBytes = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pagecache.yaml")
	yaml := "maxMemoryBytes: 1048576\nstaleTTL: 90s\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	m, err := Load(path, nil)
	require.NoError(t, err)

	cfg := m.Current()
	assert.Equal(t, 1048576, cfg.MaxMemoryBytes)
	assert.Equal(t, 90*time.Second, cfg.StaleTTL)
	// unspecified fields keep defaults
	assert.Equal(t, Default().MaxIndexedDBBytes, cfg.MaxIndexedDBBytes)
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	m, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default().MaxMemoryBytes, m.Current().MaxMemoryBytes)
}
