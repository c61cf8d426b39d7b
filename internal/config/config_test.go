package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("USER_ID", "u1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 3*time.Second, cfg.Typing.Silence)
	assert.Equal(t, 2*time.Second, cfg.Typing.Idle)
	assert.Equal(t, 5*time.Second, cfg.Realtime.PollInterval)
	assert.Equal(t, float64(100), cfg.ScrollThreshold)
	assert.Equal(t, int64(20)<<20, cfg.MaxUploadSize)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatd.yaml")
	yml := "api_base_url: http://backend:9000\npage_size: 25\npoll_interval_ms: 1500\nuser_id: from-yaml\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PAGE_SIZE", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://backend:9000", cfg.APIBaseURL)
	assert.Equal(t, "from-yaml", cfg.UserID)
	assert.Equal(t, 10, cfg.PageSize, "env wins over yaml")
	assert.Equal(t, 1500*time.Millisecond, cfg.Realtime.PollInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("USER_ID", "u1")
	t.Setenv("PUSH_RETRY_MIN_MS", "5000")
	t.Setenv("PUSH_RETRY_MAX_MS", "100")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresUser(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("USER_ID", "")

	_, err := Load()
	assert.Error(t, err)
}
