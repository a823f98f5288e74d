package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.MaxBrowsers)
	assert.Equal(t, 4, cfg.MaxContextsPerBrowser)
	assert.Equal(t, 8, cfg.MaxContexts)
	assert.Equal(t, 8, cfg.MaxConcurrentTasks)
	assert.Equal(t, 60*time.Second, cfg.DefaultTaskTimeout)
	assert.Equal(t, 10*time.Minute, cfg.MaxTaskTimeout)
	assert.Equal(t, 50, cfg.RecycleAfter)
	assert.Equal(t, 2*time.Second, cfg.LaunchInterval)
	assert.True(t, cfg.Headless)
	assert.Equal(t, DefaultChromiumArgs, cfg.ChromiumArgs)
	assert.Equal(t, "fs", cfg.StorageBackend)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_CONTEXTS", "3")
	t.Setenv("MAX_CONTEXTS_PER_BROWSER", "3")
	t.Setenv("DEFAULT_TASK_TIMEOUT", "5s")
	t.Setenv("CHROMIUM_ARGS", "--no-sandbox,--disable-gpu")
	t.Setenv("LAUNCH_INTERVAL", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxContexts)
	assert.Equal(t, 5*time.Second, cfg.DefaultTaskTimeout)
	assert.Equal(t, []string{"--no-sandbox", "--disable-gpu"}, cfg.ChromiumArgs)
	assert.Equal(t, 500*time.Millisecond, cfg.LaunchInterval)
}

func TestValidateRejectsBadLimits(t *testing.T) {
	t.Setenv("MAX_CONTEXTS", "2")
	t.Setenv("MAX_CONTEXTS_PER_BROWSER", "4")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONTEXTS_PER_BROWSER")

	t.Setenv("MAX_CONTEXTS_PER_BROWSER", "1")
	t.Setenv("MAX_CONCURRENT_TASKS", "0")
	_, err = Load()
	require.Error(t, err)
}

func TestValidateRequiresBucketForS3(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "s3")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("S3_BUCKET", "artifacts")
	_, err = Load()
	require.NoError(t, err)
}

func TestClampTimeout(t *testing.T) {
	cfg := &Config{DefaultTaskTimeout: time.Minute, MaxTaskTimeout: 5 * time.Minute}
	assert.Equal(t, time.Minute, cfg.ClampTimeout(0))
	assert.Equal(t, 2*time.Second, cfg.ClampTimeout(2*time.Second))
	assert.Equal(t, 5*time.Minute, cfg.ClampTimeout(time.Hour))
}
