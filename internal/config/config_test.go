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
	t.Setenv("SCREENING_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, []string{"high", "default", "low"}, cfg.PriorityQueues)
	assert.Equal(t, 50*time.Minute, cfg.SoftTimeLimit)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screening.yaml")
	body := "http_port: \"9000\"\nsoft_time_limit: 5m\nreview_repository: org/reviews\nlock_dir: /var/lock/screening\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("SCREENING_CONFIG_FILE", path)
	t.Setenv("LOCK_DIR", "/tmp/locks")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.SoftTimeLimit)
	assert.Equal(t, "org/reviews", cfg.ReviewRepository)
	assert.Equal(t, "/tmp/locks", cfg.LockDir, "env overrides the file")
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: [unterminated"), 0o644))
	t.Setenv("SCREENING_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}
