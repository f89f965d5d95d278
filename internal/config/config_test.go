package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.LeadMinutes, again.LeadMinutes)
	assert.Equal(t, cfg.Store, again.Store)
}

func TestLoad_NormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: UTC
lead_minutes: [30, -1, 10]
owners: [alice]
allow_private_calendar_urls: true
store:
  driver: REDIS
log:
  level: loud
course_names:
  ML: Machine Learning
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, []int{10, 30}, cfg.LeadMinutes)
	assert.Equal(t, []string{"alice"}, cfg.Owners)
	assert.True(t, cfg.AllowPrivateCalendarURLs)
	assert.False(t, DefaultConfig().AllowPrivateCalendarURLs)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "127.0.0.1:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "classcal:", cfg.Store.KeyPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "Machine Learning", cfg.CourseNames["ML"])
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	_, err = cfg.Location()
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Owners = []string{"alice", "bob"}
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "pw"}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}
