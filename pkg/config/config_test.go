package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/sources"
)

func TestDefaultSettings(t *testing.T) {
	cfg := Default()

	assert.Equal(t, sources.DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Downloads.Workers)
	assert.Equal(t, 3, cfg.Downloads.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Downloads.IdleTimeout)
	assert.Equal(t, 5, cfg.Auth.MaxAttempts)
	assert.Equal(t, `^\d{6}$`, cfg.Auth.CodePatterns["totp"])
	assert.Equal(t, filepath.Join(cfg.DataDir, "avatars.db"), cfg.DBPath())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
api:
  base_url: http://localhost:9000/api/1
  timeout: 5s
rate_limit:
  limit: 10
  window: 2s
downloads:
  workers: 8
  retry:
    base: 250ms
    max: 4s
auth:
  code_patterns:
    totp: '^\d{8}$'
log_level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000/api/1", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, 10, cfg.RateLimit.Limit)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 8, cfg.Downloads.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Downloads.Retry.Base)
	assert.Equal(t, 4*time.Second, cfg.Downloads.Retry.Max)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, `^\d{8}$`, cfg.CodePatterns()[auth.MethodTOTP])

	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Downloads.MaxRetries)
	assert.Equal(t, 50, cfg.Catalog.PageSize)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("downloads: [unclosed"), 0o644))

	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "parse config file")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Downloads.Workers = 7
	cfg.API.Timeout = 45 * time.Second

	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AVATARS_API_URL", "http://env.example/api/1")
	t.Setenv("AVATARS_WORKERS", "6")
	t.Setenv("AVATARS_TIMEOUT", "12s")
	t.Setenv("AVATARS_LOG_LEVEL", "warn")

	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "http://env.example/api/1", cfg.API.BaseURL)
	assert.Equal(t, 6, cfg.Downloads.Workers)
	assert.Equal(t, 12*time.Second, cfg.API.Timeout)
	assert.Equal(t, "warn", cfg.LogLevel)

	t.Setenv("AVATARS_WORKERS", "many")
	assert.ErrorContains(t, cfg.LoadFromEnv(), "AVATARS_WORKERS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"no base url", func(s *Settings) { s.API.BaseURL = "" }, "base_url"},
		{"zero timeout", func(s *Settings) { s.API.Timeout = 0 }, "timeout"},
		{"zero limit", func(s *Settings) { s.RateLimit.Limit = 0 }, "rate_limit"},
		{"zero workers", func(s *Settings) { s.Downloads.Workers = 0 }, "workers"},
		{"negative retries", func(s *Settings) { s.Downloads.MaxRetries = -1 }, "max_retries"},
		{"zero idle timeout", func(s *Settings) { s.Downloads.IdleTimeout = 0 }, "idle_timeout"},
		{"zero page size", func(s *Settings) { s.Catalog.PageSize = 0 }, "page_size"},
		{"zero cache", func(s *Settings) { s.Cache.MaxBytes = 0 }, "max_bytes"},
		{"bad pattern", func(s *Settings) { s.Auth.CodePatterns["totp"] = "([" }, "code_patterns.totp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "session.yaml")
	f := NewTokenFile(path)

	token, err := f.Load()
	require.NoError(t, err)
	assert.Nil(t, token, "nothing saved yet")

	saved := auth.Token{
		Auth:        "authcookie_1",
		TwoFactor:   "2fa_totp",
		UserID:      "usr_alice",
		DisplayName: "Alice",
		ExpiresAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.SaveToken(saved))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, err = f.Load()
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, saved.Auth, token.Auth)
	assert.Equal(t, saved.TwoFactor, token.TwoFactor)
	assert.Equal(t, saved.UserID, token.UserID)
	assert.True(t, saved.ExpiresAt.Equal(token.ExpiresAt))

	require.NoError(t, f.ClearToken())
	require.NoError(t, f.ClearToken(), "clearing twice is fine")
	assert.NoFileExists(t, path)
}

func TestTokenFileIgnoresEmptyToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: usr_x\n"), 0o600))

	token, err := NewTokenFile(path).Load()
	require.NoError(t, err)
	assert.Nil(t, token)
}
