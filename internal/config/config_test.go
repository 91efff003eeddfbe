package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		UserID:  "adv-1",
		Backend: BackendHTTP,
		HTTP: HTTPConfig{
			BaseURL:           "https://visits.example.com/api",
			APIKey:            "secret",
			RequestsPerSecond: 5,
			Burst:             2,
		},
		FollowUpRule: "FREQ=WEEKLY;INTERVAL=4",
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	err := Validate(validConfig())
	assert.NoError(t, err)
}

func TestValidate_MinimalMemoryConfig(t *testing.T) {
	cfg := &Config{UserID: "adv-1", Backend: BackendMemory}
	ApplyDefaults(cfg)

	err := Validate(cfg)
	assert.NoError(t, err)
}

func TestValidate_MissingUserID(t *testing.T) {
	cfg := validConfig()
	cfg.UserID = ""

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Backend = "sheets"

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_BackendRequirements(t *testing.T) {
	t.Run("http needs a base URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.HTTP.BaseURL = ""

		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "http.baseURL")
	})

	t.Run("http base URL must be a URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.HTTP.BaseURL = "not a url"

		err := Validate(cfg)
		assert.Error(t, err)
	})

	t.Run("postgres needs a database URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.Backend = BackendPostgres

		err := Validate(cfg)
		assert.Error(t, err)

		cfg.DatabaseURL = "postgres://localhost:5432/visits"
		assert.NoError(t, Validate(cfg))
	})

	t.Run("oauth needs client credentials", func(t *testing.T) {
		cfg := validConfig()
		cfg.HTTP.OAuth = &OAuthConfig{TokenURL: "https://auth.example.com/token", ClientID: "cli"}

		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ClientSecret")

		cfg.HTTP.OAuth.ClientSecret = "shh"
		assert.NoError(t, Validate(cfg))
	})
}

func TestValidate_InvalidRRule(t *testing.T) {
	cfg := validConfig()
	cfg.FollowUpRule = "INVALID_RRULE_SYNTAX"

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rrule")
}

func TestValidate_ExpiryShorterThanInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Reconciliation.ExpireAfter = time.Second

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{Redis: RedisConfig{Addr: "localhost:6379"}}
	ApplyDefaults(cfg)

	assert.Equal(t, 2*time.Second, cfg.Reconciliation.PollInterval)
	assert.Equal(t, 6, cfg.Reconciliation.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Reconciliation.ExpireAfter)
	assert.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "visits.fill", cfg.Redis.Channel)
}

func TestLoadFromPath_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	validConfig := `
userID: "adv-1"
backend: "http"
http:
  baseURL: "https://visits.example.com/api"
  apiKey: "secret"
  timeout: 5s
  requestsPerSecond: 10
  burst: 3
redis:
  addr: "localhost:6379"
reconciliation:
  pollInterval: 1s
  maxAttempts: 4
followUpRule: "FREQ=MONTHLY;BYDAY=1MO"
`

	err := os.WriteFile(configPath, []byte(validConfig), 0644)
	require.NoError(t, err)

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, "adv-1", cfg.UserID)
	assert.Equal(t, BackendHTTP, cfg.Backend)
	assert.Equal(t, "https://visits.example.com/api", cfg.HTTP.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 10.0, cfg.HTTP.RequestsPerSecond)
	assert.Equal(t, 3, cfg.HTTP.Burst)
	assert.Equal(t, "visits.fill", cfg.Redis.Channel)

	// Unset reconciliation values fall back to defaults
	assert.Equal(t, time.Second, cfg.Reconciliation.PollInterval)
	assert.Equal(t, 4, cfg.Reconciliation.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Reconciliation.ExpireAfter)
	assert.Equal(t, "FREQ=MONTHLY;BYDAY=1MO", cfg.FollowUpRule)
}

func TestLoadFromPath_InvalidRRule(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_rrule.yaml")

	invalidConfig := `
userID: "adv-1"
backend: "memory"
followUpRule: "INVALID_RRULE_SYNTAX"
`

	err := os.WriteFile(configPath, []byte(invalidConfig), 0644)
	require.NoError(t, err)

	_, err = LoadFromPath(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rrule")
}

func TestLoadFromPath_MissingRequiredField(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.yaml")

	invalidConfig := `
backend: "memory"
# Missing userID
`

	err := os.WriteFile(configPath, []byte(invalidConfig), 0644)
	require.NoError(t, err)

	_, err = LoadFromPath(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadFromPath_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_yaml.yaml")

	invalidYAML := `
userID: "adv-1"
  invalid indentation
backend: "memory"
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = LoadFromPath(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadFromPath_FileNotFound(t *testing.T) {
	_, err := LoadFromPath("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadWithEnv_PrefersEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })

	require.NoError(t, os.WriteFile("visits_config.yaml", []byte("userID: base\nbackend: memory\n"), 0644))
	require.NoError(t, os.WriteFile("visits_config.staging.yaml", []byte("userID: staging\nbackend: memory\n"), 0644))

	cfg, err := LoadWithEnv("staging")
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.UserID)

	cfg, err = LoadWithEnv("prod")
	require.NoError(t, err)
	assert.Equal(t, "base", cfg.UserID)
}
