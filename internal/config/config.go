package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"
)

// Backend names the gateway implementation the CLI talks to
type Backend string

const (
	BackendHTTP     Backend = "http"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

const configFileBase = "visits_config"

// HTTPConfig configures the visit service client
type HTTPConfig struct {
	BaseURL           string        `yaml:"baseURL" validate:"omitempty,url"`
	APIKey            string        `yaml:"apiKey,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond,omitempty" validate:"gte=0"`
	Burst             int           `yaml:"burst,omitempty" validate:"gte=0"`
	OAuth             *OAuthConfig  `yaml:"oauth,omitempty"`
}

// OAuthConfig holds client credentials for the visit service's token endpoint.
// When set it replaces the static API key.
type OAuthConfig struct {
	TokenURL     string   `yaml:"tokenURL" validate:"required,url"`
	ClientID     string   `yaml:"clientID" validate:"required"`
	ClientSecret string   `yaml:"clientSecret" validate:"required"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// RedisConfig configures fill notifications. An empty Addr disables them.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" validate:"gte=0"`
	Channel  string `yaml:"channel,omitempty"`
}

// ReconciliationConfig tunes fill confirmation polling
type ReconciliationConfig struct {
	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
	MaxAttempts  int           `yaml:"maxAttempts" validate:"min=1"`
	ExpireAfter  time.Duration `yaml:"expireAfter" validate:"gtefield=PollInterval"`
}

// Config represents the application configuration
type Config struct {
	UserID         string               `yaml:"userID" validate:"required"`
	Backend        Backend              `yaml:"backend" validate:"required,oneof=http postgres memory"`
	HTTP           HTTPConfig           `yaml:"http,omitempty"`
	DatabaseURL    string               `yaml:"databaseURL,omitempty" validate:"required_if=Backend postgres"`
	Redis          RedisConfig          `yaml:"redis,omitempty"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation,omitempty"`
	FollowUpRule   string               `yaml:"followUpRule,omitempty"`

	// Env is the --env the config was loaded for; it keys per-environment caches
	Env string `yaml:"-"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Load loads and validates the configuration from visits_config.yaml
// It looks for the config file in the current directory first, then in the user's home directory
func Load() (*Config, error) {
	return LoadWithEnv("")
}

// LoadWithEnv prefers visits_config.<env>.yaml and falls back to visits_config.yaml
func LoadWithEnv(env string) (*Config, error) {
	var names []string
	if env != "" {
		names = append(names, fmt.Sprintf("%s.%s.yaml", configFileBase, env))
	}
	names = append(names, configFileBase+".yaml")

	configPath, err := findConfigFile(names...)
	if err != nil {
		return nil, fmt.Errorf("failed to find config file: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads and validates the configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills unset reconciliation and transport settings
func ApplyDefaults(cfg *Config) {
	if cfg.Reconciliation.PollInterval == 0 {
		cfg.Reconciliation.PollInterval = 2 * time.Second
	}
	if cfg.Reconciliation.MaxAttempts == 0 {
		cfg.Reconciliation.MaxAttempts = 6
	}
	if cfg.Reconciliation.ExpireAfter == 0 {
		cfg.Reconciliation.ExpireAfter = 30 * time.Second
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = 15 * time.Second
	}
	if cfg.Redis.Addr != "" && cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "visits.fill"
	}
}

// Validate validates the configuration struct and checks rrule syntax
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Backend == BackendHTTP && cfg.HTTP.BaseURL == "" {
		return fmt.Errorf("config validation failed: http.baseURL is required for the http backend")
	}

	if cfg.FollowUpRule != "" {
		if _, err := rrule.StrToRRule(cfg.FollowUpRule); err != nil {
			return fmt.Errorf("invalid rrule in followUpRule: %w", err)
		}
	}

	return nil
}

// findConfigFile searches for the first of names in the current directory, then the home directory
func findConfigFile(names ...string) (string, error) {
	for _, name := range names {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, name := range names {
		homeConfigPath := filepath.Join(homeDir, name)
		if _, err := os.Stat(homeConfigPath); err == nil {
			return homeConfigPath, nil
		}
	}

	return "", fmt.Errorf("config file not found in current directory or home directory")
}
