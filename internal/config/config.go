package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AppKeyPattern constrains caller-chosen app keys; the same pattern gates
// webhook and sync admission at the HTTP layer.
var AppKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config is the root of the supasaasy configuration file.
type Config struct {
	Apps           []AppConfig     `yaml:"apps" validate:"required,min=1,dive"`
	SyncSchedules  []SyncSchedule  `yaml:"sync_schedules" validate:"dive"`
	WebhookLogging *WebhookLogging `yaml:"webhook_logging"`
	Auth           *AuthConfig     `yaml:"auth"`
}

// AppConfig describes one configured SaaS connection instance.
type AppConfig struct {
	AppKey    string      `yaml:"app_key" validate:"required"`
	Name      string      `yaml:"name" validate:"required"`
	Connector string      `yaml:"connector" validate:"required"`
	Config    AppSettings `yaml:"config"`
}

// AppSettings carries per-app connector settings. Secrets are preferably
// referenced through *_env fields; direct values are accepted in development
// and rejected in production mode.
type AppSettings struct {
	APIKeyEnv        string   `yaml:"api_key_env"`
	APIKey           string   `yaml:"api_key"`
	WebhookSecretEnv string   `yaml:"webhook_secret_env"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	SyncFrom         string   `yaml:"sync_from"`
	SyncResources    []string `yaml:"sync_resources"`
}

// SyncSchedule triggers a periodic incremental sync for one app.
type SyncSchedule struct {
	AppKey  string `yaml:"app_key" validate:"required"`
	Cron    string `yaml:"cron" validate:"required"`
	Enabled bool   `yaml:"enabled"`
}

// WebhookLogging toggles the webhook request/response log.
type WebhookLogging struct {
	Enabled bool `yaml:"enabled"`
}

// AuthConfig toggles the optional authorized-user layer. The tables and
// policies themselves live outside this repository.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

var validate = validator.New()

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates configuration bytes. Split out of Load for tests.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Apps))
	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		if !AppKeyPattern.MatchString(app.AppKey) {
			return nil, fmt.Errorf("app %q: app_key must match %s", app.AppKey, AppKeyPattern)
		}
		if seen[app.AppKey] {
			return nil, fmt.Errorf("app %q: duplicate app_key", app.AppKey)
		}
		seen[app.AppKey] = true
		if app.Config.SyncFrom != "" {
			if _, err := app.Config.SyncFromTime(); err != nil {
				return nil, fmt.Errorf("app %q: %w", app.AppKey, err)
			}
		}
	}
	for _, sched := range cfg.SyncSchedules {
		if !seen[sched.AppKey] {
			return nil, fmt.Errorf("sync_schedule for %q: no such app", sched.AppKey)
		}
	}
	return &cfg, nil
}

// App looks up an app by key.
func (c *Config) App(appKey string) (*AppConfig, bool) {
	for i := range c.Apps {
		if c.Apps[i].AppKey == appKey {
			return &c.Apps[i], true
		}
	}
	return nil, false
}

// WebhookLoggingEnabled reports whether webhook request logging is on.
func (c *Config) WebhookLoggingEnabled() bool {
	return c.WebhookLogging != nil && c.WebhookLogging.Enabled
}

// ResolveAPIKey returns the provider API key, preferring the env-backed
// reference over a direct value.
func (s *AppSettings) ResolveAPIKey() (string, error) {
	return resolveSecret("api_key", s.APIKeyEnv, s.APIKey)
}

// ResolveWebhookSecret returns the webhook signing secret.
func (s *AppSettings) ResolveWebhookSecret() (string, error) {
	return resolveSecret("webhook_secret", s.WebhookSecretEnv, s.WebhookSecret)
}

func resolveSecret(field, envName, direct string) (string, error) {
	if envName != "" {
		v := os.Getenv(envName)
		if v == "" {
			return "", fmt.Errorf("%s_env names %s but it is not set", field, envName)
		}
		return v, nil
	}
	if direct != "" {
		return direct, nil
	}
	return "", fmt.Errorf("%s is not configured", field)
}

// SyncFromTime parses the optional sync_from lower bound. Returns nil when
// unset.
func (s *AppSettings) SyncFromTime() (*time.Time, error) {
	if s.SyncFrom == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.SyncFrom)
	if err != nil {
		return nil, fmt.Errorf("sync_from %q is not a valid ISO-8601 timestamp", s.SyncFrom)
	}
	return &t, nil
}

// Production reports whether the process runs in production mode. Direct
// (non-env) secrets are rejected when it does.
func Production() bool {
	return strings.EqualFold(os.Getenv("ENV"), "production")
}
