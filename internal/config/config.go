// Package config loads fieldsync's configuration from a YAML file,
// FIELDSYNC_* environment variables and defaults, in that order of
// precedence: environment over file over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override. database.dsn is read
// from FIELDSYNC_DATABASE_DSN.
const EnvPrefix = "FIELDSYNC"

// FileEnv names a config file when --config is not given.
const FileEnv = "FIELDSYNC_CONFIG_FILE"

// Config is the whole configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	ServiceTitan ServiceTitanConfig `mapstructure:"servicetitan"`
	Plaid        PlaidConfig        `mapstructure:"plaid"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Detector     DetectorConfig     `mapstructure:"detector"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Rules        RulesConfig        `mapstructure:"rules"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	Customers    CustomersConfig    `mapstructure:"customers"`

	// File is the config file that was read, empty when none was.
	File string `mapstructure:"-"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ServiceTitanConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	AuthURL      string `mapstructure:"auth_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AppKey       string `mapstructure:"app_key"`
	TenantID     string `mapstructure:"tenant_id"`
	PageSize     int    `mapstructure:"page_size"`
}

type PlaidConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	ClientID string `mapstructure:"client_id"`
	Secret   string `mapstructure:"secret"`

	// WebhookVerification turns on JWT verification of webhook deliveries.
	WebhookVerification bool `mapstructure:"webhook_verification"`

	// VerificationKey is a PEM file holding a fixed ES256 public key. When
	// empty, keys are fetched from the API by key id.
	VerificationKey string `mapstructure:"verification_key"`
}

type RetryConfig struct {
	Initial     time.Duration `mapstructure:"initial"`
	Factor      float64       `mapstructure:"factor"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type SyncConfig struct {
	Entities            []string      `mapstructure:"entities"`
	PageDelay           time.Duration `mapstructure:"page_delay"`
	Retry               RetryConfig   `mapstructure:"retry"`
	IncrementalInterval time.Duration `mapstructure:"incremental_interval"`
}

type DetectorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxSteps       int           `mapstructure:"max_steps"`
	ResumeInterval time.Duration `mapstructure:"resume_interval"`
	SigningSecret  string        `mapstructure:"signing_secret"`
}

type RulesConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type HTTPConfig struct {
	Addr      string          `mapstructure:"addr"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// WebhookSecret verifies deliveries to the rule trigger endpoint.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CustomersConfig struct {
	Provider string `mapstructure:"provider"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fieldsync.db")

	v.SetDefault("servicetitan.base_url", "https://api.servicetitan.io")
	v.SetDefault("servicetitan.auth_url", "https://auth.servicetitan.io/connect/token")
	v.SetDefault("servicetitan.client_id", "")
	v.SetDefault("servicetitan.client_secret", "")
	v.SetDefault("servicetitan.app_key", "")
	v.SetDefault("servicetitan.tenant_id", "")
	v.SetDefault("servicetitan.page_size", 500)

	v.SetDefault("plaid.base_url", "https://production.plaid.com")
	v.SetDefault("plaid.client_id", "")
	v.SetDefault("plaid.secret", "")
	v.SetDefault("plaid.webhook_verification", false)
	v.SetDefault("plaid.verification_key", "")

	v.SetDefault("sync.entities", []string{})
	v.SetDefault("sync.page_delay", 200*time.Millisecond)
	v.SetDefault("sync.retry.initial", time.Second)
	v.SetDefault("sync.retry.factor", 2.0)
	v.SetDefault("sync.retry.max", time.Minute)
	v.SetDefault("sync.retry.max_attempts", 5)
	v.SetDefault("sync.incremental_interval", 15*time.Minute)

	v.SetDefault("detector.interval", time.Minute)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.max_steps", 1000)
	v.SetDefault("engine.resume_interval", 30*time.Second)
	v.SetDefault("engine.signing_secret", "")

	v.SetDefault("rules.dir", "rules")
	v.SetDefault("rules.watch", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit.limit", 120)
	v.SetDefault("http.rate_limit.window", time.Minute)
	v.SetDefault("http.webhook_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("customers.provider", "local")
}

// Load reads configuration. When path is empty the file named by
// FIELDSYNC_CONFIG_FILE is read, or else fieldsync.yaml in . or ./config
// if one exists. A named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres", "pgx":
	default:
		add("database.driver: unknown driver %q (want sqlite or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		add("database.dsn: is required")
	}
	if c.ServiceTitan.PageSize <= 0 {
		add("servicetitan.page_size: must be positive")
	}
	if (c.ServiceTitan.ClientID == "") != (c.ServiceTitan.ClientSecret == "") {
		add("servicetitan: client_id and client_secret must be set together")
	}
	if c.Plaid.WebhookVerification && c.Plaid.ClientID == "" && c.Plaid.VerificationKey == "" {
		add("plaid.webhook_verification: needs plaid.client_id or plaid.verification_key")
	}
	if c.Sync.PageDelay < 0 {
		add("sync.page_delay: must not be negative")
	}
	if c.Sync.Retry.MaxAttempts < 1 {
		add("sync.retry.max_attempts: must be at least 1")
	}
	if c.Sync.Retry.Factor < 1 {
		add("sync.retry.factor: must be at least 1")
	}
	if c.Sync.IncrementalInterval <= 0 {
		add("sync.incremental_interval: must be positive")
	}
	if c.Detector.Interval <= 0 {
		add("detector.interval: must be positive")
	}
	if c.Engine.Workers < 1 {
		add("engine.workers: must be at least 1")
	}
	if c.Engine.MaxSteps < 0 {
		add("engine.max_steps: must not be negative")
	}
	if c.Engine.ResumeInterval <= 0 {
		add("engine.resume_interval: must be positive")
	}
	if c.Rules.Watch && c.Rules.Dir == "" {
		add("rules.watch: needs rules.dir")
	}
	if c.HTTP.RateLimit.Limit > 0 && c.HTTP.RateLimit.Window <= 0 {
		add("http.rate_limit.window: must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format: unknown format %q (want text or json)", c.Log.Format)
	}
	switch c.Customers.Provider {
	case "local", "external":
	default:
		add("customers.provider: unknown provider %q (want local or external)", c.Customers.Provider)
	}
	return errors.Join(errs...)
}
