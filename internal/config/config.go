package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"screening-engine/internal/domain/model"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

type StoreConfig struct {
	Backend      string        `yaml:"backend"`   // redis | postgres
	Retention    time.Duration `yaml:"retention"` // 24h..168h
	WaitReplicas int           `yaml:"wait_replicas"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ProviderCredentials struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Version string `yaml:"version"` // anthropic-version header
}

type ProvidersConfig struct {
	OpenAI    ProviderCredentials `yaml:"openai"`
	Anthropic ProviderCredentials `yaml:"anthropic"`
	Gemini    ProviderCredentials `yaml:"gemini"`
	Echo      bool                `yaml:"echo"` // deterministic local adapter
}

type SchedulerConfig struct {
	ErrorWindow    int           `yaml:"error_window"`
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	Cooldown       time.Duration `yaml:"cooldown"`
	IncreaseAfter  int           `yaml:"increase_after"` // consecutive successes before +1 slot
	SharedQuota    bool          `yaml:"shared_quota"`   // redis-backed per-minute quota across instances
}

type OrchestratorConfig struct {
	StaleAfter       time.Duration `yaml:"stale_after"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	Log          LogConfig               `yaml:"log"`
	HTTP         HTTPConfig              `yaml:"http"`
	Store        StoreConfig             `yaml:"store"`
	Database     DatabaseConfig          `yaml:"database"`
	Redis        RedisConfig             `yaml:"redis"`
	Providers    ProvidersConfig         `yaml:"providers"`
	Profiles     []model.ProviderProfile `yaml:"profiles"`
	Scheduler    SchedulerConfig         `yaml:"scheduler"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Notify       NotifyConfig            `yaml:"notify"`
	Tracing      TracingConfig           `yaml:"tracing"`

	Runtime RuntimeConfig `yaml:"-"`
}

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	minRetention = 24 * time.Hour
	maxRetention = 168 * time.Hour
)

// LoadConfig reads the YAML file, overlays secrets from the environment,
// applies defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if err := overlayEnv(cfg, ".env"); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without touching the environment.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.TokenTTL <= 0 {
		c.HTTP.TokenTTL = 24 * time.Hour
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 15 * time.Second
	}
	if c.HTTP.JWTSecret == "" && c.Runtime.Dev {
		c.HTTP.JWTSecret = "dev-secret-do-not-use"
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = BackendRedis
	}
	c.Store.Retention = normalizeRetention(c.Store.Retention)
	if c.Store.WaitTimeout <= 0 {
		c.Store.WaitTimeout = time.Second
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Providers.Anthropic.Version == "" {
		c.Providers.Anthropic.Version = "2023-06-01"
	}
	if c.Scheduler.ErrorWindow <= 0 {
		c.Scheduler.ErrorWindow = 20
	}
	if c.Scheduler.ErrorThreshold <= 0 {
		c.Scheduler.ErrorThreshold = 0.05
	}
	if c.Scheduler.MinSamples <= 0 {
		c.Scheduler.MinSamples = 10
	}
	if c.Scheduler.Cooldown <= 0 {
		c.Scheduler.Cooldown = 10 * time.Second
	}
	if c.Scheduler.IncreaseAfter <= 0 {
		c.Scheduler.IncreaseAfter = 20
	}
	if c.Orchestrator.StaleAfter <= 0 {
		c.Orchestrator.StaleAfter = 10 * time.Minute
	}
	if c.Orchestrator.RecoveryInterval <= 0 {
		c.Orchestrator.RecoveryInterval = time.Minute
	}
	if c.Orchestrator.SweepInterval <= 0 {
		c.Orchestrator.SweepInterval = 15 * time.Minute
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "screening-engine"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for the redis store")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	p := c.Providers
	if p.OpenAI.APIKey == "" && p.Anthropic.APIKey == "" && p.Gemini.APIKey == "" && !p.Echo {
		return errors.New("at least one provider must be configured")
	}
	if c.HTTP.JWTSecret == "" {
		return errors.New("http.jwt_secret is required")
	}
	if c.Scheduler.ErrorThreshold >= 1 {
		return errors.New("scheduler.error_threshold must be below 1")
	}
	return nil
}

// normalizeRetention clamps the batch retention into the supported range.
func normalizeRetention(d time.Duration) time.Duration {
	if d <= 0 {
		return 72 * time.Hour
	}
	if d < minRetention {
		return minRetention
	}
	if d > maxRetention {
		return maxRetention
	}
	return d
}
