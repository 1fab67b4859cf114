package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Secrets are read from SCREEN_* environment variables so keys never have
// to live in the YAML file.
type Secrets struct {
	OpenAIKey     string `envconfig:"OPENAI_API_KEY"`
	AnthropicKey  string `envconfig:"ANTHROPIC_API_KEY"`
	GeminiKey     string `envconfig:"GEMINI_API_KEY"`
	JWTSecret     string `envconfig:"JWT_SECRET"`
	RedisURL      string `envconfig:"REDIS_URL"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
}

const envPrefix = "screen"

// overlayEnv loads envFile if present and copies every non-empty secret
// over the file configuration.
func overlayEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var s Secrets
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return fmt.Errorf("process environment: %w", err)
	}
	s.apply(cfg)
	return nil
}

func (s Secrets) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Providers.OpenAI.APIKey, s.OpenAIKey)
	set(&cfg.Providers.Anthropic.APIKey, s.AnthropicKey)
	set(&cfg.Providers.Gemini.APIKey, s.GeminiKey)
	set(&cfg.HTTP.JWTSecret, s.JWTSecret)
	set(&cfg.Redis.URL, s.RedisURL)
	set(&cfg.Redis.Password, s.RedisPassword)
	set(&cfg.Database.URL, s.DatabaseURL)
	set(&cfg.Notify.Telegram.Token, s.TelegramToken)
}
