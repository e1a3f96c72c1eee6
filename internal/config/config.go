// Package config содержит логику чтения конфигурации сервиса примерки.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса примерки.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	RedisAddress   string `env:"REDIS_ADDRESS"`
	AuthSecret     string `env:"AUTH_SECRET"`
	PipelineToken  string `env:"PIPELINE_TOKEN"`
	AdminToken     string `env:"ADMIN_TOKEN"`
	WebhookWorkers int    `env:"WEBHOOK_WORKERS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envAuthSecret := cfg.AuthSecret
	envPipelineToken := cfg.PipelineToken
	envAdminToken := cfg.AdminToken
	envWebhookWorkers := cfg.WebhookWorkers

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for render queue and status channel")
	flag.StringVar(&cfg.AuthSecret, "s", "tryon-secret", "secret for auth cookie signing")
	flag.StringVar(&cfg.PipelineToken, "p", "", "token for render pipeline callbacks")
	flag.StringVar(&cfg.AdminToken, "t", "", "token for administrative operations")
	flag.IntVar(&cfg.WebhookWorkers, "w", 4, "number of webhook delivery workers")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envPipelineToken != "" {
		cfg.PipelineToken = envPipelineToken
	}
	if envAdminToken != "" {
		cfg.AdminToken = envAdminToken
	}
	if envWebhookWorkers != 0 {
		cfg.WebhookWorkers = envWebhookWorkers
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.WebhookWorkers <= 0 {
		cfg.WebhookWorkers = 4
	}

	return cfg, nil
}
