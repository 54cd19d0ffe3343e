package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pulseforge/workspace-pipeline/internal/repository"
)

// Config is the process-wide configuration surface (§8 EXTERNAL INTERFACES).
type Config struct {
	repository.PostgresCfg

	HTTPPort string `env:"PORT" env-default:"8080"`

	WebhookSecret string `env:"WEBHOOK_SECRET" env-default:""`

	DefaultActivityWindowHours int `env:"ACTIVITY_WINDOW_HOURS" env-default:"72"`

	WebhookRateLimitPerSec float64 `env:"WEBHOOK_RATE_LIMIT_PER_SEC" env-default:"5"`
	WebhookRateLimitBurst  int     `env:"WEBHOOK_RATE_LIMIT_BURST" env-default:"10"`

	LMEndpoint      string        `env:"LM_ENDPOINT" env-default:""`
	LMModel         string        `env:"LM_MODEL" env-default:"alignment-v1"`
	LMTimeout       time.Duration `env:"LM_TIMEOUT" env-default:"15s"`
	LMMaxRetries    int           `env:"LM_MAX_RETRIES" env-default:"1"`
	LMRetryDelay    time.Duration `env:"LM_RETRY_DELAY" env-default:"1.5s"`
	LMRateWindow    time.Duration `env:"LM_RATE_WINDOW" env-default:"60s"`
	LMRateMax       int           `env:"LM_RATE_MAX" env-default:"10"`
}

func NewConfig() (*Config, error) {
	var cfg Config

	path := os.Getenv("ENV_PATH")
	if path == "" {
		path = "./config/.env"
	}

	err := cleanenv.ReadConfig(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return &cfg, err
}
