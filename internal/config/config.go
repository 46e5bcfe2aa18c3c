package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries runtime configuration sourced from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	HTTPListenAddr   string
	PublicBaseURL    string
	MetricsNamespace string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	// Issuer selects the card issuer variant: "sandbox" (provider-backed) or "mock".
	Issuer              string
	IssuerBaseURL       string
	IssuerAPIKey        string
	IssuerTimeout       time.Duration
	IssuerWebhookSecret string

	NotifyChannelURL string
	NotifyTimeout    time.Duration

	WorkerAPIKey string
	APIBaseURL   string

	IntentTTL       time.Duration
	ExpirySweepTick time.Duration
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "agentpay"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		Issuer:              getEnv("CARD_ISSUER", "mock"),
		IssuerBaseURL:       os.Getenv("ISSUER_BASE_URL"),
		IssuerAPIKey:        os.Getenv("ISSUER_API_KEY"),
		IssuerWebhookSecret: os.Getenv("ISSUER_WEBHOOK_SECRET"),

		NotifyChannelURL: os.Getenv("NOTIFY_CHANNEL_URL"),

		WorkerAPIKey: os.Getenv("WORKER_API_KEY"),
		APIBaseURL:   getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.RedisTLS = strings.EqualFold(os.Getenv("REDIS_TLS"), "true")

	if cfg.IssuerTimeout, err = getEnvDuration("ISSUER_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.NotifyTimeout, err = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.IntentTTL, err = getEnvDuration("INTENT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ExpirySweepTick, err = getEnvDuration("EXPIRY_SWEEP_TICK", 5*time.Minute); err != nil {
		return nil, err
	}

	switch cfg.Issuer {
	case "mock":
	case "sandbox":
		if cfg.IssuerBaseURL == "" || cfg.IssuerAPIKey == "" {
			return nil, fmt.Errorf("ISSUER_BASE_URL and ISSUER_API_KEY are required for the sandbox issuer")
		}
	default:
		return nil, fmt.Errorf("unknown CARD_ISSUER %q (want sandbox or mock)", cfg.Issuer)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
