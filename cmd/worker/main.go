package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentpay/internal/apiclient"
	"agentpay/internal/approval"
	"agentpay/internal/cache"
	"agentpay/internal/config"
	"agentpay/internal/intent"
	"agentpay/internal/issuing"
	"agentpay/internal/jobs"
	"agentpay/internal/ledger"
	"agentpay/internal/lifecycle"
	"agentpay/internal/logging"
	"agentpay/internal/metrics"
	"agentpay/internal/repo"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting agentpay worker", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.NewPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	api := apiclient.New(cfg.APIBaseURL, cfg.WorkerAPIKey, 30*time.Second, logger)
	agent := newAgent(api, logger)

	dispatcher := jobs.NewDispatcher(redisClient, cfg.IntentTTL, metricRegistry, logger)
	runner := jobs.NewRunner(redisClient, dispatcher, agent, metricRegistry, logger)

	// The expiry sweep shares the orchestration service with cmd/app; the
	// worker only exercises its ExpireStale path.
	machine := intent.NewMachine(repository, metricRegistry, logger)
	potLedger := ledger.New(repository, metricRegistry, logger)
	gate := approval.NewGate(repository, machine, metricRegistry, logger)

	var issuer issuing.CardIssuer
	switch cfg.Issuer {
	case "sandbox":
		issuer = issuing.NewProviderIssuer(issuing.ProviderConfig{
			BaseURL: cfg.IssuerBaseURL,
			APIKey:  cfg.IssuerAPIKey,
			Timeout: cfg.IssuerTimeout,
		}, repository, metricRegistry, logger)
	default:
		issuer = issuing.NewMockIssuer(repository, logger)
	}

	service := lifecycle.New(lifecycle.Config{
		Repository: repository,
		Machine:    machine,
		Ledger:     potLedger,
		Gate:       gate,
		Issuer:     issuer,
		Dispatcher: dispatcher,
		Metrics:    metricRegistry,
		Logger:     logger,
	})

	go runExpirySweep(ctx, service, cfg.IntentTTL, cfg.ExpirySweepTick, logger)

	return runner.Run(ctx)
}

func runExpirySweep(ctx context.Context, service *lifecycle.Service, ttl, tick time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.ExpireStale(ctx, ttl); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}
