package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentpay/internal/approval"
	"agentpay/internal/async"
	"agentpay/internal/cache"
	"agentpay/internal/config"
	"agentpay/internal/httpserver"
	"agentpay/internal/intent"
	"agentpay/internal/issuing"
	"agentpay/internal/jobs"
	"agentpay/internal/ledger"
	"agentpay/internal/lifecycle"
	"agentpay/internal/logging"
	"agentpay/internal/metrics"
	"agentpay/internal/notify"
	"agentpay/internal/repo"
	"agentpay/migrations"

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
	logger.Info("starting agentpay api", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.NewPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	if cfg.WorkerAPIKey != "" {
		sum := sha256.Sum256([]byte(cfg.WorkerAPIKey))
		if err := repository.SyncWorkerKeys(ctx, []string{hex.EncodeToString(sum[:])}); err != nil {
			return fmt.Errorf("sync worker keys: %w", err)
		}
	}

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
		logger.Warn("redis ping failed", "error", err)
	}

	submitter := async.NewSubmitter(2, 128, 5*time.Second, logger, metricRegistry)
	defer submitter.Close()

	machine := intent.NewMachine(repository, metricRegistry, logger)
	potLedger := ledger.New(repository, metricRegistry, logger)
	gate := approval.NewGate(repository, machine, metricRegistry, logger)
	dispatcher := jobs.NewDispatcher(redisClient, cfg.IntentTTL, metricRegistry, logger)

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
	logger.Info("card issuer selected", "variant", cfg.Issuer)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.NotifyChannelURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyChannelURL, cfg.NotifyTimeout, logger)
	}

	service := lifecycle.New(lifecycle.Config{
		Repository:    repository,
		Machine:       machine,
		Ledger:        potLedger,
		Gate:          gate,
		Issuer:        issuer,
		Dispatcher:    dispatcher,
		Notifier:      notifier,
		Submitter:     submitter,
		Metrics:       metricRegistry,
		Logger:        logger,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	webhookHandler := issuing.NewWebhookHandler(cfg.IssuerWebhookSecret, issuer, repository, submitter, metricRegistry, logger)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, service, repository, webhookHandler, metricRegistry, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
