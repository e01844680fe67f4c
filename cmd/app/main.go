package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wa-notifier/internal/archive"
	"wa-notifier/internal/cache"
	"wa-notifier/internal/config"
	"wa-notifier/internal/convo"
	"wa-notifier/internal/credentials"
	"wa-notifier/internal/fallback"
	"wa-notifier/internal/httpserver"
	"wa-notifier/internal/inbound"
	"wa-notifier/internal/logging"
	"wa-notifier/internal/metrics"
	"wa-notifier/internal/optout"
	"wa-notifier/internal/queue"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/retry"
	"wa-notifier/internal/templates"
	"wa-notifier/internal/tenants"
	"wa-notifier/internal/wa"
	"wa-notifier/internal/window"
	"wa-notifier/migrations"

	connretry "github.com/aniladanir/retry"
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

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wa-notifier", "env", cfg.AppEnv, "database_driver", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
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
	} else {
		logger.Info("REDIS_ADDR not set, webhook dedup relies on the database only")
	}

	tenantResolver := tenants.NewResolver(repository, tenants.DefaultTTL, logger)

	credentialStore := credentials.NewFileStore(cfg.CredentialsFile, tenantResolver, logger)
	if n, err := credentialStore.SyncMappings(ctx); err != nil {
		logger.Warn("failed syncing phone number mappings", "error", err, "file", cfg.CredentialsFile)
	} else {
		logger.Info("phone number mappings synced", "count", n)
	}

	waClient := wa.New(wa.Config{
		BaseURL:           cfg.WABaseURL,
		DefaultAPIVersion: cfg.WADefaultAPIVersion,
		Timeout:           cfg.WASendTimeout,
	}, logger, metricRegistry)

	fallbackTrigger, closeFallback, err := newFallbackTrigger(cfg, logger)
	if err != nil {
		return fmt.Errorf("init email fallback: %w", err)
	}
	defer func() {
		if err := closeFallback.Close(); err != nil {
			logger.Warn("failed closing email fallback", "error", err)
		}
	}()

	tracker := window.NewTracker()
	optOuts := optout.New(repository, logger, metricRegistry)
	templateResolver := templates.NewResolver(repository, logger)

	dispatcher := queue.NewDispatcher(queue.Config{
		Enabled:    cfg.DispatchEnabled,
		BatchSize:  cfg.DispatchBatchSize,
		ItemDelay:  cfg.DispatchItemDelay,
		MaxRetries: cfg.DispatchMaxRetries,
	}, queue.Dependencies{
		Repository:  repository,
		Credentials: credentialStore,
		Sender:      waClient,
		Templates:   templateResolver,
		OptOuts:     optOuts,
		Window:      tracker,
		Fallback:    fallbackTrigger,
		Policy:      retry.NewPolicy(),
		Metrics:     metricRegistry,
	}, logger)

	conversations := convo.NewService(repository, tracker, optOuts, dispatcher, logger)

	processorOpts := []inbound.Option{}
	if redisClient != nil {
		processorOpts = append(processorOpts, inbound.WithClaimer(redisClient))
	}
	if cfg.ArchiveEnabled() {
		archiver, err := archive.NewS3(archive.Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			AccessKey: cfg.ArchiveS3AccessKey,
			SecretKey: cfg.ArchiveS3SecretKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("init webhook archive: %w", err)
		}
		processorOpts = append(processorOpts, inbound.WithArchiver(archiver))
	}
	processor := inbound.NewProcessor(repository, tenantResolver, logger, metricRegistry, processorOpts...)
	webhookHandler := wa.NewWebhookHandler(logger, metricRegistry, cfg.WAAppSecret, cfg.WAVerifyToken, processor)

	scheduler := queue.NewScheduler(dispatcher, cfg.DispatchInterval, logger)
	if dispatcher.Enabled() {
		scheduler.Start()
		defer scheduler.Stop()
	} else {
		logger.Info("built-in scheduler disabled, queue items wait for POST /admin/queue/dispatch")
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		WhatsAppWebhook: webhookHandler,
	}, cfg.PublicBasePath, cfg.AdminToken)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository:    repository,
		Redis:         redisClient,
		Dispatcher:    dispatcher,
		OptOuts:       optOuts,
		Conversations: conversations,
		Templates:     templateResolver,
	})

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

// openRepository connects to the configured driver. Postgres connects are
// retried because the database often starts alongside the service.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	if cfg.DatabaseDriver == config.DriverSQLite {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		sqlite, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return sqlite, nil
	}

	retrier, err := connretry.New(connretry.WithMaxAttemps(5))
	if err != nil {
		return nil, fmt.Errorf("init connect retrier: %w", err)
	}

	var (
		repository *repo.PostgresRepository
		lastErr    error
	)
	connect := func(attempt int) (terminate bool) {
		repository, lastErr = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if lastErr != nil {
			logger.Warn("database connect failed", "attempt", attempt, "error", lastErr)
			return ctx.Err() != nil
		}
		return true
	}
	if ok := <-retrier.Retry(ctx, connect, true); !ok || repository == nil {
		if lastErr == nil {
			lastErr = errors.New("database connect retries exhausted")
		}
		return nil, lastErr
	}
	return repository, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newFallbackTrigger publishes to AMQP when a broker is configured and logs otherwise.
func newFallbackTrigger(cfg *config.Config, logger *slog.Logger) (fallback.Trigger, io.Closer, error) {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP_URL not set, email fallbacks are only logged")
		return fallback.NewLogTrigger(logger), nopCloser{}, nil
	}
	trigger, err := fallback.NewAMQPTrigger(cfg.AMQPURL, cfg.AMQPFallbackQueue, logger)
	if err != nil {
		return nil, nil, err
	}
	return trigger, trigger, nil
}
