package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiai/internal/auth"
	"github.com/ashita-ai/kiai/internal/config"
	"github.com/ashita-ai/kiai/internal/mcp"
	"github.com/ashita-ai/kiai/internal/provider"
	"github.com/ashita-ai/kiai/internal/ratelimit"
	"github.com/ashita-ai/kiai/internal/server"
	"github.com/ashita-ai/kiai/internal/service/gamify"
	"github.com/ashita-ai/kiai/internal/service/ingest"
	"github.com/ashita-ai/kiai/internal/service/registry"
	"github.com/ashita-ai/kiai/internal/service/session"
	"github.com/ashita-ai/kiai/internal/storage"
	"github.com/ashita-ai/kiai/internal/storage/sqlite"
	"github.com/ashita-ai/kiai/internal/telemetry"
	"github.com/ashita-ai/kiai/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(os.Getenv("KIAI_LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}

	slog.Info("kiai starting", "version", cfg.Version, "port", cfg.Port, "storage", cfg.Storage)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, notifier, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client := newProvider(cfg, logger)

	// A nil *CallbackSigner must not reach the interface fields below.
	var (
		issuer   session.TokenIssuer
		verifier server.CallbackVerifier
	)
	if cfg.CallbackVerify {
		signer, err := auth.NewCallbackSigner(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.CallbackTokenTTL)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		issuer, verifier = signer, signer
		logger.Info("callback verification: enabled", "ttl", cfg.CallbackTokenTTL)
	} else {
		logger.Warn("callback verification: disabled (any caller can post callbacks)")
	}

	reg := registry.New(store, logger)
	processor := gamify.NewProcessor(store, reg, cfg.DefaultUserID, logger)
	worker := gamify.NewWorker(store, processor, logger, cfg.WorkerPollInterval, cfg.WorkerBatchSize)
	// Only Drain stops the worker, so it outlives the signal until the
	// HTTP server has finished in-flight callbacks.
	worker.Start(context.WithoutCancel(ctx))

	pipeline := ingest.New(store, reg, worker, logger)
	sessions := session.New(client, reg, issuer, cfg.PublicURL, logger)

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if limiter != nil {
		defer func() { _ = limiter.Close() }()
	}

	var broker *server.Broker
	if notifier != nil {
		broker = server.NewBroker(notifier, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(store, reg, logger, cfg.Version)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Registry:            reg,
		Sessions:            sessions,
		Pipeline:            pipeline,
		Logger:              logger,
		Verifier:            verifier,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if broker != nil {
		g.Go(func() error {
			if err := broker.Start(gctx); err != nil {
				return fmt.Errorf("broker: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		// Stop taking callbacks first so nothing new lands in the queue,
		// then drain the worker, which is still polling at this point.
		slog.Info("kiai shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		worker.Drain(drainCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("kiai stopped")
	return nil
}

// openStore connects the configured backend. The notifier is nil unless
// Postgres has a LISTEN/NOTIFY connection.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, server.Notifier, func(), error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return st, nil, func() { _ = st.Close() }, nil

	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		db.RegisterPoolMetrics()

		// RunMigrations records applied files, so a failure here is real.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("storage: postgres", "notify", db.HasNotifyConn())

		var notifier server.Notifier
		if db.HasNotifyConn() {
			notifier = db
		}
		return db, notifier, func() { db.Close(context.Background()) }, nil
	}
}

func newProvider(cfg config.Config, logger *slog.Logger) provider.Client {
	if cfg.ProviderAPIKey == "" {
		logger.Warn("provider: disabled (no PROVIDER_API_KEY); stream start/stop return 503")
		return provider.Disabled{}
	}
	logger.Info("provider: enabled", "base_url", cfg.ProviderBaseURL)
	return provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, logger)
}

// newLimiter returns nil when rate limiting is disabled. Redis is used
// when REDIS_URL is set so limits hold across replicas.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		logger.Info("rate limiting: disabled")
		return nil, nil
	}
	if cfg.RedisURL != "" {
		l, err := ratelimit.NewRedisLimiterFromURL(ctx, cfg.RedisURL, "kiai:rl:", cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		logger.Info("rate limiting: redis", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return l, nil
	}
	logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}
