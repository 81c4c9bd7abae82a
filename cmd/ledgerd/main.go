package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/credit-ledger/internal/api"
	"github.com/example/credit-ledger/internal/config"
	"github.com/example/credit-ledger/internal/events/kafka"
	"github.com/example/credit-ledger/internal/ledger"
	"github.com/example/credit-ledger/internal/security"
	"github.com/example/credit-ledger/internal/storage/memory"
	"github.com/example/credit-ledger/internal/storage/postgres"
	"github.com/example/credit-ledger/internal/storage/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open entry store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	svc := ledger.NewService(store, logger)
	if err := svc.Restore(ctx); err != nil {
		logger.Error("failed to restore ledger projections", "error", err)
		os.Exit(1)
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer pub.Close()
		svc.Events = pub
		logger.Info("entry events enabled", "topic", cfg.KafkaTopic)
	}

	deps := api.Dependencies{
		Logger:       logger,
		Ledger:       svc,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}

	if len(cfg.AdminCIDRs) > 0 {
		allow, err := security.ParseCIDRAllowlist(cfg.AdminCIDRs)
		if err != nil {
			logger.Error("invalid admin CIDR allowlist", "error", err)
			os.Exit(1)
		}
		deps.AdminAllowlist = allow
	}

	if cfg.RedisAddr != "" && cfg.RateCapacity > 0 {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		deps.RateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "ledger-rate",
			Capacity:   cfg.RateCapacity,
			RefillRate: cfg.RateRefill,
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serve := srv.ListenAndServe
	if cfg.TLSCertFile != "" {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile:     cfg.TLSCertFile,
			KeyFile:      cfg.TLSKeyFile,
			ClientCAFile: cfg.TLSClientCA,
		})
		if err != nil {
			logger.Error("invalid TLS configuration", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
		serve = func() error { return srv.ListenAndServeTLS("", "") }
	}

	go func() {
		logger.Info("ledger listening", "addr", cfg.ListenAddr, "store", cfg.StoreDriver, "tls", cfg.TLSCertFile != "")
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.EntryStore, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
