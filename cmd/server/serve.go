package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"upgateway/internal/api"
	"upgateway/internal/auth"
	"upgateway/internal/config"
	"upgateway/internal/gateway"
	"upgateway/internal/limiter"
	"upgateway/internal/logging"
	"upgateway/internal/metering"
	"upgateway/internal/metrics"
	"upgateway/internal/observability"
	"upgateway/internal/proxy"
	"upgateway/internal/secrets"
	"upgateway/internal/store"
	"upgateway/internal/tasks"
	"upgateway/internal/webhook"
)

// gatewayStore is everything the serve path needs from persistence.
type gatewayStore interface {
	auth.KeyStore
	metering.UsageStore
	api.AdminStore
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Otel.Endpoint, cfg.Otel.ServiceName)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}
	metrics.Register()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher := tasks.New(logger, tasks.Options{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
		Timeout:   cfg.Tasks.Timeout,
	})

	lim, stopLimiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}

	var circuit *proxy.Circuit
	if c := cfg.Backend.Circuit; c.Threshold > 0 {
		circuit = proxy.NewCircuit(c.WindowSize, c.MinSamples, c.Threshold, c.Cooldown)
	}
	px, err := proxy.New(proxy.Options{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
		Circuit: circuit,
	})
	if err != nil {
		return err
	}
	routes := gateway.DefaultRoutes()
	unrouted, err := gateway.CheckRoutes(routes, px.Endpoints())
	if err != nil {
		return err
	}
	if len(unrouted) > 0 {
		logger.Warn("backend endpoints without a gateway route", zap.Strings("paths", unrouted))
	}

	tracker := metering.NewTracker(st, cfg.Metering.Timeout, gateway.DefaultPolicies.Quota)
	gw := &gateway.Handler{
		Validator:    auth.NewValidator(st, dispatcher, logger, cfg.Validator.Timeout),
		Limiter:      lim,
		Usage:        tracker,
		Proxy:        px,
		Tasks:        dispatcher,
		Notifier:     webhook.New(dispatcher),
		Logger:       logger,
		MaxBodyBytes: cfg.Backend.MaxBodyBytes,
	}
	srv := &api.Server{
		Store:   st,
		Usage:   tracker,
		Gateway: gw,
		Routes:  routes,
		Admin: api.AdminCredentials{
			Username:     cfg.Admin.Username,
			PasswordHash: cfg.Admin.PasswordHash,
			JWTSecret:    cfg.Admin.JWTSecret,
			TokenTTL:     cfg.Admin.TokenTTL,
		},
		Logger: logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", httpServer.Addr),
			zap.String("backend", cfg.Backend.URL),
			zap.String("store", cfg.Store.Driver),
			zap.String("ratelimit", cfg.RateLimit.Backend),
			zap.Bool("admin", cfg.AdminEnabled()),
			zap.Stringer("ratelimit_on_error", gateway.DefaultPolicies.RateLimit),
			zap.Stringer("quota_on_error", gateway.DefaultPolicies.Quota),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background tasks abandoned", zap.Error(err))
	}
	stopLimiter()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gatewayStore, func(), error) {
	if cfg.Store.Driver == "memory" {
		mem := store.NewMemory()
		tenant, key, err := seedDev(ctx, mem, time.Now())
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-memory store; data is lost on exit",
			zap.String("tenant_id", tenant.ID), zap.String("api_key", key))
		return mem, func() {}, nil
	}

	box, err := secrets.NewBox(cfg.Secrets.Key)
	if err != nil {
		return nil, nil, err
	}
	if !box.Enabled() {
		logger.Warn("secrets.key not set; tenant database urls are stored in plaintext")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect failed: %w", err)
	}
	return store.New(pool, box), pool.Close, nil
}

func buildLimiter(cfg *config.Config) (limiter.Limiter, func(), error) {
	if cfg.RateLimit.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return limiter.NewRedis(client, cfg.RateLimit.Window, gateway.DefaultPolicies.RateLimit), func() { _ = client.Close() }, nil
	}
	mem := limiter.NewMemory(cfg.RateLimit.Window, cfg.RateLimit.CleanupInterval)
	return mem, mem.Stop, nil
}
