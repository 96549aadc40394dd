// Package app wires the bridge's dependency graph and runs the HTTP API
// server, following the same build-then-serve shape as the teacher's
// Run/runAPI split, minus the tracer/tenant/session-manager wiring this
// system has no use for.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/tavilybridge/internal/config"
	"github.com/wisbric/tavilybridge/internal/httpserver"
	"github.com/wisbric/tavilybridge/internal/keycrypt"
	"github.com/wisbric/tavilybridge/internal/platform"
	"github.com/wisbric/tavilybridge/internal/store"
	"github.com/wisbric/tavilybridge/internal/telemetry"
	"github.com/wisbric/tavilybridge/pkg/brave"
	"github.com/wisbric/tavilybridge/pkg/creditsnapshot"
	"github.com/wisbric/tavilybridge/pkg/keypool"
	"github.com/wisbric/tavilybridge/pkg/mcpproxy"
	"github.com/wisbric/tavilybridge/pkg/ratelimit"
	"github.com/wisbric/tavilybridge/pkg/rotatingclient"
	"github.com/wisbric/tavilybridge/pkg/routing"
	"github.com/wisbric/tavilybridge/pkg/tavily"
	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
	"github.com/wisbric/tavilybridge/pkg/usagelog"
)

// Built holds the dependency graph assembled by Build, shared by the HTTP
// entrypoint (cmd/bridged) and the stdio entrypoint (cmd/bridgectl).
type Built struct {
	Handler *mcpproxy.Handler
	Logger  *slog.Logger
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Metrics *prometheus.Registry
	Close   func()
}

// Build wires the bridge's full dependency graph without starting any
// listener, so both the HTTP and stdio entrypoints can share it.
func Build(ctx context.Context, cfg *config.Config) (*Built, error) {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	dbPool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	redisClient, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		dbPool.Close()
		redisClient.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	cipher, err := keycrypt.New(cfg.KeyEncryptionSecret)
	if err != nil {
		dbPool.Close()
		redisClient.Close()
		return nil, fmt.Errorf("initializing key cipher: %w", err)
	}

	refreshLock := keypool.NewRedisLock(redisClient)
	upstreamStore := store.NewUpstreamKeyStore(dbPool, refreshLock)
	tokenStore := store.NewClientTokenStore(dbPool)
	usageStore := store.NewUsageRowStore(dbPool)

	poolCfg := keypool.Config{
		SelectionStrategy:   cfg.TavilyKeySelectionStrategy,
		CreditsTTL:          time.Duration(cfg.CreditsTTLMs) * time.Millisecond,
		StaleGrace:          time.Duration(cfg.CreditsStaleGraceMs) * time.Millisecond,
		MinRemaining:        float64(cfg.CreditsMinRemaining),
		Cooldown:            time.Duration(cfg.CreditsCooldownMs) * time.Millisecond,
		RefreshLockTTL:      time.Duration(cfg.CreditsRefreshLockMs) * time.Millisecond,
		RefreshTimeout:      time.Duration(cfg.CreditsRefreshTimeoutMs) * time.Millisecond,
		RefreshMaxRetries:   cfg.CreditsRefreshMaxRetries,
		RefreshRetryDelayMs: time.Duration(cfg.CreditsRefreshRetryDelayMs) * time.Millisecond,
	}

	tavilyCredits := creditsnapshot.New(&tavily.CreditFetcher{})
	tavilyPool := keypool.New(upstreamkey.ProviderTavily, upstreamStore, cipher, tavilyCredits, refreshLock, logger, poolCfg)

	braveCredits := creditsnapshot.New(&brave.CreditFetcher{})
	bravePool := keypool.New(upstreamkey.ProviderBrave, upstreamStore, cipher, braveCredits, refreshLock, logger, poolCfg)

	braveConfigured, err := upstreamStore.HasAnyConfigured(ctx, upstreamkey.ProviderBrave)
	if err != nil {
		logger.Warn("checking configured brave keys", "error", err)
	}

	rotatingCfg := rotatingclient.Config{
		MaxRetries:  cfg.MCPMaxRetries,
		CooldownDur: time.Duration(cfg.MCPCooldownMs) * time.Millisecond,
	}

	tavilyHTTP := tavily.New(time.Duration(cfg.TavilyHTTPTimeoutMs) * time.Millisecond)
	tavilyClient := rotatingclient.New[tavily.Request, map[string]any](tavilyPool, tavilyHTTP.Call, logger, rotatingCfg)
	tavilyClient.Provider = string(upstreamkey.ProviderTavily)

	braveHTTP := brave.New(time.Duration(cfg.BraveHTTPTimeoutMs) * time.Millisecond)
	braveClient := rotatingclient.New[brave.WebSearchRequest, map[string]any](bravePool, braveHTTP.WebSearch, logger, rotatingCfg)
	braveClient.Provider = string(upstreamkey.ProviderBrave)

	braveGate := ratelimit.New(time.Duration(cfg.EffectiveBraveMinIntervalMs()) * time.Millisecond)
	braveGate.Provider = string(upstreamkey.ProviderBrave)

	usageWriter := usagelog.NewWriter(usageStore, logger, usagelog.Config{
		Mode:               usagelog.Mode(cfg.NormalizedUsageLogMode()),
		SampleRate:         cfg.BraveUsageSampleRate,
		HashSecret:         cfg.BraveUsageHashSecret,
		RetentionDays:      cfg.BraveUsageRetentionDays,
		CleanupProbability: cfg.BraveUsageCleanupProbability,
	})
	usageWriter.Start()

	mcpHandler := mcpproxy.NewHandler(mcpproxy.Handler{
		Tokens:       tokenStore,
		TavilyPool:   tavilyPool,
		TavilyClient: tavilyClient,
		BraveClient:  braveClient,
		BraveGate:    braveGate,
		Usage:        usageWriter,
		Logger:       logger,
		Config: mcpproxy.Config{
			Mode:            routing.ParseMode(cfg.SearchSourceMode),
			Overflow:        routing.ParseOverflow(cfg.BraveOverflow),
			BraveMaxQueueMs: cfg.BraveMaxQueueMs,
			BraveConfigured: braveConfigured,
		},
	})

	return &Built{
		Handler: mcpHandler,
		Logger:  logger,
		DB:      dbPool,
		Redis:   redisClient,
		Metrics: metricsReg,
		Close: func() {
			usageWriter.Close()
			redisClient.Close()
			dbPool.Close()
		},
	}, nil
}

// Run builds the dependency graph from cfg and serves the MCP HTTP API
// until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	built, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer built.Close()

	srv := httpserver.NewServer(cfg, built.Logger, built.DB, built.Redis, built.Metrics, built.Handler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		built.Logger.Info("listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
